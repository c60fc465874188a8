// Package postgres provides the PostgreSQL implementation of the actions
// repository. Worker coordination relies on row locking: ClaimBatch uses
// FOR UPDATE SKIP LOCKED so concurrent workers partition claimable items
// without blocking each other.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/formsink/formsink/internal/actions"
	"github.com/formsink/formsink/internal/domain"
	"github.com/formsink/formsink/internal/secrets"
	"github.com/google/uuid"
)

// Repository implements actions.Repository and secrets.Store using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const queueItemColumns = `id, submission_id, action_id, status, attempts, max_attempts,
	COALESCE(last_error, ''), next_attempt_at, claimed_at, created_at, completed_at`

func scanQueueItem(row pgx.Row) (*actions.QueueItem, error) {
	var item actions.QueueItem
	err := row.Scan(
		&item.ID,
		&item.SubmissionID,
		&item.ActionID,
		&item.Status,
		&item.Attempts,
		&item.MaxAttempts,
		&item.LastError,
		&item.NextAttemptAt,
		&item.ClaimedAt,
		&item.CreatedAt,
		&item.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// StoreSubmission inserts a submission and its queue items in one transaction.
func (r *Repository) StoreSubmission(ctx context.Context, sub *domain.Submission, items []*actions.QueueItem) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		INSERT INTO submissions (id, endpoint_id, data, extras, raw, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	err = tx.QueryRow(ctx, query,
		sub.ID,
		sub.EndpointID,
		sub.Data,
		sub.Extras,
		sub.Raw,
		sub.Metadata,
	).Scan(&sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}

	if err := insertItems(ctx, tx, items); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Enqueue inserts work items for an already-committed submission.
func (r *Repository) Enqueue(ctx context.Context, items []*actions.QueueItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := insertItems(ctx, tx, items); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insertItems(ctx context.Context, tx pgx.Tx, items []*actions.QueueItem) error {
	query := `
		INSERT INTO action_queue (id, submission_id, action_id, status, attempts, max_attempts, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, item := range items {
		_, err := tx.Exec(ctx, query,
			item.ID,
			item.SubmissionID,
			item.ActionID,
			item.Status,
			item.Attempts,
			item.MaxAttempts,
			item.NextAttemptAt,
		)
		if err != nil {
			return fmt.Errorf("insert queue item %s: %w", item.ID, err)
		}
	}
	return nil
}

// ClaimBatch atomically claims up to limit pending items whose next attempt
// time has passed. SKIP LOCKED keeps concurrent claimers from blocking on or
// double-claiming each other's rows.
func (r *Repository) ClaimBatch(ctx context.Context, limit int) ([]*actions.QueueItem, error) {
	query := `
		UPDATE action_queue
		SET status = 'processing', claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM action_queue
			WHERE status = 'pending' AND next_attempt_at <= NOW()
			ORDER BY next_attempt_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + queueItemColumns

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	items := make([]*actions.QueueItem, 0, limit)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkCompleted transitions a claimed item to completed. The status guard
// makes a late writer a no-op: only the current claimant's transition
// applies, so terminal states never transition out.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE action_queue
		SET status = 'completed', claimed_at = NULL, last_error = NULL, completed_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return actions.ErrItemNotFound
	}
	return nil
}

// MarkForRetry counts a failed attempt and returns the item to the claimable
// pool once nextAttemptAt elapses.
func (r *Repository) MarkForRetry(ctx context.Context, id uuid.UUID, execErr error, nextAttemptAt time.Time) error {
	query := `
		UPDATE action_queue
		SET status = 'pending', attempts = attempts + 1, claimed_at = NULL,
		    last_error = $2, next_attempt_at = $3
		WHERE id = $1 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, errMessage(execErr), nextAttemptAt)
	if err != nil {
		return fmt.Errorf("mark for retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return actions.ErrItemNotFound
	}
	return nil
}

// MarkFailed counts a failed attempt and transitions the item to the terminal
// failed state.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, execErr error) error {
	query := `
		UPDATE action_queue
		SET status = 'failed', attempts = attempts + 1, claimed_at = NULL,
		    last_error = $2, completed_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, errMessage(execErr))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return actions.ErrItemNotFound
	}
	return nil
}

// ReleaseToPending returns a claimed item to pending without counting an
// attempt.
func (r *Repository) ReleaseToPending(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE action_queue
		SET status = 'pending', claimed_at = NULL, next_attempt_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("release to pending: %w", err)
	}
	if result.RowsAffected() == 0 {
		return actions.ErrItemNotFound
	}
	return nil
}

// RecoverStuckProcessing returns items claimed longer than grace ago to the
// claimable pool.
func (r *Repository) RecoverStuckProcessing(ctx context.Context, grace time.Duration) (int64, error) {
	query := `
		UPDATE action_queue
		SET status = 'pending', claimed_at = NULL, next_attempt_at = NOW()
		WHERE status = 'processing' AND claimed_at < NOW() - $1::interval
	`
	result, err := r.db.Exec(ctx, query, grace.String())
	if err != nil {
		return 0, fmt.Errorf("recover stuck processing: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteTerminal removes terminal items older than the retention window.
func (r *Repository) DeleteTerminal(ctx context.Context, status actions.Status, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM action_queue
		WHERE status = $1 AND completed_at < NOW() - $2::interval
	`
	result, err := r.db.Exec(ctx, query, status, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("delete terminal items: %w", err)
	}
	return result.RowsAffected(), nil
}

// QueueStats returns aggregate queue health counters.
func (r *Repository) QueueStats(ctx context.Context) (*actions.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(EXTRACT(EPOCH FROM NOW() - MIN(next_attempt_at) FILTER (
				WHERE status = 'pending' AND next_attempt_at <= NOW()
			)), 0)
		FROM action_queue
	`
	var stats actions.QueueStats
	var oldestSeconds float64
	err := r.db.QueryRow(ctx, query).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&oldestSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	stats.OldestPendingAge = time.Duration(oldestSeconds * float64(time.Second))
	return &stats, nil
}

// GetAction retrieves an action by ID.
func (r *Repository) GetAction(ctx context.Context, id uuid.UUID) (*domain.Action, error) {
	query := `
		SELECT id, endpoint_id, action_type, config, position, enabled, created_at
		FROM actions
		WHERE id = $1
	`
	var a domain.Action
	err := r.db.QueryRow(ctx, query, id).Scan(
		&a.ID,
		&a.EndpointID,
		&a.Type,
		&a.Config,
		&a.Position,
		&a.Enabled,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, actions.ErrActionNotFound
		}
		return nil, fmt.Errorf("get action: %w", err)
	}
	return &a, nil
}

// GetSubmission retrieves a submission by ID.
func (r *Repository) GetSubmission(ctx context.Context, id uuid.UUID) (*domain.Submission, error) {
	query := `
		SELECT id, endpoint_id, data, extras, raw, metadata, created_at
		FROM submissions
		WHERE id = $1
	`
	var s domain.Submission
	err := r.db.QueryRow(ctx, query, id).Scan(
		&s.ID,
		&s.EndpointID,
		&s.Data,
		&s.Extras,
		&s.Raw,
		&s.Metadata,
		&s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, actions.ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return &s, nil
}

// GetEndpoint retrieves an endpoint by ID.
func (r *Repository) GetEndpoint(ctx context.Context, id uuid.UUID) (*domain.Endpoint, error) {
	query := `
		SELECT id, project_id, name, slug, fields, settings, created_at, updated_at
		FROM endpoints
		WHERE id = $1
	`
	var e domain.Endpoint
	err := r.db.QueryRow(ctx, query, id).Scan(
		&e.ID,
		&e.ProjectID,
		&e.Name,
		&e.Slug,
		&e.Fields,
		&e.Settings,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, actions.ErrEndpointNotFound
		}
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	return &e, nil
}

// GetProject retrieves a project by ID.
func (r *Repository) GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	query := `
		SELECT id, tenant_id, name, slug, created_at, updated_at
		FROM projects
		WHERE id = $1
	`
	var p domain.Project
	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.TenantID,
		&p.Name,
		&p.Slug,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, actions.ErrProjectNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// GetTenant retrieves a tenant by ID.
func (r *Repository) GetTenant(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	query := `
		SELECT id, name, slug, created_at, updated_at
		FROM tenants
		WHERE id = $1
	`
	var t domain.Tenant
	err := r.db.QueryRow(ctx, query, id).Scan(
		&t.ID,
		&t.Name,
		&t.Slug,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, actions.ErrTenantNotFound
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

// ListEnabledActions returns an endpoint's enabled actions ordered by
// position, ties broken by insertion order.
func (r *Repository) ListEnabledActions(ctx context.Context, endpointID uuid.UUID) ([]domain.Action, error) {
	query := `
		SELECT id, endpoint_id, action_type, config, position, enabled, created_at
		FROM actions
		WHERE endpoint_id = $1 AND enabled = true
		ORDER BY position, created_at
	`
	rows, err := r.db.Query(ctx, query, endpointID)
	if err != nil {
		return nil, fmt.Errorf("list enabled actions: %w", err)
	}
	defer rows.Close()

	acts := make([]domain.Action, 0)
	for rows.Next() {
		var a domain.Action
		err := rows.Scan(
			&a.ID,
			&a.EndpointID,
			&a.Type,
			&a.Config,
			&a.Position,
			&a.Enabled,
			&a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		acts = append(acts, a)
	}
	return acts, rows.Err()
}

// CreateLogEntry writes an immutable audit record for a terminal outcome.
func (r *Repository) CreateLogEntry(ctx context.Context, entry *actions.LogEntry) error {
	query := `
		INSERT INTO action_log (id, action_id, submission_id, status, response)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING executed_at
	`
	err := r.db.QueryRow(ctx, query,
		entry.ID,
		entry.ActionID,
		entry.SubmissionID,
		entry.Status,
		entry.Response,
	).Scan(&entry.ExecutedAt)
	if err != nil {
		return fmt.Errorf("create log entry: %w", err)
	}
	return nil
}

// ListLogByAction retrieves an action's execution history, newest first.
func (r *Repository) ListLogByAction(ctx context.Context, actionID uuid.UUID, limit, offset int) ([]actions.LogEntry, error) {
	query := `
		SELECT id, action_id, submission_id, status, response, executed_at
		FROM action_log
		WHERE action_id = $1
		ORDER BY executed_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, actionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list action log: %w", err)
	}
	defer rows.Close()

	entries := make([]actions.LogEntry, 0)
	for rows.Next() {
		var e actions.LogEntry
		err := rows.Scan(
			&e.ID,
			&e.ActionID,
			&e.SubmissionID,
			&e.Status,
			&e.Response,
			&e.ExecutedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetTenantSMTP retrieves a tenant's stored SMTP configuration. Implements
// secrets.Store.
func (r *Repository) GetTenantSMTP(ctx context.Context, tenantID uuid.UUID) (*domain.TenantSMTP, error) {
	query := `
		SELECT id, tenant_id, host, port, username_enc, password_enc,
		       from_address, COALESCE(from_name, ''), tls_mode, created_at, updated_at
		FROM tenant_smtp_configs
		WHERE tenant_id = $1
	`
	var cfg domain.TenantSMTP
	err := r.db.QueryRow(ctx, query, tenantID).Scan(
		&cfg.ID,
		&cfg.TenantID,
		&cfg.Host,
		&cfg.Port,
		&cfg.UsernameEnc,
		&cfg.PasswordEnc,
		&cfg.FromAddress,
		&cfg.FromName,
		&cfg.TLSMode,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, secrets.ErrSMTPNotConfigured
		}
		return nil, fmt.Errorf("get tenant smtp config: %w", err)
	}
	return &cfg, nil
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 1024 {
		msg = msg[:1024]
	}
	return msg
}
