package actions

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/formsink/formsink/internal/domain"
)

// mockRepository is an in-memory Repository with real queue semantics, so
// worker tests exercise the same state transitions the store performs.
type mockRepository struct {
	mu sync.Mutex

	items       map[uuid.UUID]*QueueItem
	actions     map[uuid.UUID]*domain.Action
	submissions map[uuid.UUID]*domain.Submission
	endpoints   map[uuid.UUID]*domain.Endpoint
	projects    map[uuid.UUID]*domain.Project
	tenants     map[uuid.UUID]*domain.Tenant
	logEntries  []LogEntry

	storeSubmissionErr error
	enqueueErr         error
	claimErr           error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		items:       make(map[uuid.UUID]*QueueItem),
		actions:     make(map[uuid.UUID]*domain.Action),
		submissions: make(map[uuid.UUID]*domain.Submission),
		endpoints:   make(map[uuid.UUID]*domain.Endpoint),
		projects:    make(map[uuid.UUID]*domain.Project),
		tenants:     make(map[uuid.UUID]*domain.Tenant),
	}
}

// seedChain installs a tenant, project, endpoint and submission and returns
// the submission.
func (m *mockRepository) seedChain() *domain.Submission {
	tenant := &domain.Tenant{ID: uuid.Must(uuid.NewV7()), Name: "Acme", Slug: "acme"}
	project := &domain.Project{ID: uuid.Must(uuid.NewV7()), TenantID: tenant.ID, Name: "Site", Slug: "site"}
	endpoint := &domain.Endpoint{ID: uuid.Must(uuid.NewV7()), ProjectID: project.ID, Name: "Contact", Slug: "contact"}
	sub := &domain.Submission{
		ID:         uuid.Must(uuid.NewV7()),
		EndpointID: endpoint.ID,
		Data:       json.RawMessage(`{"name":"Ada","email":"ada@example.com"}`),
		CreatedAt:  time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[tenant.ID] = tenant
	m.projects[project.ID] = project
	m.endpoints[endpoint.ID] = endpoint
	m.submissions[sub.ID] = sub
	return sub
}

func (m *mockRepository) seedAction(endpointID uuid.UUID, actionType string, config string) *domain.Action {
	a := &domain.Action{
		ID:         uuid.Must(uuid.NewV7()),
		EndpointID: endpointID,
		Type:       actionType,
		Config:     json.RawMessage(config),
		Enabled:    true,
		CreatedAt:  time.Now(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[a.ID] = a
	return a
}

func (m *mockRepository) seedItem(sub *domain.Submission, action *domain.Action, maxAttempts int) *QueueItem {
	item := &QueueItem{
		ID:            uuid.Must(uuid.NewV7()),
		SubmissionID:  sub.ID,
		ActionID:      action.ID,
		Status:        StatusPending,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: time.Now(),
		CreatedAt:     time.Now(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
	return item
}

func (m *mockRepository) item(id uuid.UUID) QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}

func (m *mockRepository) logs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, len(m.logEntries))
	copy(out, m.logEntries)
	return out
}

func (m *mockRepository) StoreSubmission(_ context.Context, sub *domain.Submission, items []*QueueItem) error {
	if m.storeSubmissionErr != nil {
		return m.storeSubmissionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions[sub.ID] = sub
	for _, item := range items {
		m.items[item.ID] = item
	}
	return nil
}

func (m *mockRepository) Enqueue(_ context.Context, items []*QueueItem) error {
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		m.items[item.ID] = item
	}
	return nil
}

func (m *mockRepository) ClaimBatch(ctx context.Context, limit int) ([]*QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	claimed := make([]*QueueItem, 0, limit)
	for _, item := range m.items {
		if len(claimed) == limit {
			break
		}
		if item.Status == StatusPending && !item.NextAttemptAt.After(now) {
			item.Status = StatusProcessing
			claimedAt := now
			item.ClaimedAt = &claimedAt
			cp := *item
			claimed = append(claimed, &cp)
		}
	}
	return claimed, nil
}

// The transition methods mirror the store's semantics: they honor context
// cancellation and only apply to items currently claimed as processing, so
// a stale writer is a no-op.
func (m *mockRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != StatusProcessing {
		return ErrItemNotFound
	}
	now := time.Now()
	item.Status = StatusCompleted
	item.ClaimedAt = nil
	item.CompletedAt = &now
	return nil
}

func (m *mockRepository) MarkForRetry(ctx context.Context, id uuid.UUID, execErr error, nextAttemptAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != StatusProcessing {
		return ErrItemNotFound
	}
	item.Status = StatusPending
	item.Attempts++
	item.ClaimedAt = nil
	item.LastError = execErr.Error()
	item.NextAttemptAt = nextAttemptAt
	return nil
}

func (m *mockRepository) MarkFailed(ctx context.Context, id uuid.UUID, execErr error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != StatusProcessing {
		return ErrItemNotFound
	}
	now := time.Now()
	item.Status = StatusFailed
	item.Attempts++
	item.ClaimedAt = nil
	item.LastError = execErr.Error()
	item.CompletedAt = &now
	return nil
}

func (m *mockRepository) ReleaseToPending(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != StatusProcessing {
		return ErrItemNotFound
	}
	item.Status = StatusPending
	item.ClaimedAt = nil
	item.NextAttemptAt = time.Now()
	return nil
}

func (m *mockRepository) RecoverStuckProcessing(_ context.Context, grace time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-grace)
	var recovered int64
	for _, item := range m.items {
		if item.Status == StatusProcessing && item.ClaimedAt != nil && item.ClaimedAt.Before(cutoff) {
			item.Status = StatusPending
			item.ClaimedAt = nil
			item.NextAttemptAt = time.Now()
			recovered++
		}
	}
	return recovered, nil
}

func (m *mockRepository) DeleteTerminal(_ context.Context, status Status, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var deleted int64
	for id, item := range m.items {
		if item.Status == status && item.CompletedAt != nil && item.CompletedAt.Before(cutoff) {
			delete(m.items, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *mockRepository) QueueStats(_ context.Context) (*QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &QueueStats{}
	for _, item := range m.items {
		switch item.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (m *mockRepository) GetAction(_ context.Context, id uuid.UUID) (*domain.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	return a, nil
}

func (m *mockRepository) GetSubmission(_ context.Context, id uuid.UUID) (*domain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	return s, nil
}

func (m *mockRepository) GetEndpoint(_ context.Context, id uuid.UUID) (*domain.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok {
		return nil, ErrEndpointNotFound
	}
	return e, nil
}

func (m *mockRepository) GetProject(_ context.Context, id uuid.UUID) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrProjectNotFound
	}
	return p, nil
}

func (m *mockRepository) GetTenant(_ context.Context, id uuid.UUID) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return t, nil
}

func (m *mockRepository) ListEnabledActions(_ context.Context, endpointID uuid.UUID) ([]domain.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Action, 0)
	for _, a := range m.actions {
		if a.EndpointID == endpointID && a.Enabled {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *mockRepository) CreateLogEntry(_ context.Context, entry *LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ExecutedAt = time.Now()
	m.logEntries = append(m.logEntries, *entry)
	return nil
}

func (m *mockRepository) ListLogByAction(_ context.Context, actionID uuid.UUID, limit, offset int) ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, 0)
	for _, e := range m.logEntries {
		if e.ActionID == actionID {
			out = append(out, e)
		}
	}
	if offset >= len(out) {
		return []LogEntry{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// mockModule is a configurable Module for dispatcher and worker tests.
type mockModule struct {
	id     string
	execFn func(ctx context.Context, ec *ExecContext, config json.RawMessage) (*Result, error)

	mu    sync.Mutex
	calls int
}

func (m *mockModule) ID() string                    { return m.id }
func (m *mockModule) Name() string                  { return m.id }
func (m *mockModule) ConfigSchema() json.RawMessage { return json.RawMessage(`{}`) }
func (m *mockModule) ValidateConfig(_ json.RawMessage) error {
	return nil
}

func (m *mockModule) Execute(ctx context.Context, ec *ExecContext, config json.RawMessage) (*Result, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.execFn != nil {
		return m.execFn(ctx, ec, config)
	}
	return &Result{Status: LogStatusSuccess}, nil
}

func (m *mockModule) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
