package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Outcome is the normalized result of dispatching one work item. Exactly one
// of Success or Err describes the attempt; Log is the audit entry to write
// if the worker decides the outcome is terminal.
type Outcome struct {
	// Module is the action-type label for metrics, "unknown" when the
	// action could not be loaded.
	Module   string
	Success  bool
	Err      error
	Response json.RawMessage
}

// Dispatcher resolves a work item to a module, assembles the execution
// context and invokes the module under a bounded timeout. Module errors
// never escape as unhandled faults: every outcome maps to a queue state
// transition plus an audit entry.
type Dispatcher struct {
	repo     Repository
	registry *Registry
	timeout  time.Duration
}

// NewDispatcher creates a Dispatcher. timeout bounds each module execution.
func NewDispatcher(repo Repository, registry *Registry, timeout time.Duration) *Dispatcher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{repo: repo, registry: registry, timeout: timeout}
}

// Dispatch executes the work item. The returned Outcome is never nil.
// Infrastructure faults are reported as *SystemError in Outcome.Err, which
// the worker treats as "not the action's fault".
func (d *Dispatcher) Dispatch(ctx context.Context, item *QueueItem) (out *Outcome) {
	moduleID := "unknown"
	defer func() { out.Module = moduleID }()

	action, err := d.repo.GetAction(ctx, item.ActionID)
	if err != nil {
		if errors.Is(err, ErrActionNotFound) {
			return failure(NewPermanentError(fmt.Errorf("action %s: %w", item.ActionID, err)))
		}
		return failure(&SystemError{Err: fmt.Errorf("load action: %w", err)})
	}

	moduleID = action.Type

	ec, err := d.loadContext(ctx, item)
	if err != nil {
		return failure(err)
	}

	module, ok := d.registry.Get(action.Type)
	if !ok {
		return failure(NewPermanentError(fmt.Errorf("%w: %s", ErrUnknownModule, action.Type)))
	}

	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	result, err := module.Execute(execCtx, ec, action.Config)
	if err != nil {
		if IsSystemError(err) {
			return failure(err)
		}
		var execErr *ExecError
		if errors.As(err, &execErr) {
			return failure(execErr)
		}
		if errors.Is(err, context.DeadlineExceeded) || execCtx.Err() != nil {
			return failure(NewTransientError(fmt.Errorf("execution timed out after %s", d.timeout)))
		}
		// Unclassified module errors default to transient, matching the
		// retry-unknown-errors posture of the senders.
		return failure(NewTransientError(err))
	}

	if result.Status != LogStatusSuccess {
		return failure(&ExecError{
			Category: CategoryPermanent,
			Err:      errors.New("module reported failure"),
			Response: result.Response,
		})
	}

	return &Outcome{Success: true, Response: result.Response}
}

// loadContext fetches the submission ownership chain. The tenant is always
// derived from submission → endpoint → project → tenant, never from the
// action configuration: this is the credential isolation boundary.
func (d *Dispatcher) loadContext(ctx context.Context, item *QueueItem) (*ExecContext, error) {
	sub, err := d.repo.GetSubmission(ctx, item.SubmissionID)
	if err != nil {
		if errors.Is(err, ErrSubmissionNotFound) {
			return nil, NewPermanentError(fmt.Errorf("submission %s: %w", item.SubmissionID, err))
		}
		return nil, &SystemError{Err: fmt.Errorf("load submission: %w", err)}
	}

	endpoint, err := d.repo.GetEndpoint(ctx, sub.EndpointID)
	if err != nil {
		if errors.Is(err, ErrEndpointNotFound) {
			return nil, NewPermanentError(fmt.Errorf("endpoint %s: %w", sub.EndpointID, err))
		}
		return nil, &SystemError{Err: fmt.Errorf("load endpoint: %w", err)}
	}

	project, err := d.repo.GetProject(ctx, endpoint.ProjectID)
	if err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return nil, NewPermanentError(fmt.Errorf("project %s: %w", endpoint.ProjectID, err))
		}
		return nil, &SystemError{Err: fmt.Errorf("load project: %w", err)}
	}

	tenant, err := d.repo.GetTenant(ctx, project.TenantID)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			return nil, NewPermanentError(fmt.Errorf("tenant %s: %w", project.TenantID, err))
		}
		return nil, &SystemError{Err: fmt.Errorf("load tenant: %w", err)}
	}

	return &ExecContext{
		Submission: sub,
		Endpoint:   endpoint,
		Project:    project,
		Tenant:     tenant,
	}, nil
}

func failure(err error) *Outcome {
	out := &Outcome{Err: err}
	var execErr *ExecError
	if errors.As(err, &execErr) && execErr.Response != nil {
		out.Response = execErr.Response
	}
	return out
}
