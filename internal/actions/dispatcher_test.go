package actions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_Success(t *testing.T) {
	repo := newMockRepository()
	sub := repo.seedChain()
	module := &mockModule{
		id: "test",
		execFn: func(_ context.Context, ec *ExecContext, _ json.RawMessage) (*Result, error) {
			// The ownership chain must be fully assembled.
			require.NotNil(t, ec.Tenant)
			require.Equal(t, "Acme", ec.Tenant.Name)
			return &Result{Status: LogStatusSuccess, Response: json.RawMessage(`{"ok":true}`)}, nil
		},
	}
	action := repo.seedAction(sub.EndpointID, "test", `{}`)
	item := repo.seedItem(sub, action, 3)

	d := NewDispatcher(repo, NewRegistry(module), time.Second)
	out := d.Dispatch(context.Background(), item)

	assert.True(t, out.Success)
	assert.Equal(t, "test", out.Module)
	assert.JSONEq(t, `{"ok":true}`, string(out.Response))
}

func TestDispatcher_UnknownModule(t *testing.T) {
	repo := newMockRepository()
	sub := repo.seedChain()
	action := repo.seedAction(sub.EndpointID, "missing", `{}`)
	item := repo.seedItem(sub, action, 3)

	d := NewDispatcher(repo, NewRegistry(), time.Second)
	out := d.Dispatch(context.Background(), item)

	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, ErrUnknownModule)

	var execErr *ExecError
	require.ErrorAs(t, out.Err, &execErr)
	assert.Equal(t, CategoryPermanent, execErr.Category)
}

func TestDispatcher_ActionDeleted(t *testing.T) {
	repo := newMockRepository()
	sub := repo.seedChain()
	action := repo.seedAction(sub.EndpointID, "test", `{}`)
	item := repo.seedItem(sub, action, 3)

	repo.mu.Lock()
	delete(repo.actions, action.ID)
	repo.mu.Unlock()

	d := NewDispatcher(repo, NewRegistry(&mockModule{id: "test"}), time.Second)
	out := d.Dispatch(context.Background(), item)

	assert.False(t, out.Success)
	assert.Equal(t, "unknown", out.Module)

	var execErr *ExecError
	require.ErrorAs(t, out.Err, &execErr)
	assert.Equal(t, CategoryPermanent, execErr.Category)
}

func TestDispatcher_SubmissionDeleted(t *testing.T) {
	repo := newMockRepository()
	sub := repo.seedChain()
	action := repo.seedAction(sub.EndpointID, "test", `{}`)
	item := repo.seedItem(sub, action, 3)
	item.SubmissionID = uuid.Must(uuid.NewV7())

	d := NewDispatcher(repo, NewRegistry(&mockModule{id: "test"}), time.Second)
	out := d.Dispatch(context.Background(), item)

	assert.False(t, out.Success)
	var execErr *ExecError
	require.ErrorAs(t, out.Err, &execErr)
	assert.Equal(t, CategoryPermanent, execErr.Category)
}

func TestDispatcher_Timeout(t *testing.T) {
	repo := newMockRepository()
	sub := repo.seedChain()
	module := &mockModule{
		id: "slow",
		execFn: func(ctx context.Context, _ *ExecContext, _ json.RawMessage) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	action := repo.seedAction(sub.EndpointID, "slow", `{}`)
	item := repo.seedItem(sub, action, 3)

	d := NewDispatcher(repo, NewRegistry(module), 20*time.Millisecond)
	out := d.Dispatch(context.Background(), item)

	assert.False(t, out.Success)
	var execErr *ExecError
	require.ErrorAs(t, out.Err, &execErr)
	assert.Equal(t, CategoryTransient, execErr.Category)
	assert.Contains(t, out.Err.Error(), "timed out")
}

func TestDispatcher_UnclassifiedErrorDefaultsTransient(t *testing.T) {
	repo := newMockRepository()
	sub := repo.seedChain()
	module := &mockModule{
		id: "test",
		execFn: func(context.Context, *ExecContext, json.RawMessage) (*Result, error) {
			return nil, errors.New("something odd")
		},
	}
	action := repo.seedAction(sub.EndpointID, "test", `{}`)
	item := repo.seedItem(sub, action, 3)

	d := NewDispatcher(repo, NewRegistry(module), time.Second)
	out := d.Dispatch(context.Background(), item)

	var execErr *ExecError
	require.ErrorAs(t, out.Err, &execErr)
	assert.Equal(t, CategoryTransient, execErr.Category)
}

func TestDispatcher_SystemErrorPassesThrough(t *testing.T) {
	repo := newMockRepository()
	sub := repo.seedChain()
	module := &mockModule{
		id: "test",
		execFn: func(context.Context, *ExecContext, json.RawMessage) (*Result, error) {
			return nil, &SystemError{Err: errors.New("decrypt secret: key mismatch")}
		},
	}
	action := repo.seedAction(sub.EndpointID, "test", `{}`)
	item := repo.seedItem(sub, action, 3)

	d := NewDispatcher(repo, NewRegistry(module), time.Second)
	out := d.Dispatch(context.Background(), item)

	assert.True(t, IsSystemError(out.Err))
}

func TestDispatcher_ModuleReportedFailure(t *testing.T) {
	repo := newMockRepository()
	sub := repo.seedChain()
	module := &mockModule{
		id: "test",
		execFn: func(context.Context, *ExecContext, json.RawMessage) (*Result, error) {
			return &Result{Status: LogStatusFailed, Response: json.RawMessage(`{"status_code":410}`)}, nil
		},
	}
	action := repo.seedAction(sub.EndpointID, "test", `{}`)
	item := repo.seedItem(sub, action, 3)

	d := NewDispatcher(repo, NewRegistry(module), time.Second)
	out := d.Dispatch(context.Background(), item)

	assert.False(t, out.Success)
	assert.JSONEq(t, `{"status_code":410}`, string(out.Response))
}
