package actions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formsink/formsink/internal/domain"
)

type mockWaker struct {
	wakes int
}

func (m *mockWaker) Wake() { m.wakes++ }

func testActions(endpointID uuid.UUID) []domain.Action {
	return []domain.Action{
		{ID: uuid.Must(uuid.NewV7()), EndpointID: endpointID, Type: "webhook", Enabled: true},
		{ID: uuid.Must(uuid.NewV7()), EndpointID: endpointID, Type: "email", Enabled: true},
		{ID: uuid.Must(uuid.NewV7()), EndpointID: endpointID, Type: "slack", Enabled: false},
	}
}

func TestEnqueuer_StoreAndEnqueue(t *testing.T) {
	repo := newMockRepository()
	waker := &mockWaker{}
	e := NewEnqueuer(repo, waker, 3)

	endpointID := uuid.Must(uuid.NewV7())
	sub := &domain.Submission{
		ID:         uuid.Must(uuid.NewV7()),
		EndpointID: endpointID,
		Data:       json.RawMessage(`{"name":"Ada"}`),
	}

	items, err := e.StoreAndEnqueue(context.Background(), sub, testActions(endpointID))
	require.NoError(t, err)

	// Disabled actions produce no work item.
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, StatusPending, item.Status)
		assert.Equal(t, sub.ID, item.SubmissionID)
		assert.Equal(t, 3, item.MaxAttempts)
		assert.Equal(t, 0, item.Attempts)
	}
	assert.Equal(t, 1, waker.wakes)

	stats, err := repo.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)
}

func TestEnqueuer_StoreFailureLeavesNoItems(t *testing.T) {
	repo := newMockRepository()
	repo.storeSubmissionErr = errors.New("connection lost")
	waker := &mockWaker{}
	e := NewEnqueuer(repo, waker, 3)

	endpointID := uuid.Must(uuid.NewV7())
	sub := &domain.Submission{ID: uuid.Must(uuid.NewV7()), EndpointID: endpointID}

	_, err := e.StoreAndEnqueue(context.Background(), sub, testActions(endpointID))
	require.Error(t, err)
	assert.Equal(t, 0, waker.wakes)

	stats, _ := repo.QueueStats(context.Background())
	assert.Equal(t, int64(0), stats.Pending)
}

func TestEnqueuer_Enqueue_NoEnabledActions(t *testing.T) {
	repo := newMockRepository()
	waker := &mockWaker{}
	e := NewEnqueuer(repo, waker, 3)

	items, err := e.Enqueue(context.Background(), uuid.Must(uuid.NewV7()), []domain.Action{
		{ID: uuid.Must(uuid.NewV7()), Enabled: false},
	})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 0, waker.wakes)
}

func TestEnqueuer_Enqueue_ReportsFailure(t *testing.T) {
	repo := newMockRepository()
	repo.enqueueErr = errors.New("insert failed")
	e := NewEnqueuer(repo, nil, 3)

	endpointID := uuid.Must(uuid.NewV7())
	_, err := e.Enqueue(context.Background(), uuid.Must(uuid.NewV7()), testActions(endpointID))
	require.Error(t, err)
}

func TestEnqueuer_DefaultMaxAttempts(t *testing.T) {
	repo := newMockRepository()
	e := NewEnqueuer(repo, nil, 0)

	endpointID := uuid.Must(uuid.NewV7())
	items, err := e.Enqueue(context.Background(), uuid.Must(uuid.NewV7()), testActions(endpointID))
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, 3, items[0].MaxAttempts)
}
