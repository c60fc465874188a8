package actions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_ListModules_RegistrationOrder(t *testing.T) {
	registry := NewRegistry(
		&mockModule{id: "webhook"},
		&mockModule{id: "email"},
		&mockModule{id: "slack"},
	)
	s := NewService(newMockRepository(), registry)

	modules := s.ListModules()
	require.Len(t, modules, 3)
	assert.Equal(t, "webhook", modules[0].ID)
	assert.Equal(t, "email", modules[1].ID)
	assert.Equal(t, "slack", modules[2].ID)
}

func TestService_ValidateActionConfig_UnknownModule(t *testing.T) {
	s := NewService(newMockRepository(), NewRegistry())

	err := s.ValidateActionConfig("nope", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownModule)
}

func TestService_ActionLog_ClampsPagination(t *testing.T) {
	repo := newMockRepository()
	registry := NewRegistry()
	s := NewService(repo, registry)

	actionID := uuid.Must(uuid.NewV7())
	for i := 0; i < 3; i++ {
		err := repo.CreateLogEntry(context.Background(), &LogEntry{
			ID:           uuid.Must(uuid.NewV7()),
			ActionID:     actionID,
			SubmissionID: uuid.Must(uuid.NewV7()),
			Status:       LogStatusSuccess,
		})
		require.NoError(t, err)
	}

	entries, err := s.ActionLog(context.Background(), actionID, -5, -1)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	entries, err = s.ActionLog(context.Background(), actionID, 2, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRegistry_DuplicateIgnored(t *testing.T) {
	first := &mockModule{id: "webhook"}
	second := &mockModule{id: "webhook"}
	registry := NewRegistry(first, second)

	got, ok := registry.Get("webhook")
	require.True(t, ok)
	assert.Same(t, Module(first), got)
	assert.Len(t, registry.List(), 1)
}
