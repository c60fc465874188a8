package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ModuleInfo describes a registered module for the configuration UI.
type ModuleInfo struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	ConfigSchema json.RawMessage `json:"config_schema"`
}

// Service exposes the subsystem's read surface and save-time validation to
// collaborators (configuration UI, dashboard, operational tooling).
type Service struct {
	repo     Repository
	registry *Registry
}

// NewService creates a Service.
func NewService(repo Repository, registry *Registry) *Service {
	return &Service{repo: repo, registry: registry}
}

// ListModules returns registered modules in registration order.
func (s *Service) ListModules() []ModuleInfo {
	modules := s.registry.List()
	out := make([]ModuleInfo, 0, len(modules))
	for _, m := range modules {
		out = append(out, ModuleInfo{
			ID:           m.ID(),
			Name:         m.Name(),
			ConfigSchema: m.ConfigSchema(),
		})
	}
	return out
}

// ValidateActionConfig validates tenant-supplied module configuration at
// action-creation time. Returns ErrUnknownModule or *ConfigError.
func (s *Service) ValidateActionConfig(actionType string, config json.RawMessage) error {
	module, ok := s.registry.Get(actionType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, actionType)
	}
	return module.ValidateConfig(config)
}

// ActionLog returns an action's execution history, newest first.
func (s *Service) ActionLog(ctx context.Context, actionID uuid.UUID, limit, offset int) ([]LogEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListLogByAction(ctx, actionID, limit, offset)
}

// Stats returns aggregate queue health counters.
func (s *Service) Stats(ctx context.Context) (*QueueStats, error) {
	return s.repo.QueueStats(ctx)
}
