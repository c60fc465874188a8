package actions

import (
	"context"
	"encoding/json"

	"github.com/formsink/formsink/internal/actions/template"
	"github.com/formsink/formsink/internal/domain"
)

// Result is a module's execution outcome. Response is an opaque payload
// stored in the audit log.
type Result struct {
	Status   LogStatus
	Response json.RawMessage
}

// ExecContext carries everything a module needs for one execution. It is
// assembled per dispatch from the submission's ownership chain and never
// persisted. Modules derive tenant scope from Tenant only, never from
// caller-supplied input.
type ExecContext struct {
	Submission *domain.Submission
	Endpoint   *domain.Endpoint
	Project    *domain.Project
	Tenant     *domain.Tenant
}

// TemplateContext builds the variable set available to placeholder
// interpolation. Unparseable payload sections resolve to no variables.
func (ec *ExecContext) TemplateContext() *template.Context {
	tc := &template.Context{
		Data:     decodeFields(ec.Submission.Data),
		Extras:   decodeFields(ec.Submission.Extras),
		Metadata: decodeFields(ec.Submission.Metadata),
	}
	tc.Endpoint.ID = ec.Endpoint.ID.String()
	tc.Endpoint.Name = ec.Endpoint.Name
	tc.Endpoint.Slug = ec.Endpoint.Slug
	tc.Project.Name = ec.Project.Name
	tc.Project.Slug = ec.Project.Slug
	tc.Tenant.Name = ec.Tenant.Name
	tc.Submission.ID = ec.Submission.ID.String()
	tc.Submission.CreatedAt = ec.Submission.CreatedAt
	return tc
}

func decodeFields(raw json.RawMessage) map[string]any {
	fields := make(map[string]any)
	if len(raw) == 0 {
		return fields
	}
	_ = json.Unmarshal(raw, &fields)
	return fields
}

// Module is one pluggable notification channel. The set of modules is
// compiled in and registered once at process start.
type Module interface {
	// ID is the stable action-type identifier stored in action records.
	ID() string

	// Name is the human-readable module name for the configuration UI.
	Name() string

	// ConfigSchema describes the module's configuration as a JSON schema,
	// consumed by the configuration UI.
	ConfigSchema() json.RawMessage

	// ValidateConfig checks tenant-supplied configuration at action-creation
	// time. Returns *ConfigError on invalid input.
	ValidateConfig(config json.RawMessage) error

	// Execute runs the action at delivery time. Failures are reported as
	// *ExecError or *SystemError; a Result with LogStatusFailed reports a
	// failure observed in the remote response.
	Execute(ctx context.Context, ec *ExecContext, config json.RawMessage) (*Result, error)
}

// Registry is an immutable module lookup built at startup and passed into
// the dispatcher by reference.
type Registry struct {
	modules map[string]Module
	order   []string
}

// NewRegistry builds a registry from the given modules. Later registrations
// with a duplicate id are ignored.
func NewRegistry(modules ...Module) *Registry {
	r := &Registry{modules: make(map[string]Module, len(modules))}
	for _, m := range modules {
		if _, ok := r.modules[m.ID()]; ok {
			continue
		}
		r.modules[m.ID()] = m
		r.order = append(r.order, m.ID())
	}
	return r
}

// Get returns the module with the given id.
func (r *Registry) Get(id string) (Module, bool) {
	m, ok := r.modules[id]
	return m, ok
}

// List returns all modules in registration order.
func (r *Registry) List() []Module {
	out := make([]Module, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.modules[id])
	}
	return out
}
