// Package domain contains shared domain types.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is the top-level ownership boundary. Every project, endpoint,
// submission and stored secret belongs to exactly one tenant.
type Tenant struct {
	ID        uuid.UUID
	Name      string
	Slug      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Project groups endpoints under a tenant.
type Project struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Name      string
	Slug      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Endpoint is a tenant-defined ingestion target. Fields describes the
// expected submission fields; Settings holds endpoint-level options
// (CORS origins, redirect URL, retention) opaque to this subsystem.
type Endpoint struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	Name      string
	Slug      string
	Fields    []byte
	Settings  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}
