package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Action is a tenant-authored notification action on an endpoint. Config is
// module-specific JSON interpreted by the module identified by Type.
// Execution order follows Position, ties broken by insertion order.
// Read-only to the action-execution subsystem.
type Action struct {
	ID         uuid.UUID
	EndpointID uuid.UUID
	Type       string
	Config     json.RawMessage
	Position   int
	Enabled    bool
	CreatedAt  time.Time
}

// TenantSMTP is a tenant's stored SMTP configuration. Username and password
// are encrypted at rest; see the secrets package for the envelope format.
type TenantSMTP struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Host        string
	Port        int
	UsernameEnc []byte
	PasswordEnc []byte
	FromAddress string
	FromName    string
	TLSMode     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
