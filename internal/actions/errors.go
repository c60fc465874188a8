package actions

import (
	"errors"
	"fmt"
)

// Repository errors.
var (
	ErrItemNotFound       = errors.New("queue item not found")
	ErrActionNotFound     = errors.New("action not found")
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrEndpointNotFound   = errors.New("endpoint not found")
	ErrProjectNotFound    = errors.New("project not found")
	ErrTenantNotFound     = errors.New("tenant not found")
)

// ErrUnknownModule is returned when an action references a module id that is
// not in the registry.
var ErrUnknownModule = errors.New("unknown action module")

// ConfigError reports invalid module configuration. Returned by
// ValidateConfig at action-creation time; a configuration that fails
// validation never reaches the queue.
type ConfigError struct {
	Module string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s config: %s", e.Module, e.Reason)
}

// Category classifies execution failures for the audit log. Both categories
// consume the item's attempt budget; a permanent error is expected to fail
// identically on every retry, which operators should read as a configuration
// problem rather than a transient fault.
type Category string

// Execution error categories.
const (
	CategoryTransient Category = "transient"
	CategoryPermanent Category = "permanent"
)

// ExecError is a normalized module execution failure. Response optionally
// carries the remote response payload for the audit log.
type ExecError struct {
	Category Category
	Err      error
	Response []byte
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// NewTransientError wraps a temporary failure (network timeout, 5xx, SMTP 4xx).
func NewTransientError(err error) *ExecError {
	return &ExecError{Category: CategoryTransient, Err: err}
}

// NewPermanentError wraps a failure that will not resolve on retry
// (blocked destination, missing credentials, 4xx client error).
func NewPermanentError(err error) *ExecError {
	return &ExecError{Category: CategoryPermanent, Err: err}
}

// SystemError reports an infrastructure fault (store unavailable, decryption
// key mismatch). The fault is not the action's: the item is released back to
// pending and the attempt is not counted.
type SystemError struct {
	Err error
}

func (e *SystemError) Error() string { return fmt.Sprintf("system: %v", e.Err) }

func (e *SystemError) Unwrap() error { return e.Err }

// IsSystemError reports whether err is an infrastructure fault.
func IsSystemError(err error) bool {
	var se *SystemError
	return errors.As(err, &se)
}
