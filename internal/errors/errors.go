// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition  = errors.New("invalid conversation status transition")
	ErrAlreadyTransferred = errors.New("conversation already transferred")
	ErrLockHeld           = errors.New("processing lock held by another worker")
)

// NotFoundError is returned when a row looked up by id does not exist
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

// Helper constructor
func NewNotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// ConfigError marks failures that retrying cannot fix: missing or rejected
// credentials, a disabled integration, a malformed request.
type ConfigError struct {
	Integration string
	Reason      string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: configuration error: %s", e.Integration, e.Reason)
}

func NewConfigError(integration, reason string) error {
	return &ConfigError{Integration: integration, Reason: reason}
}

// TransientError wraps network, timeout and rate-limit failures.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func NewTransient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsRetryable treats every failure that is not a configuration error as
// transient. Unknown errors from the network stack land here too.
func IsRetryable(err error) bool {
	return err != nil && !IsConfig(err)
}
