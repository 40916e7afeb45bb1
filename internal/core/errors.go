package core

import (
	"fmt"
	"time"
)

// CredentialLoadError indicates a credential source could not be resolved or
// verified during initialization.
type CredentialLoadError struct {
	Kind ContextKind
	Err  error
}

func (e *CredentialLoadError) Error() string {
	return fmt.Sprintf("loading %s credentials: %v", e.Kind, e.Err)
}

func (e *CredentialLoadError) Unwrap() error { return e.Err }

// ContextSwitchError indicates a switch to the target identity failed
// verification. The previously verified context remains current.
type ContextSwitchError struct {
	From ContextKind
	To   ContextKind
	Err  error
}

func (e *ContextSwitchError) Error() string {
	return fmt.Sprintf("switching context %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *ContextSwitchError) Unwrap() error { return e.Err }

// RoleAssumptionError carries the target role ARN of a failed assumption.
type RoleAssumptionError struct {
	RoleARN string
	Err     error
}

func (e *RoleAssumptionError) Error() string {
	return fmt.Sprintf("assuming role %s: %v", e.RoleARN, e.Err)
}

func (e *RoleAssumptionError) Unwrap() error { return e.Err }

// ElevationDenied is non-fatal: the elevator converts it into a
// manual-approval result rather than propagating it.
type ElevationDenied struct {
	Operation string
	Reason    string
}

func (e *ElevationDenied) Error() string {
	return fmt.Sprintf("elevation denied for %s: %s", e.Operation, e.Reason)
}

// TemplateValidationError indicates a stack template failed validation.
type TemplateValidationError struct {
	Path string
	Err  error
}

func (e *TemplateValidationError) Error() string {
	return fmt.Sprintf("validating template %s: %v", e.Path, e.Err)
}

func (e *TemplateValidationError) Unwrap() error { return e.Err }

// StackNotFoundError distinguishes "stack does not exist" from all other
// describe errors, which propagate.
type StackNotFoundError struct {
	StackName string
}

func (e *StackNotFoundError) Error() string {
	return fmt.Sprintf("stack not found: %s", e.StackName)
}

// StackOperationTimeout is fatal and never retried automatically.
type StackOperationTimeout struct {
	StackName string
	Attempts  int
	Elapsed   time.Duration
}

func (e *StackOperationTimeout) Error() string {
	return fmt.Sprintf("stack %s did not reach a terminal status after %d polls (%s)",
		e.StackName, e.Attempts, e.Elapsed)
}

// AuditWriteError indicates the local audit file could not be written. Local
// durability is the compliance floor, so this is fatal to the triggering
// operation.
type AuditWriteError struct {
	Path string
	Err  error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("writing audit log %s: %v", e.Path, e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }
