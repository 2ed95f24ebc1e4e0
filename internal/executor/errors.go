package executor

import "fmt"

// ValidationError reports an action call whose shape or parameters are
// invalid before any authorization or device I/O happens.
type ValidationError struct {
	Kind   string
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s action: %s: %s", e.Kind, e.Field, e.Detail)
	}
	return fmt.Sprintf("invalid %s action: %s", e.Kind, e.Detail)
}

// ForbiddenError reports an action denied by the trust engine.
type ForbiddenError struct {
	Kind   string
	Person string
	Reason string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("action %s forbidden for %s: %s", e.Kind, e.Person, e.Reason)
}

// ConfirmationRequiredError reports a high-risk action that needs an
// explicit confirmation before it may run.
type ConfirmationRequiredError struct {
	Kind   string
	Reason string
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("action %s requires confirmation: %s", e.Kind, e.Reason)
}

// ExecutionError reports a failure from the device side after
// authorization passed.
type ExecutionError struct {
	Kind string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action %s failed: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
