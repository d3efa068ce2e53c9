// pkg/errors/pipeline_errors.go
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType classifies pipeline errors into the categories the rest of the
// system dispatches on.
type ErrorType string

const (
	TypeConfiguration     ErrorType = "configuration"
	TypeDimensionMismatch ErrorType = "dimension_mismatch"
	TypeInvalidInput      ErrorType = "invalid_input"
	TypeResponderFailure  ErrorType = "responder_failure"
	TypeSourceDisconnect  ErrorType = "source_disconnected"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// PipelineError represents a structured error from the detection pipeline.
// Recoverable errors are contained to the window or call that produced them;
// non-recoverable errors invalidate pipeline invariants and stop monitoring.
type PipelineError struct {
	Component   string                 `json:"component"`
	Type        ErrorType              `json:"error_type"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Severity    Severity               `json:"severity"`
	Recoverable bool                   `json:"recoverable"`
	Cause       error                  `json:"-"`
}

// Error implements the error interface.
func (pe *PipelineError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", pe.Component, pe.Type, pe.Message)
}

// Unwrap returns the underlying cause.
func (pe *PipelineError) Unwrap() error {
	return pe.Cause
}

// IsType reports whether err is a PipelineError of the given type anywhere in
// its chain.
func IsType(err error, t ErrorType) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Type == t
	}
	return false
}

// IsRecoverable reports whether err may be contained and logged rather than
// propagated. Unknown errors are treated as non-recoverable.
func IsRecoverable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Recoverable
	}
	return false
}

// Helper constructors for the error taxonomy.

func NewConfigurationError(component, message string, details map[string]interface{}) *PipelineError {
	return &PipelineError{
		Component:   component,
		Type:        TypeConfiguration,
		Message:     message,
		Details:     details,
		Timestamp:   time.Now(),
		Severity:    SeverityCritical,
		Recoverable: false,
	}
}

func NewDimensionMismatchError(component string, want, got int) *PipelineError {
	return &PipelineError{
		Component: component,
		Type:      TypeDimensionMismatch,
		Message:   fmt.Sprintf("feature vector has %d dimensions, model expects %d", got, want),
		Details: map[string]interface{}{
			"expected": want,
			"actual":   got,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
	}
}

func NewInvalidInputError(component, message string) *PipelineError {
	return &PipelineError{
		Component:   component,
		Type:        TypeInvalidInput,
		Message:     message,
		Timestamp:   time.Now(),
		Severity:    SeverityHigh,
		Recoverable: false,
	}
}

func NewResponderFailureError(component string, action string, cause error) *PipelineError {
	return &PipelineError{
		Component: component,
		Type:      TypeResponderFailure,
		Message:   fmt.Sprintf("responder action failed: %s", action),
		Details: map[string]interface{}{
			"action": action,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
		Cause:       cause,
	}
}

func NewSourceDisconnectedError(component string, cause error) *PipelineError {
	return &PipelineError{
		Component:   component,
		Type:        TypeSourceDisconnect,
		Message:     "event source stopped delivering events",
		Timestamp:   time.Now(),
		Severity:    SeverityHigh,
		Recoverable: false,
		Cause:       cause,
	}
}
