package stepflow

import (
	"errors"
	"fmt"
)

// Error codes for specific failure types
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeToolNotFound         = "TOOL_NOT_FOUND"
	ErrCodeToolExecution        = "TOOL_EXECUTION_ERROR"
	ErrCodeStepNotFound         = "STEP_NOT_FOUND"
	ErrCodeStepFailed           = "STEP_FAILED"
	ErrCodePathNotFound         = "PATH_NOT_FOUND"
	ErrCodeIndexOutOfBounds     = "INDEX_OUT_OF_BOUNDS"
	ErrCodeWildcardOnNonArray   = "WILDCARD_ON_NON_ARRAY"
	ErrCodeTypeMismatch         = "TYPE_MISMATCH"
	ErrCodeCircuitOpen          = "CIRCUIT_OPEN"
	ErrCodeDependencyUnresolved = "DEPENDENCY_UNRESOLVED"
	ErrCodeStepSkipped          = "STEP_SKIPPED"
	ErrCodePlanGeneration       = "PLAN_GENERATION_ERROR"
	ErrCodeSynthesis            = "SYNTHESIS_ERROR"
	ErrCodeConfiguration        = "CONFIGURATION_ERROR"
	ErrCodeCancelled            = "EXECUTION_CANCELLED"
	ErrCodeTimeout              = "EXECUTION_TIMEOUT"
	ErrCodeCache                = "CACHE_ERROR"
	ErrCodeInternal             = "INTERNAL_ERROR"
	ErrCodeExecutionNotFound    = "EXECUTION_NOT_FOUND"
	ErrCodeInProgress           = "EXECUTION_IN_PROGRESS"
)

// StepflowError is the error type returned by every stepflow component.
type StepflowError struct {
	Code    string // A machine-readable error code (e.g., ErrCodeStepNotFound)
	Message string // A human-readable message
	Stage   string // The stage where the error occurred (e.g., "validation", "resolution")
	Cause   error  // The underlying error, if any
}

// Error implements the error interface.
func (e *StepflowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *StepflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new StepflowError.
func NewError(code, stage, message string, cause error) *StepflowError {
	return &StepflowError{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf returns the code of the first StepflowError in err's chain, or "" if there is none.
func CodeOf(err error) string {
	var sfErr *StepflowError
	if errors.As(err, &sfErr) {
		return sfErr.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

// IsStepflowError reports whether err is (or wraps) a StepflowError.
func IsStepflowError(err error) bool {
	var sfErr *StepflowError
	return errors.As(err, &sfErr)
}

// Specific error constructors

func NewValidationError(message string, cause error) *StepflowError {
	return NewError(ErrCodeValidation, "validation", message, cause)
}

func NewToolNotFoundError(stage, toolName string) *StepflowError {
	return NewError(ErrCodeToolNotFound, stage, fmt.Sprintf("tool '%s' not found", toolName), nil)
}

func NewToolExecutionError(stage, toolName string, cause error) *StepflowError {
	return NewError(ErrCodeToolExecution, stage, fmt.Sprintf("execution failed for tool '%s'", toolName), cause)
}

func NewStepNotFoundError(index int) *StepflowError {
	return NewError(ErrCodeStepNotFound, "resolution", fmt.Sprintf("Step %d not found", index), nil)
}

// NewStepFailedError reports an upstream step failure. The message carries the upstream error text verbatim.
func NewStepFailedError(index int, upstream string) *StepflowError {
	return NewError(ErrCodeStepFailed, "resolution", fmt.Sprintf("Step %d failed: %s", index, upstream), nil)
}

func NewPathNotFoundError(path, key string) *StepflowError {
	return NewError(ErrCodePathNotFound, "resolution", fmt.Sprintf("Property '%s' not found at path '%s'", key, path), nil)
}

func NewIndexOutOfBoundsError(path string, index, length int) *StepflowError {
	return NewError(ErrCodeIndexOutOfBounds, "resolution",
		fmt.Sprintf("Array index %d out of bounds at path '%s' (length %d)", index, path, length), nil)
}

func NewWildcardOnNonArrayError(path string, kind Kind) *StepflowError {
	return NewError(ErrCodeWildcardOnNonArray, "resolution",
		fmt.Sprintf("Wildcard applied to non-array (%s) at path '%s'", kind, path), nil)
}

func NewTypeMismatchError(path, expected string, kind Kind) *StepflowError {
	return NewError(ErrCodeTypeMismatch, "resolution",
		fmt.Sprintf("Expected %s at path '%s', got %s", expected, path, kind), nil)
}

func NewCircuitOpenError(toolName string, cause error) *StepflowError {
	return NewError(ErrCodeCircuitOpen, "execution", fmt.Sprintf("circuit open for tool '%s'", toolName), cause)
}

func NewDependencyUnresolvedError(index int, missing []int) *StepflowError {
	return NewError(ErrCodeDependencyUnresolved, "scheduling",
		fmt.Sprintf("Step %d never became eligible: unresolved dependencies %v", index, missing), nil)
}

func NewStepSkippedError(index int, condition string) *StepflowError {
	return NewError(ErrCodeStepSkipped, "execution",
		fmt.Sprintf("Step %d skipped: condition '%s' evaluated to false", index, condition), nil)
}

func NewPlanGenerationError(cause error) *StepflowError {
	return NewError(ErrCodePlanGeneration, "planning", "failed to generate execution plan", cause)
}

func NewSynthesisError(cause error) *StepflowError {
	return NewError(ErrCodeSynthesis, "synthesis", "failed to synthesize final answer", cause)
}

func NewConfigurationError(message string, cause error) *StepflowError {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewCancelledError(stage string, cause error) *StepflowError {
	return NewError(ErrCodeCancelled, stage, "execution cancelled", cause)
}

func NewTimeoutError(stage string, cause error) *StepflowError {
	return NewError(ErrCodeTimeout, stage, "execution timed out", cause)
}

func NewCacheError(stage, operation string, cause error) *StepflowError {
	return NewError(ErrCodeCache, stage, fmt.Sprintf("cache operation '%s' failed", operation), cause)
}

func NewInternalError(stage, message string, cause error) *StepflowError {
	return NewError(ErrCodeInternal, stage, message, cause)
}

func NewExecutionNotFoundError(id string) *StepflowError {
	return NewError(ErrCodeExecutionNotFound, "async", fmt.Sprintf("execution with ID '%s' not found", id), nil)
}

func NewInProgressError(id string, state string) *StepflowError {
	return NewError(ErrCodeInProgress, "async", fmt.Sprintf("execution '%s' is still in progress (current state: %s)", id, state), nil)
}
