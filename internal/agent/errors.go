package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for orchestration.
var (
	// ErrMaxIterations indicates the loop exceeded its round limit.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrInputTokenCeiling indicates cumulative input tokens exceeded the limit.
	ErrInputTokenCeiling = errors.New("input token ceiling exceeded")

	// ErrNoEnabledModel indicates no enabled model could serve a request.
	ErrNoEnabledModel = errors.New("no enabled model available")

	// ErrNoProvider indicates no provider is registered for a model.
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")

	// ErrAborted indicates a tool call was cut short by cancellation.
	ErrAborted = errors.New("aborted")
)

// ToolErrorType categorizes tool execution errors.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorAborted      ToolErrorType = "aborted"
	ToolErrorExecution    ToolErrorType = "execution"
	ToolErrorPanic        ToolErrorType = "panic"
)

// ToolError is a structured tool failure.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
}

func (e *ToolError) Error() string {
	parts := []string{fmt.Sprintf("[tool:%s]", e.Type)}
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a ToolError with the type inferred from cause.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{ToolName: toolName, Cause: cause, Type: ToolErrorExecution}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
	}
	return err
}

// WithType sets the error type.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	return e
}

// WithToolCallID sets the tool call ID.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage sets a custom message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

func classifyToolError(err error) ToolErrorType {
	switch {
	case errors.Is(err, ErrToolNotFound):
		return ToolErrorNotFound
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return ToolErrorAborted
	case errors.Is(err, ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return ToolErrorTimeout
	case errors.Is(err, ErrToolPanic):
		return ToolErrorPanic
	}
	return ToolErrorExecution
}

// ErrorJSON renders a failure as the structured result fed back to the model.
func ErrorJSON(msg string) string {
	data, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"unserializable error"}`
	}
	return string(data)
}

// LoopPhase identifies where in a run an error occurred.
type LoopPhase string

const (
	PhaseInit     LoopPhase = "init"
	PhaseRound    LoopPhase = "round"
	PhaseDispatch LoopPhase = "dispatch"
	PhaseFinalize LoopPhase = "finalize"
)

// LoopError wraps a failure with the phase and round it happened in.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Cause     error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("orchestrator %s (round %d): %v", e.Phase, e.Iteration, e.Cause)
}

func (e *LoopError) Unwrap() error {
	return e.Cause
}
