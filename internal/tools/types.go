// Package tools provides the permission-gated tools chatty exposes to models.
package tools

import (
	"errors"
	"fmt"

	"github.com/mattn/go-runewidth"
)

// ToolErrorType provides structured errors for agent retry logic.
type ToolErrorType string

const (
	ErrInvalidParams    ToolErrorType = "invalid_params"
	ErrExecutionFailed  ToolErrorType = "execution_failed"
	ErrPermissionDenied ToolErrorType = "permission_denied"
	ErrTimeout          ToolErrorType = "timeout"
	ErrDisabled         ToolErrorType = "disabled"
)

// ToolError provides structured error information for retry logic.
type ToolError struct {
	Type    ToolErrorType `json:"type"`
	Message string        `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewToolError creates a new ToolError.
func NewToolError(errType ToolErrorType, message string) *ToolError {
	return &ToolError{Type: errType, Message: message}
}

// NewToolErrorf creates a new ToolError with formatted message.
func NewToolErrorf(errType ToolErrorType, format string, args ...any) *ToolError {
	return &ToolError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// IsToolError reports whether err is a ToolError of the given type.
func IsToolError(err error, errType ToolErrorType) bool {
	var te *ToolError
	return errors.As(err, &te) && te.Type == errType
}

// Tool names
const (
	BashToolName      = "bash"
	WriteFileToolName = "write_file"
	EditFileToolName  = "edit_file"
)

// AllToolNames returns all valid tool spec names.
func AllToolNames() []string {
	return []string{BashToolName, WriteFileToolName, EditFileToolName}
}

// truncateCommand shortens a command for messages without splitting runes.
func truncateCommand(cmd string) string {
	return runewidth.Truncate(cmd, 50, "...")
}
