package tool

import "fmt"

// ErrorKind is the tool layer's failure taxonomy (spec.md §4.1, §7).
type ErrorKind string

const (
	ErrPathEscape      ErrorKind = "path_escape"
	ErrUnreadOverwrite ErrorKind = "unread_overwrite"
	ErrWriteConflict   ErrorKind = "write_conflict"
	ErrShellPolicy     ErrorKind = "shell_policy"
	ErrRepetitionLimit ErrorKind = "repetition_limit"
	ErrMaxDepth        ErrorKind = "max_depth"
	ErrTimeout         ErrorKind = "timeout"
	ErrToolArgument    ErrorKind = "tool_argument"
)

// Error is the typed error every builtin tool returns for failures in
// its taxonomy. It is never fatal to the solve: the engine converts it
// to a ToolResult whose Error field carries the message and continues
// the step loop.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
