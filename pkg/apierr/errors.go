// Package apierr provides a structured error type shared across the
// coordinator's external interfaces: transport errors, tool call failures,
// and kernel faults all surface through the same shape so that HTTP
// responses and streamed events stay consistent.
package apierr

import "fmt"

// Kind categorizes an error for clients deciding how to react (retry,
// surface to a human, abandon the session).
type Kind string

const (
	KindInvalidRequest   Kind = "invalid_request"
	KindNotFound         Kind = "not_found"
	KindProviderError    Kind = "provider_error"
	KindToolError        Kind = "tool_error"
	KindApprovalRejected Kind = "approval_rejected"
	KindApprovalTimeout  Kind = "approval_timeout"
	KindKernelError      Kind = "kernel_error"
	KindBudgetExceeded   Kind = "budget_exceeded"
	KindServerError      Kind = "server_error"
	KindTooManyRequests  Kind = "too_many_requests"
)

// Error is a structured error with a kind, optional code/param, and message.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Kind, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Response wraps an Error for JSON serialization as a top-level error body.
type Response struct {
	Error *Error `json:"error"`
}

func NewInvalidRequest(param, message string) *Error {
	return &Error{Kind: KindInvalidRequest, Param: param, Message: message}
}

func NewNotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func NewServerError(message string) *Error {
	return &Error{Kind: KindServerError, Message: message}
}

func NewProviderError(code, message string) *Error {
	return &Error{Kind: KindProviderError, Code: code, Message: message}
}

func NewTooManyRequests(message string) *Error {
	return &Error{Kind: KindTooManyRequests, Message: message}
}

// ToolCallError describes a single tool call failure within an execution,
// naming the provider and tool alongside the error kind. Nothing in this
// module attaches one to a StreamEvent or an execution result: a failed
// tool call reaches the executed code as the Python ToolCallError raised
// by the generated tool module.
type ToolCallError struct {
	ServerName string `json:"server_name"`
	ToolName   string `json:"tool_name"`
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
}

func (e *ToolCallError) Error() string {
	return fmt.Sprintf("%s.%s: %s: %s", e.ServerName, e.ToolName, e.Kind, e.Message)
}

func NewToolCallError(serverName, toolName string, kind Kind, message string) *ToolCallError {
	return &ToolCallError{ServerName: serverName, ToolName: toolName, Kind: kind, Message: message}
}
