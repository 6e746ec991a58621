package coordinator

import (
	"time"

	"github.com/rhuss/sandboxd/pkg/apierr"
)

// StreamEventKind distinguishes the three shapes of event a Stream call
// can emit: zero or more output Chunks, zero or more ApprovalRequests
// raised by tool calls the executing code makes, and exactly one terminal
// Result.
type StreamEventKind string

const (
	StreamEventChunk           StreamEventKind = "chunk"
	StreamEventApprovalRequest StreamEventKind = "approval_request"
	StreamEventResult          StreamEventKind = "result"
)

// Chunk is one piece of streamed output, mirroring kernel.Fragment without
// exposing the kernel package's wire types to Coordinator callers.
type Chunk struct {
	Text      string `json:"text,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
}

// ApprovalRequest is surfaced to the host the moment a tool call inside
// the executing code blocks on approval. Resolve it with
// Coordinator.Decide before the request's approval timeout elapses.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	ServerName  string         `json:"server_name"`
	ToolName    string         `json:"tool_name"`
	ToolArgs    map[string]any `json:"tool_args"`
	RequestedAt time.Time      `json:"requested_at"`
}

// CodeExecutionResult is the terminal outcome of one Stream or Execute
// call: accumulated text and image output on success, or the error that
// ended the execution.
type CodeExecutionResult struct {
	Text   string
	Images []string

	// Err is nil on success. On failure it is an *apierr.Error of kind
	// budget_exceeded when the execution budget ran out, the context's
	// error when ctx was canceled, or the error the kernel reported: a
	// *kernel.ExecutionError when the executed code raised (including a
	// ToolCallError raised by a generated tool module), or a kernel
	// connection error.
	Err error
}

// StreamEvent is one item delivered on the channel Stream returns.
type StreamEvent struct {
	Kind     StreamEventKind
	Chunk    *Chunk
	Approval *ApprovalRequest
	Result   *CodeExecutionResult
}

// NoTimeout, passed as StreamOptions.Timeout, means the execution has no
// wall-clock budget at all and runs until it completes on its own.
const NoTimeout time.Duration = -1

// StreamOptions configures one Stream call.
type StreamOptions struct {
	// Timeout bounds the whole execution's wall-clock budget, excluding
	// time spent waiting on approval decisions. Zero is a budget that is
	// already exhausted: the execution is interrupted before its first
	// output fragment. Use NoTimeout for an unbounded execution.
	Timeout time.Duration

	// Chunks requests incremental Chunk events as output is produced. If
	// false, only ApprovalRequest and the terminal Result are emitted.
	Chunks bool

	// autoAccept approves every tool call without surfacing an
	// ApprovalRequest event, used internally by Execute.
	autoAccept bool
}

func budgetExceededResult(partial CodeExecutionResult) CodeExecutionResult {
	partial.Err = &apierr.Error{Kind: apierr.KindBudgetExceeded, Message: "execution budget exceeded"}
	return partial
}
