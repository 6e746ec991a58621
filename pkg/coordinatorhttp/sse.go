package coordinatorhttp

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rhuss/sandboxd/pkg/coordinator"
)

// writeSSE streams a Coordinator Stream call's events to w as
// Server-Sent Events, one `event: {kind}\ndata: {json}\n\n` frame per
// StreamEvent, followed by a terminal `data: [DONE]\n\n` sentinel after
// the Result event — the teacher's sseResponseWriter framing verbatim,
// generalized from response events to execution events.
func writeSSE(w http.ResponseWriter, events <-chan coordinator.StreamEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)

	for ev := range events {
		data, err := json.Marshal(sseEvent(ev))
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
		rc.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	rc.Flush()
}

// sseEvent returns the JSON-serializable payload for one StreamEvent,
// picking the populated field instead of sending the whole tagged union.
func sseEvent(ev coordinator.StreamEvent) any {
	switch ev.Kind {
	case coordinator.StreamEventChunk:
		return ev.Chunk
	case coordinator.StreamEventApprovalRequest:
		return ev.Approval
	case coordinator.StreamEventResult:
		return resultPayload(ev.Result)
	default:
		return nil
	}
}

// resultPayload renders a CodeExecutionResult's error as a string message
// so it survives JSON encoding (error is not otherwise marshalable).
func resultPayload(r *coordinator.CodeExecutionResult) any {
	if r == nil {
		return nil
	}
	payload := struct {
		Text   string   `json:"text"`
		Images []string `json:"images,omitempty"`
		Error  string   `json:"error,omitempty"`
	}{Text: r.Text, Images: r.Images}
	if r.Err != nil {
		payload.Error = r.Err.Error()
	}
	return payload
}
