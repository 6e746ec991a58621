package coordinatorhttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rhuss/sandboxd/pkg/apierr"
	"github.com/rhuss/sandboxd/pkg/auth"
	"github.com/rhuss/sandboxd/pkg/coordinator"
	"github.com/rhuss/sandboxd/pkg/history"
)

// Adapter routes HTTP requests to one Coordinator's Stream, Execute, and
// Reset methods, the same explicit-routing-table shape as the teacher's
// pkg/transport/http.Adapter but fronting a single long-lived session
// instead of one-shot response creation.
type Adapter struct {
	coord       *coordinator.Coordinator
	history     history.Store // nil if the session has no history store configured
	mux         *http.ServeMux
	authChain   *auth.AuthChain   // nil disables authentication
	rateLimiter auth.RateLimiter // nil disables rate limiting; only meaningful with authChain set
}

// createExecutionRequest is the POST /executions body. TimeoutMs is a
// pointer so an omitted field (no budget) is distinguishable from an
// explicit 0 (an already-exhausted budget, per coordinator.StreamOptions).
type createExecutionRequest struct {
	Code      string `json:"code"`
	TimeoutMs *int64 `json:"timeout_ms"`
	Stream    bool   `json:"stream"`
	Chunks    bool   `json:"chunks"`
}

// NewAdapter builds the routing table for one Coordinator session. The
// history store is optional and only backs the read-only listing
// endpoints; Stream/Execute record to it internally regardless, via the
// Coordinator's own Config.History.
func NewAdapter(coord *coordinator.Coordinator, store history.Store) *Adapter {
	a := &Adapter{coord: coord, history: store, mux: http.NewServeMux()}

	a.mux.HandleFunc("POST /executions", a.handleCreateExecution)
	a.mux.HandleFunc("POST /executions/{id}/reset", a.handleReset)
	a.mux.HandleFunc("GET /executions", a.handleListExecutions)
	a.mux.HandleFunc("GET /executions/{id}", a.handleGetExecution)

	return a
}

// Handler returns the http.Handler for this adapter, wrapped with
// recovery, request ID, metrics, authentication (if RequireAuth was
// called), and logging middleware in that order (outermost first), matching the
// teacher's default middleware chain.
func (a *Adapter) Handler(logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mws := []Middleware{recovery(logger), requestID(), metrics()}
	if a.authChain != nil {
		mws = append(mws, auth.Middleware(a.authChain, a.rateLimiter, nil))
	}
	mws = append(mws, logging(logger))
	return chain(a.mux, mws...)
}

func (a *Adapter) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req createExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code must not be empty")
		return
	}

	timeout := coordinator.NoTimeout
	if req.TimeoutMs != nil {
		timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}

	if !req.Stream {
		result, err := a.coord.Execute(r.Context(), req.Code, timeout)
		if err != nil {
			writeCoordinatorError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resultPayload(result))
		return
	}

	events, err := a.coord.Stream(r.Context(), req.Code, coordinator.StreamOptions{Timeout: timeout, Chunks: req.Chunks})
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeSSE(w, events)
}

func (a *Adapter) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := a.coord.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Adapter) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(w, http.StatusNotImplemented, "execution history is not available (no store configured)")
		return
	}

	q := r.URL.Query()
	opts := history.ListOptions{SessionID: q.Get("session_id"), After: q.Get("after")}
	if q.Get("desc") == "true" {
		opts.Desc = true
	}

	list, err := a.history.ListExecutions(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

func (a *Adapter) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(w, http.StatusNotImplemented, "execution history is not available (no store configured)")
		return
	}

	id := r.PathValue("id")
	rec, err := a.history.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution "+id+" not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apierr.Response{Error: &apierr.Error{Kind: kindFor(status), Message: message}})
}

func kindFor(status int) apierr.Kind {
	switch status {
	case http.StatusBadRequest:
		return apierr.KindInvalidRequest
	case http.StatusNotFound:
		return apierr.KindNotFound
	case http.StatusNotImplemented:
		return apierr.KindInvalidRequest
	case http.StatusTooManyRequests:
		return apierr.KindTooManyRequests
	default:
		return apierr.KindServerError
	}
}

func writeCoordinatorError(w http.ResponseWriter, err error) {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus(apiErr.Kind))
		json.NewEncoder(w).Encode(apierr.Response{Error: apiErr})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func httpStatus(kind apierr.Kind) int {
	switch kind {
	case apierr.KindInvalidRequest:
		return http.StatusBadRequest
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindApprovalRejected, apierr.KindApprovalTimeout, apierr.KindBudgetExceeded, apierr.KindKernelError, apierr.KindToolError, apierr.KindProviderError:
		return http.StatusUnprocessableEntity
	case apierr.KindTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
