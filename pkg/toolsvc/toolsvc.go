// Package toolsvc implements the Tool Service (C4): the HTTP+WebSocket
// surface the running kernel calls into for every tool invocation, fronted
// by a bearer secret and an explicit routing table in the style of this
// codebase's FunctionRegistry.HTTPHandler, generalized from "one mux per
// builtin provider" to "one mux for the whole tool service".
package toolsvc

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rhuss/sandboxd/pkg/apierr"
	"github.com/rhuss/sandboxd/pkg/approval"
	"github.com/rhuss/sandboxd/pkg/provider"
	"github.com/rhuss/sandboxd/pkg/provider/registry"
	"github.com/rhuss/sandboxd/pkg/provider/schema"
)

var toolRunDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "sandboxd_tool_run_duration_seconds",
		Help:    "Tool Service /run request duration by outcome",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	},
	[]string{"provider", "tool", "outcome"},
)

func init() {
	prometheus.MustRegister(toolRunDuration)
}

// Route is one entry in the Tool Service's explicit routing table.
type Route struct {
	Method  string
	Pattern string
	Handler http.HandlerFunc
}

// Service fronts a provider registry and approval channel with the wire
// protocol the generated kernel modules and the host approval client
// speak.
type Service struct {
	registry *registry.Registry
	channel  *approval.Channel
	logger   *slog.Logger

	mu     sync.RWMutex
	secret [32]byte
}

// New creates a Service. secret is the bearer token the kernel's generated
// modules must present on /run; it is hashed once, never stored in clear.
func New(reg *registry.Registry, channel *approval.Channel, secret string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry: reg,
		channel:  channel,
		secret:   sha256.Sum256([]byte(secret)),
		logger:   logger,
	}
}

// Rotate replaces the bearer secret the service accepts on /run, used by
// Coordinator.Reset to invalidate every tool module generated before a
// kernel reset without having to restart the listener.
func (s *Service) Rotate(secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secret = sha256.Sum256([]byte(secret))
}

// Routes returns the Tool Service's routing table.
func (s *Service) Routes() []Route {
	return []Route{
		{http.MethodPost, "/run", s.handleRun},
		{"", "/approval", s.handleApprovalWebSocket},
	}
}

// Handler builds the mux from Routes, wrapped with recovery and
// structured request logging, mirroring the teacher's transport middleware
// chain (adapted here to plain net/http.Handler, since the Tool Service is
// a JSON request/response + WebSocket surface rather than a streamed
// response API).
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, route := range s.Routes() {
		pattern := route.Pattern
		if route.Method != "" {
			pattern = route.Method + " " + route.Pattern
		}
		mux.HandleFunc(pattern, route.Handler)
	}
	return recovery(requestLogging(s.logger, mux))
}

type runRequest struct {
	Provider  string         `json:"provider"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

type runResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *apierr.Error   `json:"error,omitempty"`
}

func (s *Service) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.checkBearer(r) {
		writeJSON(w, http.StatusUnauthorized, runResponse{OK: false, Error: &apierr.Error{Kind: apierr.KindInvalidRequest, Message: "missing or invalid bearer secret"}})
		return
	}

	var req runRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, runResponse{OK: false, Error: &apierr.Error{Kind: apierr.KindInvalidRequest, Message: "malformed request body"}})
		return
	}

	start := time.Now()
	result, outcome, apiErr := s.run(r.Context(), req)
	toolRunDuration.WithLabelValues(req.Provider, req.Tool, outcome).Observe(time.Since(start).Seconds())

	if apiErr != nil {
		writeJSON(w, http.StatusOK, runResponse{OK: false, Error: apiErr})
		return
	}
	writeJSON(w, http.StatusOK, runResponse{OK: true, Result: result})
}

func (s *Service) run(ctx context.Context, req runRequest) (json.RawMessage, string, *apierr.Error) {
	session, err := s.registry.SessionFor(ctx, req.Provider)
	if err != nil {
		return nil, "provider_error", &apierr.Error{Kind: apierr.KindProviderError, Message: err.Error()}
	}

	var toolSchema *provider.ToolSchema
	for i := range session.Tools {
		if session.Tools[i].Name == req.Tool {
			toolSchema = &session.Tools[i]
			break
		}
	}
	if toolSchema == nil {
		return nil, "invalid_request", &apierr.Error{Kind: apierr.KindInvalidRequest, Message: "unknown tool " + req.Tool}
	}

	approved, err := s.channel.Request(ctx, approval.Request{ServerName: req.Provider, ToolName: req.Tool, ToolArgs: req.Arguments})
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrTimeout):
			return nil, "approval_timeout", &apierr.Error{Kind: apierr.KindApprovalTimeout, Message: "approval request timed out"}
		case errors.Is(err, approval.ErrDisconnected), errors.Is(err, approval.ErrNotConnected):
			return nil, "approval_unavailable", &apierr.Error{Kind: apierr.KindServerError, Message: err.Error()}
		default:
			return nil, "approval_error", &apierr.Error{Kind: apierr.KindServerError, Message: err.Error()}
		}
	}
	if !approved {
		return nil, "approval_rejected", &apierr.Error{Kind: apierr.KindApprovalRejected, Message: "tool call was rejected"}
	}

	if err := schema.Validate(toolSchema.InputSchema, req.Arguments); err != nil {
		return nil, "invalid_request", &apierr.Error{Kind: apierr.KindInvalidRequest, Message: err.Error()}
	}

	result, err := s.registry.Invoke(ctx, req.Provider, provider.ToolCall{Name: req.Tool, Arguments: req.Arguments})
	var transportErr *provider.TransportError
	if errors.As(err, &transportErr) {
		// One retry after discarding the broken session, matching the
		// Tool Service's documented transport-error recovery.
		_ = s.registry.Discard(req.Provider)
		result, err = s.registry.Invoke(ctx, req.Provider, provider.ToolCall{Name: req.Tool, Arguments: req.Arguments})
	}
	if err != nil {
		return nil, "transport_error", &apierr.Error{Kind: apierr.KindProviderError, Message: err.Error()}
	}
	if result.IsError {
		return nil, "tool_error", &apierr.Error{Kind: apierr.KindToolError, Message: result.Content}
	}

	payload := result.Structured
	if payload == nil {
		payload = result.Content
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "server_error", &apierr.Error{Kind: apierr.KindServerError, Message: "encoding tool result: " + err.Error()}
	}

	return data, "success", nil
}

func (s *Service) checkBearer(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimPrefix(header, prefix)
	hash := sha256.Sum256([]byte(token))

	s.mu.RLock()
	defer s.mu.RUnlock()
	return subtle.ConstantTimeCompare(hash[:], s.secret[:]) == 1
}

// wsSender adapts a *websocket.Conn to approval.Sender.
type wsSender struct {
	conn *websocket.Conn
}

func (w wsSender) Send(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Service) handleApprovalWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	if attachErr := s.channel.Attach(wsSender{conn: conn}); attachErr != nil {
		conn.Close(websocket.StatusPolicyViolation, "approval client already attached")
		return
	}
	defer s.channel.Detach()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		if err := s.channel.DecodeResponse(data); err != nil {
			s.logger.Warn("approval: malformed response frame", "error", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("toolsvc: handler panicked", "panic", rec, "path", r.URL.Path)
				writeJSON(w, http.StatusOK, runResponse{OK: false, Error: &apierr.Error{Kind: apierr.KindServerError, Message: "internal error"}})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("toolsvc request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
