package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/hitl/internal/logging"
	"github.com/rendis/hitl/internal/streaming"
	"github.com/rendis/hitl/pkg/schema"
)

const maxBodyBytes = 1 << 20

// StartValidator checks a raw start request body.
type StartValidator interface {
	ValidateStart(body []byte) error
}

// ServerDeps holds the dependencies of the HTTP server.
type ServerDeps struct {
	Runtime   *Runtime
	Validator StartValidator
	Gatherer  prometheus.Gatherer
	// Hub backs the event streams; nil disables them.
	Hub    streaming.EventHub
	Logger *slog.Logger
}

// Server exposes the webhook ingress and the execution API over HTTP.
type Server struct {
	deps ServerDeps
}

// NewServer creates a Server.
func NewServer(deps ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Decision-service callbacks.
	mux.HandleFunc("POST /webhook-waiting/{execution}/{path}", s.handleWebhook)

	// Execution API.
	mux.HandleFunc("POST /api/executions", s.handleStart)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGet)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancel)

	// Live lifecycle events.
	if s.deps.Hub != nil {
		mux.HandleFunc("GET /api/events", s.handleEvents)
		mux.HandleFunc("GET /api/executions/{id}/events", s.handleExecutionEvents)
	}

	// Credentials.
	mux.HandleFunc("GET /api/credentials", s.handleListCredentials)
	mux.HandleFunc("PUT /api/credentials/{name}", s.handlePutCredential)
	mux.HandleFunc("POST /api/credentials/{name}/test", s.handleTestCredential)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	return mux
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}
	res, err := s.deps.Runtime.HandleWebhook(r.Context(), r.PathValue("execution"), r.PathValue("path"), body)
	if err != nil {
		s.deps.Logger.Error("webhook failed", slog.String("execution_id", r.PathValue("execution")), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, res.StatusCode, res.Body)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateStart(body); err != nil {
			writeFailure(w, err)
			return
		}
	}
	var req StartRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	exec, err := s.deps.Runtime.Start(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, exec)
	case exec != nil:
		writeJSON(w, statusFor(err), map[string]any{"error": errorBody(err), "execution": exec})
	default:
		writeFailure(w, err)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Runtime.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Runtime.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	names, err := s.deps.Runtime.CredentialNames(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": names})
}

func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	var creds schema.Credentials
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	name := r.PathValue("name")
	if err := s.deps.Runtime.PutCredential(r.Context(), name, creds); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "name": name})
}

func (s *Server) handleTestCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Runtime.TestCredential(r.Context(), r.PathValue("name")); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "Error", "message": errorMessage(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "OK", "message": "Connection successful"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pool": s.deps.Runtime.Pool().Metrics()})
}

// statusFor maps an error code to an HTTP status.
func statusFor(err error) int {
	var he *schema.HITLError
	if !errors.As(err, &he) {
		return http.StatusInternalServerError
	}
	switch he.Code {
	case schema.ErrCodeValidation, schema.ErrCodeInterpolation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeConfiguration:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeDispatch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) any {
	var he *schema.HITLError
	if errors.As(err, &he) {
		return he
	}
	return map[string]string{"code": "INTERNAL", "message": err.Error()}
}

func errorMessage(err error) string {
	var he *schema.HITLError
	if errors.As(err, &he) {
		return he.Message
	}
	return err.Error()
}

func writeFailure(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{"error": errorBody(err)})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
