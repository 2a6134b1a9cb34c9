package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/rs/zerolog"
)

// ActorHeader carries the identity of the caller of a mutating request.
const ActorHeader = "X-NetIntent-Actor"

// maxSubmitBytes bounds a submission body.
const maxSubmitBytes = 4 << 20

// SubmitBody is the JSON body of POST /runs. Intent is either a string holding
// YAML or JSON text, or an inline JSON object.
type SubmitBody struct {
	Intent       json.RawMessage `json:"intent"`
	IntentFormat string          `json:"intent_format,omitempty"`
	Mode         string          `json:"mode"`
	Scope        string          `json:"scope"`
	TemplateSet  string          `json:"template_set,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	SubmittedBy  string          `json:"submitted_by,omitempty"`
}

// SubmitResponse is returned by POST /runs.
type SubmitResponse struct {
	RunID string `json:"run_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Kind    string                 `json:"kind,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Handler is the HTTP facade over the Control API.
type Handler struct {
	svc     *Service
	watcher *Watcher
	metrics http.Handler
	logger  zerolog.Logger
}

// NewHandler creates the HTTP facade. watcher and metrics may be nil.
func NewHandler(svc *Service, watcher *Watcher, metrics http.Handler, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:     svc,
		watcher: watcher,
		metrics: metrics,
		logger:  logger.With().Str("component", "http").Logger(),
	}
}

// Router returns the HTTP routes:
//
//	POST /runs                                  submit
//	GET  /runs                                  list runs (?scope=&state=&limit=)
//	GET  /runs/{id}                             status
//	POST /runs/{id}/approve                     approve
//	POST /runs/{id}/cancel                      cancel
//	GET  /runs/{id}/events                      execution events (?after=&limit=)
//	GET  /runs/{id}/audit                       audit entries
//	GET  /runs/{id}/artifacts/{phase}/{name}    artifact bytes
//	GET  /runs/{id}/watch                       websocket push
//	GET  /healthz                               health check
//	GET  /metrics                               Prometheus metrics
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Health)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	mux.HandleFunc("POST /runs", h.SubmitRun)
	mux.HandleFunc("GET /runs", h.ListRuns)
	mux.HandleFunc("GET /runs/{id}", h.GetRun)
	mux.HandleFunc("POST /runs/{id}/approve", h.ApproveRun)
	mux.HandleFunc("POST /runs/{id}/cancel", h.CancelRun)
	mux.HandleFunc("GET /runs/{id}/events", h.GetEvents)
	mux.HandleFunc("GET /runs/{id}/audit", h.GetAudit)
	mux.HandleFunc("GET /runs/{id}/artifacts/{phase}/{name}", h.GetArtifact)

	if h.watcher == nil {
		return h.logRequests(mux)
	}

	// The websocket route bypasses the request logger so the upgrade sees the
	// original ResponseWriter.
	root := http.NewServeMux()
	root.HandleFunc("GET /runs/{id}/watch", h.watcher.HandleWebSocket)
	root.Handle("/", h.logRequests(mux))
	return root
}

// Health reports whether the run store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SubmitRun handles POST /runs.
func (h *Handler) SubmitRun(w http.ResponseWriter, r *http.Request) {
	var body SubmitBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes))
	if err := dec.Decode(&body); err != nil {
		h.writeError(w, r, orchestrator.NewValidationError("invalid request body", err))
		return
	}

	req, err := body.toRequest()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if actor := r.Header.Get(ActorHeader); actor != "" {
		req.SubmittedBy = actor
	}

	runID, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/runs/"+runID)
	writeJSON(w, http.StatusAccepted, SubmitResponse{RunID: runID})
}

func (b SubmitBody) toRequest() (SubmitRequest, error) {
	req := SubmitRequest{
		IntentFormat: b.IntentFormat,
		Mode:         orchestrator.Mode(b.Mode),
		Scope:        b.Scope,
		TemplateSet:  b.TemplateSet,
		Tags:         b.Tags,
		SubmittedBy:  b.SubmittedBy,
	}

	raw := bytes.TrimSpace(b.Intent)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return req, orchestrator.NewValidationError("intent is required", nil).
			WithCode(orchestrator.CodeMalformedIntent)
	case raw[0] == '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return req, orchestrator.NewValidationError("intent is not a valid JSON string", err).
				WithCode(orchestrator.CodeMalformedIntent)
		}
		req.Intent = []byte(text)
	default:
		// Inline JSON is JSON regardless of the declared format.
		req.Intent = raw
		req.IntentFormat = FormatJSON
	}
	return req, nil
}

// ListRuns handles GET /runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := orchestrator.RunFilter{
		Scope: q.Get("scope"),
		State: orchestrator.RunState(q.Get("state")),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, orchestrator.NewValidationError("invalid limit", err))
			return
		}
		filter.Limit = limit
	}

	runs, err := h.svc.ListRuns(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*orchestrator.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun handles GET /runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ApproveRun handles POST /runs/{id}/approve.
func (h *Handler) ApproveRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Approve(r.Context(), r.PathValue("id"), r.Header.Get(ActorHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CancelRun handles POST /runs/{id}/cancel.
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Cancel(r.Context(), r.PathValue("id"), r.Header.Get(ActorHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetEvents handles GET /runs/{id}/events.
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := queryInt64(q.Get("after"))
	if err != nil {
		h.writeError(w, r, orchestrator.NewValidationError("invalid after cursor", err))
		return
	}
	limit, err := queryInt64(q.Get("limit"))
	if err != nil {
		h.writeError(w, r, orchestrator.NewValidationError("invalid limit", err))
		return
	}

	events, err := h.svc.Events(r.Context(), r.PathValue("id"), after, int(limit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []orchestrator.ExecutionEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// GetAudit handles GET /runs/{id}/audit.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Audit(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []orchestrator.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// GetArtifact handles GET /runs/{id}/artifacts/{phase}/{name}.
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	rc, artifact, err := h.svc.OpenArtifact(r.Context(), r.PathValue("id"),
		orchestrator.Phase(r.PathValue("phase")), orchestrator.ArtifactName(r.PathValue("name")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(artifact.Size, 10))
	w.Header().Set("X-Artifact-Digest", artifact.Digest)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; a digest mismatch can only truncate the body.
		h.logger.Error().Err(err).
			Str("run_id", artifact.RunID).
			Str("handle", artifact.Handle).
			Msg("Failed to stream artifact")
	}
}

func queryInt64(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative: %d", n)
	}
	return n, nil
}

// StatusCode maps an error to its HTTP status.
func StatusCode(err error) int {
	switch orchestrator.KindOf(err) {
	case orchestrator.KindValidation:
		return http.StatusBadRequest
	case orchestrator.KindNotFound:
		return http.StatusNotFound
	case orchestrator.KindInvalidState:
		return http.StatusConflict
	case orchestrator.KindPreconditionFailed:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	resp := ErrorResponse{Error: err.Error()}

	var rerr *orchestrator.RunError
	if errors.As(err, &rerr) {
		resp.Error = rerr.Message
		if rerr.Err != nil {
			resp.Error += ": " + rerr.Err.Error()
		}
		resp.Kind = string(rerr.Kind)
		resp.Code = rerr.Code
		resp.Details = rerr.Details
	}

	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request failed")
		resp.Error = "internal error"
		resp.Details = nil
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
