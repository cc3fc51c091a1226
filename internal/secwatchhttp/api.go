package secwatchhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/secwatch/internal/httpmw"
	"github.com/keithlinneman/secwatch/internal/log"
	"github.com/keithlinneman/secwatch/internal/secevents"
)

// maxRequestBytes bounds admin request bodies
const maxRequestBytes = 16 << 10

// Tracker is the subset of *secevents.Tracker the admin API drives
type Tracker interface {
	RecordEvent(ctx context.Context, kind secevents.Kind, identifier string, ec secevents.EventContext) error
	Block(ctx context.Context, identifier, reason string, d time.Duration) secevents.BlockRecord
	Unblock(identifier string) bool
	BlockInfo(identifier string) (secevents.BlockRecord, bool)
	Stats() secevents.Stats
	Policies() secevents.Policies
}

// API implements the security admin endpoints
type API struct {
	tracker Tracker
	logger  log.Logger
	now     func() time.Time
}

// NewAPI creates a new admin API handler
func NewAPI(tracker Tracker, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		tracker: tracker,
		logger:  logger,
		now:     time.Now,
	}
}

// RegisterRoutes attaches admin endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("events")).Post("/api/v1/events", api.HandleRecordEvent)
	blocks := r.With(httpmw.Scope("blocks"))
	blocks.Get("/api/v1/blocks/{identifier}", api.HandleGetBlock)
	blocks.Put("/api/v1/blocks/{identifier}", api.HandlePutBlock)
	blocks.Delete("/api/v1/blocks/{identifier}", api.HandleDeleteBlock)
	r.With(httpmw.Scope("stats")).Get("/api/v1/stats", api.HandleStats)
	r.With(httpmw.Scope("policies")).Get("/api/v1/policies", api.HandlePolicies)
}

// EventRequest is the body of POST /api/v1/events
type EventRequest struct {
	Kind       string                 `json:"kind"`
	Identifier string                 `json:"identifier"`
	Context    secevents.EventContext `json:"context"`
}

// BlockRequest is the body of PUT /api/v1/blocks/{identifier}
type BlockRequest struct {
	Reason   string `json:"reason"`
	Duration string `json:"duration,omitempty"`
}

// BlockResponse is an active block plus the seconds left on it
type BlockResponse struct {
	secevents.BlockRecord
	RemainingSeconds int64 `json:"remaining_seconds"`
}

// PolicyView is one policy row with a human readable window
type PolicyView struct {
	Kind        string `json:"kind"`
	MaxAttempts int    `json:"max_attempts"`
	Window      string `json:"window"`
	Severity    string `json:"severity"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleRecordEvent records a security event reported by another service
func (api *API) HandleRecordEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EventRequest
	if err := decodeBody(w, r, &req); err != nil {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	err := api.tracker.RecordEvent(ctx, secevents.Kind(strings.TrimSpace(req.Kind)), normalizeIdentifier(req.Identifier), req.Context)
	switch {
	case errors.Is(err, secevents.ErrUnknownEventKind):
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "unknown event kind"})
		return
	case errors.Is(err, secevents.ErrEmptyIdentifier):
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "identifier is required"})
		return
	case err != nil:
		api.logger.Error(ctx, err, "record event failed", "kind", req.Kind)
		api.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	api.writeJSON(ctx, w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// HandleGetBlock returns the active block for an identifier
func (api *API) HandleGetBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := normalizeIdentifier(chi.URLParam(r, "identifier"))

	rec, ok := api.tracker.BlockInfo(id)
	if !ok {
		api.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "not blocked"})
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, api.blockResponse(rec))
}

// HandlePutBlock blocks an identifier by operator request. Empty duration uses the tracker default.
func (api *API) HandlePutBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := normalizeIdentifier(chi.URLParam(r, "identifier"))

	var req BlockRequest
	if err := decodeBody(w, r, &req); err != nil {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	var d time.Duration
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed <= 0 {
			api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "duration must be a positive Go duration"})
			return
		}
		d = parsed
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual"
	}

	rec := api.tracker.Block(ctx, id, reason, d)
	api.logger.Info(ctx, "manual block applied", "identifier", id, "reason", reason)
	api.writeJSON(ctx, w, http.StatusCreated, api.blockResponse(rec))
}

// HandleDeleteBlock lifts a block early
func (api *API) HandleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := normalizeIdentifier(chi.URLParam(r, "identifier"))

	if !api.tracker.Unblock(id) {
		api.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "not blocked"})
		return
	}
	api.logger.Info(ctx, "block lifted", "identifier", id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleStats serves tracker table sizes
func (api *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, api.tracker.Stats())
}

// HandlePolicies serves the active policy table, sorted by kind
func (api *API) HandlePolicies(w http.ResponseWriter, r *http.Request) {
	table := api.tracker.Policies()
	out := make([]PolicyView, 0, len(table))
	for kind, p := range table {
		out = append(out, PolicyView{
			Kind:        string(kind),
			MaxAttempts: p.MaxAttempts,
			Window:      p.Window.String(),
			Severity:    string(p.Severity),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	api.writeJSON(r.Context(), w, http.StatusOK, out)
}

func (api *API) blockResponse(rec secevents.BlockRecord) BlockResponse {
	remaining := rec.ExpiresAt.Sub(api.now())
	if remaining < 0 {
		remaining = 0
	}
	return BlockResponse{
		BlockRecord:      rec,
		RemainingSeconds: int64((remaining + time.Second - 1) / time.Second),
	}
}

// normalizeIdentifier spells IP identifiers the way the guard middleware records
// them, so ::ffff:203.0.113.9 and 203.0.113.9 name the same client. Anything else
// (user ids, api keys) is only trimmed.
func normalizeIdentifier(s string) string {
	if ip, ok := httpmw.CanonicalIP(s); ok {
		return ip
	}
	return strings.TrimSpace(s)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
