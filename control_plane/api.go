package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/itskum47/FluxGuard/control_plane/aggregator"
	"github.com/itskum47/FluxGuard/control_plane/auth"
	"github.com/itskum47/FluxGuard/control_plane/idempotency"
	"github.com/itskum47/FluxGuard/control_plane/incident"
	"github.com/itskum47/FluxGuard/control_plane/lifecycle"
	"github.com/itskum47/FluxGuard/control_plane/middleware"
	"github.com/itskum47/FluxGuard/control_plane/observability"
	"github.com/itskum47/FluxGuard/control_plane/scheduler"
	"github.com/itskum47/FluxGuard/control_plane/store"
)

const (
	defaultProbeHistory   = time.Hour
	defaultScoreHistory   = 24 * time.Hour
	defaultMetricsWindow  = time.Hour
	defaultReportLookback = time.Hour
	maxBodyBytes          = 1 << 20

	IdempotencyHeader = "X-Idempotency-Key"
)

// APIDeps are the components behind the HTTP surface.
type APIDeps struct {
	Store      store.Store
	Controller *lifecycle.Controller
	Incidents  *incident.Manager
	Aggregator *aggregator.Aggregator
	Scheduler  *scheduler.Scheduler
	Dashboard  *DashboardService
	Hub        *StreamHub
	// Verifier enables bearer-token authentication; nil trusts the identity headers.
	Verifier *auth.Verifier
	// Idempotency defaults to an in-memory store.
	Idempotency *idempotency.Store
}

type API struct {
	store      store.Store
	controller *lifecycle.Controller
	incidents  *incident.Manager
	aggregator *aggregator.Aggregator
	scheduler  *scheduler.Scheduler
	dashboard  *DashboardService
	hub        *StreamHub
	verifier   *auth.Verifier
	idem       *idempotency.Store
	logger     *slog.Logger
	now        func() time.Time

	// Storm protection for mutating calls
	mutateLimiter *rate.Limiter
}

// NewAPI wires the handlers. limit <= 0 disables rate limiting.
func NewAPI(deps APIDeps, limit float64, burst int, logger *slog.Logger) *API {
	lim := rate.Limit(limit)
	if limit <= 0 {
		lim = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	idem := deps.Idempotency
	if idem == nil {
		idem = idempotency.NewStore(idempotency.DefaultTTL)
	}
	return &API{
		store:         deps.Store,
		controller:    deps.Controller,
		incidents:     deps.Incidents,
		aggregator:    deps.Aggregator,
		scheduler:     deps.Scheduler,
		dashboard:     deps.Dashboard,
		hub:           deps.Hub,
		verifier:      deps.Verifier,
		idem:          idem,
		logger:        observability.OrDiscard(logger).With("component", "api"),
		now:           time.Now,
		mutateLimiter: rate.NewLimiter(lim, burst),
	}
}

// Routes returns the full HTTP handler. /health and /metrics skip authentication.
func (a *API) Routes() http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("GET /api/services", a.handleListServices)
	api.HandleFunc("GET /api/services/{id}", a.handleGetService)
	api.HandleFunc("GET /api/services/{id}/probes", a.handleListProbes)
	api.HandleFunc("GET /api/services/{id}/metrics", a.handleServiceMetrics)
	api.HandleFunc("GET /api/services/{id}/scores", a.handleListScores)
	api.Handle("POST /api/services/{id}/actions/{action}", a.mutating("actions", a.handleAction))

	api.HandleFunc("GET /api/incidents", a.handleListIncidents)
	api.Handle("POST /api/incidents", a.mutating("incidents", a.handleOpenIncident))
	api.HandleFunc("GET /api/incidents/{id}", a.handleGetIncident)
	api.HandleFunc("GET /api/incidents/{id}/report", a.handleIncidentReport)
	api.Handle("POST /api/incidents/{id}/acknowledge", a.mutating("incidents", a.handleAcknowledgeIncident))
	api.Handle("POST /api/incidents/{id}/resolve", a.mutating("incidents", a.handleResolveIncident))
	api.Handle("POST /api/incidents/{id}/close", a.mutating("incidents", a.handleCloseIncident))

	api.HandleFunc("GET /api/audit", a.handleListAudit)

	api.HandleFunc("GET /api/scheduler", a.handleSchedulerStatus)
	api.Handle("POST /api/scheduler/{tick}/run", a.mutating("scheduler", a.handleRunTick))

	api.HandleFunc("GET /api/dashboard", a.handleGetDashboard)
	api.HandleFunc("GET /api/dashboard/stream", a.handleDashboardStream)

	var authed http.Handler = middleware.PrincipalMiddleware(api)
	if a.verifier != nil {
		authed = middleware.AuthMiddleware(a.verifier, api)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/api/", authed)

	return middleware.CORSMiddleware(mux)
}

// mutating requires an operator role, applies the storm-protection limiter and
// replays responses for repeated idempotency keys.
func (a *API) mutating(endpoint string, h http.HandlerFunc) http.Handler {
	limited := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.mutateLimiter.Allow() {
			a.writeRateLimitError(w, endpoint)
			return
		}
		a.withIdempotency(h)(w, r)
	})
	return middleware.RequireRole(limited, middleware.RoleOperator, middleware.RoleAdmin)
}

// responseRecorder captures a response for idempotent replay.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" {
			next(w, r)
			return
		}
		principal, _ := middleware.Identity(r.Context())
		scoped := principal + " " + r.Method + " " + r.URL.Path + " " + key

		ok, state, resp := a.idem.Begin(scoped)
		if !ok {
			if state == idempotency.InFlight {
				http.Error(w, "A request with this idempotency key is in progress", http.StatusConflict)
				return
			}
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		if rec.statusCode >= http.StatusInternalServerError {
			a.idem.Abandon(scoped)
			return
		}
		a.idem.Complete(scoped, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header().Clone(),
		})
	}
}

// writeRateLimitError writes a 429 response with Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()
	w.Header().Set("Retry-After", "1")
	http.Error(w, "Too Many Requests (Storm Protection Active)", http.StatusTooManyRequests)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeBody reads an optional JSON body; an empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func durationParam(r *http.Request, name string, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: expected a positive duration like 30m", name, raw)
	}
	return d, nil
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

// writeStoreError maps store and domain sentinels onto status codes.
func (a *API) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, store.ErrActiveIncidentExists), errors.Is(err, incident.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, incident.ErrResolutionRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		a.logger.Error("request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

// -- Services --

func (a *API) handleListServices(w http.ResponseWriter, r *http.Request) {
	svcs, err := a.store.ListServices(r.Context())
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svcs)
}

func (a *API) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := a.store.GetService(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (a *API) handleListProbes(w http.ResponseWriter, r *http.Request) {
	since, err := durationParam(r, "since", defaultProbeHistory)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	if _, err := a.store.GetService(r.Context(), id); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	probes, err := a.store.ListProbes(r.Context(), id, a.now().Add(-since))
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if probes == nil {
		probes = []store.HealthProbeRecord{}
	}
	writeJSON(w, http.StatusOK, probes)
}

type serviceMetricsResponse struct {
	Window  aggregator.Stats    `json:"window"`
	Rolling *aggregator.Rolling `json:"rolling,omitempty"`
}

func (a *API) handleServiceMetrics(w http.ResponseWriter, r *http.Request) {
	window, err := durationParam(r, "window", defaultMetricsWindow)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	if _, err := a.store.GetService(r.Context(), id); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	stats, err := a.aggregator.WindowStats(r.Context(), id, window)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	resp := serviceMetricsResponse{Window: stats}
	if rolling, ok := a.aggregator.Latest(id); ok {
		resp.Rolling = &rolling
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListScores(w http.ResponseWriter, r *http.Request) {
	since, err := durationParam(r, "since", defaultScoreHistory)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	if _, err := a.store.GetService(r.Context(), id); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	scores, err := a.store.ListScores(r.Context(), id, a.now().Add(-since))
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if scores == nil {
		scores = []store.ScoreRecord{}
	}
	writeJSON(w, http.StatusOK, scores)
}

// -- Lifecycle actions --

type actionRequest struct {
	Reason          string `json:"reason"`
	Confirmed       bool   `json:"confirmed"`
	TargetInstances int    `json:"target_instances"`
}

// actionStatus maps an audit outcome onto the HTTP status returned to the caller.
func actionStatus(rec *store.AuditRecord) int {
	switch rec.Outcome {
	case store.OutcomeSuccess:
		return http.StatusOK
	case store.OutcomeFailed:
		return http.StatusBadGateway
	}
	switch rec.RejectionCode {
	case lifecycle.CodeServiceNotFound:
		return http.StatusNotFound
	case lifecycle.CodeUnknownAction, lifecycle.CodeInvalidScaleTarget:
		return http.StatusBadRequest
	case lifecycle.CodeConfirmationRequired:
		return http.StatusPreconditionRequired
	case lifecycle.CodeLockUnavailable, lifecycle.CodeHistoryUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusConflict
	}
}

func (a *API) handleAction(w http.ResponseWriter, r *http.Request) {
	var body actionRequest
	if err := decodeBody(r, &body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	principal, role := middleware.Identity(r.Context())
	// Unknown names still go through Execute so the attempt is audited.
	action := store.Action(strings.ToUpper(r.PathValue("action")))
	rec, err := a.controller.Execute(r.Context(), r.PathValue("id"), action, lifecycle.Request{
		Reason:          body.Reason,
		Confirmed:       body.Confirmed,
		TargetInstances: body.TargetInstances,
		Principal:       principal,
		Role:            role,
	})
	if err != nil {
		a.logger.Error("lifecycle audit not persisted", "service_id", r.PathValue("id"), "action", action, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"record": rec, "error": err.Error()})
		return
	}
	writeJSON(w, actionStatus(rec), rec)
}

// -- Audit --

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AuditFilter{ServiceID: q.Get("service_id")}
	if raw := q.Get("action"); raw != "" {
		action, err := lifecycle.ParseRequestAction(strings.ToUpper(raw))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Action = action
	}
	if q.Get("since") != "" {
		since, err := durationParam(r, "since", 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Since = a.now().Add(-since)
	}
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.Limit = limit

	recs, err := a.store.ListAudit(r.Context(), f)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*store.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// -- Scheduler --

func (a *API) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.scheduler.Status())
}

type tickRunResponse struct {
	Tick  scheduler.TickName `json:"tick"`
	Error string             `json:"error,omitempty"`
}

func (a *API) handleRunTick(w http.ResponseWriter, r *http.Request) {
	name, ok := scheduler.ParseTick(r.PathValue("tick"))
	if !ok {
		http.Error(w, fmt.Sprintf("unknown tick %q", r.PathValue("tick")), http.StatusNotFound)
		return
	}

	err := a.scheduler.RunOnce(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, tickRunResponse{Tick: name})
	case errors.Is(err, scheduler.ErrTickRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		// Unit failures are isolated; the tick still ran.
		writeJSON(w, http.StatusOK, tickRunResponse{Tick: name, Error: err.Error()})
	}
}
