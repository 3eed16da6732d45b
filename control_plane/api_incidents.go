package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/itskum47/FluxGuard/control_plane/incident"
	"github.com/itskum47/FluxGuard/control_plane/middleware"
	"github.com/itskum47/FluxGuard/control_plane/store"
)

type openIncidentRequest struct {
	ServiceID string         `json:"service_id"`
	Title     string         `json:"title"`
	Severity  store.Severity `json:"severity"`
}

type resolveIncidentRequest struct {
	Resolution string `json:"resolution"`
}

// handleListIncidents filters by service_id, status, active=true and limit.
func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.IncidentFilter{
		ServiceID:  q.Get("service_id"),
		Status:     store.IncidentStatus(strings.ToUpper(q.Get("status"))),
		ActiveOnly: q.Get("active") == "true",
	}
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.Limit = limit

	incs, err := a.store.ListIncidents(r.Context(), f)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if incs == nil {
		incs = []*store.Incident{}
	}
	writeJSON(w, http.StatusOK, incs)
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := a.store.GetIncident(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// handleIncidentReport returns the probes, scores and actions around an incident.
func (a *API) handleIncidentReport(w http.ResponseWriter, r *http.Request) {
	lookback, err := durationParam(r, "lookback", defaultReportLookback)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	report, err := incident.Capture(r.Context(), a.store, r.PathValue("id"), lookback, a.now())
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleOpenIncident opens a MANUAL incident. A service with an active incident
// answers 409 with the existing incident.
func (a *API) handleOpenIncident(w http.ResponseWriter, r *http.Request) {
	var body openIncidentRequest
	if err := decodeBody(r, &body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.ServiceID == "" || strings.TrimSpace(body.Title) == "" {
		http.Error(w, "service_id and title are required", http.StatusBadRequest)
		return
	}
	body.Severity = store.Severity(strings.ToUpper(string(body.Severity)))
	if body.Severity != "" && body.Severity.Rank() == 0 {
		http.Error(w, "severity must be one of LOW, MEDIUM, HIGH, CRITICAL", http.StatusBadRequest)
		return
	}

	principal, _ := middleware.Identity(r.Context())
	inc, err := a.incidents.OpenManual(r.Context(), body.ServiceID, body.Title, body.Severity, principal)
	if errors.Is(err, store.ErrActiveIncidentExists) && inc != nil {
		writeJSON(w, http.StatusConflict, inc)
		return
	}
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (a *API) handleAcknowledgeIncident(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.Identity(r.Context())
	inc, err := a.incidents.Acknowledge(r.Context(), r.PathValue("id"), principal)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	var body resolveIncidentRequest
	if err := decodeBody(r, &body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	principal, _ := middleware.Identity(r.Context())
	inc, err := a.incidents.Resolve(r.Context(), r.PathValue("id"), principal, body.Resolution)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleCloseIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := a.incidents.Close(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}
