package main

import (
	"net/http"
)

// handleGetDashboard returns the current fleet status snapshot.
func (a *API) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	snap, err := a.dashboard.Snapshot(r.Context())
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
