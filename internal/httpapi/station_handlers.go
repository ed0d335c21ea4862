package httpapi

import (
	"net/http"
	"strings"

	"sitespectral.org/internal/audit"
	"sitespectral.org/internal/auth"
	"sitespectral.org/internal/ratelimit"
	"sitespectral.org/internal/station"
)

type updateStationRequest struct {
	DisplayName *string `json:"display_name"`
	Status      *string `json:"status"`
}

func (a *API) handleStations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	if !auth.Can(id, auth.ActionRead, auth.ResourceStation, "") {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	stations, err := a.stations.List(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": stations,
		"count": len(stations),
	})
}

func (a *API) handleStationResource(w http.ResponseWriter, r *http.Request) {
	stationID := strings.TrimPrefix(r.URL.Path, "/stations/")
	if stationID == "" || strings.Contains(stationID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getStation(w, r, stationID)
	case http.MethodPut:
		a.updateStation(w, r, stationID)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) getStation(w http.ResponseWriter, r *http.Request, stationID string) {
	id, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	if !auth.Can(id, auth.ActionRead, auth.ResourceStation, stationID) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	st, err := a.stations.Get(r.Context(), stationID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

var stationStatuses = map[string]struct{}{
	"active":         {},
	"inactive":       {},
	"maintenance":    {},
	"decommissioned": {},
}

func (a *API) updateStation(w http.ResponseWriter, r *http.Request, stationID string) {
	id, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	if !auth.Can(id, auth.ActionWrite, auth.ResourceStation, stationID) {
		_ = audit.LogEvent(r.Context(), "authz.denied", map[string]any{
			"action":     "write",
			"resource":   "station",
			"station_id": stationID,
		})
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}

	if a.limiter != nil {
		key := clientIP(r)
		if err := a.limiter.Check(r.Context(), key, ratelimit.ActionAdminMutation); err != nil {
			handleAuthError(w, r, err)
			return
		}
		// Every mutation counts against the window; this action has no
		// success reset.
		_ = a.limiter.Record(r.Context(), key, ratelimit.ActionAdminMutation, false)
	}

	var req updateStationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.DisplayName == nil && req.Status == nil {
		writeError(w, r, http.StatusBadRequest, "no fields to update")
		return
	}
	if req.Status != nil {
		status := strings.ToLower(strings.TrimSpace(*req.Status))
		if _, ok := stationStatuses[status]; !ok {
			writeError(w, r, http.StatusBadRequest, "unknown status")
			return
		}
		req.Status = &status
	}

	st, err := a.stations.Update(r.Context(), stationID, station.Update{
		DisplayName: req.DisplayName,
		Status:      req.Status,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	fields := map[string]any{"station_id": stationID}
	if req.DisplayName != nil {
		fields["display_name"] = *req.DisplayName
	}
	if req.Status != nil {
		fields["status"] = *req.Status
	}
	_ = audit.LogEvent(r.Context(), "station.updated", fields)
	writeJSON(w, http.StatusOK, st)
}
