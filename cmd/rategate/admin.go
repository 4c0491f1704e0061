package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/parkerroan/rategate"
	"github.com/parkerroan/rategate/tier"
)

// registerAdmin mounts the operator endpoints. They are not rate limited and
// carry no authentication, so the admin prefix must not be exposed publicly.
func (a *app) registerAdmin(r *mux.Router) {
	r.HandleFunc("/tiers/{identifier}", a.getTier).Methods(http.MethodGet)
	r.HandleFunc("/tiers/{identifier}", a.setTier).Methods(http.MethodPut)
	r.HandleFunc("/limits/{identifier}/{resource}", a.checkLimit).Methods(http.MethodGet)
	r.HandleFunc("/limits/{identifier}/{rule}", a.resetLimit).Methods(http.MethodDelete)
	r.HandleFunc("/suspicions/{identifier}", a.getSuspicion).Methods(http.MethodGet)
	r.HandleFunc("/suspicions/{identifier}", a.clearSuspicion).Methods(http.MethodDelete)
}

type tierAssignment struct {
	Identifier string `json:"identifier"`
	Tier       string `json:"tier"`
}

type limitStatus struct {
	Allowed   bool      `json:"allowed"`
	Blocked   bool      `json:"blocked"`
	Tier      string    `json:"tier,omitempty"`
	Rule      string    `json:"rule"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"resetAt,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

func (a *app) getTier(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["identifier"]
	name, err := a.gate.GetTier(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tierAssignment{Identifier: id, Tier: name})
}

func (a *app) setTier(w http.ResponseWriter, r *http.Request) {
	var body tierAssignment
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	body.Identifier = mux.Vars(r)["identifier"]

	if err := a.gate.SetTier(r.Context(), body.Identifier, body.Tier); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *app) checkLimit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	d, err := a.gate.Check(r.Context(), vars["identifier"], vars["resource"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, limitStatus{
		Allowed:   d.Allowed,
		Blocked:   d.Blocked,
		Tier:      d.Tier,
		Rule:      d.Rule,
		Limit:     d.Limit,
		Remaining: d.Remaining,
		ResetAt:   d.ResetAt,
		Reason:    string(d.Reason),
	})
}

func (a *app) resetLimit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.gate.ResetLimit(r.Context(), vars["identifier"], vars["rule"]); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) getSuspicion(w http.ResponseWriter, r *http.Request) {
	s, ok := a.classifier.Suspicion(mux.Vars(r)["identifier"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not suspicious"})
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *app) clearSuspicion(w http.ResponseWriter, r *http.Request) {
	a.classifier.ClearSuspicion(mux.Vars(r)["identifier"])
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, rategate.ErrInvalidArgument), errors.Is(err, tier.ErrUnknownTier):
		status = http.StatusBadRequest
	case errors.Is(err, rategate.ErrRuleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, rategate.ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		a.logger.Error("admin request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
