package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"sentinel/core"
	"sentinel/detect"

	"github.com/gorilla/mux"
)

const (
	defaultMetricsWindow = time.Hour
	healthCheckTimeout   = 2 * time.Second
)

// Status values reported for a user
const (
	UserStatusActive      = "active"
	UserStatusSuspicious  = "suspicious"
	UserStatusQuarantined = "quarantined"
)

// IPStatusResponse reports whether an IP is blocked
type IPStatusResponse struct {
	IP      string `json:"ip"`
	Blocked bool   `json:"blocked"`
}

// UserStatusResponse reports the gate state of a user
type UserStatusResponse struct {
	UserID      string `json:"user_id"`
	Status      string `json:"status"`
	Suspicious  bool   `json:"suspicious"`
	Quarantined bool   `json:"quarantined"`
}

// RuleToggleRequest enables or disables a rule
type RuleToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Time   string `json:"time"`
}

func (a *API) maxBodyBytes() int64 {
	if a.config.API.MaxBodyBytes > 0 {
		return a.config.API.MaxBodyBytes
	}
	return 1 << 20
}

// emitEvent ingests one security event
func (a *API) emitEvent(w http.ResponseWriter, r *http.Request) {
	var input core.SecurityEventInput
	if err := a.decodeJSONBodyWithLimit(w, r, &input, a.maxBodyBytes()); err != nil {
		return
	}

	event, err := a.engine.ProcessSecurityEvent(r.Context(), input)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, event)
	case errors.Is(err, core.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error(), nil, nil)
	case errors.Is(err, core.ErrEngineNotStarted), errors.Is(err, core.ErrEngineStopped):
		writeError(w, http.StatusServiceUnavailable, "Security engine unavailable", err, a.logger)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "Request cancelled", err, a.logger)
	default:
		writeError(w, http.StatusInternalServerError, "Failed to process event", err, a.logger)
	}
}

func (a *API) getIPStatus(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	writeJSON(w, http.StatusOK, IPStatusResponse{IP: ip, Blocked: a.engine.IsBlocked(ip)})
}

func (a *API) getUserStatus(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	resp := UserStatusResponse{
		UserID:      userID,
		Status:      UserStatusActive,
		Suspicious:  a.engine.IsSuspicious(userID),
		Quarantined: a.engine.IsQuarantined(userID),
	}
	switch {
	case resp.Quarantined:
		resp.Status = UserStatusQuarantined
	case resp.Suspicious:
		resp.Status = UserStatusSuspicious
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseRegulations accepts repeated and comma separated regulation parameters
func parseRegulations(r *http.Request) []core.Regulation {
	var regs []core.Regulation
	for _, value := range r.URL.Query()["regulation"] {
		for _, name := range strings.Split(value, ",") {
			name = strings.ToUpper(strings.TrimSpace(name))
			if name != "" {
				regs = append(regs, core.Regulation(name))
			}
		}
	}
	return regs
}

func (a *API) validateCompliance(w http.ResponseWriter, r *http.Request) {
	var record core.Record
	if err := a.decodeJSONBodyWithLimit(w, r, &record, a.maxBodyBytes()); err != nil {
		return
	}
	if record == nil {
		writeError(w, http.StatusBadRequest, "Record must be a JSON object", nil, nil)
		return
	}

	result, err := a.engine.ValidateCompliance(record, parseRegulations(r)...)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, core.ErrUnknownRegulation):
		writeError(w, http.StatusBadRequest, err.Error(), nil, nil)
	default:
		writeError(w, http.StatusInternalServerError, "Compliance validation failed", err, a.logger)
	}
}

func (a *API) getSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	window := defaultMetricsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration such as 15m or 1h", nil, nil)
			return
		}
		window = parsed
	}
	writeJSON(w, http.StatusOK, a.engine.GetSecurityMetrics(window))
}

func (a *API) getRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Rules())
}

func (a *API) setRuleEnabled(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req RuleToggleRequest
	if err := a.decodeJSONBodyWithLimit(w, r, &req, a.maxBodyBytes()); err != nil {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required", nil, nil)
		return
	}

	if err := a.engine.SetRuleEnabled(id, *req.Enabled); err != nil {
		if errors.Is(err, detect.ErrRuleNotFound) {
			writeError(w, http.StatusNotFound, err.Error(), nil, nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to update rule", err, a.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Time: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK

	if a.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := a.health.Ping(ctx); err != nil {
			a.logger.Warnw("Health check failed", "error", err)
			resp.Status = "degraded"
			resp.Error = sanitizeErrorMessage(err.Error())
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}
