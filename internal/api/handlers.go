// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/rampart/internal/classify"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/errors"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFromErr maps error kinds onto HTTP statuses.
func statusFromErr(err error) int {
	switch {
	case errors.IsKind(err, errors.KindNotFound):
		return http.StatusNotFound
	case errors.IsKind(err, errors.KindValidation), errors.IsKind(err, errors.KindInvalidTarget):
		return http.StatusBadRequest
	case errors.IsKind(err, errors.KindConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptime_seconds":  int(s.opts.Clock.Now().Sub(s.startTime).Seconds()),
		"ledger_degraded": s.opts.Ledger.Degraded(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Sentinel.Status())
}

func (s *Server) handleBans(w http.ResponseWriter, r *http.Request) {
	bans := s.opts.Ledger.ListActive(s.opts.Clock.Now())
	writeJSON(w, http.StatusOK, map[string]any{"bans": bans, "count": len(bans)})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	if err := s.opts.Sentinel.Unban(r.Context(), ip); err != nil {
		writeError(w, statusFromErr(err), err.Error())
		return
	}
	s.logger.Info("Manual unban via API", "ip", ip)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned", "ip": ip})
}

// policyDTO is the wire form of the runtime policy.
type policyDTO struct {
	WindowSeconds       int                 `json:"window_seconds"`
	Threshold           int                 `json:"threshold"`
	BanMinutes          int                 `json:"ban_minutes"`
	UseFirewall         bool                `json:"use_firewall"`
	AutoBlockConfidence float64             `json:"auto_block_confidence"`
	Thresholds          classify.Thresholds `json:"thresholds"`
}

func toDTO(p config.Policy) policyDTO {
	return policyDTO{
		WindowSeconds:       int(p.Window.Seconds()),
		Threshold:           p.Threshold,
		BanMinutes:          int(p.BanDuration.Minutes()),
		UseFirewall:         p.UseFirewall,
		AutoBlockConfidence: p.AutoBlockConfidence,
		Thresholds:          p.Thresholds,
	}
}

func (d policyDTO) toPolicy() (config.Policy, error) {
	if d.WindowSeconds <= 0 || d.BanMinutes <= 0 {
		return config.Policy{}, errors.New(errors.KindValidation, "window_seconds and ban_minutes must be positive")
	}
	if d.AutoBlockConfidence < 0 || d.AutoBlockConfidence > 1 {
		return config.Policy{}, errors.Errorf(errors.KindValidation,
			"auto_block_confidence %.2f out of range [0,1]", d.AutoBlockConfidence)
	}
	return config.Policy{
		Window:              time.Duration(d.WindowSeconds) * time.Second,
		Threshold:           d.Threshold,
		BanDuration:         time.Duration(d.BanMinutes) * time.Minute,
		UseFirewall:         d.UseFirewall,
		AutoBlockConfidence: d.AutoBlockConfidence,
		Thresholds:          d.Thresholds,
	}, nil
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toDTO(s.opts.Policies.Load()))
}

// handlePutPolicy swaps the runtime policy snapshot. The change applies
// to the next decision and does not survive a restart; persistent
// changes belong in the config file.
func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var dto policyDTO
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "malformed policy body")
		return
	}
	policy, err := dto.toPolicy()
	if err != nil {
		writeError(w, statusFromErr(err), err.Error())
		return
	}
	s.opts.Policies.Swap(policy)
	s.logger.Info("Policy updated via API",
		"ban_minutes", dto.BanMinutes, "use_firewall", dto.UseFirewall)
	writeJSON(w, http.StatusOK, toDTO(policy))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := s.opts.Emitter.History()
	if limit := queryInt(r, "limit", 0); limit > 0 && limit < len(events) {
		events = events[len(events)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	if s.opts.Analytics == nil {
		writeError(w, http.StatusNotFound, "detection history not enabled")
		return
	}
	limit := queryInt(r, "limit", 100)
	events, err := s.opts.Analytics.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"detections": events, "count": len(events)})
}

func (s *Server) handleOffenders(w http.ResponseWriter, r *http.Request) {
	if s.opts.Analytics == nil {
		writeError(w, http.StatusNotFound, "detection history not enabled")
		return
	}
	now := s.opts.Clock.Now()
	since := now.Add(-time.Duration(queryInt(r, "hours", 24)) * time.Hour)
	offenders, err := s.opts.Analytics.TopOffenders(since, now, queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offenders": offenders})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
