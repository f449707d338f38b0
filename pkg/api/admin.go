package api

import (
	"net/http"

	"github.com/agentcom/agentcom/pkg/ratelimit"
	"github.com/agentcom/agentcom/pkg/types"
)

func (s *Server) handleRateSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.limiter.SystemRateSummary())
}

// overrideRequest is the PUT /api/v1/admin/rate-limits/{id} body; tier
// names map to bucket shapes
type overrideRequest map[string]struct {
	Capacity     int64 `json:"capacity"`
	RefillPerMin int64 `json:"refill_per_min"`
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req) == 0 {
		writeValidation(w, []string{"at least one tier override is required"})
		return
	}

	override := make(ratelimit.Override, len(req))
	var errs []string
	for tier, shape := range req {
		switch types.Tier(tier) {
		case types.TierLight, types.TierNormal, types.TierHeavy:
		default:
			errs = append(errs, "unknown tier: "+tier)
			continue
		}
		if shape.Capacity < 1 || shape.RefillPerMin < 1 {
			errs = append(errs, tier+": capacity and refill_per_min must be positive")
			continue
		}
		override[types.Tier(tier)] = ratelimit.TierLimit{
			Capacity:     shape.Capacity,
			RefillPerMin: shape.RefillPerMin,
		}
	}
	if len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	if err := s.limiter.SetOverride(r.PathValue("id"), override); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "override set"})
}

func (s *Server) handleRemoveOverride(w http.ResponseWriter, r *http.Request) {
	if err := s.limiter.RemoveOverride(r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "override removed"})
}

func (s *Server) handleGetWhitelist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"whitelist": s.limiter.Whitelist()})
}

// whitelistRequest is the PUT /api/v1/admin/whitelist body
type whitelistRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

func (s *Server) handleSetWhitelist(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.limiter.UpdateWhitelist(req.AgentIDs); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"whitelist": s.limiter.Whitelist()})
}

func (s *Server) handleAddWhitelist(w http.ResponseWriter, r *http.Request) {
	if err := s.limiter.AddToWhitelist(r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"whitelist": s.limiter.Whitelist()})
}

func (s *Server) handleRemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	if err := s.limiter.RemoveFromWhitelist(r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"whitelist": s.limiter.Whitelist()})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if err := s.maintainer.BackupAll(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "backup complete"})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.maintainer.CompactAll(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "compaction complete"})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	if err := s.maintainer.Restore(table); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored", "table": table})
}

func (s *Server) handleStorageHealth(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any)
	for _, name := range s.maintainer.TableNames() {
		t, ok := s.maintainer.Table(name)
		if !ok {
			continue
		}
		h, err := t.Health()
		if err != nil {
			out[name] = map[string]string{"error": err.Error()}
			continue
		}
		out[name] = h
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": out})
}

func (s *Server) handleWebhookHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": s.webhooks.List()})
}
