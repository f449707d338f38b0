package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/ratelimit"
	"github.com/agentcom/agentcom/pkg/types"
)

type contextKey string

// agentIDKey carries the authenticated agent id through the request
const agentIDKey contextKey = "agent_id"

// AgentID returns the authenticated agent id for a request, if any
func AgentID(r *http.Request) string {
	id, _ := r.Context().Value(agentIDKey).(string)
	return id
}

// statusRecorder captures the response code for logging and metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe logs every request and feeds the request counter
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, fmt.Sprintf("%d", rec.status)).Inc()
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("api request")
	})
}

// authenticate resolves the bearer token to an agent id and stores it
// on the request context. Requests without a valid token are rejected.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}

		agentID, err := s.tokens.ValidateBearer(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), agentIDKey, agentID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit applies per-agent token buckets to authenticated HTTP
// traffic. Denied requests get 429 with Retry-After rounded up to whole
// seconds; warned requests pass through with a warning header.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentID := AgentID(r)
		if agentID == "" || s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		d := s.limiter.Check(agentID, types.ChannelHTTP, requestTier(r))
		switch d.Verdict {
		case ratelimit.VerdictDeny:
			retryMs := s.limiter.RecordViolation(agentID)
			seconds := (retryMs + 999) / 1000
			w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":          "rate_limited",
				"retry_after_ms": retryMs,
			})
			return
		case ratelimit.VerdictWarn:
			w.Header().Set("X-RateLimit-Warning", fmt.Sprintf("%d/%d tokens remaining", d.Remaining, d.Capacity))
		}
		next.ServeHTTP(w, r)
	})
}

// requestTier maps an HTTP request onto a rate tier. Reads are light,
// mutations are normal; onboarding, task submission and channel
// creation are heavy.
func requestTier(r *http.Request) types.Tier {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return types.TierLight
	}
	switch {
	case strings.HasSuffix(r.URL.Path, "/onboard"),
		r.URL.Path == "/api/v1/tasks",
		r.URL.Path == "/api/v1/channels":
		return types.TierHeavy
	}
	return types.TierNormal
}
