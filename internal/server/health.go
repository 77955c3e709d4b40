package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type dependencyHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// probe reports a nil check as connected; it is simply not configured.
func probe(ctx context.Context, check func(context.Context) error) dependencyHealth {
	if check == nil {
		return dependencyHealth{Connected: true}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := check(ctx); err != nil {
		return dependencyHealth{Error: err.Error()}
	}
	return dependencyHealth{
		Connected: true,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	backendInfo := probe(ctx, s.deps.BackendHealth)
	rpcInfo := probe(ctx, s.deps.ChainHealth)
	dbInfo := probe(ctx, s.dbHealthFn)
	healthy := backendInfo.Connected && rpcInfo.Connected && dbInfo.Connected

	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	chatSessions := 0
	if s.deps.Chat != nil {
		chatSessions = s.deps.Chat.Len()
	}

	resp := struct {
		Status       string           `json:"status"`
		Backend      dependencyHealth `json:"backend"`
		RPC          dependencyHealth `json:"rpc"`
		Database     dependencyHealth `json:"database"`
		QueueDepth   int              `json:"queue_depth"`
		ChatSessions int              `json:"chat_sessions"`
	}{
		Status:       status,
		Backend:      backendInfo,
		RPC:          rpcInfo,
		Database:     dbInfo,
		QueueDepth:   s.updateDLQDepth(),
		ChatSessions: chatSessions,
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
