package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cast"

	"github.com/ethpandaops/proofgate/pkg/upstream"
)

func (s *Server) adminRoutes(mux *http.ServeMux) {
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("POST /config", s.handlePostConfig)
	mux.HandleFunc("GET /openapi.yaml", s.handleOpenAPI)
	mux.HandleFunc("GET /config.html", s.handleConfigHTML)
	mux.HandleFunc("POST /api/restart", s.handleRestart)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type status struct {
		ChainID     uint64              `json:"chain_id"`
		EventStream string              `json:"event_stream,omitempty"`
		Upstreams   []upstream.Snapshot `json:"upstreams"`
	}

	out := status{ChainID: s.cfg.ChainID}

	if s.watcher != nil {
		out.EventStream = s.watcher.State().String()
	}

	// Registry state is loop-owned; round-trip through it for a snapshot.
	done := make(chan struct{})

	posted := s.loop.Post(func() {
		out.Upstreams = s.registry.Snapshots()
		close(done)
	})

	if posted {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"port":                    s.cfg.Port,
		"chain_id":                s.cfg.ChainID,
		"rpc_nodes":               s.cfg.RPCNodes,
		"beacon_nodes":            s.cfg.BeaconNodes,
		"prover_nodes":            s.cfg.ProverNodes,
		"beacon_events":           s.cfg.BeaconEvents,
		"req_timeout":             s.cfg.ReqTimeout.String(),
		"max_concurrency_default": s.cfg.MaxConcurrencyDefault,
		"max_concurrency_cap":     s.cfg.MaxConcurrencyCap,
		"latency_target_ms":       s.cfg.LatencyTargetMS,
		"overflow_slots":          s.cfg.OverflowSlots,
		"head_poll_enabled":       s.cfg.HeadPollEnabled,
	})
}

// handlePostConfig accepts a loose JSON object and coerces the fields it
// recognizes. Changes that affect already-built components require a
// restart, which the response points out.
func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	if v, ok := body["latency_target_ms"]; ok {
		s.cfg.LatencyTargetMS = cast.ToInt(v)
	}

	if v, ok := body["head_poll_enabled"]; ok {
		s.cfg.HeadPollEnabled = cast.ToBool(v)
	}

	if v, ok := body["req_timeout"]; ok {
		if d, err := time.ParseDuration(cast.ToString(v)); err == nil {
			s.cfg.ReqTimeout = d
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "stored; restart to apply to running components",
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})

	select {
	case <-s.restart:
	default:
		close(s.restart)
	}
}

const openAPISpec = `openapi: 3.0.3
info:
  title: proofgate
  description: Verifiable Ethereum JSON-RPC gateway.
  version: "1.0"
paths:
  /proof:
    post:
      summary: Build a binary proof for a JSON-RPC call.
  /rpc:
    post:
      summary: Answer a JSON-RPC call with a locally verified result.
  /unverified_rpc:
    post:
      summary: Transparent proxy to an execution upstream.
  /status:
    get:
      summary: Upstream health and stream state.
  /metrics:
    get:
      summary: Prometheus exposition.
`

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(openAPISpec))
}

const configHTML = `<!DOCTYPE html>
<html>
<head><title>proofgate</title></head>
<body>
<h1>proofgate configuration</h1>
<p>Current configuration: <a href="/config">/config</a></p>
<p>Status: <a href="/status">/status</a> &middot; Metrics: <a href="/metrics">/metrics</a></p>
</body>
</html>
`

func (s *Server) handleConfigHTML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(configHTML))
}
