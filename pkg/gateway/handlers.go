package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/ethpandaops/proofgate/pkg/datareq"
	"github.com/ethpandaops/proofgate/pkg/engine"
	"github.com/ethpandaops/proofgate/pkg/periodstore"
	"github.com/ethpandaops/proofgate/pkg/proofs"
)

// rpcRequest is the inbound JSON-RPC object for /proof and /rpc.
type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /proof", s.handleProof)
	mux.HandleFunc("POST /rpc", s.handleRPC)
	mux.HandleFunc("POST /unverified_rpc", s.handleUnverifiedRPC)
	mux.HandleFunc("GET /eth/", s.handleBeaconProxy)
	mux.HandleFunc("GET /period_store/", s.handlePeriodStore)
	mux.HandleFunc("GET /chain_store/", s.handlePeriodStore)

	s.adminRoutes(mux)

	return mux
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readRPCRequest(w, r)
	if !ok {
		return
	}

	step, err := s.builder.StepFor(req.Method, req.Params, proofs.ModeProof)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	result, err := s.await(r, req.Method, req.Params, step)
	if err != nil {
		s.writeEngineError(w, nil, err)

		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(result)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readRPCRequest(w, r)
	if !ok {
		return
	}

	step, err := s.builder.StepFor(req.Method, req.Params, proofs.ModeRPC)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	result, err := s.await(r, req.Method, req.Params, step)
	if err != nil {
		s.writeEngineError(w, req.ID, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]json.RawMessage{
		"id":     req.ID,
		"result": result,
	})
}

func (s *Server) handleUnverifiedRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "malformed JSON-RPC body"))

		return
	}

	dr := datareq.NewEthRPCRaw(req.Method, body)

	result, err := s.await(r, req.Method, req.Params, proofs.Passthrough(dr))
	if err != nil {
		s.writeEngineError(w, req.ID, err)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result)
}

// handleBeaconProxy forwards GET requests under /eth/ to a beacon upstream
// through the normal dispatch path, so they share caching and selection.
func (s *Server) handleBeaconProxy(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	// The internal query prefix never leaves the process.
	if strings.HasPrefix(path, "eth/period_store") {
		s.handlePeriodStore(w, r)

		return
	}

	dr := datareq.NewBeaconGET(path, datareq.EncodingJSON)

	result, err := s.await(r, "", nil, proofs.Passthrough(dr))
	if err != nil {
		s.writeEngineError(w, nil, err)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result)
}

// handlePeriodStore serves store resources so peer gateways can replicate
// from this one.
func (s *Server) handlePeriodStore(w http.ResponseWriter, r *http.Request) {
	if s.pstore == nil {
		writeError(w, http.StatusNotFound, errors.New("period store not configured"))

		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/")
	key = strings.TrimPrefix(key, periodstore.PrefixPeriodStore)
	key = strings.TrimPrefix(key, periodstore.PrefixChainStore)
	key = strings.TrimPrefix(key, "eth/period_store/")

	data, err := s.pstore.Get(key)
	if err != nil {
		writeError(w, http.StatusNotFound, err)

		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) readRPCRequest(w http.ResponseWriter, r *http.Request) (*rpcRequest, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return nil, false
	}

	req := new(rpcRequest)
	if err := json.Unmarshal(body, req); err != nil || req.Method == "" {
		writeError(w, http.StatusBadRequest, errors.New("malformed JSON-RPC body"))

		return nil, false
	}

	return req, true
}

// await submits a request context and blocks the handler goroutine until it
// terminates or the client goes away.
func (s *Server) await(r *http.Request, method string, params json.RawMessage, step engine.StepFunc) ([]byte, error) {
	type outcome struct {
		result []byte
		err    error
	}

	ch := make(chan outcome, 1)

	cancel := s.engine.Submit(method, params, step, func(result []byte, err error) {
		ch <- outcome{result: result, err: err}
	})

	select {
	case <-r.Context().Done():
		cancel()

		return nil, engine.ErrClientGone
	case out := <-ch:
		return out.result, out.err
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, id json.RawMessage, err error) {
	if errors.Is(err, engine.ErrClientGone) {
		// The responder never writes to a closed connection.
		return
	}

	status := http.StatusInternalServerError
	if errors.Is(err, engine.ErrUpstreamUser) {
		status = http.StatusBadRequest
	}

	if id != nil {
		writeJSON(w, status, map[string]interface{}{
			"id":    id,
			"error": err.Error(),
		})

		return
	}

	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Connection already gone; nothing useful to do.
		_ = err
	}
}
