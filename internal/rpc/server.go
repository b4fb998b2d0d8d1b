package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/dagforge/localdagd/internal/logs"
	"github.com/dagforge/localdagd/internal/node"
)

var log = logs.Logger(logs.RPC)

// Server is the JSON-RPC 2.0 HTTP endpoint plus /health (spec.md §6),
// grounded on the teacher's rpcServer (infrastructure/network/rpc/rpcserver.go):
// a single POST handler dispatching through a method-name map, CORS
// wide open since this is a local development node.
type Server struct {
	node *node.Node
	addr string

	httpServer *http.Server
}

// NewServer creates an RPC server bound to addr (e.g. "0.0.0.0:8545").
func NewServer(n *node.Node, addr string) *Server {
	return &Server{node: n, addr: addr}
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRPC).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Use(corsMiddleware)
	return r
}

// Start begins serving HTTP in the background. Satisfies node.Server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.router(),
	}
	logs.Spawn(logs.RPC, func() {
		log.Infof("JSON-RPC server listening on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("JSON-RPC server stopped: %v", err)
		}
	})
	return nil
}

// Stop gracefully shuts the HTTP server down. Satisfies node.Server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	nodeStatus := "stopped"
	if s.node.IsRunning() {
		nodeStatus = "running"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"node":   nodeStatus,
		"blocks": s.node.DAG.GetBlockCount(),
	})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, nil, nil, newError(CodeParseError, "invalid JSON"))
		return
	}
	if req.JSONRPC != "2.0" {
		writeResponse(w, req.ID, nil, newError(CodeInvalidRequest, "jsonrpc version must be \"2.0\""))
		return
	}

	handler, ok := handlers[req.Method]
	if !ok {
		writeResponse(w, req.ID, nil, newError(CodeMethodNotFound, "unknown method "+req.Method))
		return
	}

	result, rpcErr := handler(s, req.Params)
	writeResponse(w, req.ID, result, rpcErr)
}

func writeResponse(w http.ResponseWriter, id json.RawMessage, result interface{}, rpcErr *Error) {
	w.Header().Set("Content-Type", "application/json")
	resp := Response{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warnf("failed to encode RPC response: %v", err)
	}
}
