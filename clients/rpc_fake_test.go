package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// rpcServer is a minimal JSON-RPC 2.0 endpoint answering from a method table.
type rpcServer struct {
	mu      sync.Mutex
	results map[string]any
	errs    map[string]string
	calls   map[string]int
}

func newRPCServer(t *testing.T, results map[string]any) (*rpcServer, string) {
	t.Helper()
	s := &rpcServer{results: results, errs: map[string]string{}, calls: map[string]int{}}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv.URL
}

func (s *rpcServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls[req.Method]++
	result, ok := s.results[req.Method]
	errMsg, failing := s.errs[req.Method]
	s.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch {
	case failing:
		resp["error"] = map[string]any{"code": -32000, "message": errMsg}
	case !ok:
		resp["error"] = map[string]any{"code": -32601, "message": "the method " + req.Method + " does not exist/is not available"}
	default:
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *rpcServer) fail(method, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[method] = msg
}

func (s *rpcServer) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// fakeProvider is an injected provider answering eth_chainId.
type fakeProvider struct {
	chainID string
	err     error
	calls   int
}

func (f *fakeProvider) CallContext(_ context.Context, result interface{}, method string, _ ...interface{}) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if method != "eth_chainId" {
		return errors.New("unexpected method " + method)
	}
	return json.Unmarshal([]byte(`"`+f.chainID+`"`), result)
}
