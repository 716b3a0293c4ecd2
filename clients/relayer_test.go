package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type idLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *idLog) add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, id)
}

func (l *idLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...)
}

func newRelayerServer(t *testing.T) (*httptest.Server, *idLog) {
	t.Helper()
	seenIDs := &idLog{}
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/v1/keyurl", func(w http.ResponseWriter, r *http.Request) {
		seenIDs.add(r.Header.Get("X-Request-ID"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{
				"fhe_key_info": []any{
					map[string]any{"fhe_public_key": map[string]any{"data_id": "pk-1", "urls": []string{srv.URL + "/missing", srv.URL + "/keys/pk"}}},
				},
				"crs": map[string]any{"2048": map[string]any{"data_id": "crs-1", "urls": []string{srv.URL + "/keys/crs"}}},
			},
		})
	})
	mux.HandleFunc("/keys/pk", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0xaa, 0xbb})
	})
	mux.HandleFunc("/v1/input-proof", func(w http.ResponseWriter, r *http.Request) {
		var req InputProofRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"bad request"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{"handles": []string{"0x01"}, "signatures": []string{"0x02"}},
		})
	})
	mux.HandleFunc("/v1/user-decrypt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"status":"failed","message":"user is not allowed to decrypt"}`))
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, seenIDs
}

func TestRelayerClientKeys(t *testing.T) {
	srv, ids := newRelayerServer(t)
	c := NewRelayerClient(srv.URL+"/", WithRateLimit(rate.Inf, 1))

	urls, err := c.KeyURLs(context.Background())
	require.NoError(t, err)
	require.Len(t, ids.all(), 1)
	require.NotEmpty(t, ids.all()[0])

	pk, err := urls.PublicKey()
	require.NoError(t, err)
	require.Equal(t, "pk-1", pk.DataID)

	blob, err := c.Download(context.Background(), pk)
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa, 0xbb}, blob)

	_, err = urls.Params(2048)
	require.NoError(t, err)
	_, err = urls.Params(4096)
	require.Error(t, err)

	_, err = c.Download(context.Background(), KeySource{DataID: "x", URLs: []string{srv.URL + "/missing"}})
	require.Error(t, err)
}

func TestRelayerClientInputProof(t *testing.T) {
	srv, _ := newRelayerServer(t)
	c := NewRelayerClient(srv.URL)

	out, err := c.InputProof(context.Background(), &InputProofRequest{ContractAddress: "0x1", UserAddress: "0x2"})
	require.NoError(t, err)
	require.Equal(t, []string{"0x01"}, out.Handles)
	require.Equal(t, []string{"0x02"}, out.Signatures)
}

func TestRelayerClientErrorMessage(t *testing.T) {
	srv, _ := newRelayerServer(t)
	c := NewRelayerClient(srv.URL)

	_, err := c.UserDecrypt(context.Background(), &UserDecryptRequest{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 403")
	require.Contains(t, err.Error(), "user is not allowed to decrypt")
}
