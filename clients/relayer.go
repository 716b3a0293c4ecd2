package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/zenchain/fhevm/logger"
)

const (
	relayerKeyURLPath      = "/v1/keyurl"
	relayerInputProofPath  = "/v1/input-proof"
	relayerUserDecryptPath = "/v1/user-decrypt"

	maxRelayerBody = 64 << 20
)

// RelayerClient calls the relayer service's HTTP API.
type RelayerClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  logger.Logger
}

type RelayerOption func(*RelayerClient)

func WithHTTPClient(c *http.Client) RelayerOption {
	return func(r *RelayerClient) { r.http = c }
}

// WithRateLimit bounds outgoing requests to r per second with burst b.
func WithRateLimit(r rate.Limit, b int) RelayerOption {
	return func(rc *RelayerClient) { rc.limiter = rate.NewLimiter(r, b) }
}

func WithRelayerLogger(l logger.Logger) RelayerOption {
	return func(r *RelayerClient) { r.logger = logger.OrNoop(l) }
}

func NewRelayerClient(baseURL string, opts ...RelayerOption) *RelayerClient {
	c := &RelayerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 5),
		logger:  logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// KeySource names one downloadable key blob.
type KeySource struct {
	DataID string   `json:"data_id"`
	URLs   []string `json:"urls"`
}

// KeyURLs lists where the network public key and CRS parameters live.
type KeyURLs struct {
	FheKeyInfo []struct {
		FhePublicKey KeySource `json:"fhe_public_key"`
	} `json:"fhe_key_info"`
	CRS map[string]KeySource `json:"crs"`
}

// PublicKey returns the first published public key source.
func (k *KeyURLs) PublicKey() (KeySource, error) {
	if len(k.FheKeyInfo) == 0 || len(k.FheKeyInfo[0].FhePublicKey.URLs) == 0 {
		return KeySource{}, fmt.Errorf("relayer published no public key")
	}
	return k.FheKeyInfo[0].FhePublicKey, nil
}

// Params returns the CRS source for the given bit size.
func (k *KeyURLs) Params(bits int) (KeySource, error) {
	src, ok := k.CRS[fmt.Sprint(bits)]
	if !ok || len(src.URLs) == 0 {
		return KeySource{}, fmt.Errorf("relayer published no %d-bit public params", bits)
	}
	return src, nil
}

type InputProofRequest struct {
	ContractAddress string `json:"contractAddress"`
	UserAddress     string `json:"userAddress"`
	Ciphertext      string `json:"ciphertextWithInputVerification"`
	ContractChainID string `json:"contractChainId"`
	ExtraData       string `json:"extraData"`
}

type InputProofResponse struct {
	Handles    []string `json:"handles"`
	Signatures []string `json:"signatures"`
}

type HandlePair struct {
	Handle          string `json:"handle"`
	ContractAddress string `json:"contractAddress"`
}

type RequestValidity struct {
	StartTimestamp string `json:"startTimestamp"`
	DurationDays   string `json:"durationDays"`
}

type UserDecryptRequest struct {
	HandleContractPairs []HandlePair    `json:"handleContractPairs"`
	RequestValidity     RequestValidity `json:"requestValidity"`
	ContractsChainID    string          `json:"contractsChainId"`
	ContractAddresses   []string        `json:"contractAddresses"`
	UserAddress         string          `json:"userAddress"`
	Signature           string          `json:"signature"`
	PublicKey           string          `json:"publicKey"`
	ExtraData           string          `json:"extraData"`
}

// DecryptionShare is one KMS node's encrypted answer to a user decryption.
type DecryptionShare struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

type relayerEnvelope struct {
	Status   string          `json:"status,omitempty"`
	Message  string          `json:"message,omitempty"`
	Response json.RawMessage `json:"response"`
}

func (c *RelayerClient) KeyURLs(ctx context.Context) (*KeyURLs, error) {
	var out KeyURLs
	if err := c.do(ctx, http.MethodGet, relayerKeyURLPath, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RelayerClient) InputProof(ctx context.Context, req *InputProofRequest) (*InputProofResponse, error) {
	var out InputProofResponse
	if err := c.do(ctx, http.MethodPost, relayerInputProofPath, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RelayerClient) UserDecrypt(ctx context.Context, req *UserDecryptRequest) ([]DecryptionShare, error) {
	var out []DecryptionShare
	if err := c.do(ctx, http.MethodPost, relayerUserDecryptPath, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Download fetches a key blob from one of its published URLs.
func (c *RelayerClient) Download(ctx context.Context, src KeySource) ([]byte, error) {
	var lastErr error
	for _, url := range src.URLs {
		body, err := c.get(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		c.logger.Warn("key download failed", map[string]any{"url": url, "data_id": src.DataID, "err": err})
	}
	return nil, fmt.Errorf("failed to download %s: %w", src.DataID, lastErr)
}

func (c *RelayerClient) get(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayerBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return body, nil
}

func (c *RelayerClient) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode relayer request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relayer %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayerBody))
	if err != nil {
		return fmt.Errorf("relayer %s %s: %w", method, path, err)
	}
	c.logger.Debug("relayer call", map[string]any{
		"path":       path,
		"status":     resp.StatusCode,
		"request_id": requestID,
		"elapsed":    time.Since(start).String(),
	})

	var env relayerEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("relayer %s %s: status %d: malformed response: %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := env.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("relayer %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if len(env.Response) == 0 {
		return fmt.Errorf("relayer %s %s: empty response", method, path)
	}
	if err := json.Unmarshal(env.Response, out); err != nil {
		return fmt.Errorf("relayer %s %s: malformed response: %w", method, path, err)
	}
	return nil
}
