package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	maxJSONBytes = 8 << 20
	maxRawBytes  = 256 << 20
)

// ErrNoDevKey is returned by Chat when the client has no dev key.
var ErrNoDevKey = errors.New("client has no dev key")

// ErrResponseTooLarge is returned when a response body exceeds the read limit
// for its endpoint.
var ErrResponseTooLarge = errors.New("response too large")

// Entry is one transcript entry.
type Entry struct {
	Type      string    `json:"type"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is one transcript line: a parsed Entry, or Raw for a line the proxy
// could not parse.
type Record struct {
	Entry *Entry
	Raw   string
}

// UnmarshalJSON accepts an entry object or a raw string.
func (r *Record) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		r.Entry = nil
		return json.Unmarshal(data, &r.Raw)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	r.Entry, r.Raw = &e, ""
	return nil
}

// HashInfo is the response of GET /genesis/hash.
type HashInfo struct {
	// Hash is empty while the proxy has no log loaded.
	Hash    string `json:"hash"`
	Log     string `json:"log"`
	Entries int    `json:"entries"`
	State   string `json:"state"`
}

// APIError is a non-2xx answer from the proxy.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("proxy returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a genesis proxy's public HTTP surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
	devKey     string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client. hc must not be nil.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("client: nil http.Client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout. Chat waits on the agent, so
// callers sending instructions usually want minutes, not seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// WithDevKey sets the shared secret used for Chat.
func WithDevKey(key string) Option {
	return func(c *Client) error {
		c.devKey = key
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this against a development deployment with a self-signed cert.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: c.httpClient.Timeout,
		}
		return nil
	}
}

// New creates a Client for the proxy at baseURL.
//
//	c, err := client.New("http://localhost:3000",
//	    client.WithDevKey(devKey),
//	    client.WithTimeout(5*time.Minute),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Transcript fetches GET /genesis.
func (c *Client) Transcript(ctx context.Context) ([]Record, error) {
	body, err := c.get(ctx, "/genesis", maxJSONBytes)
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return records, nil
}

// Raw fetches the log's literal bytes from GET /genesis/raw.
func (c *Client) Raw(ctx context.Context) ([]byte, error) {
	return c.get(ctx, "/genesis/raw", maxRawBytes)
}

// Hash fetches GET /genesis/hash.
func (c *Client) Hash(ctx context.Context) (*HashInfo, error) {
	body, err := c.get(ctx, "/genesis/hash", maxJSONBytes)
	if err != nil {
		return nil, err
	}
	var info HashInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode hash: %w", err)
	}
	return &info, nil
}

// Attestation fetches a quote bound to the current log hash. The quote is
// returned exactly as the proxy relayed it.
func (c *Client) Attestation(ctx context.Context) (json.RawMessage, error) {
	body, err := c.get(ctx, "/attestation", maxJSONBytes)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// Chat sends an instruction to the agent and returns its JSON reply.
func (c *Client) Chat(ctx context.Context, message string) (json.RawMessage, error) {
	if c.devKey == "" {
		return nil, ErrNoDevKey
	}
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.devKey)

	body, err := c.do(req, maxJSONBytes)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (c *Client) get(ctx context.Context, path string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.do(req, limit)
}

// do executes req and returns the body of a 2xx response.
func (c *Client) do(req *http.Request, limit int64) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, ErrResponseTooLarge
	}
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}

// HashBytes returns the hex SHA-256 of data, the way the proxy hashes its log.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
