// Package attestation relays requests to the TEE's attestation primitive
// (the dstack guest agent) and binds the genesis log hash into quotes.
//
// The primitive is reached through a Transport. Two implementations exist,
// chosen once at startup: SocketTransport talks to the local dstack.sock,
// SimulatorTransport talks to an HTTP tappd simulator used off-hardware.
package attestation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Paths understood by the attestation primitive.
const (
	QuotePath = "/GetQuote"
	InfoPath  = "/Info"
)

// maxResponseBytes bounds how much of a primitive response is read. Quotes
// with their event logs are a few tens of kilobytes.
const maxResponseBytes = 8 << 20

// ErrResponseTooLarge is returned when a primitive response exceeds
// maxResponseBytes.
var ErrResponseTooLarge = errors.New("attestation response too large")

// Request is one call to the attestation primitive.
type Request struct {
	Method      string     // empty means GET, or POST when Body is set
	Path        string     // e.g. "/GetQuote"
	Params      url.Values // query parameters
	Body        []byte     // optional request body, forwarded verbatim
	ContentType string
}

// Transport forwards a request to the attestation primitive and returns its
// response body unchanged.
type Transport interface {
	Forward(ctx context.Context, req *Request) ([]byte, error)
}

// StatusError reports a non-2xx answer from the primitive. The body is kept
// so callers that pass responses through can return it verbatim.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("attestation primitive returned HTTP %d: %s", e.Code, string(e.Body))
}

// Mode selects a Transport implementation.
type Mode string

const (
	ModeSocket    Mode = "socket"
	ModeSimulator Mode = "http"
)

// Config selects and configures the transport.
type Config struct {
	Mode       Mode
	SocketPath string        // used by ModeSocket, e.g. /var/run/dstack.sock
	URL        string        // used by ModeSimulator, e.g. http://dstack-simulator:8090
	Timeout    time.Duration // default 30s
}

// NewTransport builds the transport named by cfg.Mode.
func NewTransport(cfg Config) (Transport, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	switch cfg.Mode {
	case ModeSocket, "":
		if cfg.SocketPath == "" {
			return nil, fmt.Errorf("socket transport requires a socket path")
		}
		return NewSocketTransport(cfg.SocketPath, cfg.Timeout), nil
	case ModeSimulator:
		if cfg.URL == "" {
			return nil, fmt.Errorf("simulator transport requires a URL")
		}
		return NewSimulatorTransport(cfg.URL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown attestation transport mode %q", cfg.Mode)
	}
}

// do executes req and applies the shared response handling.
func do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attestation primitive unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attestation response: %w", err)
	}
	if len(body) > maxResponseBytes {
		return nil, ErrResponseTooLarge
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: body}
	}
	return body, nil
}
