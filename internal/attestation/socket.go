package attestation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// SocketTransport calls the primitive over its local unix socket. Requests
// without a body are issued as GET with the parameters in the query string.
type SocketTransport struct {
	socketPath string
	httpClient *http.Client
}

// NewSocketTransport creates a transport for the unix socket at socketPath.
func NewSocketTransport(socketPath string, timeout time.Duration) *SocketTransport {
	dialer := &net.Dialer{}
	return &SocketTransport{
		socketPath: socketPath,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Forward implements Transport.
func (t *SocketTransport) Forward(ctx context.Context, req *Request) ([]byte, error) {
	target := "http://dstack" + req.Path
	if len(req.Params) > 0 {
		target += "?" + req.Params.Encode()
	}

	method := req.Method
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
		if method == "" {
			method = http.MethodPost
		}
	}
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build attestation request: %w", err)
	}
	if len(req.Body) > 0 {
		ct := req.ContentType
		if ct == "" {
			ct = "application/json"
		}
		httpReq.Header.Set("Content-Type", ct)
	}
	return do(t.httpClient, httpReq)
}
