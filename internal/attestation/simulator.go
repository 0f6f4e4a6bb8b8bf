package attestation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// simulatorPaths maps primitive paths onto the tappd simulator's RPC routes.
// Paths not listed are forwarded unchanged.
var simulatorPaths = map[string]string{
	QuotePath: "/prpc/Tappd.TdxQuote",
	InfoPath:  "/prpc/Tappd.Info",
}

// SimulatorTransport calls an HTTP tappd simulator. Every request is a POST;
// the body is the caller's body when present, otherwise {"report_data": ...}
// built from the parameters (or {} without one).
type SimulatorTransport struct {
	baseURL    string
	httpClient *http.Client
}

// NewSimulatorTransport creates a transport for the simulator at baseURL.
func NewSimulatorTransport(baseURL string, timeout time.Duration) *SimulatorTransport {
	return &SimulatorTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Forward implements Transport.
func (t *SimulatorTransport) Forward(ctx context.Context, req *Request) ([]byte, error) {
	path := req.Path
	if mapped, ok := simulatorPaths[path]; ok {
		path = mapped
	}

	body := req.Body
	if len(body) == 0 {
		payload := map[string]string{}
		if rd := req.Params.Get("report_data"); rd != "" {
			payload["report_data"] = rd
		}
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("marshal simulator body: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build simulator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return do(t.httpClient, httpReq)
}
