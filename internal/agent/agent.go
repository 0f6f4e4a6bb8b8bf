// Package agent forwards developer instructions to the agent process and
// returns its replies. The agent is an HTTP peer that accepts
// POST /chat {"message": ...} and answers with JSON, typically
// {"response": ...}.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxReplyBytes = 4 << 20

// ErrReplyTooLarge is returned when the agent's reply exceeds maxReplyBytes.
// Such a reply is never logged in truncated form.
var ErrReplyTooLarge = errors.New("agent reply too large")

// Config holds agent client configuration.
type Config struct {
	BaseURL string        // e.g. "http://claw-tee-dah:3001"
	Timeout time.Duration // default 5m; agent runs can be slow
}

// Reply is the agent's answer to one instruction.
type Reply struct {
	// Raw is the JSON returned to the caller. Non-JSON replies are wrapped
	// as {"response": "<text>"}.
	Raw json.RawMessage
	// Text is what gets recorded in the transcript: the reply's "response"
	// field when it is a non-empty string, otherwise the whole JSON text.
	Text string
}

// StatusError reports a non-2xx answer from the agent.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent returned HTTP %d: %s", e.Code, e.Body)
}

// Client talks to the agent over plain HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates an agent Client.
func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Send delivers message to the agent and waits for its reply.
func (c *Client) Send(ctx context.Context, message string) (*Reply, error) {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return nil, fmt.Errorf("marshal agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("agent request failed", zap.String("url", c.baseURL), zap.Error(err))
		return nil, fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read agent reply: %w", err)
	}
	if len(body) > maxReplyBytes {
		c.logger.Error("agent reply over limit", zap.Int("limit", maxReplyBytes))
		return nil, ErrReplyTooLarge
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	c.logger.Debug("agent replied",
		zap.Int("bytes", len(body)),
		zap.Duration("latency", time.Since(start)),
	)
	return parseReply(body)
}

// Ping checks that the agent's HTTP server answers. Any response counts.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func parseReply(body []byte) (*Reply, error) {
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) || len(trimmed) == 0 {
		raw, err := json.Marshal(map[string]string{"response": string(body)})
		if err != nil {
			return nil, fmt.Errorf("wrap agent reply: %w", err)
		}
		return &Reply{Raw: raw, Text: string(body)}, nil
	}

	reply := &Reply{Raw: json.RawMessage(trimmed), Text: string(trimmed)}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return reply, nil
	}
	field, ok := obj["response"]
	if !ok {
		return reply, nil
	}
	var text string
	if err := json.Unmarshal(field, &text); err == nil {
		if text != "" {
			reply.Text = text
		}
		return reply, nil
	}
	reply.Text = string(field)
	return reply, nil
}
