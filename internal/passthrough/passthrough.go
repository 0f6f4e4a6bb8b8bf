// Package passthrough gives the agent unrestricted access to the attestation
// primitive over a local unix socket. Every request is relayed unmodified and
// every answer returned unmodified.
//
// No filtering happens here. The agent may request quotes over any report
// data it likes; genesis attestation stays trustworthy because it is only
// issued by the transparency gateway, which derives report data from the log
// itself.
package passthrough

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/genesis-proxy/internal/attestation"
	"github.com/jmerrifield20/genesis-proxy/internal/metrics"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Gateway relays agent requests to the attestation primitive.
type Gateway struct {
	transport attestation.Transport
	logger    *zap.Logger
}

// New creates a passthrough Gateway over transport.
func New(transport attestation.Transport, logger *zap.Logger) *Gateway {
	return &Gateway{transport: transport, logger: logger}
}

// Handler returns the HTTP handler to serve on the agent-facing socket.
// Every path and method is accepted.
func (g *Gateway) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.Middleware("passthrough"))
	r.NoRoute(g.Forward)
	return r
}

// Forward relays one request. Upstream error statuses are returned as-is;
// transport failures become 500 {"error": ...}.
func (g *Gateway) Forward(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	path := c.Request.URL.Path
	g.logger.Debug("passthrough", zap.String("method", c.Request.Method), zap.String("path", path))

	resp, err := g.transport.Forward(c.Request.Context(), &attestation.Request{
		Method:      c.Request.Method,
		Path:        path,
		Params:      c.Request.URL.Query(),
		Body:        body,
		ContentType: c.ContentType(),
	})
	if err != nil {
		var se *attestation.StatusError
		if errors.As(err, &se) {
			metrics.RecordPassthrough(true)
			c.Data(se.Code, "application/json", se.Body)
			return
		}
		metrics.RecordPassthrough(false)
		g.logger.Error("passthrough forward failed", zap.String("path", path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	metrics.RecordPassthrough(true)
	c.Data(http.StatusOK, "application/json", resp)
}

// Listen opens the agent-facing unix socket at path, replacing a stale socket
// left by a previous run, and makes it world-accessible so the agent's
// container user can connect.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}
