package attestation

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// ErrNoHash is returned by GenesisQuote while the genesis log has no hash.
var ErrNoHash = errors.New("genesis log not ready")

// HashSource supplies the current genesis log hash.
// *genesislog.Store satisfies it.
type HashSource interface {
	CurrentHash() (string, bool)
}

// Forwarder requests quotes from the attestation primitive.
type Forwarder struct {
	transport Transport
	logger    *zap.Logger
}

// NewForwarder creates a Forwarder over transport.
func NewForwarder(transport Transport, logger *zap.Logger) *Forwarder {
	return &Forwarder{transport: transport, logger: logger}
}

// Transport returns the underlying transport.
func (f *Forwarder) Transport() Transport {
	return f.transport
}

// GetQuote asks the primitive for a quote over reportData and returns the
// response body unchanged. A transport error means attestation is
// unavailable right now; it says nothing about the log's integrity.
func (f *Forwarder) GetQuote(ctx context.Context, reportData string) ([]byte, error) {
	start := time.Now()
	quote, err := f.transport.Forward(ctx, &Request{
		Path:   QuotePath,
		Params: url.Values{"report_data": {reportData}},
	})
	if err != nil {
		f.logger.Error("quote request failed", zap.Error(err))
		return nil, err
	}
	f.logger.Info("quote issued",
		zap.String("report_data", reportData),
		zap.Int("bytes", len(quote)),
		zap.Duration("latency", time.Since(start)),
	)
	return quote, nil
}

// GenesisQuote binds the current genesis log hash into a quote. The report
// data always comes from src; nothing the caller supplies can replace it.
func (f *Forwarder) GenesisQuote(ctx context.Context, src HashSource) ([]byte, error) {
	hash, ok := src.CurrentHash()
	if !ok {
		return nil, ErrNoHash
	}
	reportData, err := ReportData(hash)
	if err != nil {
		return nil, err
	}
	return f.GetQuote(ctx, reportData)
}

// Ping checks that the primitive answers at all. Any HTTP response, even an
// error status, counts as reachable.
func (f *Forwarder) Ping(ctx context.Context) error {
	_, err := f.transport.Forward(ctx, &Request{Path: InfoPath})
	var se *StatusError
	if err != nil && !errors.As(err, &se) {
		return err
	}
	return nil
}

// ReportData formats a SHA-256 hex digest as the primitive's report_data
// value: "0x" followed by exactly 64 lowercase hex characters.
func ReportData(hash string) (string, error) {
	raw, err := hex.DecodeString(hash)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("report data must be a 32-byte hex digest, got %q", hash)
	}
	return "0x" + hex.EncodeToString(raw), nil
}
