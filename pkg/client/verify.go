package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrLogChanging is returned by Verify when the log kept changing between
// fetches and no consistent snapshot could be taken.
var ErrLogChanging = errors.New("genesis log changed during verification")

const snapshotAttempts = 3

// VerifyOptions control Verify.
type VerifyOptions struct {
	// CheckQuote also fetches /attestation and checks that the quote binds
	// the verified hash.
	CheckQuote bool
}

// VerifyReport is the outcome of verifying a proxy's transcript.
type VerifyReport struct {
	ReportedHash string `json:"reported_hash" yaml:"reported_hash"`
	ComputedHash string `json:"computed_hash" yaml:"computed_hash"`
	HashMatches  bool   `json:"hash_matches" yaml:"hash_matches"`

	RawBytes     int  `json:"raw_bytes" yaml:"raw_bytes"`
	RawLines     int  `json:"raw_lines" yaml:"raw_lines"`
	Records      int  `json:"records" yaml:"records"`
	Unparsed     int  `json:"unparsed" yaml:"unparsed"`
	RecordsMatch bool `json:"records_match" yaml:"records_match"`

	// Unanswered lists transcript indices of instructions with no recorded
	// agent response.
	Unanswered []int `json:"unanswered" yaml:"unanswered"`

	QuoteChecked   bool   `json:"quote_checked" yaml:"quote_checked"`
	QuoteBindsHash bool   `json:"quote_binds_hash" yaml:"quote_binds_hash"`
	QuoteError     string `json:"quote_error,omitempty" yaml:"quote_error,omitempty"`
}

// OK reports whether every performed check passed. Unanswered instructions
// are reported but do not fail verification.
func (r *VerifyReport) OK() bool {
	if !r.HashMatches || !r.RecordsMatch {
		return false
	}
	return !r.QuoteChecked || r.QuoteBindsHash
}

// Verify takes a consistent snapshot of the log (hash, raw bytes, hash again,
// retrying if the two hashes differ), recomputes the SHA-256, and compares it
// with the reported value and the parsed transcript.
func (c *Client) Verify(ctx context.Context, opts VerifyOptions) (*VerifyReport, error) {
	var (
		info *HashInfo
		raw  []byte
	)
	for attempt := 0; ; attempt++ {
		before, err := c.Hash(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch hash: %w", err)
		}
		if before.Hash == "" {
			return nil, fmt.Errorf("proxy has no genesis hash (log state %q)", before.State)
		}
		raw, err = c.Raw(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch raw log: %w", err)
		}
		after, err := c.Hash(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch hash: %w", err)
		}
		if before.Hash == after.Hash {
			info = after
			break
		}
		if attempt+1 >= snapshotAttempts {
			return nil, ErrLogChanging
		}
	}

	records, err := c.Transcript(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch transcript: %w", err)
	}

	report := &VerifyReport{
		ReportedHash: info.Hash,
		ComputedHash: HashBytes(raw),
		RawBytes:     len(raw),
		RawLines:     countLines(raw),
		Records:      len(records),
		Unanswered:   Unanswered(records),
	}
	report.HashMatches = report.ComputedHash == report.ReportedHash
	for _, r := range records {
		if r.Entry == nil {
			report.Unparsed++
		}
	}
	// The transcript may have grown since the raw snapshot, never shrunk.
	report.RecordsMatch = report.Records >= report.RawLines

	if opts.CheckQuote {
		report.QuoteChecked = true
		quote, err := c.Attestation(ctx)
		if err != nil {
			report.QuoteError = err.Error()
		} else {
			report.QuoteBindsHash = QuoteBindsHash(quote, report.ComputedHash)
			if !report.QuoteBindsHash {
				// The log may have grown between the snapshot and the quote.
				if now, herr := c.Hash(ctx); herr == nil && now.Hash != report.ComputedHash {
					report.QuoteError = "log changed before the quote was issued"
				}
			}
		}
	}
	return report, nil
}

// Unanswered returns the indices of instructions that have no matching agent
// response, pairing responses with instructions first in, first out.
func Unanswered(records []Record) []int {
	var pending []int
	for i, r := range records {
		if r.Entry == nil {
			continue
		}
		switch r.Entry.Type {
		case "dev_instruction":
			pending = append(pending, i)
		case "agent_response":
			if len(pending) > 0 {
				pending = pending[1:]
			}
		}
	}
	return pending
}

// QuoteBindsHash reports whether quote carries hash as its report data. It
// accepts the primitive's JSON reply and looks first for an explicit
// report_data field, then for the hash bytes inside the hex-encoded quote.
func QuoteBindsHash(quote json.RawMessage, hash string) bool {
	want, err := hex.DecodeString(hash)
	if err != nil || len(want) != 32 {
		return false
	}

	var body struct {
		Quote      string `json:"quote"`
		ReportData string `json:"report_data"`
	}
	if err := json.Unmarshal(quote, &body); err != nil {
		return false
	}
	if body.ReportData != "" {
		rd, err := hex.DecodeString(strings.TrimPrefix(body.ReportData, "0x"))
		if err == nil && bytes.HasPrefix(rd, want) {
			return true
		}
	}
	if body.Quote != "" {
		q, err := hex.DecodeString(strings.TrimPrefix(body.Quote, "0x"))
		if err == nil && bytes.Contains(q, want) {
			return true
		}
	}
	return false
}

func countLines(data []byte) int {
	n := 0
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) > 0 {
			n++
		}
	}
	return n
}
