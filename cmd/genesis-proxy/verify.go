package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/genesis-proxy/pkg/client"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	verifyURL      string
	verifyQuote    bool
	verifyFormat   string
	verifyInsecure bool
	verifyTimeout  time.Duration
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a running proxy's transcript against its reported hash",
	Long: `verify downloads the raw genesis log from a proxy, recomputes its SHA-256
and compares it with /genesis/hash and the parsed /genesis transcript.

With --quote it also fetches /attestation and checks that the quote's report
data is the verified hash:

  genesis-proxy verify --url https://claw-tee-dah.example.com --quote

Instructions without a recorded agent response are listed but do not fail
verification; they mean the agent call failed or the proxy stopped mid-cycle.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyURL, "url", "http://localhost:3000", "Transparency gateway base URL")
	verifyCmd.Flags().BoolVar(&verifyQuote, "quote", false, "Also check that /attestation binds the hash")
	verifyCmd.Flags().StringVar(&verifyFormat, "format", "text", "Output format: text, json or yaml")
	verifyCmd.Flags().BoolVar(&verifyInsecure, "insecure", false, "Skip TLS certificate verification (development only)")
	verifyCmd.Flags().DurationVar(&verifyTimeout, "timeout", 30*time.Second, "Per-request timeout")
}

func runVerify(cmd *cobra.Command, args []string) error {
	opts := []client.Option{client.WithTimeout(verifyTimeout)}
	if verifyInsecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	c, err := client.New(verifyURL, opts...)
	if err != nil {
		return err
	}

	report, err := c.Verify(context.Background(), client.VerifyOptions{CheckQuote: verifyQuote})
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	out := cmd.OutOrStdout()
	switch verifyFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	case "yaml":
		enc := yaml.NewEncoder(out)
		if err := enc.Encode(report); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	case "text":
		printReport(out, report)
	default:
		return fmt.Errorf("unknown format %q", verifyFormat)
	}

	if !report.OK() {
		return errors.New("verification failed")
	}
	return nil
}

func printReport(out io.Writer, r *client.VerifyReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "reported hash\t%s\n", r.ReportedHash)
	fmt.Fprintf(w, "computed hash\t%s\t%s\n", r.ComputedHash, mark(r.HashMatches))
	fmt.Fprintf(w, "log\t%d bytes, %d lines\n", r.RawBytes, r.RawLines)
	fmt.Fprintf(w, "transcript\t%d records (%d unparsed)\t%s\n", r.Records, r.Unparsed, mark(r.RecordsMatch))
	fmt.Fprintf(w, "unanswered\t%v\n", r.Unanswered)
	if r.QuoteChecked {
		status := mark(r.QuoteBindsHash)
		if r.QuoteError != "" {
			status += " (" + r.QuoteError + ")"
		}
		fmt.Fprintf(w, "quote binds hash\t%s\n", status)
	}
	w.Flush()
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}
