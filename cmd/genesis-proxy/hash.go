package main

import (
	"fmt"
	"os"

	"github.com/jmerrifield20/genesis-proxy/internal/genesislog"
	"github.com/spf13/cobra"
)

var hashCmd = &cobra.Command{
	Use:   "hash <file>",
	Short: "Print the genesis hash of a local copy of the log",
	Long: `hash prints the SHA-256 of a transcript file exactly as the proxy computes
it, so a downloaded copy can be compared with /genesis/hash or a quote's
report data.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		records := genesislog.ParseTranscript(data)

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, genesislog.HashBytes(data))
		fmt.Fprintf(out, "records: %d, unanswered instructions: %d\n",
			len(records), len(genesislog.Unanswered(records)))
		return nil
	},
}
