// Package cli implements the pmkt command-line interface using Cobra.
// Commands other than serve open the local market state in-process, so
// they must not run against a data directory a serving daemon holds.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pmkt",
	Short: "pmkt: proof-computation task marketplace",
	Long: `pmkt runs a marketplace for proof computation.
Clients post tasks with an escrowed price, miners stake collateral to take
them, and a verified proof settles the escrow. Late or invalid proofs slash
the miner's collateral to the client.

State lives in $PMKT_HOME (default ~/.pmkt).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	asCaller string
	asJSON   bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&asCaller, "as", os.Getenv("PMKT_CALLER"), "Address to act as (env PMKT_CALLER)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print results as JSON")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
