package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/proofmarket/pmkt/internal/daemon"
	"github.com/proofmarket/pmkt/internal/security"
)

func init() {
	rootCmd.AddCommand(keygenCmd)
}

var keygenCmd = &cobra.Command{
	Use:   "keygen [NAME]",
	Short: "Create or show a signing identity",
	Long: `Create an ed25519 keypair in $PMKT_HOME/keys/NAME.key (default "default")
and print its address. Servers with [api] require_signatures = true only
accept mutating requests signed by the caller's key.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := "default"
		if len(args) == 1 {
			name = args[0]
		}
		kp, err := security.LoadOrCreateKeypair(daemon.Home(), name)
		if err != nil {
			return err
		}
		addr := kp.Address()
		return output(cmd, map[string]string{"name": name, "address": string(addr)}, func(w io.Writer) {
			fmt.Fprintln(w, addr)
		})
	},
}
