package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/proofmarket/pmkt/internal/domain"
)

func init() {
	protocolCmd.AddCommand(protocolAddCmd, protocolRemoveCmd, protocolSetAskCmd,
		protocolSetMinStakeCmd, protocolShowCmd, protocolListCmd)
	rootCmd.AddCommand(protocolCmd)
}

var protocolCmd = &cobra.Command{
	Use:   "protocol",
	Short: "Administer the protocol registry",
}

var protocolAddCmd = &cobra.Command{
	Use:   "add PROTOCOL ASSET",
	Short: "Register a protocol settling in ASSET",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.Market.AddProtocol(contextOf(cmd), caller(), args[0], domain.AssetID(args[1])); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Protocol %s settles in %s\n", args[0], args[1])
		return nil
	},
}

var protocolRemoveCmd = &cobra.Command{
	Use:   "remove PROTOCOL",
	Short: "Stop accepting new tasks for a protocol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.Market.RemoveProtocol(contextOf(cmd), caller(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Protocol %s removed\n", args[0])
		return nil
	},
}

var protocolSetAskCmd = &cobra.Command{
	Use:   "set-ask ASSET MIN_PRICE",
	Short: "Set the minimum task price for an asset",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		price, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.Market.SetAsk(contextOf(cmd), caller(), domain.AssetID(args[0]), price); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Minimum ask for %s is %d\n", args[0], price)
		return nil
	},
}

var protocolSetMinStakeCmd = &cobra.Command{
	Use:   "set-min-stake PROTOCOL ASSET AMOUNT",
	Short: "Set the minimum stake increment for a protocol",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[2])
		if err != nil {
			return err
		}
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.Market.SetMinAdd(contextOf(cmd), caller(), args[0], domain.AssetID(args[1]), amount); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Minimum stake for %s in %s is %d\n", args[0], args[1], amount)
		return nil
	},
}

var protocolShowCmd = &cobra.Command{
	Use:   "show PROTOCOL",
	Short: "Show a protocol entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		info, ok := d.Market.Protocol(args[0])
		if !ok {
			return fmt.Errorf("protocol %q: %w", args[0], domain.ErrUnknownProtocol)
		}
		return output(cmd, info, func(w io.Writer) {
			tw := newTable(w)
			fmt.Fprintf(tw, "Protocol\t%s\n", info.Protocol)
			if info.Active() {
				fmt.Fprintf(tw, "Asset\t%s\n", info.Asset)
				fmt.Fprintf(tw, "Min ask\t%d\n", info.MinAsk)
			} else {
				fmt.Fprintln(tw, "Asset\t(removed)")
			}
			assets := make([]string, 0, len(info.MinStake))
			for a := range info.MinStake {
				assets = append(assets, string(a))
			}
			sort.Strings(assets)
			for _, a := range assets {
				fmt.Fprintf(tw, "Min stake %s\t%d\n", a, info.MinStake[domain.AssetID(a)])
			}
			tw.Flush()
		})
	},
}

var protocolListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered protocols",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		all := d.Market.Protocols()
		return output(cmd, all, func(w io.Writer) {
			tw := newTable(w)
			fmt.Fprintln(tw, "PROTOCOL\tASSET\tMIN ASK")
			for _, p := range all {
				asset := string(p.Asset)
				if !p.Active() {
					asset = "(removed)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\n", p.Protocol, asset, p.MinAsk)
			}
			tw.Flush()
		})
	},
}
