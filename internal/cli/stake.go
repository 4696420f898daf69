package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/proofmarket/pmkt/internal/domain"
)

func init() {
	ledgerCmd.Flags().IntVar(&ledgerLimit, "limit", 20, "Maximum entries to show")
	rootCmd.AddCommand(stakeCmd, unstakeCmd, balanceCmd, fundCmd, walletCmd, auditCmd, ledgerCmd)
}

var ledgerLimit int

var stakeCmd = &cobra.Command{
	Use:   "stake PROTOCOL AMOUNT",
	Short: "Move funds from your wallet into the market",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStake(cmd, args, true)
	},
}

var unstakeCmd = &cobra.Command{
	Use:   "unstake PROTOCOL AMOUNT",
	Short: "Withdraw available market funds to your wallet",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStake(cmd, args, false)
	},
}

func runStake(cmd *cobra.Command, args []string, stake bool) error {
	amount, err := parseAmount(args[1])
	if err != nil {
		return err
	}
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	if stake {
		err = d.Market.Stake(contextOf(cmd), caller(), args[0], amount)
	} else {
		err = d.Market.Unstake(contextOf(cmd), caller(), args[0], amount)
	}
	if err != nil {
		return err
	}
	info, _ := d.Market.Protocol(args[0])
	b := d.Market.Balance(caller(), info.Asset)
	return output(cmd, b, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s: available %d, locked %d\n", caller(), info.Asset, b.Available, b.Locked)
	})
}

var balanceCmd = &cobra.Command{
	Use:   "balance ASSET",
	Short: "Show your market balance in an asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		b := d.Market.Balance(caller(), domain.AssetID(args[0]))
		return output(cmd, b, func(w io.Writer) {
			fmt.Fprintf(w, "%s %s: available %d, locked %d\n", caller(), args[0], b.Available, b.Locked)
		})
	},
}

var fundCmd = &cobra.Command{
	Use:   "fund USER ASSET AMOUNT",
	Short: "Mint funds into a user's wallet (faucet)",
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

		if !d.Config.Bank.Faucet {
			return errors.New("faucet disabled: set [bank] faucet = true")
		}
		user, asset := domain.Address(args[0]), domain.AssetID(args[1])
		if err := d.Wallets.Fund(contextOf(cmd), user, asset, amount); err != nil {
			return err
		}
		have, err := d.Wallets.Wallet(contextOf(cmd), user, asset)
		if err != nil {
			return err
		}
		return output(cmd, map[string]interface{}{"user": user, "asset": asset, "amount": have}, func(w io.Writer) {
			fmt.Fprintf(w, "%s wallet: %d %s\n", user, have, asset)
		})
	},
}

var walletCmd = &cobra.Command{
	Use:   "wallet ASSET",
	Short: "Show your external wallet balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		have, err := d.Wallets.Wallet(contextOf(cmd), caller(), domain.AssetID(args[0]))
		if err != nil {
			return err
		}
		return output(cmd, map[string]interface{}{"user": caller(), "asset": args[0], "amount": have}, func(w io.Writer) {
			fmt.Fprintf(w, "%s wallet: %d %s\n", caller(), have, args[0])
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check that market balances match external flows per asset",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		audits := d.Market.Audit()
		err = output(cmd, audits, func(w io.Writer) {
			if len(audits) == 0 {
				fmt.Fprintln(w, "No assets.")
				return
			}
			tw := newTable(w)
			fmt.Fprintln(tw, "ASSET\tAVAILABLE\tLOCKED\tDEPOSITED\tWITHDRAWN\tOK")
			for _, a := range audits {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%v\n",
					a.Asset, a.Available, a.Locked, a.Deposited, a.Withdrawn, a.OK)
			}
			tw.Flush()
		})
		if err != nil {
			return err
		}
		for _, a := range audits {
			if !a.OK {
				return fmt.Errorf("asset %q fails conservation", a.Asset)
			}
		}
		return nil
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Show your recent ledger movements",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		entries, err := d.Market.Entries(contextOf(cmd), caller(), ledgerLimit)
		if err != nil {
			return err
		}
		return output(cmd, entries, func(w io.Writer) {
			tw := newTable(w)
			fmt.Fprintln(tw, "TIME\tKIND\tTYPE\tASSET\tFIELD\tAMOUNT\tAFTER\tTASK")
			for _, e := range entries {
				task := "-"
				if e.TaskID != nil {
					task = fmt.Sprint(*e.TaskID)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), e.Kind, e.EntryType,
					e.Asset, e.Field, e.Amount, e.After, task)
			}
			tw.Flush()
		})
	},
}
