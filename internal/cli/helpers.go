package cli

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/proofmarket/pmkt/internal/daemon"
	"github.com/proofmarket/pmkt/internal/domain"
)

// openDaemon loads config and opens the local market.
var openDaemon = daemon.New

func caller() domain.Address {
	return domain.Address(asCaller)
}

func parseAmount(s string) (domain.Amount, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return domain.Amount(v), nil
}

func parseTaskID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

// parseDeadline accepts a duration from now ("90m") or an RFC 3339 time.
func parseDeadline(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid deadline %q: want a duration or RFC 3339 time", s)
	}
	return t, nil
}

// readData decodes a binary argument: "@path" reads a file, anything else
// is hex with an optional 0x prefix.
func readData(s string) ([]byte, error) {
	if strings.HasPrefix(s, "@") {
		return os.ReadFile(s[1:])
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return b, nil
}

// output prints v as JSON with --json, otherwise runs text.
func output(cmd *cobra.Command, v interface{}, text func(w io.Writer)) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(out)
	return nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printTasks(w io.Writer, tasks []domain.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROTOCOL\tPRICE\tCLIENT\tMINER\tDEADLINE")
	for _, t := range tasks {
		miner := string(t.Miner)
		if miner == "" {
			miner = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d %s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Protocol, t.Price, t.Asset, t.Client, miner,
			t.Deadline.Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
}
