package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/proofmarket/pmkt/internal/domain"
)

func init() {
	submitCmd.Flags().StringVar(&submitProtocol, "protocol", "", "Proof protocol id")
	submitCmd.Flags().StringVar(&submitPrice, "price", "0", "Task price, escrowed from your wallet")
	submitCmd.Flags().StringVar(&submitDeadline, "deadline", "1h", "Deadline: duration from now or RFC 3339 time")
	submitCmd.Flags().StringVar(&submitURL, "url", "", "Where miners fetch the task")
	submitCmd.Flags().StringVar(&submitVK, "vk", "", "Verifying key (hex, as the protocol's verifier expects)")
	submitCmd.Flags().StringVar(&submitInput, "input", "", "Public input: hex or @file")
	proveCmd.Flags().StringVar(&proveProof, "proof", "", "Proof: hex or @file")
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "Filter by status")
	tasksCmd.Flags().StringVar(&tasksClient, "client", "", "Filter by client")
	tasksCmd.Flags().StringVar(&tasksMiner, "miner", "", "Filter by miner")
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 0, "Maximum tasks to list")

	rootCmd.AddCommand(submitCmd, takeCmd, proveCmd, claimCmd, taskCmd, tasksCmd, sweepCmd)
}

var (
	submitProtocol string
	submitPrice    string
	submitDeadline string
	submitURL      string
	submitVK       string
	submitInput    string
	proveProof     string
	tasksStatus    string
	tasksClient    string
	tasksMiner     string
	tasksLimit     int
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Post a task and escrow its price",
	RunE: func(cmd *cobra.Command, args []string) error {
		price, err := parseAmount(submitPrice)
		if err != nil {
			return err
		}
		input, err := readData(submitInput)
		if err != nil {
			return err
		}

		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		deadline, err := parseDeadline(submitDeadline, d.Market.Now())
		if err != nil {
			return err
		}
		id, err := d.Market.SubmitTask(contextOf(cmd), caller(), domain.Submission{
			Price:     price,
			Deadline:  deadline,
			URL:       submitURL,
			VK:        submitVK,
			Protocol:  submitProtocol,
			InputData: input,
		})
		if err != nil {
			return err
		}
		return output(cmd, map[string]uint64{"id": id}, func(w io.Writer) {
			fmt.Fprintf(w, "Submitted task %d\n", id)
		})
	},
}

var takeCmd = &cobra.Command{
	Use:   "take ID",
	Short: "Take an open task, locking half its price as collateral",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.Market.TakeTask(contextOf(cmd), id, caller()); err != nil {
			return err
		}
		task, err := d.Market.GetTask(contextOf(cmd), id)
		if err != nil {
			return err
		}
		return output(cmd, task, func(w io.Writer) {
			fmt.Fprintf(w, "Took task %d (collateral %d %s, deadline %s)\n",
				id, task.Collateral(), task.Asset, task.Deadline.Format("2006-01-02 15:04:05"))
		})
	},
}

var proveCmd = &cobra.Command{
	Use:   "prove ID",
	Short: "Submit a proof for an assigned task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		proof, err := readData(proveProof)
		if err != nil {
			return err
		}
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		valid, err := d.Market.VerifyProof(contextOf(cmd), id, caller(), proof)
		if err != nil {
			return err
		}
		return output(cmd, map[string]interface{}{"id": id, "valid": valid}, func(w io.Writer) {
			if valid {
				fmt.Fprintf(w, "Proof accepted: task %d settled to miner\n", id)
			} else {
				fmt.Fprintf(w, "Proof rejected: task %d slashed to client\n", id)
			}
		})
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim ID",
	Short: "Withdraw compensation for a failed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		paid, err := d.Market.ClaimCompensation(contextOf(cmd), id, caller())
		if err != nil {
			return err
		}
		return output(cmd, map[string]interface{}{"id": id, "paid": paid}, func(w io.Writer) {
			if paid {
				fmt.Fprintf(w, "Compensation for task %d paid to your wallet\n", id)
			} else {
				fmt.Fprintf(w, "Nothing to claim for task %d\n", id)
			}
		})
	},
}

var taskCmd = &cobra.Command{
	Use:   "task ID",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		task, err := d.Market.GetTask(contextOf(cmd), id)
		if err != nil {
			return err
		}
		claimed, _ := d.Market.Claimed(id)
		return output(cmd, task, func(w io.Writer) {
			tw := newTable(w)
			fmt.Fprintf(tw, "ID\t%d\n", task.ID)
			fmt.Fprintf(tw, "Status\t%s\n", task.Status)
			fmt.Fprintf(tw, "Protocol\t%s\n", task.Protocol)
			fmt.Fprintf(tw, "Price\t%d %s\n", task.Price, task.Asset)
			fmt.Fprintf(tw, "Client\t%s\n", task.Client)
			fmt.Fprintf(tw, "Miner\t%s\n", task.Miner)
			fmt.Fprintf(tw, "Deadline\t%s\n", task.Deadline.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(tw, "URL\t%s\n", task.URL)
			fmt.Fprintf(tw, "Proof\t%d bytes\n", len(task.Proof))
			fmt.Fprintf(tw, "Claimed\t%v\n", claimed)
			tw.Flush()
		})
	},
}

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := domain.TaskFilter{
			Status: domain.TaskStatus(tasksStatus),
			Client: domain.Address(tasksClient),
			Miner:  domain.Address(tasksMiner),
			Limit:  tasksLimit,
		}
		if f.Status != "" && !f.Status.Valid() {
			return fmt.Errorf("unknown status %q", tasksStatus)
		}
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		tasks, err := d.Market.ListTasks(contextOf(cmd), f)
		if err != nil {
			return err
		}
		return output(cmd, tasks, func(w io.Writer) { printTasks(w, tasks) })
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Slash every assigned task past its deadline",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		n, err := d.Market.Sweep(contextOf(cmd))
		if err != nil {
			return err
		}
		return output(cmd, map[string]int{"expired": n}, func(w io.Writer) {
			fmt.Fprintf(w, "Expired %d task(s)\n", n)
		})
	},
}
