package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/devloop/internal/output"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the conversation sent with each request",
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyShowRun(cmd)
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the conversation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyClearRun(cmd)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Maximum messages to show")
	historyCmd.AddCommand(historyClearCmd)
	rootCmd.AddCommand(historyCmd)
}

func historyShowRun(cmd *cobra.Command) error {
	svc, err := getService(cmd)
	if err != nil {
		return err
	}
	msgs, err := svc.History(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		ui.Info("No conversation history")
		return nil
	}
	for _, m := range msgs {
		fmt.Fprintf(ui.Out, "%s %s\n", output.Cyan(string(m.Role)), output.Ago(m.CreatedAt))
		fmt.Fprintln(ui.Out, m.Content)
		fmt.Fprintln(ui.Out)
	}
	return nil
}

func historyClearRun(cmd *cobra.Command) error {
	if dryRun {
		ui.DryRunMsg("Would clear the conversation history")
		return nil
	}
	svc, err := getService(cmd)
	if err != nil {
		return err
	}
	n, err := svc.ClearHistory(cmd.Context())
	if err != nil {
		return err
	}
	ui.Success("Cleared %d message(s)", n)
	return nil
}
