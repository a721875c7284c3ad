package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/joescharf/devloop/internal/action"
)

var applyLabel string

var applyCmd = &cobra.Command{
	Use:   "apply <file|->",
	Short: "Apply a batch of actions from a JSON file",
	Long: `Apply a batch document without asking the AI. The file holds
{"explanation": "...", "actions": [...]}; use - to read stdin.

With --dry-run the batch is validated and listed but nothing is applied.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return applyRun(cmd, args[0])
	},
}

func init() {
	applyCmd.Flags().StringVar(&applyLabel, "label", "", "Label recorded on the round (default: the file name)")
	rootCmd.AddCommand(applyCmd)
}

func readBatchFile(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(name)
}

func applyRun(cmd *cobra.Command, name string) error {
	raw, err := readBatchFile(name)
	if err != nil {
		return fmt.Errorf("read batch: %w", err)
	}

	if dryRun {
		batch, err := action.Parse(raw)
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would apply %d action(s): %s", len(batch.Actions), batch.Explanation)
		for _, a := range batch.Actions {
			ui.VerboseLog("%s", action.Describe(a))
			if !ui.Verbose {
				fmt.Fprintf(ui.Out, "  - %s\n", action.Describe(a))
			}
		}
		return nil
	}

	svc, err := getService(cmd)
	if err != nil {
		return err
	}

	label := applyLabel
	if label == "" {
		label = "apply " + name
	}
	out, err := svc.ApplyRaw(cmd.Context(), label, raw)
	if err != nil {
		return err
	}
	printOutcome(out)
	return nil
}
