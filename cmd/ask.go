package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/devloop/internal/devloop"
	"github.com/joescharf/devloop/internal/output"
)

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Ask the AI for changes and apply them to the dev workspaces",
	Long: `Send a request to the configured AI provider together with the project
files and recent conversation, then apply the returned actions.

The dev workspace is snapshotted first; use 'devloop undo' to restore it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return askRun(cmd, strings.Join(args, " "))
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
}

func askRun(cmd *cobra.Command, prompt string) error {
	if dryRun {
		ui.DryRunMsg("Would ask: %s", prompt)
		return nil
	}

	svc, err := getService(cmd)
	if err != nil {
		return err
	}

	ui.Info("Asking %s...", svc.Config().Anthropic.Model)
	out, err := svc.Propose(cmd.Context(), prompt)
	if err != nil {
		return err
	}
	printOutcome(out)
	return nil
}

// printOutcome renders an applied batch.
func printOutcome(out *devloop.Outcome) {
	fmt.Fprintln(ui.Out)
	fmt.Fprintln(ui.Out, out.Round.Explanation)
	fmt.Fprintln(ui.Out)

	if len(out.Report.Outcomes) > 0 {
		table := ui.Table([]string{"#", "ACTION", "TARGET", "RESULT"})
		for _, o := range out.Report.Outcomes {
			result := output.Green("ok")
			if o.Error != "" {
				result = output.Red(output.Truncate(o.Error, 60))
			}
			table.Append([]string{fmt.Sprint(o.Index), o.Kind, o.Target, result})
		}
		table.Render()
		fmt.Fprintln(ui.Out)
	}

	if len(out.Effects.Installed) > 0 {
		ui.Success("Dependencies installed in %s", strings.Join(out.Effects.Installed, ", "))
	}
	for kind, outcome := range out.Effects.Restarted {
		ui.Info("Restarted %s server: %s", kind, output.OutcomeColor(string(outcome), outcome.OK()))
	}

	errs := append(append([]string{}, out.Report.Errors...), out.Effects.Errors...)
	if len(errs) > 0 {
		ui.Warning("Errors occurred:")
		for _, e := range errs {
			ui.Error("%s", e)
		}
	} else {
		ui.Success("Applied %d action(s)", out.Report.Applied())
	}
	ui.Info("Round %s is open: approve, rollback, undo or confirm it", output.Cyan(out.Round.ID))
}
