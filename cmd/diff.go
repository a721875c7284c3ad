package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func stdoutIsTerminal() bool { return term.IsTerminal(int(os.Stdout.Fd())) }

var (
	diffStat    bool
	diffNoColor bool
)

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Show uncommitted changes in the dev workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		return diffRun(cmd)
	},
}

func init() {
	diffCmd.Flags().BoolVar(&diffStat, "stat", false, "Show a diffstat instead of the full patch")
	diffCmd.Flags().BoolVar(&diffNoColor, "no-color", false, "Disable syntax highlighting")
	rootCmd.AddCommand(diffCmd)
}

func diffRun(cmd *cobra.Command) error {
	svc, err := getService(cmd)
	if err != nil {
		return err
	}

	d, err := svc.Diff(cmd.Context(), diffStat)
	if err != nil {
		return err
	}
	ui.VerboseLog("dev is on branch %s", d.Branch)
	if diffStat && d.Status != "" {
		fmt.Fprintln(ui.Out, d.Status)
	}
	if d.Diff == "" && len(d.Untracked) == 0 {
		ui.Info("No changes in dev")
		return nil
	}
	if d.Diff != "" {
		ui.Diff(d.Diff, !diffStat && !diffNoColor && stdoutIsTerminal())
	}
	if len(d.Untracked) > 0 {
		if d.Diff != "" {
			fmt.Fprintln(ui.Out)
		}
		ui.Info("Untracked files:")
		ui.List(d.Untracked)
	}
	return nil
}
