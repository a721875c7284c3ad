package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/joescharf/devloop/internal/devloop"
	"github.com/joescharf/devloop/internal/output"
	"github.com/joescharf/devloop/internal/promote"
)

var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Promote dev changes to prod through git",
	Long: `Copy every file changed in the dev workspace into prod, commit and push
from prod, then reset dev to the pushed commit. The dev server is
stopped for the duration and restarted afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveRun(cmd, "approve", "Would promote dev changes to prod",
			(*devloop.Service).Approve)
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Discard all uncommitted dev changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveRun(cmd, "rollback", "Would discard all uncommitted changes in dev",
			(*devloop.Service).Rollback)
	},
}

var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Restore dev to its state before the open round",
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveRun(cmd, "undo", "Would restore dev to its state before the open round",
			(*devloop.Service).Undo)
	},
}

var confirmCmd = &cobra.Command{
	Use:   "confirm",
	Short: "Keep the open round's edits and drop its snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveRun(cmd, "confirm", "Would keep the open round's edits",
			(*devloop.Service).Confirm)
	},
}

func init() {
	rootCmd.AddCommand(approveCmd, rollbackCmd, undoCmd, confirmCmd)
}

// resolveRun runs one round resolution against the shared service.
func resolveRun(cmd *cobra.Command, name, dryRunMsg string, op func(*devloop.Service, context.Context) (*promote.Result, error)) error {
	if dryRun {
		ui.DryRunMsg("%s", dryRunMsg)
		return nil
	}
	svc, err := getService(cmd)
	if err != nil {
		return err
	}

	res, err := op(svc, cmd.Context())
	if err != nil {
		return err
	}
	printResult(name, res)
	return nil
}

func printResult(name string, res *promote.Result) {
	if res.Message == promote.NothingToApprove {
		ui.Info("Nothing to approve: dev has no changes")
		return
	}
	ui.Success("%s", res.Message)
	if res.Round != nil {
		ui.Info("Round %s %s", output.Cyan(res.Round.ID), output.StatusColor(string(res.Round.Status)))
	}
	if p := res.Promotion; p != nil {
		ui.Info("Promotion %s", output.StatusColor(string(p.Status)))
		if p.Commit != "" {
			ui.Info("Commit %s on %s", output.Cyan(p.Commit), p.Branch)
		}
		if len(p.Copied) > 0 {
			ui.VerboseLog("copied:")
			if ui.Verbose {
				ui.List(p.Copied)
			}
		}
		if len(p.Deleted) > 0 {
			ui.VerboseLog("deleted:")
			if ui.Verbose {
				ui.List(p.Deleted)
			}
		}
	}
	if res.Server != "" {
		ui.Info("dev server: %s", output.OutcomeColor(string(res.Server), res.Server.OK()))
	}
	ui.VerboseLog("%s done", name)
}
