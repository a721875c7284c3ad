package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/devloop/internal/output"
)

var (
	roundsLimit     int
	roundsPromotion bool
)

var roundsCmd = &cobra.Command{
	Use:   "rounds",
	Short: "List recent rounds of edits",
	RunE: func(cmd *cobra.Command, args []string) error {
		if roundsPromotion {
			return promotionsRun(cmd)
		}
		return roundsRun(cmd)
	},
}

func init() {
	roundsCmd.Flags().IntVarP(&roundsLimit, "limit", "l", 20, "Maximum entries to show")
	roundsCmd.Flags().BoolVar(&roundsPromotion, "promotions", false, "List promotions to prod instead")
	rootCmd.AddCommand(roundsCmd)
}

func roundsRun(cmd *cobra.Command) error {
	svc, err := getService(cmd)
	if err != nil {
		return err
	}

	rounds, err := svc.Rounds(cmd.Context(), roundsLimit)
	if err != nil {
		return err
	}
	if len(rounds) == 0 {
		ui.Info("No rounds yet")
		return nil
	}

	table := ui.Table([]string{"ID", "STATUS", "ACTIONS", "ERRORS", "SNAPSHOT", "CREATED", "PROMPT"})
	for _, r := range rounds {
		errs := fmt.Sprint(len(r.Errors))
		if len(r.Errors) > 0 {
			errs = output.Red(errs)
		}
		table.Append([]string{
			r.ID,
			output.StatusColor(string(r.Status)),
			fmt.Sprint(r.ActionCount),
			errs,
			string(r.Snapshot),
			output.Ago(r.CreatedAt),
			output.Truncate(r.Prompt, 50),
		})
	}
	table.Render()
	return nil
}

func promotionsRun(cmd *cobra.Command) error {
	svc, err := getService(cmd)
	if err != nil {
		return err
	}

	promos, err := svc.Promotions(cmd.Context(), roundsLimit)
	if err != nil {
		return err
	}
	if len(promos) == 0 {
		ui.Info("No promotions yet")
		return nil
	}

	table := ui.Table([]string{"ID", "STATUS", "COMMIT", "COPIED", "DELETED", "CREATED", "ERROR"})
	for _, p := range promos {
		commit := p.Commit
		if len(commit) > 10 {
			commit = commit[:10]
		}
		table.Append([]string{
			p.ID,
			output.StatusColor(string(p.Status)),
			commit,
			fmt.Sprint(len(p.Copied)),
			fmt.Sprint(len(p.Deleted)),
			output.Ago(p.CreatedAt),
			output.Truncate(p.Error, 40),
		})
	}
	table.Render()
	return nil
}
