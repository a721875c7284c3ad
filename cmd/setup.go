package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/devloop/internal/devloop"
	"github.com/joescharf/devloop/internal/output"
)

var setupStart bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Prepare the workspaces for a new project",
	Long: `Create missing workspace directories, initialize git in workspaces
that are not repositories yet (with an initial commit on git.branch), and
install dependencies where a manifest exists without its install
directory. Prod is never installed into.

With --start both servers are started afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setupRun(cmd)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Stop every supervised server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return resetRun(cmd)
	},
}

func init() {
	setupCmd.Flags().BoolVar(&setupStart, "start", false, "Start the dev and backend servers after setup")
	rootCmd.AddCommand(setupCmd, resetCmd)
}

func setupRun(cmd *cobra.Command) error {
	if dryRun {
		ui.DryRunMsg("Would prepare the workspaces")
		return nil
	}
	svc, err := getService(cmd)
	if err != nil {
		return err
	}

	res, err := svc.Setup(cmd.Context(), setupStart)
	if res != nil {
		table := ui.Table([]string{"WORKSPACE", "PATH", "ACTIONS"})
		for _, ws := range res.Workspaces {
			table.Append([]string{ws.Tag, ws.Path, setupActions(ws)})
		}
		table.Render()
		for _, kind := range sortedKinds(res.Servers) {
			outcome := res.Servers[kind]
			ui.Info("%s server %s", kind, output.OutcomeColor(string(outcome), outcome.OK()))
		}
	}
	if err != nil {
		return err
	}
	ui.Success("Workspaces ready")
	return nil
}

// setupActions summarizes what setup did to one workspace.
func setupActions(ws devloop.WorkspaceSetup) string {
	var done []string
	if ws.Created {
		done = append(done, "created")
	}
	if ws.Initialized {
		done = append(done, "git init")
	}
	if ws.Installed {
		done = append(done, "installed")
	}
	if len(done) == 0 {
		return "-"
	}
	return strings.Join(done, ", ")
}

func resetRun(cmd *cobra.Command) error {
	if dryRun {
		ui.DryRunMsg("Would stop all servers")
		return nil
	}
	svc, err := getService(cmd)
	if err != nil {
		return err
	}
	svc.Reset(cmd.Context())
	ui.Success("Stopped all servers")
	return nil
}
