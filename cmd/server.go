package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/joescharf/devloop/internal/output"
	"github.com/joescharf/devloop/internal/process"
)

var serverForce bool

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage the dev and backend servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serverStatusRun(cmd)
	},
}

var serverStartCmd = &cobra.Command{
	Use:       "start [dev|backend|all]",
	Short:     "Start servers and wait until they answer",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"dev", "backend", "all"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serverStartRun(cmd, args)
	},
}

var serverStopCmd = &cobra.Command{
	Use:       "stop [dev|backend|all]",
	Short:     "Stop servers",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"dev", "backend", "all"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serverStopRun(cmd, args)
	},
}

var serverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serverStatusRun(cmd)
	},
}

func init() {
	serverStartCmd.Flags().BoolVarP(&serverForce, "force", "f", false, "Start the dev server with its cache-clearing flag")
	serverCmd.AddCommand(serverStartCmd, serverStopCmd, serverStatusCmd)
	rootCmd.AddCommand(serverCmd)
}

// parseKinds maps a server argument to kinds; none or "all" means every
// server.
func parseKinds(args []string) ([]process.Kind, error) {
	if len(args) == 0 || args[0] == "all" {
		return nil, nil
	}
	kind, err := process.ParseKind(args[0])
	if err != nil {
		return nil, err
	}
	return []process.Kind{kind}, nil
}

func serverStartRun(cmd *cobra.Command, args []string) error {
	kinds, err := parseKinds(args)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would start %s", describeKinds(kinds))
		return nil
	}
	svc, err := getService(cmd)
	if err != nil {
		return err
	}

	out, err := svc.StartServers(cmd.Context(), serverForce, kinds...)
	if err != nil {
		return err
	}
	failed := 0
	for _, kind := range sortedKinds(out) {
		outcome := out[kind]
		if outcome.OK() {
			ui.Success("%s server %s", kind, output.OutcomeColor(string(outcome), true))
		} else {
			failed++
			ui.Error("%s server %s (see the server log in its workspace)", kind, output.OutcomeColor(string(outcome), false))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d server(s) failed to start", failed)
	}
	return nil
}

func serverStopRun(cmd *cobra.Command, args []string) error {
	kinds, err := parseKinds(args)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would stop %s", describeKinds(kinds))
		return nil
	}
	svc, err := getService(cmd)
	if err != nil {
		return err
	}
	if err := svc.StopServers(cmd.Context(), kinds...); err != nil {
		return err
	}
	ui.Success("Stopped %s", describeKinds(kinds))
	return nil
}

func serverStatusRun(cmd *cobra.Command) error {
	svc, err := getService(cmd)
	if err != nil {
		return err
	}

	table := ui.Table([]string{"SERVER", "PORT", "PID", "TRACKED", "RESPONSIVE", "DIR"})
	for _, st := range svc.ServerStatus(cmd.Context()) {
		pid := "-"
		if st.PID > 0 {
			pid = fmt.Sprint(st.PID)
		}
		responsive := output.Red("no")
		if st.Responsive {
			responsive = output.Green("yes")
		}
		table.Append([]string{
			string(st.Kind),
			fmt.Sprint(st.Port),
			pid,
			fmt.Sprint(st.Tracked),
			responsive,
			st.Dir,
		})
	}
	table.Render()
	return nil
}

func describeKinds(kinds []process.Kind) string {
	if len(kinds) == 0 {
		return "all servers"
	}
	return string(kinds[0]) + " server"
}

func sortedKinds(m map[process.Kind]process.Outcome) []process.Kind {
	kinds := make([]process.Kind, 0, len(m))
	for k := range m {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
