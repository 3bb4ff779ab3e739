package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/projecteru2/mancer/types"
)

var dashboardCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dashboard",
		Aliases: []string{"dash"},
		Short:   "Fleet-wide summary from the backend",
		RunE:    runDashboardStats,
	}
	cmd.PersistentFlags().Bool("json", false, "print as JSON")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Infrastructure, resource and health totals",
			RunE:  runDashboardStats,
		},
		&cobra.Command{
			Use:   "activity",
			Short: "Recent activity log",
			RunE:  runDashboardActivity,
		},
		&cobra.Command{
			Use:   "overview",
			Short: "Stats and activity in one call",
			RunE:  runDashboardOverview,
		},
	)
	return cmd
}()

func runDashboardStats(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	st, err := app.Client().DashboardStats(ctx)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(st)
	}
	renderDashboardStats(st)
	return nil
}

func renderDashboardStats(st *types.DashboardStats) {
	status := st.Health.SystemStatus
	switch status {
	case "healthy":
		status = green(status)
	case "critical", "error":
		status = red(status)
	default:
		status = yellow(status)
	}
	table := newTable("METRIC", "VALUE")
	table.AppendBulk([][]string{
		{"hosts", fmt.Sprintf("%d / %d connected", st.Infrastructure.ConnectedHosts, st.Infrastructure.TotalHosts)},
		{"vms", fmt.Sprintf("%d (%d running, %d stopped)", st.Infrastructure.TotalVMs, st.Infrastructure.RunningVMs, st.Infrastructure.StoppedVMs)},
		{"memory", fmt.Sprintf("%.1f / %.1f GB (%.0f%%)", st.Resources.UsedMemoryGB, st.Resources.TotalMemoryGB, st.Resources.MemoryUtilization)},
		{"cpus", fmt.Sprintf("%d / %d allocated (%.0f%%)", st.Resources.AllocatedCPUs, st.Resources.TotalCPUs, st.Resources.CPUUtilization)},
		{"status", status},
		{"errors / warnings", fmt.Sprintf("%d / %d", st.Health.Errors, st.Health.Warnings)},
		{"last sync", st.Health.LastSync},
	})
	table.Render()
}

func runDashboardActivity(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	page, err := app.Client().DashboardActivity(ctx)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(page)
	}
	renderActivities(page.Activities)
	return nil
}

func runDashboardOverview(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	ov, err := app.Client().DashboardOverview(ctx)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(ov)
	}
	fmt.Printf("Overview at %s\n", ov.Timestamp.Local().Format(time.DateTime))
	renderActivities(ov.Activities)
	return nil
}

func renderActivities(list []types.Activity) {
	if len(list) == 0 {
		fmt.Println("No activity.")
		return
	}
	msgWidth := max(20, termWidth()-70) //nolint:mnd
	table := newTable("TIME", "SEVERITY", "TYPE", "TARGET", "MESSAGE")
	for _, a := range list {
		target := a.HostID
		if a.VMName != "" {
			target = types.VMKey(a.HostID, a.VMName)
		}
		sev := a.Severity
		switch sev {
		case "error", "critical":
			sev = red(sev)
		case "warning":
			sev = yellow(sev)
		}
		table.Append([]string{
			a.Timestamp.Local().Format(time.DateTime), sev, a.Type, target,
			truncate(a.Message, msgWidth),
		})
	}
	table.Render()
}
