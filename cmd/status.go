package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/projecteru2/mancer/recovery"
	"github.com/projecteru2/mancer/store"
)

var statusCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Connect, load everything, and report connection, health and errors",
		RunE:  runStatus,
	}
	cmd.Flags().Bool("json", false, "print the debug snapshot as JSON")
	cmd.Flags().Bool("errors", false, "list recent errors")
	return cmd
}()

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	app := store.NewApp(conf)
	defer closeApp(ctx, app)
	// A failed initial load is part of what status reports.
	initErr := app.Init(ctx)

	dbg := app.Debug()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(dbg)
	}

	table := newTable("FIELD", "VALUE")
	table.AppendBulk([][]string{
		{"version", dbg.Version},
		{"server", conf.Server},
		{"connection", colorConnection(dbg.Status)},
		{"health", colorHealth(dbg.Health)},
		{"websocket", dbg.WebSocket},
		{"hosts", fmt.Sprintf("%d / %d connected", dbg.Stats.ConnectedHosts, dbg.Stats.TotalHosts)},
		{"vms", fmt.Sprintf("%d (%d running, %d stopped, %d error, %d drifted)",
			dbg.Stats.TotalVMs, dbg.Stats.RunningVMs, dbg.Stats.StoppedVMs, dbg.Stats.ErrorVMs, dbg.Stats.DriftedVMs)},
		{"errors", fmt.Sprint(dbg.Errors)},
		{"last sync", formatAge(dbg.LastSync)},
	})
	table.Render()

	if showErrors, _ := cmd.Flags().GetBool("errors"); showErrors {
		renderEntries(app.Center().Entries())
	}
	if initErr != nil {
		return fmt.Errorf("initial load incomplete: %w", initErr)
	}
	return nil
}

func renderEntries(entries []recovery.Entry) {
	if len(entries) == 0 {
		fmt.Println("No errors.")
		return
	}
	msgWidth := max(20, termWidth()-90) //nolint:mnd
	table := newTable("TIME", "SEVERITY", "CATEGORY", "OPERATION", "TARGET", "MESSAGE", "ACTIONS")
	for _, e := range entries {
		actions := make([]string, 0, len(e.Actions))
		for _, a := range e.Actions {
			actions = append(actions, string(a))
		}
		target := e.HostID
		if e.VMName != "" {
			target += "/" + e.VMName
		}
		table.Append([]string{
			e.Time.Local().Format(time.TimeOnly),
			colorSeverity(e.Severity),
			string(e.Category),
			e.Operation,
			target,
			truncate(e.Message, msgWidth),
			strings.Join(actions, ", "),
		})
	}
	table.Render()
}

func colorConnection(s store.ConnectionStatus) string {
	switch s {
	case store.StatusConnected:
		return green(string(s))
	case store.StatusOffline:
		return red(string(s))
	}
	return yellow(string(s))
}

func colorHealth(h store.HealthStatus) string {
	switch h {
	case store.HealthHealthy:
		return green(string(h))
	case store.HealthCritical:
		return red(string(h))
	}
	return yellow(string(h))
}

func colorSeverity(s recovery.Severity) string {
	switch s {
	case recovery.SeverityCritical, recovery.SeverityHigh:
		return red(string(s))
	case recovery.SeverityMedium:
		return yellow(string(s))
	}
	return faint(string(s))
}
