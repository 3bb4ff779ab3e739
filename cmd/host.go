package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/mancer/store"
	"github.com/projecteru2/mancer/types"
)

var hostCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Manage virtualization hosts",
	}

	lsCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List hosts with connection state and resource usage",
		RunE:    runHostList,
	}
	lsCmd.Flags().Bool("stats", false, "fetch live stats for connected hosts")
	lsCmd.Flags().Bool("json", false, "print as JSON")

	addCmd := &cobra.Command{
		Use:   "add URI",
		Short: "Register a host and connect to it",
		Args:  cobra.ExactArgs(1),
		RunE:  runHostAdd,
	}
	addCmd.Flags().String("id", "", "host id (server assigned when empty)")
	addCmd.Flags().String("name", "", "display name")

	updateCmd := &cobra.Command{
		Use:   "update HOST",
		Short: "Change a host's name, URI, or auto-reconnect",
		Args:  cobra.ExactArgs(1),
		RunE:  runHostUpdate,
	}
	updateCmd.Flags().String("name", "", "new display name")
	updateCmd.Flags().String("uri", "", "new libvirt URI")
	updateCmd.Flags().Bool("no-auto-reconnect", false, "disable automatic reconnect")

	capsCmd := &cobra.Command{
		Use:   "caps HOST",
		Short: "Show host capabilities",
		Args:  cobra.ExactArgs(1),
		RunE:  runHostCaps,
	}
	capsCmd.Flags().Bool("refresh", false, "ask the host to re-read its capabilities")

	cmd.AddCommand(
		lsCmd,
		addCmd,
		updateCmd,
		&cobra.Command{
			Use:     "rm HOST [HOST...]",
			Aliases: []string{"delete"},
			Short:   "Remove host(s) and everything cached for them",
			Args:    cobra.MinimumNArgs(1),
			RunE:    hostBatch("delete", "deleted", (*store.HostStore).Delete),
		},
		&cobra.Command{
			Use:   "connect HOST [HOST...]",
			Short: "Connect host(s)",
			Args:  cobra.MinimumNArgs(1),
			RunE:  hostBatch("connect", "connected", (*store.HostStore).Connect),
		},
		&cobra.Command{
			Use:   "disconnect HOST [HOST...]",
			Short: "Disconnect host(s); errors from them are then suppressed",
			Args:  cobra.MinimumNArgs(1),
			RunE:  hostBatch("disconnect", "disconnected", (*store.HostStore).Disconnect),
		},
		&cobra.Command{
			Use:   "stats HOST",
			Short: "Show host resource stats",
			Args:  cobra.ExactArgs(1),
			RunE:  runHostStats,
		},
		capsCmd,
		&cobra.Command{
			Use:   "info HOST",
			Short: "Show live hypervisor info of a host",
			Args:  cobra.ExactArgs(1),
			RunE:  runHostInfo,
		},
		&cobra.Command{
			Use:   "ports HOST",
			Short: "List host ports",
			Args:  cobra.ExactArgs(1),
			RunE:  runHostPorts,
		},
	)
	return cmd
}()

func runHostList(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	hosts := app.Hosts()
	if _, err := hosts.Fetch(ctx); err != nil {
		return err
	}
	if withStats, _ := cmd.Flags().GetBool("stats"); withStats {
		for _, h := range hosts.Connected() {
			if _, err := hosts.FetchStats(ctx, h.ID); err != nil {
				log.WithFunc("cmd.hostList").Warnf(ctx, "stats %s: %v", h.ID, err)
			}
		}
	}
	list := hosts.WithStats()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No hosts found.")
		return nil
	}

	uriWidth := max(16, termWidth()-80) //nolint:mnd
	table := newTable("ID", "NAME", "URI", "STATE", "CPU", "MEMORY", "DISK", "VMS", "UPTIME")
	for _, h := range list {
		cpu, mem, disk, vms, uptime := "-", "-", "-", "-", "-"
		if st := h.Stats; st != nil {
			cpu = fmt.Sprintf("%.1f%%", st.CPUPercent)
			mem = formatSize(st.MemoryUsed()) + " / " + formatSize(st.MemoryTotal)
			disk = formatSize(st.DiskTotal-st.DiskFree) + " / " + formatSize(st.DiskTotal)
			vms = fmt.Sprint(max(st.VMCount, st.TotalVMs))
			uptime = formatUptime(st.Uptime)
		}
		table.Append([]string{
			h.ID, h.DisplayName(), truncate(h.URI, uriWidth),
			colorHostState(h.Host, h.IsConnecting),
			cpu, mem, disk, vms, uptime,
		})
	}
	table.Render()
	return nil
}

func runHostAdd(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	id, _ := cmd.Flags().GetString("id")
	name, _ := cmd.Flags().GetString("name")
	h, err := app.Hosts().Add(ctx, types.HostSpec{ID: id, Name: name, URI: args[0]})
	if h == nil {
		return err
	}
	logger := log.WithFunc("cmd.hostAdd")
	logger.Infof(ctx, "added: %s (%s)", h.ID, h.URI)
	if err != nil {
		logger.Warnf(ctx, "host %s was added but is not connected: %v", h.ID, err)
	}
	return nil
}

func runHostUpdate(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	var upd types.HostUpdate
	if cmd.Flags().Changed("name") {
		v, _ := cmd.Flags().GetString("name")
		upd.Name = &v
	}
	if cmd.Flags().Changed("uri") {
		v, _ := cmd.Flags().GetString("uri")
		upd.URI = &v
	}
	if cmd.Flags().Changed("no-auto-reconnect") {
		v, _ := cmd.Flags().GetBool("no-auto-reconnect")
		upd.AutoReconnectDisabled = &v
	}
	if upd == (types.HostUpdate{}) {
		return fmt.Errorf("nothing to update: pass --name, --uri or --no-auto-reconnect")
	}
	if _, err := app.Hosts().Fetch(ctx); err != nil {
		return err
	}
	h, err := app.Hosts().Update(ctx, args[0], upd)
	if err != nil {
		return err
	}
	log.WithFunc("cmd.hostUpdate").Infof(ctx, "updated: %s", h.ID)
	return nil
}

// hostBatch builds a RunE applying one host operation to every argument.
func hostBatch(name, pastTense string, fn func(*store.HostStore, context.Context, string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		app, err := newApp(ctx, false)
		if err != nil {
			return err
		}
		defer closeApp(ctx, app)

		hosts := app.Hosts()
		if _, err := hosts.Fetch(ctx); err != nil {
			return err
		}
		logger := log.WithFunc("cmd." + name)
		var failed []string
		for _, id := range args {
			if err := fn(hosts, ctx, id); err != nil {
				logger.Warnf(ctx, "%s %s: %v", name, id, err)
				failed = append(failed, id)
				continue
			}
			logger.Infof(ctx, "%s: %s", pastTense, id)
		}
		if len(failed) > 0 {
			return fmt.Errorf("%s failed for %s", name, strings.Join(failed, ", "))
		}
		return nil
	}
}

func runHostStats(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	st, err := app.Hosts().FetchStats(ctx, args[0])
	if err != nil {
		return err
	}
	table := newTable("METRIC", "VALUE")
	table.AppendBulk([][]string{
		{"cpu", fmt.Sprintf("%.1f%%", st.CPUPercent)},
		{"memory used", formatSize(st.MemoryUsed())},
		{"memory total", formatSize(st.MemoryTotal)},
		{"disk free", formatSize(st.DiskFree)},
		{"disk total", formatSize(st.DiskTotal)},
		{"vms", fmt.Sprint(max(st.VMCount, st.TotalVMs))},
		{"uptime", formatUptime(st.Uptime)},
	})
	for state, n := range st.VMCounts {
		table.Append([]string{"vms " + state, fmt.Sprint(n)})
	}
	table.Render()
	return nil
}

func runHostCaps(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	var caps json.RawMessage
	if refresh, _ := cmd.Flags().GetBool("refresh"); refresh {
		caps, err = app.Hosts().RefreshCapabilities(ctx, args[0])
	} else {
		caps, err = app.Hosts().FetchCapabilities(ctx, args[0])
	}
	if err != nil {
		return err
	}
	return printJSON(caps)
}

func runHostInfo(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	info, err := app.Client().HostInfo(ctx, args[0])
	if err != nil {
		return err
	}
	if !info.Connected {
		fmt.Printf("Host %s is not connected.\n", args[0])
		return nil
	}
	return printJSON(info.Info)
}

func runHostPorts(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	ports, err := app.Hosts().Ports(ctx, args[0])
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No ports found.")
		return nil
	}
	return printJSON(ports)
}

// hostConnected reports whether the cached host is connected. Unknown hosts
// read as disconnected so their VMs show last-known state.
func hostConnected(hostsByID map[string]types.Host, id string) bool {
	h, ok := hostsByID[id]
	return ok && (h.Connected || h.State == types.HostConnected)
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return formatUptime(int64(time.Since(t).Seconds())) + " ago"
}
