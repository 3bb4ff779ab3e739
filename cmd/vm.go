package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/projecteru2/core/log"
	glob "github.com/ryanuber/go-glob"
	"github.com/spf13/cobra"

	"github.com/projecteru2/mancer/store"
	"github.com/projecteru2/mancer/types"
)

const defaultWaitTimeout = 2 * time.Minute

var vmCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage virtual machines",
	}
	cmd.PersistentFlags().String("host", "", "default host for bare VM names")

	lsCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List VMs across connected hosts",
		RunE:    runVMList,
	}
	lsCmd.Flags().String("filter", "", "glob on VM name (e.g. 'web-*')")
	lsCmd.Flags().String("state", "", "only VMs in this state")
	lsCmd.Flags().Bool("drift", false, "only VMs whose intended and observed state differ")
	lsCmd.Flags().Bool("json", false, "print as JSON")

	cmd.AddCommand(lsCmd)
	for _, action := range []struct {
		action    types.VMAction
		short     string
		pastTense string
	}{
		{types.ActionStart, "Start VM(s)", "started"},
		{types.ActionShutdown, "Gracefully shut down VM(s)", "shut down"},
		{types.ActionReboot, "Reboot VM(s)", "rebooted"},
		{types.ActionForceOff, "Power off VM(s) immediately", "powered off"},
		{types.ActionForceReset, "Hard reset VM(s)", "reset"},
	} {
		actionCmd := &cobra.Command{
			Use:   string(action.action) + " VM [VM...]",
			Short: action.short,
			Args:  cobra.MinimumNArgs(1),
			RunE:  runVMAction(action.action, action.pastTense),
		}
		actionCmd.Flags().Bool("wait", false, "wait until the backend reports the action settled")
		actionCmd.Flags().Duration("timeout", defaultWaitTimeout, "how long --wait waits")
		cmd.AddCommand(actionCmd)
	}

	hwCmd := &cobra.Command{
		Use:   "hardware VM",
		Short: "Show or change VM hardware",
		Args:  cobra.ExactArgs(1),
		RunE:  runVMHardware,
	}
	hwCmd.Flags().String("set", "", "JSON hardware patch, or @file")
	hwCmd.Flags().Bool("extended", false, "print the extended hardware document as JSON")

	stateCmd := &cobra.Command{
		Use:   "state VM STATE",
		Short: "Set the intended state of a VM",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE:  runVMState,
	}

	stopAllCmd := &cobra.Command{
		Use:   "stop-all",
		Short: "Emergency shutdown of every running VM",
		RunE:  runVMStopAll,
	}
	stopAllCmd.Flags().Bool("yes", false, "do not ask for confirmation")

	cmd.AddCommand(
		hwCmd,
		stateCmd,
		stopAllCmd,
		&cobra.Command{
			Use:   "attachments VM",
			Short: "List port and video attachments of a VM",
			Args:  cobra.ExactArgs(1),
			RunE:  runVMAttachments,
		},
		&cobra.Command{
			Use:   "stats VM",
			Short: "Show a one-off stats sample",
			Args:  cobra.ExactArgs(1),
			RunE:  runVMStats,
		},
		&cobra.Command{
			Use:   "import VM [VM...]",
			Short: "Adopt libvirt domain(s) into management",
			Args:  cobra.MinimumNArgs(1),
			RunE:  vmBatch("import", "imported", (*store.VMStore).Import),
		},
		&cobra.Command{
			Use:   "sync VM [VM...]",
			Short: "Pull live libvirt state into the record",
			Args:  cobra.MinimumNArgs(1),
			RunE:  vmBatch("sync", "synced", (*store.VMStore).Sync),
		},
		&cobra.Command{
			Use:   "rebuild VM [VM...]",
			Short: "Push the record back to libvirt",
			Args:  cobra.MinimumNArgs(1),
			RunE:  vmBatch("rebuild", "rebuilt", (*store.VMStore).Rebuild),
		},
	)
	return cmd
}()

func runVMList(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	host, _ := cmd.Flags().GetString("host")
	hosts, err := app.Hosts().Fetch(ctx)
	if err != nil {
		return err
	}
	byID := map[string]types.Host{}
	for _, h := range hosts {
		byID[h.ID] = h
		if host != "" && h.ID != host {
			continue
		}
		if _, err := app.VMs().Fetch(ctx, h.ID); err != nil {
			log.WithFunc("cmd.vmList").Warnf(ctx, "list VMs of %s: %v", h.ID, err)
		}
	}

	filter, _ := cmd.Flags().GetString("filter")
	state, _ := cmd.Flags().GetString("state")
	driftOnly, _ := cmd.Flags().GetBool("drift")
	var list []types.VM
	for _, vm := range app.VMs().All() {
		switch {
		case host != "" && vm.HostID != host:
		case filter != "" && !glob.Glob(filter, vm.Name):
		case state != "" && !strings.EqualFold(state, string(vm.State)):
		case driftOnly && !vm.HasDrift():
		default:
			list = append(list, vm)
		}
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No VMs found.")
		return nil
	}
	table := newTable("HOST", "NAME", "STATE", "VCPU", "MEMORY", "CONSOLE", "UPTIME")
	for _, vm := range list {
		ds := vm.DisplayState(hostConnected(byID, vm.HostID))
		console := vm.ConsoleType()
		if console == "" {
			console = "-"
		}
		table.Append([]string{
			vm.HostID, vm.Name,
			colorVMState(ds, vm.TaskState),
			fmt.Sprint(vm.VCPUCount), formatSize(vm.MemoryBytes),
			console, formatUptime(vm.Uptime),
		})
	}
	table.Render()
	return nil
}

func runVMAction(action types.VMAction, pastTense string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		wait, _ := cmd.Flags().GetBool("wait")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		host, _ := cmd.Flags().GetString("host")

		// --wait needs the push channel and the VM cache.
		app, err := newApp(ctx, wait)
		if err != nil {
			return err
		}
		defer closeApp(ctx, app)

		vms := app.VMs()
		return batchVMCmd(ctx, string(action), pastTense, func(ctx context.Context, hostID, vmName string) error {
			if err := vms.Do(ctx, hostID, vmName, action); err != nil {
				return err
			}
			if !wait {
				return nil
			}
			vm, err := vms.WaitSettled(ctx, hostID, vmName, timeout)
			if err != nil {
				return fmt.Errorf("wait: %w", err)
			}
			log.WithFunc("cmd."+string(action)).Infof(ctx, "%s is now %s", vm.Key(), vm.State)
			return nil
		}, host, args)
	}
}

func vmBatch(name, pastTense string, fn func(*store.VMStore, context.Context, string, string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		host, _ := cmd.Flags().GetString("host")
		app, err := newApp(ctx, false)
		if err != nil {
			return err
		}
		defer closeApp(ctx, app)

		vms := app.VMs()
		return batchVMCmd(ctx, name, pastTense, func(ctx context.Context, hostID, vmName string) error {
			return fn(vms, ctx, hostID, vmName)
		}, host, args)
	}
}

func runVMHardware(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	host, _ := cmd.Flags().GetString("host")
	hostID, vmName, err := parseVMRef(args[0], host)
	if err != nil {
		return err
	}
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	if extended, _ := cmd.Flags().GetBool("extended"); extended {
		raw, err := app.Client().VMHardwareExtended(ctx, hostID, vmName)
		if err != nil {
			return err
		}
		return printJSON(raw)
	}
	patch, _ := cmd.Flags().GetString("set")
	if patch == "" {
		hw, err := app.VMs().FetchHardware(ctx, hostID, vmName)
		if err != nil {
			return err
		}
		return printHardware(hw)
	}

	raw := []byte(patch)
	if path, ok := strings.CutPrefix(patch, "@"); ok {
		if raw, err = os.ReadFile(path); err != nil { //nolint:gosec
			return fmt.Errorf("read %s: %w", path, err)
		}
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("parse hardware patch: %w", err)
	}
	hw, err := app.VMs().UpdateHardware(ctx, hostID, vmName, body)
	if err != nil {
		return err
	}
	log.WithFunc("cmd.vmHardware").Infof(ctx, "updated hardware: %s/%s", hostID, vmName)
	return printHardware(hw)
}

func runVMAttachments(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	host, _ := cmd.Flags().GetString("host")
	hostID, vmName, err := parseVMRef(args[0], host)
	if err != nil {
		return err
	}
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	ports, err := app.Client().VMPortAttachments(ctx, hostID, vmName)
	if err != nil {
		return err
	}
	videos, err := app.Client().VMVideoAttachments(ctx, hostID, vmName)
	if err != nil {
		return err
	}
	return printJSON(map[string][]json.RawMessage{"ports": ports, "videos": videos})
}

func printHardware(hw types.VMHardware) error {
	table := newTable("FIELD", "VALUE")
	table.AppendBulk([][]string{
		{"name", hw.Name},
		{"uuid", hw.UUID},
		{"vcpus", fmt.Sprint(hw.VCPUs)},
		{"topology", fmt.Sprintf("%d sockets / %d cores / %d threads", hw.CPUTopology.Sockets, hw.CPUTopology.Cores, hw.CPUTopology.Threads)},
		{"cpu model", hw.CPUModel},
		{"memory", formatSize(hw.MemoryBytes)},
		{"current memory", formatSize(hw.CurrentMemory)},
	})
	for _, d := range hw.Disks {
		table.Append([]string{"disk " + d.DeviceName, fmt.Sprintf("%s %.1fGB %s", d.BusType, d.CapacityGB, d.Format)})
	}
	for _, n := range hw.Networks {
		table.Append([]string{"nic " + n.MACAddress, fmt.Sprintf("%s %s:%s", n.ModelName, n.SourceType, n.SourceRef)})
	}
	table.Render()
	return nil
}

func runVMState(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	host, _ := cmd.Flags().GetString("host")
	hostID, vmName, err := parseVMRef(args[0], host)
	if err != nil {
		return err
	}
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	state := types.VMState(strings.ToUpper(args[1]))
	if err := app.VMs().UpdateState(ctx, hostID, vmName, state); err != nil {
		return err
	}
	log.WithFunc("cmd.vmState").Infof(ctx, "%s/%s intended state: %s", hostID, vmName, state)
	return nil
}

func runVMStats(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	host, _ := cmd.Flags().GetString("host")
	hostID, vmName, err := parseVMRef(args[0], host)
	if err != nil {
		return err
	}
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	if _, err := app.Settings().Load(ctx); err != nil {
		log.WithFunc("cmd.vmStats").Warnf(ctx, "load settings: %v", err)
	}
	st, err := app.VMs().FetchStats(ctx, hostID, vmName)
	if err != nil {
		return err
	}
	renderVMStats(st, app.Settings().Effective())
	return nil
}

func renderVMStats(st types.VMStats, ms types.MetricsSettings) {
	table := newTable("METRIC", "VALUE")
	table.AppendBulk([][]string{
		{"cpu (" + string(ms.CPUDisplayDefault) + ")", fmt.Sprintf("%.1f%%", st.CPUFor(ms.CPUDisplayDefault))},
		{"memory", fmt.Sprintf("%.0f MB", st.MemoryMB)},
		{"disk read", formatDisk(st.DiskReadKiBPerSec, ms.Units.Disk)},
		{"disk write", formatDisk(st.DiskWriteKiBPerSec, ms.Units.Disk)},
		{"iops r/w", fmt.Sprintf("%.0f / %.0f", st.DiskReadIOPS, st.DiskWriteIOPS)},
		{"net rx", formatNet(st.NetworkRxMbps, ms.Units.Network)},
		{"net tx", formatNet(st.NetworkTxMbps, ms.Units.Network)},
		{"uptime", formatUptime(st.Uptime)},
	})
	table.Render()
}

func runVMStopAll(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	host, _ := cmd.Flags().GetString("host")
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		return fmt.Errorf("refusing to stop every running VM without --yes")
	}
	app, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)
	return app.EmergencyStop(ctx, host)
}
