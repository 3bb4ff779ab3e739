package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/projecteru2/mancer/config"
	"github.com/projecteru2/mancer/store"
	"github.com/projecteru2/mancer/types"
)

var watchCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live stats over the push channel",
	}
	cmd.PersistentFlags().Duration("interval", 2*time.Second, "print interval") //nolint:mnd
	cmd.PersistentFlags().String("host", "", "default host for bare VM names")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "host HOST",
			Short: "Watch host stats",
			Args:  cobra.ExactArgs(1),
			RunE:  runWatchHost,
		},
		&cobra.Command{
			Use:   "vm VM",
			Short: "Watch smoothed VM stats",
			Args:  cobra.ExactArgs(1),
			RunE:  runWatchVM,
		},
	)
	return cmd
}()

func runWatchHost(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	hostID := args[0]
	app, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)
	if _, err := app.Hosts().Get(hostID); err != nil {
		return err
	}
	if err := app.Subscriptions().SubscribeHost(hostID); err != nil {
		log.WithFunc("cmd.watchHost").Warnf(ctx, "subscribe %s, will retry on reconnect: %v", hostID, err)
	}
	watchConfig(ctx, app)

	return tick(ctx, cmd, func(now time.Time) {
		hosts := app.Hosts()
		h, err := hosts.Get(hostID)
		if err != nil {
			fmt.Printf("%s  %s\n", now.Format(time.TimeOnly), red("host removed"))
			return
		}
		st, ok := hosts.Stats(hostID)
		switch {
		case hosts.Warming(hostID):
			fmt.Printf("%s  %s  %s\n", now.Format(time.TimeOnly), h.DisplayName(), faint("warming up"))
		case !ok:
			fmt.Printf("%s  %s  %s\n", now.Format(time.TimeOnly), h.DisplayName(), colorHostState(h, hosts.IsConnecting(hostID)))
		default:
			fmt.Printf("%s  %s  cpu %5.1f%%  mem %s / %s  vms %d\n",
				now.Format(time.TimeOnly), h.DisplayName(), st.CPUPercent,
				formatSize(st.MemoryUsed()), formatSize(st.MemoryTotal), max(st.VMCount, st.TotalVMs))
		}
	})
}

func runWatchVM(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	host, _ := cmd.Flags().GetString("host")
	hostID, vmName, err := parseVMRef(args[0], host)
	if err != nil {
		return err
	}
	app, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)
	if _, err := app.VMs().Get(hostID, vmName); err != nil {
		return err
	}
	if err := app.Subscriptions().SubscribeVM(hostID, vmName); err != nil {
		log.WithFunc("cmd.watchVM").Warnf(ctx, "subscribe %s/%s, will retry on reconnect: %v", hostID, vmName, err)
	}
	watchConfig(ctx, app)

	return tick(ctx, cmd, func(now time.Time) {
		vm, err := app.VMs().Get(hostID, vmName)
		if err != nil {
			fmt.Printf("%s  %s\n", now.Format(time.TimeOnly), red("vm removed"))
			return
		}
		h, _ := app.Hosts().Get(hostID)
		ds := vm.DisplayState(h.Connected || h.State == types.HostConnected)
		st, warming, ok := app.VMs().Stats(hostID, vmName)
		switch {
		case warming:
			fmt.Printf("%s  %s  %s\n", now.Format(time.TimeOnly), vm.Key(), faint("warming up"))
		case !ok:
			fmt.Printf("%s  %s  %s\n", now.Format(time.TimeOnly), vm.Key(), colorVMState(ds, vm.TaskState))
		default:
			ms := app.Settings().Effective()
			fmt.Printf("%s  %s  %s  cpu %5.1f%%  disk r %s w %s  net rx %s tx %s\n",
				now.Format(time.TimeOnly), vm.Key(), colorVMState(ds, vm.TaskState),
				st.CPUFor(ms.CPUDisplayDefault),
				formatDisk(st.DiskReadKiBPerSec, ms.Units.Disk), formatDisk(st.DiskWriteKiBPerSec, ms.Units.Disk),
				formatNet(st.NetworkRxMbps, ms.Units.Network), formatNet(st.NetworkTxMbps, ms.Units.Network))
		}
	})
}

// tick calls fn every --interval until ctx is canceled.
func tick(ctx context.Context, cmd *cobra.Command, fn func(time.Time)) error {
	interval, _ := cmd.Flags().GetDuration("interval")
	if interval <= 0 {
		interval = 2 * time.Second //nolint:mnd
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	fn(time.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			fn(now)
		}
	}
}

// watchConfig reapplies the display overrides whenever the config file
// changes on disk.
func watchConfig(ctx context.Context, app *store.App) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	logger := log.WithFunc("cmd.watchConfig")
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var display config.DisplayConfig
		if err := viper.UnmarshalKey("display", &display); err != nil {
			logger.Warnf(ctx, "reload %s: %v", e.Name, err)
			return
		}
		app.Settings().SetOverrides(display)
		logger.Infof(ctx, "display settings reloaded from %s", e.Name)
	})
	viper.WatchConfig()
}
