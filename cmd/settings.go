package cmd

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/mancer/types"
)

var settingsCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Global metrics display settings",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show backend settings and the effective values after local overrides",
		RunE:  runSettingsGet,
	}
	getCmd.Flags().Bool("json", false, "print as JSON")

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Change backend settings; unset flags keep their value",
		RunE:  runSettingsSet,
	}
	setCmd.Flags().Float64("cpu-alpha", 0, "cpu smoothing factor [0,1]")
	setCmd.Flags().Float64("disk-alpha", 0, "disk smoothing factor [0,1]")
	setCmd.Flags().Float64("net-alpha", 0, "network smoothing factor [0,1]")
	setCmd.Flags().String("cpu-display", "", "default cpu display (host|guest|raw)")
	setCmd.Flags().String("disk-unit", "", "disk rate unit (kib|mib)")
	setCmd.Flags().String("net-unit", "", "network rate unit (kb|mb)")

	cmd.AddCommand(getCmd, setCmd)
	return cmd
}()

func runSettingsGet(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	ms, err := app.Settings().Load(ctx)
	if err != nil {
		return err
	}
	eff := app.Settings().Effective()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(map[string]types.MetricsSettings{"backend": ms, "effective": eff})
	}
	table := newTable("SETTING", "BACKEND", "EFFECTIVE")
	table.AppendBulk([][]string{
		{"cpu alpha", fmt.Sprint(ms.CPUSmoothAlpha), fmt.Sprint(eff.CPUSmoothAlpha)},
		{"disk alpha", fmt.Sprint(ms.DiskSmoothAlpha), fmt.Sprint(eff.DiskSmoothAlpha)},
		{"net alpha", fmt.Sprint(ms.NetSmoothAlpha), fmt.Sprint(eff.NetSmoothAlpha)},
		{"cpu display", string(ms.CPUDisplayDefault), string(eff.CPUDisplayDefault)},
		{"disk unit", ms.Units.Disk, eff.Units.Disk},
		{"net unit", ms.Units.Network, eff.Units.Network},
	})
	table.Render()
	return nil
}

func runSettingsSet(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	settings := app.Settings()
	if _, err := settings.Load(ctx); err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("cpu-alpha") {
		v, _ := flags.GetFloat64("cpu-alpha")
		settings.SetCPUAlpha(v)
	}
	if flags.Changed("disk-alpha") {
		v, _ := flags.GetFloat64("disk-alpha")
		settings.SetDiskAlpha(v)
	}
	if flags.Changed("net-alpha") {
		v, _ := flags.GetFloat64("net-alpha")
		settings.SetNetAlpha(v)
	}
	if flags.Changed("cpu-display") {
		v, _ := flags.GetString("cpu-display")
		if err := settings.SetCPUDisplay(v); err != nil {
			return err
		}
	}
	disk, _ := flags.GetString("disk-unit")
	network, _ := flags.GetString("net-unit")
	if err := settings.SetUnits(disk, network); err != nil {
		return err
	}
	if err := settings.Save(ctx, settings.Current()); err != nil {
		return err
	}
	log.WithFunc("cmd.settingsSet").Info(ctx, "metrics settings saved")
	return nil
}
