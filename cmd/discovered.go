package cmd

import (
	"fmt"

	"github.com/projecteru2/core/log"
	glob "github.com/ryanuber/go-glob"
	"github.com/spf13/cobra"

	"github.com/projecteru2/mancer/utils"
)

var discoveredCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "discovered",
		Aliases: []string{"disc"},
		Short:   "Libvirt domains found on hosts but not yet managed",
	}

	lsCmd := &cobra.Command{
		Use:     "list [HOST]",
		Aliases: []string{"ls"},
		Short:   "List discovered domains of one host, or of every host",
		Args:    cobra.MaximumNArgs(1),
		RunE:    runDiscoveredList,
	}
	lsCmd.Flags().String("filter", "", "glob on domain name")
	lsCmd.Flags().Bool("json", false, "print as JSON")

	importCmd := &cobra.Command{
		Use:   "import HOST [UUID...]",
		Short: "Import the selected domains, or all with --all",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDiscoveredImport,
	}
	importCmd.Flags().Bool("all", false, "import every discovered domain of HOST")

	cmd.AddCommand(
		lsCmd,
		importCmd,
		&cobra.Command{
			Use:   "refresh [HOST]",
			Short: "Rescan one host, or every host",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runDiscoveredRefresh,
		},
		&cobra.Command{
			Use:     "rm HOST UUID [UUID...]",
			Aliases: []string{"delete"},
			Short:   "Forget discovered domains",
			Args:    cobra.MinimumNArgs(2), //nolint:mnd
			RunE:    runDiscoveredDelete,
		},
	)
	return cmd
}()

func runDiscoveredList(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	filter, _ := cmd.Flags().GetString("filter")
	asJSON, _ := cmd.Flags().GetBool("json")
	match := func(name string) bool { return filter == "" || glob.Glob(filter, name) }

	if len(args) == 0 {
		all, err := app.Hosts().FetchGlobalDiscovered(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(all)
		}
		table := newTable("HOST", "UUID", "NAME", "STATE", "VCPU", "MEMORY", "AUTOSTART")
		n := 0
		for _, d := range all {
			if !match(d.Name) {
				continue
			}
			n++
			host := d.HostName
			if host == "" {
				host = d.HostID
			}
			table.Append([]string{
				host, d.UUID, d.Name, string(d.State), fmt.Sprint(d.VCPU),
				formatSize(d.MaxMem * 1024), fmt.Sprint(d.Autostart), //nolint:mnd
			})
		}
		if n == 0 {
			fmt.Println("No discovered VMs.")
			return nil
		}
		table.Render()
		return nil
	}

	list, err := app.Hosts().RefreshDiscovered(ctx, args[0])
	if err != nil && len(list) == 0 {
		return err
	}
	if err != nil {
		log.WithFunc("cmd.discoveredList").Warnf(ctx, "showing cached list: %v", err)
	}
	if asJSON {
		return printJSON(list)
	}
	table := newTable("UUID", "NAME", "IMPORTED", "LAST SEEN")
	n := 0
	for _, d := range list {
		if !match(d.Name) {
			continue
		}
		n++
		table.Append([]string{d.DomainUUID, d.Name, fmt.Sprint(d.Imported), formatAge(d.LastSeenAt)})
	}
	if n == 0 {
		fmt.Println("No discovered VMs.")
		return nil
	}
	table.Render()
	return nil
}

func runDiscoveredRefresh(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	logger := log.WithFunc("cmd.discoveredRefresh")
	if len(args) == 1 {
		list, err := app.Hosts().RefreshDiscovered(ctx, args[0])
		if err != nil {
			return err
		}
		logger.Infof(ctx, "%s: %d discovered", args[0], len(list))
		return nil
	}
	if err := app.Hosts().RefreshAllDiscovered(ctx); err != nil {
		return err
	}
	logger.Info(ctx, "rescan requested on every host")
	return nil
}

func runDiscoveredImport(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	all, _ := cmd.Flags().GetBool("all")
	hostID, uuids := args[0], args[1:]
	if all == (len(uuids) > 0) {
		return fmt.Errorf("pass either --all or at least one UUID")
	}
	if err := checkUUIDs(uuids); err != nil {
		return err
	}
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	logger := log.WithFunc("cmd.discoveredImport")
	if all {
		if err := app.Hosts().ImportAll(ctx, hostID); err != nil {
			return err
		}
		logger.Infof(ctx, "imported all discovered VMs of %s", hostID)
		return nil
	}
	if err := app.Hosts().ImportSelected(ctx, hostID, uuids); err != nil {
		return err
	}
	logger.Infof(ctx, "imported %d VMs on %s", len(uuids), hostID)
	return nil
}

func runDiscoveredDelete(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	if err := checkUUIDs(args[1:]); err != nil {
		return err
	}
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer closeApp(ctx, app)

	if err := app.Hosts().DeleteDiscovered(ctx, args[0], args[1:]); err != nil {
		return err
	}
	log.WithFunc("cmd.discoveredDelete").Infof(ctx, "deleted %d discovered VMs on %s", len(args)-1, args[0])
	return nil
}

func checkUUIDs(ids []string) error {
	for _, id := range ids {
		if !utils.IsUUID(id) {
			return fmt.Errorf("%q is not a domain UUID", id)
		}
	}
	return nil
}
