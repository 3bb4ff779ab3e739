package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/moby/term"
	"github.com/olekukonko/tablewriter"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/mancer/store"
	"github.com/projecteru2/mancer/types"
)

const defaultTermWidth = 120

// newApp builds a client session. live connects the push channel and loads
// the host and VM caches; otherwise only REST calls are available.
func newApp(ctx context.Context, live bool) (*store.App, error) {
	app := store.NewApp(conf)
	if !live {
		return app, nil
	}
	if err := app.Init(ctx); err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("init: %w", err)
	}
	return app, nil
}

// closeApp closes the session, logging instead of failing the command.
func closeApp(ctx context.Context, app *store.App) {
	if err := app.Close(); err != nil {
		log.WithFunc("cmd.closeApp").Warnf(ctx, "close: %v", err)
	}
}

// parseVMRef splits "host/name". A bare name uses defaultHost.
func parseVMRef(ref, defaultHost string) (hostID, vmName string, err error) {
	if h, n, ok := strings.Cut(ref, "/"); ok {
		hostID, vmName = h, n
	} else {
		hostID, vmName = defaultHost, ref
	}
	if hostID == "" || vmName == "" {
		return "", "", fmt.Errorf("invalid VM reference %q: want HOST/NAME or --host", ref)
	}
	return hostID, vmName, nil
}

// batchVMCmd runs fn for each VM reference and logs the outcome.
func batchVMCmd(ctx context.Context, name, pastTense string, fn func(ctx context.Context, hostID, vmName string) error, defaultHost string, refs []string) error {
	logger := log.WithFunc("cmd." + name)
	var failed []string
	for _, ref := range refs {
		hostID, vmName, err := parseVMRef(ref, defaultHost)
		if err == nil {
			err = fn(ctx, hostID, vmName)
		}
		if err != nil {
			logger.Warnf(ctx, "%s %s: %v", name, ref, err)
			failed = append(failed, ref)
			continue
		}
		logger.Infof(ctx, "%s: %s/%s", pastTense, hostID, vmName)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%s failed for %s", name, strings.Join(failed, ", "))
	}
	return nil
}

// newTable creates a table in the output style of every listing.
func newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	table.SetAutoWrapText(false)
	return table
}

// termWidth returns the stdout column count, or a default when stdout is
// not a terminal.
func termWidth() int {
	fd, isTerm := term.GetFdInfo(os.Stdout)
	if !isTerm {
		return defaultTermWidth
	}
	ws, err := term.GetWinsize(fd)
	if err != nil || ws.Width == 0 {
		return defaultTermWidth
	}
	return int(ws.Width)
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 1 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

var (
	green  = color.New(color.FgHiGreen).SprintFunc()
	red    = color.New(color.FgHiRed).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func colorHostState(h types.Host, connecting bool) string {
	switch {
	case connecting:
		return yellow("CONNECTING")
	case h.TaskState != types.HostTaskNone:
		return yellow(strings.ToUpper(string(h.TaskState)))
	case h.State == types.HostConnected || h.Connected:
		return green(string(types.HostConnected))
	case h.State == types.HostError:
		return red(string(h.State))
	}
	return faint(string(h.State))
}

func colorVMState(ds types.DisplayState, task types.VMTaskState) string {
	var s string
	switch ds.Status {
	case types.VMStateActive:
		s = green(string(ds.Status))
	case types.VMStateError:
		s = red(string(ds.Status))
	case types.VMStateUnknown:
		s = faint(ds.Message)
	default:
		s = string(ds.Status)
	}
	if ds.HasDrift {
		s += " " + yellow("(drift: "+ds.Message+")")
	}
	if task != types.VMTaskNone {
		s += " " + yellow(string(task))
	}
	return s
}

func formatSize(bytes int64) string {
	return units.BytesSize(float64(bytes))
}

func formatUptime(seconds int64) string {
	if seconds <= 0 {
		return "-"
	}
	return units.HumanDuration(time.Duration(seconds) * time.Second)
}

// formatDisk renders a KiB/s rate in the configured disk unit.
func formatDisk(kibPerSec float64, unit string) string {
	if unit == "mib" {
		return fmt.Sprintf("%.2f MiB/s", kibPerSec/1024) //nolint:mnd
	}
	return fmt.Sprintf("%.1f KiB/s", kibPerSec)
}

// formatNet renders a Mbps rate in the configured network unit.
func formatNet(mbps float64, unit string) string {
	if unit == "kb" {
		return fmt.Sprintf("%.0f kb/s", mbps*1000) //nolint:mnd
	}
	return fmt.Sprintf("%.2f Mb/s", mbps)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
