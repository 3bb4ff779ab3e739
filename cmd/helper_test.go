package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/mancer/types"
)

func TestParseVMRef(t *testing.T) {
	h, n, err := parseVMRef("h1/web", "")
	require.NoError(t, err)
	assert.Equal(t, "h1", h)
	assert.Equal(t, "web", n)

	h, n, err = parseVMRef("db", "h2")
	require.NoError(t, err)
	assert.Equal(t, "h2", h)
	assert.Equal(t, "db", n)

	for _, ref := range []string{"db", "h1/", "/web"} {
		_, _, err := parseVMRef(ref, "")
		assert.Error(t, err, ref)
	}
}

func TestBatchVMCmd_AttemptsEveryRef(t *testing.T) {
	var seen []string
	err := batchVMCmd(t.Context(), "start", "started", func(_ context.Context, hostID, vmName string) error {
		seen = append(seen, hostID+"/"+vmName)
		if vmName == "bad" {
			return errors.New("domain is locked")
		}
		return nil
	}, "h1", []string{"web", "h2/bad", "nohost/"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "h2/bad")
	assert.Contains(t, err.Error(), "nohost/")
	assert.NotContains(t, err.Error(), "web,")
	assert.Equal(t, []string{"h1/web", "h2/bad"}, seen)

	require.NoError(t, batchVMCmd(t.Context(), "stop", "stopped", func(context.Context, string, string) error { return nil }, "", []string{"h1/a"}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "qemu+ss…", truncate("qemu+ssh://root@host/system", 8))
	assert.Equal(t, "日本…", truncate("日本語です", 3))
	assert.Equal(t, "anything", truncate("anything", 0))
}

func TestFormatRates(t *testing.T) {
	assert.Equal(t, "512.0 KiB/s", formatDisk(512, "kib"))
	assert.Equal(t, "2.00 MiB/s", formatDisk(2048, "mib"))
	assert.Equal(t, "1.50 Mb/s", formatNet(1.5, "mb"))
	assert.Equal(t, "1500 kb/s", formatNet(1.5, "kb"))
	assert.Equal(t, "-", formatUptime(0))
}

func TestHostConnected(t *testing.T) {
	byID := map[string]types.Host{
		"a": {ID: "a", Connected: true},
		"b": {ID: "b", State: types.HostConnected},
		"c": {ID: "c", State: types.HostDisconnected},
	}
	assert.True(t, hostConnected(byID, "a"))
	assert.True(t, hostConnected(byID, "b"))
	assert.False(t, hostConnected(byID, "c"))
	assert.False(t, hostConnected(byID, "missing"))
}
