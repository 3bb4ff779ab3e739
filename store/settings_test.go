package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/mancer/config"
	"github.com/projecteru2/mancer/metrics"
	"github.com/projecteru2/mancer/types"
)

type fakeSettingsAPI struct {
	stored types.MetricsSettings
	puts   int
}

func (f *fakeSettingsAPI) MetricsSettings(context.Context) (*types.MetricsSettings, error) {
	ms := f.stored
	return &ms, nil
}

func (f *fakeSettingsAPI) UpdateMetricsSettings(_ context.Context, ms types.MetricsSettings) error {
	f.puts++
	f.stored = ms
	return nil
}

func TestSettingsStore_LoadFeedsSmoother(t *testing.T) {
	remote := types.DefaultMetricsSettings()
	remote.CPUSmoothAlpha = 0.8
	f := &fakeSettingsAPI{stored: remote}
	sm := metrics.NewSmoother(metrics.Alphas{})
	s := NewSettingsStore(f, sm)
	assert.False(t, s.Loaded())

	ms, err := s.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0.8, ms.CPUSmoothAlpha)
	assert.True(t, s.Loaded())
	assert.Equal(t, metrics.Alphas{CPU: 0.8, Disk: 0.3, Net: 0.6}, sm.Alphas())
}

func TestSettingsStore_SaveRejectsOutOfRange(t *testing.T) {
	f := &fakeSettingsAPI{stored: types.DefaultMetricsSettings()}
	s := NewSettingsStore(f, nil)

	bad := types.DefaultMetricsSettings()
	bad.NetSmoothAlpha = 1.5
	require.Error(t, s.Save(t.Context(), bad))
	assert.Zero(t, f.puts)
	assert.Contains(t, s.Errors(), "save")

	good := types.DefaultMetricsSettings()
	good.CPUDisplayDefault = types.CPUDisplayGuest
	require.NoError(t, s.Save(t.Context(), good))
	assert.Equal(t, 1, f.puts)
	assert.Equal(t, types.CPUDisplayGuest, s.Current().CPUDisplayDefault)
	assert.Empty(t, s.Errors())
}

func TestSettingsStore_SettersClampAndValidate(t *testing.T) {
	sm := metrics.NewSmoother(metrics.Alphas{})
	s := NewSettingsStore(&fakeSettingsAPI{}, sm)

	s.SetCPUAlpha(2)
	s.SetDiskAlpha(-1)
	s.SetNetAlpha(0.25)
	cur := s.Current()
	assert.Equal(t, 1.0, cur.CPUSmoothAlpha)
	assert.Equal(t, 0.0, cur.DiskSmoothAlpha)
	assert.Equal(t, 0.25, cur.NetSmoothAlpha)
	assert.Equal(t, metrics.Alphas{CPU: 1, Disk: 0, Net: 0.25}, sm.Alphas())

	assert.Error(t, s.SetCPUDisplay("percent"))
	require.NoError(t, s.SetCPUDisplay("raw"))
	assert.Equal(t, types.CPUDisplayRaw, s.Current().CPUDisplayDefault)

	assert.Error(t, s.SetUnits("gib", ""))
	require.NoError(t, s.SetUnits("mib", ""))
	assert.Equal(t, types.Units{Disk: "mib", Network: "mb"}, s.Current().Units)
}

func TestSettingsStore_Overrides(t *testing.T) {
	sm := metrics.NewSmoother(metrics.Alphas{})
	s := NewSettingsStore(&fakeSettingsAPI{stored: types.DefaultMetricsSettings()}, sm)
	s.SetOverrides(config.DisplayConfig{CPUMode: "guest", NetAlpha: 0.9})

	eff := s.Effective()
	assert.Equal(t, types.CPUDisplayGuest, eff.CPUDisplayDefault)
	assert.Equal(t, 0.9, eff.NetSmoothAlpha)
	assert.Equal(t, 0.3, eff.CPUSmoothAlpha)
	assert.Equal(t, types.CPUDisplayHost, s.Current().CPUDisplayDefault)
	assert.Equal(t, 0.9, sm.Alphas().Net)
}
