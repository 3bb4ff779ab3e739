package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/projecteru2/mancer/config"
	"github.com/projecteru2/mancer/metrics"
	"github.com/projecteru2/mancer/types"
)

// SettingsStore holds the global metrics display settings and keeps the
// stats smoother in line with them.
type SettingsStore struct {
	tracker

	api      SettingsAPI
	smoother *metrics.Smoother

	mu        sync.Mutex
	current   types.MetricsSettings
	overrides config.DisplayConfig
	loaded    bool
}

// NewSettingsStore creates a SettingsStore starting from the backend defaults.
func NewSettingsStore(a SettingsAPI, sm *metrics.Smoother) *SettingsStore {
	s := &SettingsStore{
		tracker:  newTracker(),
		api:      a,
		smoother: sm,
		current:  types.DefaultMetricsSettings(),
	}
	s.apply()
	return s
}

// Load fetches the settings from the backend.
func (s *SettingsStore) Load(ctx context.Context) (types.MetricsSettings, error) {
	done := s.begin("load")
	ms, err := s.api.MetricsSettings(ctx)
	if err != nil {
		return s.Current(), done(err)
	}
	s.mu.Lock()
	s.current, s.loaded = *ms, true
	s.mu.Unlock()
	s.apply()
	return *ms, done(nil)
}

// Save validates ms and stores it on the backend.
func (s *SettingsStore) Save(ctx context.Context, ms types.MetricsSettings) error {
	done := s.begin("save")
	if err := ms.Validate(); err != nil {
		return done(fmt.Errorf("invalid metrics settings: %w", err))
	}
	if err := s.api.UpdateMetricsSettings(ctx, ms); err != nil {
		return done(err)
	}
	s.mu.Lock()
	s.current, s.loaded = ms, true
	s.mu.Unlock()
	s.apply()
	return done(nil)
}

// Current returns the local settings.
func (s *SettingsStore) Current() types.MetricsSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SetOverrides installs local display overrides. Zero fields defer to the
// backend settings.
func (s *SettingsStore) SetOverrides(d config.DisplayConfig) {
	s.mu.Lock()
	s.overrides = d
	s.mu.Unlock()
	s.apply()
}

// Effective returns the settings with local overrides applied.
func (s *SettingsStore) Effective() types.MetricsSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, d := s.current, s.overrides
	if d.CPUAlpha > 0 {
		ms.CPUSmoothAlpha = types.ClampAlpha(d.CPUAlpha)
	}
	if d.DiskAlpha > 0 {
		ms.DiskSmoothAlpha = types.ClampAlpha(d.DiskAlpha)
	}
	if d.NetAlpha > 0 {
		ms.NetSmoothAlpha = types.ClampAlpha(d.NetAlpha)
	}
	if m, err := types.ParseCPUDisplay(d.CPUMode); err == nil {
		ms.CPUDisplayDefault = m
	}
	return ms
}

// Loaded reports whether settings were read from or written to the backend.
func (s *SettingsStore) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// SetCPUAlpha changes the cpu smoothing factor locally, clamped to [0,1].
func (s *SettingsStore) SetCPUAlpha(v float64) {
	s.update(func(ms *types.MetricsSettings) { ms.CPUSmoothAlpha = types.ClampAlpha(v) })
}

// SetDiskAlpha changes the disk smoothing factor locally, clamped to [0,1].
func (s *SettingsStore) SetDiskAlpha(v float64) {
	s.update(func(ms *types.MetricsSettings) { ms.DiskSmoothAlpha = types.ClampAlpha(v) })
}

// SetNetAlpha changes the network smoothing factor locally, clamped to [0,1].
func (s *SettingsStore) SetNetAlpha(v float64) {
	s.update(func(ms *types.MetricsSettings) { ms.NetSmoothAlpha = types.ClampAlpha(v) })
}

// SetCPUDisplay changes the default cpu display mode locally.
func (s *SettingsStore) SetCPUDisplay(mode string) error {
	m, err := types.ParseCPUDisplay(mode)
	if err != nil {
		return err
	}
	s.update(func(ms *types.MetricsSettings) { ms.CPUDisplayDefault = m })
	return nil
}

// SetUnits changes the rate units locally. Empty values keep the current unit.
func (s *SettingsStore) SetUnits(disk, network string) error {
	next := s.Current()
	if disk != "" {
		next.Units.Disk = disk
	}
	if network != "" {
		next.Units.Network = network
	}
	if err := next.Validate(); err != nil {
		return err
	}
	s.update(func(ms *types.MetricsSettings) { ms.Units = next.Units })
	return nil
}

func (s *SettingsStore) update(fn func(*types.MetricsSettings)) {
	s.mu.Lock()
	fn(&s.current)
	s.mu.Unlock()
	s.apply()
}

func (s *SettingsStore) apply() {
	if s.smoother != nil {
		s.smoother.SetAlphas(metrics.AlphasFrom(s.Effective()))
	}
}
