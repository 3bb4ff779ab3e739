package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/projecteru2/mancer/types"
)

func TestSmoother_FirstSamplePassesThrough(t *testing.T) {
	s := NewSmoother(Alphas{CPU: 0.3, Disk: 0.3, Net: 0.6})
	in := types.VMStats{CPUPercent: 50, DiskReadKiBPerSec: 100, MemoryMB: 512}
	assert.Equal(t, in, s.VM("h1/web", in))
}

func TestSmoother_EMA(t *testing.T) {
	s := NewSmoother(Alphas{CPU: 0.5, Disk: 0.25, Net: 1})
	s.VM("h1/web", types.VMStats{CPUPercent: 0, DiskReadKiBPerSec: 0, NetworkRxMbps: 0})
	out := s.VM("h1/web", types.VMStats{CPUPercent: 100, DiskReadKiBPerSec: 100, NetworkRxMbps: 100, MemoryMB: 256})
	assert.InDelta(t, 50, out.CPUPercent, 1e-9)
	assert.InDelta(t, 25, out.DiskReadKiBPerSec, 1e-9)
	assert.InDelta(t, 100, out.NetworkRxMbps, 1e-9)
	assert.Equal(t, 256.0, out.MemoryMB)

	out = s.VM("h1/web", types.VMStats{CPUPercent: 100})
	assert.InDelta(t, 75, out.CPUPercent, 1e-9)
}

func TestSmoother_ZeroAlphaFreezes(t *testing.T) {
	s := NewSmoother(Alphas{})
	s.VM("k", types.VMStats{CPUPercent: 10})
	assert.InDelta(t, 10, s.VM("k", types.VMStats{CPUPercent: 90}).CPUPercent, 1e-9)
}

func TestSmoother_HostCPU(t *testing.T) {
	s := NewSmoother(Alphas{CPU: 0.5})
	assert.Equal(t, 40.0, s.HostCPU("h1", 40))
	assert.InDelta(t, 60, s.HostCPU("h1", 80), 1e-9)
}

func TestSmoother_PurgeHost(t *testing.T) {
	s := NewSmoother(Alphas{CPU: 0.5})
	s.VM(types.VMKey("h1", "a"), types.VMStats{})
	s.VM(types.VMKey("h1", "b"), types.VMStats{})
	s.VM(types.VMKey("h10", "a"), types.VMStats{})
	s.HostCPU("h1", 10)

	s.PurgeHost("h1")
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 90.0, s.HostCPU("h1", 90))

	s.Reset(types.VMKey("h10", "a"))
	assert.Zero(t, s.Len())
}

func TestAlphasFrom_Clamps(t *testing.T) {
	a := AlphasFrom(types.MetricsSettings{CPUSmoothAlpha: 1.5, DiskSmoothAlpha: -1, NetSmoothAlpha: 0.6})
	assert.Equal(t, Alphas{CPU: 1, Disk: 0, Net: 0.6}, a)
}
