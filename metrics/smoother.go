package metrics

import (
	"strings"
	"sync"

	"github.com/projecteru2/mancer/types"
)

// Alphas are the EMA weights of the newest sample per metric family.
// 1 disables smoothing; 0 freezes the first sample.
type Alphas struct {
	CPU  float64
	Disk float64
	Net  float64
}

// AlphasFrom extracts clamped alphas from metrics settings.
func AlphasFrom(ms types.MetricsSettings) Alphas {
	return Alphas{
		CPU:  types.ClampAlpha(ms.CPUSmoothAlpha),
		Disk: types.ClampAlpha(ms.DiskSmoothAlpha),
		Net:  types.ClampAlpha(ms.NetSmoothAlpha),
	}
}

// Smoother keeps an exponential moving average of pushed stats per key.
// Memory and uptime pass through unsmoothed.
type Smoother struct {
	mu     sync.Mutex
	alphas Alphas
	vms    map[string]types.VMStats
	hosts  map[string]float64
}

// NewSmoother creates a Smoother with the given alphas.
func NewSmoother(a Alphas) *Smoother {
	return &Smoother{alphas: a, vms: map[string]types.VMStats{}, hosts: map[string]float64{}}
}

// SetAlphas replaces the weights; existing averages are kept.
func (s *Smoother) SetAlphas(a Alphas) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alphas = a
}

// Alphas returns the current weights.
func (s *Smoother) Alphas() Alphas {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alphas
}

// VM folds sample into the average for key and returns the smoothed value.
// The first sample of a key is returned as is.
func (s *Smoother) VM(key string, sample types.VMStats) types.VMStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.vms[key]
	if !ok {
		s.vms[key] = sample
		return sample
	}
	a := s.alphas
	out := sample
	out.CPUPercent = ema(prev.CPUPercent, sample.CPUPercent, a.CPU)
	out.CPUPercentCore = ema(prev.CPUPercentCore, sample.CPUPercentCore, a.CPU)
	out.CPUPercentRaw = ema(prev.CPUPercentRaw, sample.CPUPercentRaw, a.CPU)
	out.CPUPercentGuest = ema(prev.CPUPercentGuest, sample.CPUPercentGuest, a.CPU)
	out.CPUPercentHost = ema(prev.CPUPercentHost, sample.CPUPercentHost, a.CPU)
	out.DiskReadKiBPerSec = ema(prev.DiskReadKiBPerSec, sample.DiskReadKiBPerSec, a.Disk)
	out.DiskWriteKiBPerSec = ema(prev.DiskWriteKiBPerSec, sample.DiskWriteKiBPerSec, a.Disk)
	out.DiskReadIOPS = ema(prev.DiskReadIOPS, sample.DiskReadIOPS, a.Disk)
	out.DiskWriteIOPS = ema(prev.DiskWriteIOPS, sample.DiskWriteIOPS, a.Disk)
	out.NetworkRxMbps = ema(prev.NetworkRxMbps, sample.NetworkRxMbps, a.Net)
	out.NetworkTxMbps = ema(prev.NetworkTxMbps, sample.NetworkTxMbps, a.Net)
	s.vms[key] = out
	return out
}

// HostCPU smooths the cpu percentage of a host.
func (s *Smoother) HostCPU(hostID string, cpu float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.hosts[hostID]
	if !ok {
		s.hosts[hostID] = cpu
		return cpu
	}
	v := ema(prev, cpu, s.alphas.CPU)
	s.hosts[hostID] = v
	return v
}

// Reset forgets the average for a VM key.
func (s *Smoother) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vms, key)
}

// PurgeHost forgets every average belonging to hostID.
func (s *Smoother) PurgeHost(hostID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hosts, hostID)
	prefix := types.VMKey(hostID, "")
	for k := range s.vms {
		if strings.HasPrefix(k, prefix) {
			delete(s.vms, k)
		}
	}
}

// Len returns the number of tracked VM keys.
func (s *Smoother) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.vms)
}

func ema(prev, next, alpha float64) float64 {
	return prev + alpha*(next-prev)
}
