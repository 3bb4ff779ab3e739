package types

import "fmt"

// CPUDisplay selects which cpu percentage variant is shown.
type CPUDisplay string

const (
	CPUDisplayHost  CPUDisplay = "host"
	CPUDisplayGuest CPUDisplay = "guest"
	CPUDisplayRaw   CPUDisplay = "raw"
)

// ParseCPUDisplay validates a cpu display mode.
func ParseCPUDisplay(s string) (CPUDisplay, error) {
	switch m := CPUDisplay(s); m {
	case CPUDisplayHost, CPUDisplayGuest, CPUDisplayRaw:
		return m, nil
	}
	return "", fmt.Errorf("invalid cpu display %q (host|guest|raw)", s)
}

// Units selects display units for rates.
type Units struct {
	Disk    string `json:"disk"`    // kib | mib
	Network string `json:"network"` // kb | mb
}

// MetricsSettings are the global stats display settings stored by the backend.
type MetricsSettings struct {
	DiskSmoothAlpha   float64    `json:"diskSmoothAlpha"`
	NetSmoothAlpha    float64    `json:"netSmoothAlpha"`
	CPUSmoothAlpha    float64    `json:"cpuSmoothAlpha"`
	CPUDisplayDefault CPUDisplay `json:"cpuDisplayDefault"`
	Units             Units      `json:"units"`
}

// DefaultMetricsSettings mirrors the backend defaults.
func DefaultMetricsSettings() MetricsSettings {
	return MetricsSettings{
		DiskSmoothAlpha:   0.3,
		NetSmoothAlpha:    0.6,
		CPUSmoothAlpha:    0.3,
		CPUDisplayDefault: CPUDisplayHost,
		Units:             Units{Disk: "kib", Network: "mb"},
	}
}

// Validate checks ranges and enumerations.
func (m MetricsSettings) Validate() error {
	for name, v := range map[string]float64{
		"diskSmoothAlpha": m.DiskSmoothAlpha,
		"netSmoothAlpha":  m.NetSmoothAlpha,
		"cpuSmoothAlpha":  m.CPUSmoothAlpha,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s %v out of range [0,1]", name, v)
		}
	}
	if _, err := ParseCPUDisplay(string(m.CPUDisplayDefault)); err != nil {
		return err
	}
	switch m.Units.Disk {
	case "kib", "mib":
	default:
		return fmt.Errorf("invalid disk unit %q (kib|mib)", m.Units.Disk)
	}
	switch m.Units.Network {
	case "kb", "mb":
	default:
		return fmt.Errorf("invalid network unit %q (kb|mb)", m.Units.Network)
	}
	return nil
}

// ClampAlpha bounds a smoothing factor to [0,1].
func ClampAlpha(v float64) float64 {
	return max(0, min(1, v))
}
