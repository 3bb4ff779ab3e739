package types

import (
	"encoding/json"
	"strings"
	"time"
)

// HostState is the connection state reported by the backend for a host.
type HostState string

const (
	HostConnected    HostState = "CONNECTED"
	HostDisconnected HostState = "DISCONNECTED"
	HostError        HostState = "ERROR"
)

// HostTaskState is the transient connection operation in flight for a host.
type HostTaskState string

const (
	HostTaskNone          HostTaskState = ""
	HostTaskConnecting    HostTaskState = "CONNECTING"
	HostTaskDisconnecting HostTaskState = "DISCONNECTING"
)

// Is compares case-insensitively; older backends send lowercase task states.
func (s HostTaskState) Is(other HostTaskState) bool {
	return strings.EqualFold(string(s), string(other))
}

// Host is a managed hypervisor endpoint as cached by the client.
type Host struct {
	ID                    string        `json:"id"`
	Name                  string        `json:"name,omitempty"`
	URI                   string        `json:"uri"`
	State                 HostState     `json:"state"`
	TaskState             HostTaskState `json:"task_state,omitempty"`
	AutoReconnectDisabled bool          `json:"auto_reconnect_disabled"`
	Connected             bool          `json:"connected"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DisplayName returns Name, falling back to ID.
func (h Host) DisplayName() string {
	if h.Name != "" {
		return h.Name
	}
	return h.ID
}

// HostSpec is the payload for creating a host.
type HostSpec struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	URI  string `json:"uri"`
}

// HostUpdate is a partial update; nil fields are left untouched server-side.
type HostUpdate struct {
	Name                  *string `json:"name,omitempty"`
	URI                   *string `json:"uri,omitempty"`
	AutoReconnectDisabled *bool   `json:"auto_reconnect_disabled,omitempty"`
}

// HostStats is the live resource snapshot of a host.
type HostStats struct {
	CPUPercent      float64        `json:"cpu_percent"`
	MemoryTotal     int64          `json:"memory_total"`
	MemoryAvailable int64          `json:"memory_available"`
	DiskTotal       int64          `json:"disk_total"`
	DiskFree        int64          `json:"disk_free"`
	Uptime          int64          `json:"uptime"`
	VMCount         int            `json:"vm_count"`
	VMCounts        map[string]int `json:"vm_counts,omitempty"`
	TotalVMs        int            `json:"total_vms"`
}

// MemoryUsed returns used memory in bytes.
func (s HostStats) MemoryUsed() int64 {
	return s.MemoryTotal - s.MemoryAvailable
}

// HostInfo is the /hosts/{id}/info response.
type HostInfo struct {
	Connected bool            `json:"connected"`
	Info      json.RawMessage `json:"info,omitempty"`
}

// HostWithStats is the composed view used by listings.
type HostWithStats struct {
	Host
	Stats        *HostStats     `json:"stats,omitempty"`
	Discovered   []DiscoveredVM `json:"discovered,omitempty"`
	IsConnecting bool           `json:"is_connecting"`
}
