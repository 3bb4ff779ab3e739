package types

import "encoding/json"

// Server push message types.
const (
	MsgHostsChanged          = "hosts-changed"
	MsgHostConnectionChanged = "host-connection-changed"
	MsgHostStateChanged      = "host-state-changed"
	MsgHostUpdated           = "host-updated"
	MsgHostStatsUpdated      = "host-stats-updated"
	MsgHostStatsWarming      = "host-stats-warming"
	MsgVMsChanged            = "vms-changed"
	MsgVMStateChanged        = "vm-state-changed"
	MsgVMStatsUpdated        = "vm-stats-updated"
	MsgVMStatsWarming        = "vm-stats-warming"
	MsgDiscoveredVMsUpdated  = "discovered-vms-updated"
	MsgRefresh               = "refresh"
)

// Client message types.
const (
	MsgSubscribeHostStats   = "subscribe-host-stats"
	MsgUnsubscribeHostStats = "unsubscribe-host-stats"
	MsgSubscribeVMStats     = "subscribe-vm-stats"
	MsgUnsubscribeVMStats   = "unsubscribe-vm-stats"
)

// Envelope is the WebSocket frame shape in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// HostRef is the payload carrying only a host id.
type HostRef struct {
	HostID string `json:"hostId"`
}

// VMRef addresses a VM by host and name.
type VMRef struct {
	HostID string `json:"hostId"`
	VMName string `json:"vmName"`
}

// HostStatsEvent is the host-stats-updated payload.
type HostStatsEvent struct {
	HostID string    `json:"hostId"`
	Stats  HostStats `json:"stats"`
}

// VMStatsEvent is the vm-stats-updated payload.
type VMStatsEvent struct {
	HostID string  `json:"hostId"`
	VMName string  `json:"vmName"`
	Stats  VMStats `json:"stats"`
}

// HostEvent carries an updated host record or a connection flip.
type HostEvent struct {
	HostID    string        `json:"hostId"`
	Host      *Host         `json:"host,omitempty"`
	Connected *bool         `json:"connected,omitempty"`
	State     HostState     `json:"state,omitempty"`
	TaskState HostTaskState `json:"task_state,omitempty"`
}

// VMStateEvent is the authoritative vm-state-changed payload.
type VMStateEvent struct {
	HostID       string      `json:"hostId"`
	VMName       string      `json:"vmName"`
	State        VMState     `json:"state"`
	LibvirtState VMState     `json:"libvirtState,omitempty"`
	TaskState    VMTaskState `json:"task_state"`
}

// DiscoveredEvent is the discovered-vms-updated payload.
type DiscoveredEvent struct {
	HostID string         `json:"hostId"`
	VMs    []DiscoveredVM `json:"vms"`
}
