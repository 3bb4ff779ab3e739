package types

import "time"

// DiscoveredVM is a domain visible on a host but not yet imported.
type DiscoveredVM struct {
	DomainUUID string    `json:"domain_uuid"`
	Name       string    `json:"name"`
	HostID     string    `json:"host_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Imported   bool      `json:"imported"`
}

// DiscoveredVMWithHost is an entry of the global discovered list.
type DiscoveredVMWithHost struct {
	UUID       string   `json:"uuid"`
	Name       string   `json:"name"`
	HostID     string   `json:"host_id"`
	HostName   string   `json:"host_name"`
	State      VMState  `json:"state,omitempty"`
	MaxMem     int64    `json:"max_mem,omitempty"`
	Memory     int64    `json:"memory,omitempty"`
	VCPU       int      `json:"vcpu,omitempty"`
	Persistent bool     `json:"persistent,omitempty"`
	Autostart  bool     `json:"autostart,omitempty"`
	Graphics   Graphics `json:"graphics"`
}

// DomainSelection is the body of import-selected and delete-selected calls.
type DomainSelection struct {
	DomainUUIDs []string `json:"domain_uuids"`
}
