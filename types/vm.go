package types

import (
	"encoding/json"
	"fmt"
)

// VMState represents the lifecycle state of a VM, either intended (DB) or
// observed (libvirt).
type VMState string

const (
	VMStateInitialized VMState = "INITIALIZED"
	VMStateActive      VMState = "ACTIVE"
	VMStatePaused      VMState = "PAUSED"
	VMStateSuspended   VMState = "SUSPENDED"
	VMStateStopped     VMState = "STOPPED"
	VMStateError       VMState = "ERROR"
	VMStateUnknown     VMState = "UNKNOWN"
)

// VMTaskState is the transient operation in progress on a VM.
// The empty value means no operation is in flight.
type VMTaskState string

const (
	VMTaskNone        VMTaskState = ""
	VMTaskBuilding    VMTaskState = "BUILDING"
	VMTaskPausing     VMTaskState = "PAUSING"
	VMTaskUnpausing   VMTaskState = "UNPAUSING"
	VMTaskSuspending  VMTaskState = "SUSPENDING"
	VMTaskResuming    VMTaskState = "RESUMING"
	VMTaskDeleting    VMTaskState = "DELETING"
	VMTaskStopping    VMTaskState = "STOPPING"
	VMTaskStarting    VMTaskState = "STARTING"
	VMTaskRebooting   VMTaskState = "REBOOTING"
	VMTaskRebuilding  VMTaskState = "REBUILDING"
	VMTaskPoweringOn  VMTaskState = "POWERING_ON"
	VMTaskPoweringOff VMTaskState = "POWERING_OFF"
	VMTaskScheduling  VMTaskState = "SCHEDULING"
)

// SyncStatus reports drift detection between DB and libvirt.
type SyncStatus string

const (
	SyncUnknown SyncStatus = "UNKNOWN"
	SyncSynced  SyncStatus = "SYNCED"
	SyncDrifted SyncStatus = "DRIFTED"
)

// VMAction is a lifecycle action exposed by the backend.
type VMAction string

const (
	ActionStart      VMAction = "start"
	ActionShutdown   VMAction = "shutdown"
	ActionReboot     VMAction = "reboot"
	ActionForceOff   VMAction = "forceoff"
	ActionForceReset VMAction = "forcereset"
)

// TaskState returns the tentative task state shown while the action is pending.
func (a VMAction) TaskState() VMTaskState {
	switch a {
	case ActionStart:
		return VMTaskPoweringOn
	case ActionShutdown:
		return VMTaskStopping
	case ActionReboot, ActionForceReset:
		return VMTaskRebooting
	case ActionForceOff:
		return VMTaskPoweringOff
	default:
		return VMTaskScheduling
	}
}

// ParseVMAction validates an action name.
func ParseVMAction(s string) (VMAction, error) {
	switch a := VMAction(s); a {
	case ActionStart, ActionShutdown, ActionReboot, ActionForceOff, ActionForceReset:
		return a, nil
	}
	return "", fmt.Errorf("unknown VM action %q", s)
}

// Graphics lists the console protocols a VM exposes.
type Graphics struct {
	VNC   bool `json:"vnc"`
	SPICE bool `json:"spice"`
}

// VM is a managed virtual machine as cached by the client. HostID is not
// part of the backend payload; the store fills it from the request.
type VM struct {
	UUID             string      `json:"uuid"`
	Name             string      `json:"name"`
	DomainUUID       string      `json:"domain_uuid"`
	HostID           string      `json:"hostId,omitempty"`
	Description      string      `json:"description,omitempty"`
	VCPUCount        int         `json:"vcpu_count"`
	MemoryBytes      int64       `json:"memory_bytes"`
	IsTemplate       bool        `json:"is_template"`
	CPUModel         string      `json:"cpu_model,omitempty"`
	CPUTopologyJSON  string      `json:"cpu_topology_json,omitempty"`
	OSType           string      `json:"os_type,omitempty"`
	State            VMState     `json:"state"`
	LibvirtState     VMState     `json:"libvirtState"`
	TaskState        VMTaskState `json:"task_state,omitempty"`
	Graphics         Graphics    `json:"graphics"`
	SyncStatus       SyncStatus  `json:"sync_status,omitempty"`
	DriftDetails     string      `json:"drift_details,omitempty"`
	NeedsRebuild     bool        `json:"needs_rebuild"`
	DiskSizeGB       float64     `json:"disk_size_gb,omitempty"`
	NetworkInterface string      `json:"network_interface,omitempty"`
	Uptime           int64       `json:"uptime,omitempty"`
}

// Key identifies a VM within the client caches. The backend addresses VMs by
// host and name.
func (vm VM) Key() string { return VMKey(vm.HostID, vm.Name) }

// VMKey builds the cache key for a VM.
func VMKey(hostID, name string) string { return hostID + "/" + name }

// Busy reports whether an operation is in flight.
func (vm VM) Busy() bool { return vm.TaskState != VMTaskNone }

// HasDrift reports a mismatch between intended and observed state.
func (vm VM) HasDrift() bool {
	if vm.SyncStatus == SyncDrifted {
		return true
	}
	return vm.LibvirtState != "" && vm.State != vm.LibvirtState
}

// ConsoleType returns "spice" or "vnc" (SPICE preferred), or "" if the VM
// has no graphical console.
func (vm VM) ConsoleType() string {
	switch {
	case vm.Graphics.SPICE:
		return "spice"
	case vm.Graphics.VNC:
		return "vnc"
	}
	return ""
}

// DisplayState is the drift-aware status shown for a VM.
type DisplayState struct {
	Status    VMState
	Intended  VMState
	Observed  VMState
	HasDrift  bool
	LastKnown bool
	Message   string
}

// DisplayState computes what to show for the VM given its host connectivity.
// A disconnected host makes the observed state unknowable.
func (vm VM) DisplayState(hostConnected bool) DisplayState {
	if !hostConnected {
		return DisplayState{
			Status:    VMStateUnknown,
			Intended:  vm.State,
			LastKnown: true,
			Message:   fmt.Sprintf("last known: %s", vm.State),
		}
	}
	if vm.LibvirtState != "" && vm.State != vm.LibvirtState {
		return DisplayState{
			Status:   vm.LibvirtState,
			Intended: vm.State,
			Observed: vm.LibvirtState,
			HasDrift: true,
			Message:  fmt.Sprintf("intended: %s, observed: %s", vm.State, vm.LibvirtState),
		}
	}
	return DisplayState{Status: vm.State, Intended: vm.State, Observed: vm.State}
}

// VMStats is a live statistics sample of a VM.
type VMStats struct {
	CPUPercent         float64 `json:"cpu_percent"`
	CPUPercentCore     float64 `json:"cpu_percent_core,omitempty"`
	CPUPercentRaw      float64 `json:"cpu_percent_raw,omitempty"`
	CPUPercentGuest    float64 `json:"cpu_percent_guest,omitempty"`
	CPUPercentHost     float64 `json:"cpu_percent_host,omitempty"`
	MemoryMB           float64 `json:"memory_mb"`
	DiskReadMB         float64 `json:"disk_read_mb"`
	DiskWriteMB        float64 `json:"disk_write_mb"`
	DiskReadKiBPerSec  float64 `json:"disk_read_kib_per_sec"`
	DiskWriteKiBPerSec float64 `json:"disk_write_kib_per_sec"`
	DiskReadIOPS       float64 `json:"disk_read_iops"`
	DiskWriteIOPS      float64 `json:"disk_write_iops"`
	NetworkRxMB        float64 `json:"network_rx_mb"`
	NetworkTxMB        float64 `json:"network_tx_mb"`
	NetworkRxMbps      float64 `json:"network_rx_mbps"`
	NetworkTxMbps      float64 `json:"network_tx_mbps"`
	Uptime             int64   `json:"uptime"`
}

// CPUFor picks the cpu variant matching a display mode (host, guest, raw).
func (s VMStats) CPUFor(mode CPUDisplay) float64 {
	switch mode {
	case CPUDisplayGuest:
		if s.CPUPercentGuest != 0 {
			return s.CPUPercentGuest
		}
	case CPUDisplayRaw:
		if s.CPUPercentRaw != 0 {
			return s.CPUPercentRaw
		}
	case CPUDisplayHost:
		if s.CPUPercentHost != 0 {
			return s.CPUPercentHost
		}
	}
	return s.CPUPercent
}

// CPUTopology is the socket/core/thread layout.
type CPUTopology struct {
	Sockets int `json:"sockets"`
	Cores   int `json:"cores"`
	Threads int `json:"threads"`
}

// HardwareDisk is a disk as returned by the hardware endpoint.
type HardwareDisk struct {
	DeviceName string  `json:"deviceName"`
	BusType    string  `json:"busType"`
	CapacityGB float64 `json:"capacityGB"`
	Format     string  `json:"format"`
	ReadOnly   bool    `json:"readOnly"`
	Shareable  bool    `json:"shareable"`
}

// HardwareNetwork is a NIC as returned by the hardware endpoint.
type HardwareNetwork struct {
	MACAddress string `json:"macAddress"`
	ModelName  string `json:"modelName"`
	SourceType string `json:"sourceType"`
	SourceRef  string `json:"sourceRef"`
}

// VMHardware is the hardware descriptor of a VM.
type VMHardware struct {
	Name          string            `json:"name"`
	UUID          string            `json:"uuid"`
	Title         string            `json:"title,omitempty"`
	Description   string            `json:"description,omitempty"`
	VCPUs         int               `json:"vcpus"`
	CPUModel      string            `json:"cpu_model,omitempty"`
	CPUTopology   CPUTopology       `json:"cpu_topology"`
	MemoryBytes   int64             `json:"memory_bytes"`
	CurrentMemory int64             `json:"current_memory"`
	Disks         []HardwareDisk    `json:"disks,omitempty"`
	Networks      []HardwareNetwork `json:"networks,omitempty"`
	VideoDevices  []json.RawMessage `json:"video_devices,omitempty"`
	Controllers   []json.RawMessage `json:"controllers,omitempty"`
	HostDevices   []json.RawMessage `json:"host_devices,omitempty"`
}
