package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/projecteru2/mancer/recovery"
	"github.com/projecteru2/mancer/types"
)

func vmScope(hostID, vmName string) recovery.Scope {
	return recovery.Scope{HostID: hostID, VMName: vmName}
}

// ListVMs returns the managed VMs of a host, tagged with hostID.
func (c *Client) ListVMs(ctx context.Context, hostID string) ([]types.VM, error) {
	var vms []types.VM
	if err := c.do(ctx, call{op: "vms.list", method: http.MethodGet, path: hostPath(hostID, "vms"), out: &vms, scope: hostScope(hostID)}); err != nil {
		return nil, err
	}
	for i := range vms {
		vms[i].HostID = hostID
	}
	return vms, nil
}

// VMAction posts a lifecycle action.
func (c *Client) VMAction(ctx context.Context, hostID, vmName string, action types.VMAction) error {
	return c.do(ctx, call{
		op:     "vms." + string(action),
		method: http.MethodPost,
		path:   vmPath(hostID, vmName, string(action)),
		scope:  vmScope(hostID, vmName),
	})
}

// VMStats fetches a single stats sample.
func (c *Client) VMStats(ctx context.Context, hostID, vmName string) (*types.VMStats, error) {
	var st types.VMStats
	if err := c.do(ctx, call{op: "vms.stats", method: http.MethodGet, path: vmPath(hostID, vmName, "stats"), out: &st, scope: vmScope(hostID, vmName)}); err != nil {
		return nil, err
	}
	return &st, nil
}

// VMHardware fetches the hardware descriptor.
func (c *Client) VMHardware(ctx context.Context, hostID, vmName string) (*types.VMHardware, error) {
	var hw types.VMHardware
	if err := c.do(ctx, call{op: "vms.hardware", method: http.MethodGet, path: vmPath(hostID, vmName, "hardware"), out: &hw, scope: vmScope(hostID, vmName)}); err != nil {
		return nil, err
	}
	return &hw, nil
}

// UpdateVMHardware replaces the hardware configuration.
func (c *Client) UpdateVMHardware(ctx context.Context, hostID, vmName string, hw any) error {
	return c.do(ctx, call{op: "vms.hardware.update", method: http.MethodPut, path: vmPath(hostID, vmName, "hardware"), in: hw, scope: vmScope(hostID, vmName)})
}

// VMHardwareExtended returns the extended hardware document as raw JSON.
func (c *Client) VMHardwareExtended(ctx context.Context, hostID, vmName string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, call{op: "vms.hardware.extended", method: http.MethodGet, path: vmPath(hostID, vmName, "hardware", "extended"), out: &raw, scope: vmScope(hostID, vmName)})
	return raw, err
}

// UpdateVMState sets the intended state in the backend DB.
func (c *Client) UpdateVMState(ctx context.Context, hostID, vmName string, state types.VMState) error {
	return c.do(ctx, call{
		op:     "vms.state",
		method: http.MethodPut,
		path:   vmPath(hostID, vmName, "state"),
		in:     map[string]types.VMState{"state": state},
		scope:  vmScope(hostID, vmName),
	})
}

// ImportVM imports one discovered domain by name.
func (c *Client) ImportVM(ctx context.Context, hostID, vmName string) error {
	return c.do(ctx, call{op: "vms.import", method: http.MethodPost, path: vmPath(hostID, vmName, "import"), scope: vmScope(hostID, vmName)})
}

// SyncVM overwrites the DB record from libvirt.
func (c *Client) SyncVM(ctx context.Context, hostID, vmName string) error {
	return c.do(ctx, call{op: "vms.sync", method: http.MethodPost, path: vmPath(hostID, vmName, "sync-from-libvirt"), scope: vmScope(hostID, vmName)})
}

// RebuildVM redefines the libvirt domain from the DB record.
func (c *Client) RebuildVM(ctx context.Context, hostID, vmName string) error {
	return c.do(ctx, call{op: "vms.rebuild", method: http.MethodPost, path: vmPath(hostID, vmName, "rebuild-from-db"), scope: vmScope(hostID, vmName)})
}

// VMPortAttachments lists the port attachments of a VM.
func (c *Client) VMPortAttachments(ctx context.Context, hostID, vmName string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := c.do(ctx, call{op: "vms.ports", method: http.MethodGet, path: vmPath(hostID, vmName, "port-attachments"), out: &out, scope: vmScope(hostID, vmName)})
	return out, err
}

// VMVideoAttachments lists the video attachments of a VM.
func (c *Client) VMVideoAttachments(ctx context.Context, hostID, vmName string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := c.do(ctx, call{op: "vms.video", method: http.MethodGet, path: vmPath(hostID, vmName, "video-attachments"), out: &out, scope: vmScope(hostID, vmName)})
	return out, err
}
