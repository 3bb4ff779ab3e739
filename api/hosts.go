package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/projecteru2/mancer/recovery"
	"github.com/projecteru2/mancer/types"
)

func hostScope(id string) recovery.Scope { return recovery.Scope{HostID: id} }

// ListHosts returns every managed host.
func (c *Client) ListHosts(ctx context.Context) ([]types.Host, error) {
	var hosts []types.Host
	err := c.do(ctx, call{op: "hosts.list", method: http.MethodGet, path: "/hosts", out: &hosts})
	return hosts, err
}

// HostInfo returns the connection flag and raw libvirt info of a host.
func (c *Client) HostInfo(ctx context.Context, id string) (*types.HostInfo, error) {
	var info types.HostInfo
	err := c.do(ctx, call{op: "hosts.info", method: http.MethodGet, path: hostPath(id, "info"), out: &info, scope: hostScope(id)})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// CreateHost registers a new host.
func (c *Client) CreateHost(ctx context.Context, spec types.HostSpec) (*types.Host, error) {
	var h types.Host
	if err := c.do(ctx, call{op: "hosts.create", method: http.MethodPost, path: "/hosts", in: spec, out: &h}); err != nil {
		return nil, err
	}
	if h.ID == "" {
		h.ID = spec.ID
	}
	return &h, nil
}

// UpdateHost applies a partial update.
func (c *Client) UpdateHost(ctx context.Context, id string, upd types.HostUpdate) (*types.Host, error) {
	var h types.Host
	if err := c.do(ctx, call{op: "hosts.update", method: http.MethodPatch, path: hostPath(id), in: upd, out: &h, scope: hostScope(id)}); err != nil {
		return nil, err
	}
	return &h, nil
}

// DeleteHost removes a host.
func (c *Client) DeleteHost(ctx context.Context, id string) error {
	return c.do(ctx, call{op: "hosts.delete", method: http.MethodDelete, path: hostPath(id), scope: hostScope(id)})
}

// ConnectHost asks the backend to connect to a host.
func (c *Client) ConnectHost(ctx context.Context, id string) error {
	return c.do(ctx, call{op: "hosts.connect", method: http.MethodPost, path: hostPath(id, "connect"), scope: hostScope(id)})
}

// DisconnectHost asks the backend to disconnect a host.
func (c *Client) DisconnectHost(ctx context.Context, id string) error {
	return c.do(ctx, call{op: "hosts.disconnect", method: http.MethodPost, path: hostPath(id, "disconnect"), scope: hostScope(id)})
}

// HostStats fetches the live resource snapshot of a host.
func (c *Client) HostStats(ctx context.Context, id string) (*types.HostStats, error) {
	var st types.HostStats
	if err := c.do(ctx, call{op: "hosts.stats", method: http.MethodGet, path: hostPath(id, "stats"), out: &st, scope: hostScope(id)}); err != nil {
		return nil, err
	}
	return &st, nil
}

// HostCapabilities returns the capability document of a host as raw JSON.
func (c *Client) HostCapabilities(ctx context.Context, id string) (json.RawMessage, error) {
	var caps json.RawMessage
	err := c.do(ctx, call{op: "hosts.capabilities", method: http.MethodGet, path: hostPath(id, "capabilities"), out: &caps, scope: hostScope(id)})
	return caps, err
}

// RefreshHostCapabilities asks the backend to re-read capabilities.
func (c *Client) RefreshHostCapabilities(ctx context.Context, id string) error {
	return c.do(ctx, call{op: "hosts.capabilities.refresh", method: http.MethodPost, path: hostPath(id, "capabilities", "refresh"), scope: hostScope(id)})
}

// HostPorts lists the network ports of a host.
func (c *Client) HostPorts(ctx context.Context, id string) ([]json.RawMessage, error) {
	var ports []json.RawMessage
	err := c.do(ctx, call{op: "hosts.ports", method: http.MethodGet, path: hostPath(id, "ports"), out: &ports, scope: hostScope(id)})
	return ports, err
}
