package api

import (
	"context"
	"net/http"

	"github.com/projecteru2/mancer/types"
)

// ListDiscovered returns the discovered VMs of one host.
func (c *Client) ListDiscovered(ctx context.Context, hostID string) ([]types.DiscoveredVM, error) {
	var vms []types.DiscoveredVM
	err := c.do(ctx, call{op: "discovered.list", method: http.MethodGet, path: hostPath(hostID, "discovered-vms"), out: &vms, scope: hostScope(hostID)})
	return vms, err
}

// ListAllDiscovered returns discovered VMs across all hosts.
func (c *Client) ListAllDiscovered(ctx context.Context) ([]types.DiscoveredVMWithHost, error) {
	var vms []types.DiscoveredVMWithHost
	err := c.do(ctx, call{op: "discovered.list_all", method: http.MethodGet, path: "/discovered-vms", out: &vms})
	return vms, err
}

// RefreshAllDiscovered asks the backend to rescan every host.
func (c *Client) RefreshAllDiscovered(ctx context.Context) error {
	return c.do(ctx, call{op: "discovered.refresh", method: http.MethodPost, path: "/discovered-vms/refresh"})
}

// ImportAll imports every discovered VM of a host.
func (c *Client) ImportAll(ctx context.Context, hostID string) error {
	return c.do(ctx, call{op: "discovered.import_all", method: http.MethodPost, path: hostPath(hostID, "vms", "import-all"), scope: hostScope(hostID)})
}

// ImportSelected imports the given domains of a host.
func (c *Client) ImportSelected(ctx context.Context, hostID string, domainUUIDs []string) error {
	return c.do(ctx, call{
		op:     "discovered.import_selected",
		method: http.MethodPost,
		path:   hostPath(hostID, "vms", "import-selected"),
		in:     types.DomainSelection{DomainUUIDs: domainUUIDs},
		scope:  hostScope(hostID),
	})
}

// DeleteDiscovered removes the given domains from the discovered list.
func (c *Client) DeleteDiscovered(ctx context.Context, hostID string, domainUUIDs []string) error {
	return c.do(ctx, call{
		op:     "discovered.delete",
		method: http.MethodDelete,
		path:   hostPath(hostID, "discovered-vms"),
		in:     types.DomainSelection{DomainUUIDs: domainUUIDs},
		scope:  hostScope(hostID),
	})
}
