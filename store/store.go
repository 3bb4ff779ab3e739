package store

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/projecteru2/mancer/api"
	"github.com/projecteru2/mancer/types"
	"github.com/projecteru2/mancer/ws"
)

// ErrNotFound is returned for hosts or VMs missing from the caches.
var ErrNotFound = errors.New("not found")

// HostAPI is the REST surface used by HostStore.
type HostAPI interface {
	ListHosts(ctx context.Context) ([]types.Host, error)
	CreateHost(ctx context.Context, spec types.HostSpec) (*types.Host, error)
	UpdateHost(ctx context.Context, id string, upd types.HostUpdate) (*types.Host, error)
	DeleteHost(ctx context.Context, id string) error
	ConnectHost(ctx context.Context, id string) error
	DisconnectHost(ctx context.Context, id string) error
	HostStats(ctx context.Context, id string) (*types.HostStats, error)
	HostCapabilities(ctx context.Context, id string) (json.RawMessage, error)
	RefreshHostCapabilities(ctx context.Context, id string) error
	HostPorts(ctx context.Context, id string) ([]json.RawMessage, error)

	ListDiscovered(ctx context.Context, hostID string) ([]types.DiscoveredVM, error)
	ListAllDiscovered(ctx context.Context) ([]types.DiscoveredVMWithHost, error)
	RefreshAllDiscovered(ctx context.Context) error
	ImportAll(ctx context.Context, hostID string) error
	ImportSelected(ctx context.Context, hostID string, domainUUIDs []string) error
	DeleteDiscovered(ctx context.Context, hostID string, domainUUIDs []string) error
}

// VMAPI is the REST surface used by VMStore.
type VMAPI interface {
	ListVMs(ctx context.Context, hostID string) ([]types.VM, error)
	VMAction(ctx context.Context, hostID, vmName string, action types.VMAction) error
	VMStats(ctx context.Context, hostID, vmName string) (*types.VMStats, error)
	VMHardware(ctx context.Context, hostID, vmName string) (*types.VMHardware, error)
	UpdateVMHardware(ctx context.Context, hostID, vmName string, hw any) error
	UpdateVMState(ctx context.Context, hostID, vmName string, state types.VMState) error
	ImportVM(ctx context.Context, hostID, vmName string) error
	SyncVM(ctx context.Context, hostID, vmName string) error
	RebuildVM(ctx context.Context, hostID, vmName string) error
}

// SettingsAPI is the REST surface used by SettingsStore.
type SettingsAPI interface {
	MetricsSettings(ctx context.Context) (*types.MetricsSettings, error)
	UpdateMetricsSettings(ctx context.Context, ms types.MetricsSettings) error
}

var (
	_ HostAPI     = (*api.Client)(nil)
	_ VMAPI       = (*api.Client)(nil)
	_ SettingsAPI = (*api.Client)(nil)
)

// Bus registers push handlers. *ws.Manager implements it.
type Bus interface {
	On(msgType string, h ws.Handler) (off func())
}

// Purger is implemented by caches holding host-scoped state.
type Purger interface {
	PurgeHost(hostID string)
}

// OpError is the last failure of a store operation.
type OpError struct {
	Op   string
	Err  error
	Time time.Time
}

func (e OpError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e OpError) Unwrap() error { return e.Err }

// tracker records per-operation errors and in-flight flags. Operation keys
// are "verb" or "verb:scope", e.g. "connect:h1".
type tracker struct {
	tmu     sync.Mutex
	errs    map[string]OpError
	loading map[string]int
}

func newTracker() tracker {
	return tracker{errs: map[string]OpError{}, loading: map[string]int{}}
}

// begin marks op as loading. The returned func ends it and records err,
// or clears a previous error of op when err is nil.
func (t *tracker) begin(op string) func(err error) error {
	t.tmu.Lock()
	t.loading[op]++
	t.tmu.Unlock()
	return func(err error) error {
		t.tmu.Lock()
		defer t.tmu.Unlock()
		if t.loading[op]--; t.loading[op] <= 0 {
			delete(t.loading, op)
		}
		if err == nil {
			delete(t.errs, op)
			return nil
		}
		t.errs[op] = OpError{Op: op, Err: err, Time: time.Now()}
		return err
	}
}

// Errors returns a copy of the recorded operation errors.
func (t *tracker) Errors() map[string]OpError {
	t.tmu.Lock()
	defer t.tmu.Unlock()
	return maps.Clone(t.errs)
}

// ClearError forgets the error recorded for op.
func (t *tracker) ClearError(op string) {
	t.tmu.Lock()
	defer t.tmu.Unlock()
	delete(t.errs, op)
}

// Loading reports whether op is in flight.
func (t *tracker) Loading(op string) bool {
	t.tmu.Lock()
	defer t.tmu.Unlock()
	return t.loading[op] > 0
}

// forgetScope drops the errors recorded for a host or any of its VMs.
func (t *tracker) forgetScope(hostID string) {
	t.tmu.Lock()
	defer t.tmu.Unlock()
	for op := range t.errs {
		_, scope, ok := strings.Cut(op, ":")
		if ok && (scope == hostID || strings.HasPrefix(scope, types.VMKey(hostID, ""))) {
			delete(t.errs, op)
		}
	}
}

func opKey(verb, scope string) string {
	if scope == "" {
		return verb
	}
	return verb + ":" + scope
}

func offAll(offs []func()) {
	for _, off := range offs {
		off()
	}
}
