package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projecteru2/mancer/types"
	"github.com/projecteru2/mancer/ws"
)

// fakeBus dispatches synchronously, like the WebSocket reader.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]map[int]ws.Handler
	next     int
}

func newFakeBus() *fakeBus { return &fakeBus{handlers: map[string]map[int]ws.Handler{}} }

func (b *fakeBus) On(msgType string, h ws.Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[msgType] == nil {
		b.handlers[msgType] = map[int]ws.Handler{}
	}
	id := b.next
	b.next++
	b.handlers[msgType][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[msgType], id)
	}
}

func (b *fakeBus) emit(t *testing.T, msgType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	b.mu.Lock()
	var hs []ws.Handler
	for _, h := range b.handlers[msgType] {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(types.Envelope{Type: msgType, Payload: raw})
	}
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, hs := range b.handlers {
		n += len(hs)
	}
	return n
}

// fakeHostAPI serves host calls from memory.
type fakeHostAPI struct {
	mu          sync.Mutex
	hosts       []types.Host
	listCalls   int
	listEntered chan struct{}
	listGate    chan struct{}

	connectErr    error
	disconnectErr error
	onConnect     func(id string)
	calls         []string

	discovered    map[string][]types.DiscoveredVM
	discoveredErr error
	global        []types.DiscoveredVMWithHost
}

func (f *fakeHostAPI) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeHostAPI) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeHostAPI) ListHosts(ctx context.Context) ([]types.Host, error) {
	f.mu.Lock()
	f.listCalls++
	entered, gate := f.listEntered, f.listGate
	hosts := slices.Clone(f.hosts)
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return hosts, nil
}

func (f *fakeHostAPI) CreateHost(_ context.Context, spec types.HostSpec) (*types.Host, error) {
	f.record("create %s", spec.ID)
	return &types.Host{ID: spec.ID, Name: spec.Name, URI: spec.URI, State: types.HostDisconnected}, nil
}

func (f *fakeHostAPI) UpdateHost(_ context.Context, id string, upd types.HostUpdate) (*types.Host, error) {
	f.record("update %s", id)
	h := &types.Host{ID: id, State: types.HostConnected}
	if upd.Name != nil {
		h.Name = *upd.Name
	}
	return h, nil
}

func (f *fakeHostAPI) DeleteHost(_ context.Context, id string) error {
	f.record("delete %s", id)
	return nil
}

func (f *fakeHostAPI) ConnectHost(_ context.Context, id string) error {
	f.record("connect %s", id)
	if f.onConnect != nil {
		f.onConnect(id)
	}
	return f.connectErr
}

func (f *fakeHostAPI) DisconnectHost(_ context.Context, id string) error {
	f.record("disconnect %s", id)
	return f.disconnectErr
}

func (f *fakeHostAPI) HostStats(_ context.Context, id string) (*types.HostStats, error) {
	return &types.HostStats{CPUPercent: 12, MemoryTotal: 8 << 30, MemoryAvailable: 2 << 30}, nil
}

func (f *fakeHostAPI) HostCapabilities(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{"arch":"x86_64"}`), nil
}

func (f *fakeHostAPI) RefreshHostCapabilities(_ context.Context, id string) error {
	f.record("refresh-capabilities %s", id)
	return nil
}

func (f *fakeHostAPI) HostPorts(context.Context, string) ([]json.RawMessage, error) {
	return []json.RawMessage{json.RawMessage(`{"type":"serial"}`)}, nil
}

func (f *fakeHostAPI) ListDiscovered(_ context.Context, hostID string) ([]types.DiscoveredVM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discoveredErr != nil {
		return nil, f.discoveredErr
	}
	return slices.Clone(f.discovered[hostID]), nil
}

func (f *fakeHostAPI) ListAllDiscovered(context.Context) ([]types.DiscoveredVMWithHost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.global), nil
}

func (f *fakeHostAPI) RefreshAllDiscovered(context.Context) error {
	f.record("refresh-all-discovered")
	return nil
}

func (f *fakeHostAPI) ImportAll(_ context.Context, hostID string) error {
	f.record("import-all %s", hostID)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.discovered, hostID)
	return nil
}

func (f *fakeHostAPI) ImportSelected(_ context.Context, hostID string, ids []string) error {
	f.record("import-selected %s %v", hostID, ids)
	return nil
}

func (f *fakeHostAPI) DeleteDiscovered(_ context.Context, hostID string, ids []string) error {
	f.record("delete-discovered %s %v", hostID, ids)
	return nil
}

// fakeVMAPI serves VM calls from memory.
type fakeVMAPI struct {
	mu       sync.Mutex
	vms      map[string][]types.VM
	actErr   map[string]error // keyed by vm name
	onAction func(hostID, vmName string, action types.VMAction)
	calls    []string
}

func (f *fakeVMAPI) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeVMAPI) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeVMAPI) ListVMs(_ context.Context, hostID string) ([]types.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.vms[hostID]), nil
}

func (f *fakeVMAPI) VMAction(_ context.Context, hostID, vmName string, action types.VMAction) error {
	f.record("%s %s/%s", action, hostID, vmName)
	if f.onAction != nil {
		f.onAction(hostID, vmName, action)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.actErr[vmName]
}

func (f *fakeVMAPI) VMStats(context.Context, string, string) (*types.VMStats, error) {
	return &types.VMStats{CPUPercent: 5, MemoryMB: 1024}, nil
}

func (f *fakeVMAPI) VMHardware(context.Context, string, string) (*types.VMHardware, error) {
	return &types.VMHardware{}, nil
}

func (f *fakeVMAPI) UpdateVMHardware(_ context.Context, hostID, vmName string, _ any) error {
	f.record("update-hardware %s/%s", hostID, vmName)
	return nil
}

func (f *fakeVMAPI) UpdateVMState(_ context.Context, hostID, vmName string, state types.VMState) error {
	f.record("update-state %s/%s %s", hostID, vmName, state)
	return nil
}

func (f *fakeVMAPI) ImportVM(_ context.Context, hostID, vmName string) error {
	f.record("import %s/%s", hostID, vmName)
	return nil
}

func (f *fakeVMAPI) SyncVM(_ context.Context, hostID, vmName string) error {
	f.record("sync %s/%s", hostID, vmName)
	return nil
}

func (f *fakeVMAPI) RebuildVM(_ context.Context, hostID, vmName string) error {
	f.record("rebuild %s/%s", hostID, vmName)
	return nil
}

// purgeRecorder records purged host ids.
type purgeRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (p *purgeRecorder) PurgeHost(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
}
