package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/mancer/metrics"
	"github.com/projecteru2/mancer/types"
)

func fleet() map[string][]types.VM {
	return map[string][]types.VM{
		"h1": {
			{Name: "web", State: types.VMStateActive, LibvirtState: types.VMStateActive},
			{Name: "db", State: types.VMStateActive, LibvirtState: types.VMStateStopped},
			{Name: "old", State: types.VMStateStopped, LibvirtState: types.VMStateStopped},
		},
		"h2": {
			{Name: "web", State: types.VMStateActive, LibvirtState: types.VMStateActive},
		},
	}
}

func newTestVMStore(t *testing.T, f *fakeVMAPI) *VMStore {
	t.Helper()
	s := NewVMStore(f, metrics.NewSmoother(metrics.Alphas{CPU: 0.5, Disk: 0.5, Net: 0.5}))
	for host := range f.vms {
		_, err := s.Fetch(t.Context(), host)
		require.NoError(t, err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestVMStore_FetchReplacesOnlyThatHost(t *testing.T) {
	f := &fakeVMAPI{vms: fleet()}
	s := newTestVMStore(t, f)
	require.Len(t, s.All(), 4)

	f.vms["h1"] = []types.VM{{Name: "web", State: types.VMStateStopped}}
	list, err := s.Fetch(t.Context(), "h1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "h1", list[0].HostID)
	assert.Len(t, s.ByHost("h2"), 1)
	_, err = s.Get("h1", "db")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVMStore_Views(t *testing.T) {
	s := newTestVMStore(t, &fakeVMAPI{vms: fleet()})
	assert.Len(t, s.Active(), 3)
	assert.Len(t, s.Stopped(), 1)
	assert.Empty(t, s.Errored())

	drifted := s.Drifted()
	require.Len(t, drifted, 1)
	assert.Equal(t, "db", drifted[0].Name)

	names := []string{}
	for _, vm := range s.ByHost("h1") {
		names = append(names, vm.Name)
	}
	assert.Equal(t, []string{"db", "old", "web"}, names)
}

// --- actions ---

func TestVMStore_ActionFailureRevertsTaskState(t *testing.T) {
	boom := errors.New("domain is locked")
	f := &fakeVMAPI{vms: fleet(), actErr: map[string]error{"old": boom}}
	s := newTestVMStore(t, f)

	var during types.VMTaskState
	f.onAction = func(hostID, vmName string, _ types.VMAction) {
		vm, _ := s.Get(hostID, vmName)
		during = vm.TaskState
	}
	err := s.Start(t.Context(), "h1", "old")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, types.VMTaskPoweringOn, during)

	vm, err := s.Get("h1", "old")
	require.NoError(t, err)
	assert.Equal(t, types.VMTaskNone, vm.TaskState)
	assert.Contains(t, s.Errors(), "start:h1/old")
	assert.Equal(t, []string{"start h1/old"}, f.called())
}

func TestVMStore_ActionRevertsToPriorNonEmptyTaskState(t *testing.T) {
	vms := fleet()
	vms["h1"][0].TaskState = types.VMTaskScheduling
	f := &fakeVMAPI{vms: vms, actErr: map[string]error{"web": errors.New("busy")}}
	s := newTestVMStore(t, f)

	require.Error(t, s.ForceReset(t.Context(), "h1", "web"))
	vm, _ := s.Get("h1", "web")
	assert.Equal(t, types.VMTaskScheduling, vm.TaskState)
}

func TestVMStore_FailedActionKeepsEarlierInFlight(t *testing.T) {
	f := &fakeVMAPI{vms: fleet()}
	s := newTestVMStore(t, f)
	require.NoError(t, s.Reboot(t.Context(), "h1", "web"))

	f.mu.Lock()
	f.actErr = map[string]error{"web": errors.New("domain is locked")}
	f.mu.Unlock()
	require.Error(t, s.ForceOff(t.Context(), "h1", "web"))

	vm, _ := s.Get("h1", "web")
	assert.Equal(t, types.VMTaskRebooting, vm.TaskState)
	s.mu.Lock()
	_, waiting := s.pending["h1/web"]
	s.mu.Unlock()
	assert.True(t, waiting)
	_, err := s.WaitSettled(t.Context(), "h1", "web", 50*time.Millisecond)
	assert.Error(t, err, "the reboot is still awaiting its push")
}

func TestVMStore_ActionSettlesOnPush(t *testing.T) {
	f := &fakeVMAPI{vms: fleet()}
	s := newTestVMStore(t, f)
	bus := newFakeBus()
	s.Bind(bus)

	require.NoError(t, s.Shutdown(t.Context(), "h1", "web"))
	vm, _ := s.Get("h1", "web")
	assert.Equal(t, types.VMTaskStopping, vm.TaskState)

	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.emit(t, types.MsgVMStateChanged, types.VMStateEvent{HostID: "h1", VMName: "web", State: types.VMStateStopped, LibvirtState: types.VMStateStopped})
	}()
	vm, err := s.WaitSettled(t.Context(), "h1", "web", time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.VMStateStopped, vm.State)
	assert.False(t, vm.Busy())
}

func TestVMStore_WaitSettledTimesOut(t *testing.T) {
	s := newTestVMStore(t, &fakeVMAPI{vms: fleet()})
	require.NoError(t, s.Reboot(t.Context(), "h1", "web"))
	_, err := s.WaitSettled(t.Context(), "h1", "web", 50*time.Millisecond)
	assert.Error(t, err)

	_, err = s.WaitSettled(t.Context(), "h1", "ghost", time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVMStore_StopAllAttemptsEveryActiveVM(t *testing.T) {
	boom := errors.New("guest agent not responding")
	f := &fakeVMAPI{vms: fleet(), actErr: map[string]error{"db": boom}}
	s := newTestVMStore(t, f)

	err := s.StopAll(t.Context(), "h1")
	assert.ErrorIs(t, err, boom)
	assert.ElementsMatch(t, []string{"shutdown h1/db", "shutdown h1/web"}, f.called())

	f.calls = nil
	f.actErr = nil
	require.NoError(t, s.StopAll(t.Context(), ""))
	assert.Contains(t, f.called(), "shutdown h2/web")
}

func TestVMStore_MutationsRefetch(t *testing.T) {
	f := &fakeVMAPI{vms: fleet()}
	s := newTestVMStore(t, f)

	f.vms["h1"] = append(f.vms["h1"], types.VM{Name: "imported", State: types.VMStateStopped})
	require.NoError(t, s.Import(t.Context(), "h1", "imported"))
	_, err := s.Get("h1", "imported")
	require.NoError(t, err)

	require.NoError(t, s.Sync(t.Context(), "h1", "db"))
	require.NoError(t, s.Rebuild(t.Context(), "h1", "db"))
	require.NoError(t, s.UpdateState(t.Context(), "h1", "db", types.VMStateStopped))
	vm, _ := s.Get("h1", "db")
	assert.Equal(t, types.VMStateStopped, vm.State)

	_, err = s.UpdateHardware(t.Context(), "h1", "db", map[string]int{"vcpu": 4})
	require.NoError(t, err)
	_, ok := s.Hardware("h1", "db")
	assert.True(t, ok)
}

// --- stats ---

func TestVMStore_PushedStatsAreSmoothed(t *testing.T) {
	s := newTestVMStore(t, &fakeVMAPI{vms: fleet()})
	bus := newFakeBus()
	s.Bind(bus)

	bus.emit(t, types.MsgVMStatsWarming, types.VMRef{HostID: "h1", VMName: "web"})
	_, warming, ok := s.Stats("h1", "web")
	assert.True(t, warming)
	assert.False(t, ok)

	bus.emit(t, types.MsgVMStatsUpdated, types.VMStatsEvent{HostID: "h1", VMName: "web", Stats: types.VMStats{CPUPercent: 10}})
	bus.emit(t, types.MsgVMStatsUpdated, types.VMStatsEvent{HostID: "h1", VMName: "web", Stats: types.VMStats{CPUPercent: 30}})
	st, warming, ok := s.Stats("h1", "web")
	require.True(t, ok)
	assert.False(t, warming)
	assert.InDelta(t, 20, st.CPUPercent, 1e-9)
}

func TestVMStore_FetchAllStats(t *testing.T) {
	s := newTestVMStore(t, &fakeVMAPI{vms: fleet()})
	require.NoError(t, s.FetchAllStats(t.Context()))
	_, _, ok := s.Stats("h2", "web")
	assert.True(t, ok)
	_, _, ok = s.Stats("h1", "old")
	assert.False(t, ok)
}

func TestVMStore_UnknownVMStateTriggersRefetch(t *testing.T) {
	f := &fakeVMAPI{vms: fleet()}
	s := newTestVMStore(t, f)
	bus := newFakeBus()
	s.Bind(bus)

	f.mu.Lock()
	f.vms["h2"] = append(f.vms["h2"], types.VM{Name: "new", State: types.VMStateActive})
	f.mu.Unlock()
	bus.emit(t, types.MsgVMStateChanged, types.VMStateEvent{HostID: "h2", VMName: "new", State: types.VMStateActive})
	assert.Eventually(t, func() bool { _, err := s.Get("h2", "new"); return err == nil }, time.Second, 5*time.Millisecond)
}

func TestVMStore_PurgeHost(t *testing.T) {
	sm := metrics.NewSmoother(metrics.Alphas{CPU: 1})
	f := &fakeVMAPI{vms: fleet(), actErr: map[string]error{"web": errors.New("x")}}
	s := NewVMStore(f, sm)
	for host := range f.vms {
		_, err := s.Fetch(t.Context(), host)
		require.NoError(t, err)
	}
	bus := newFakeBus()
	s.Bind(bus)
	bus.emit(t, types.MsgVMStatsUpdated, types.VMStatsEvent{HostID: "h1", VMName: "web"})
	bus.emit(t, types.MsgVMStatsUpdated, types.VMStatsEvent{HostID: "h2", VMName: "web"})
	_, err := s.FetchHardware(t.Context(), "h1", "db")
	require.NoError(t, err)
	require.Error(t, s.Start(t.Context(), "h1", "web"))
	require.NoError(t, s.Shutdown(t.Context(), "h1", "db"))

	s.PurgeHost("h1")
	assert.Empty(t, s.ByHost("h1"))
	assert.Len(t, s.ByHost("h2"), 1)
	_, _, ok := s.Stats("h1", "web")
	assert.False(t, ok)
	_, ok = s.Hardware("h1", "db")
	assert.False(t, ok)
	assert.Empty(t, s.Errors())
	assert.Equal(t, 1, sm.Len())

	s.mu.Lock()
	assert.Empty(t, s.pending)
	s.mu.Unlock()
	s.Close()
	assert.Zero(t, bus.count())
}

func TestVMStore_LateWritesAfterPurgeDropped(t *testing.T) {
	sm := metrics.NewSmoother(metrics.Alphas{CPU: 1})
	s := NewVMStore(&fakeVMAPI{vms: fleet()}, sm)
	_, err := s.Fetch(t.Context(), "h1")
	require.NoError(t, err)
	bus := newFakeBus()
	s.Bind(bus)
	s.PurgeHost("h1")

	bus.emit(t, types.MsgVMStatsUpdated, types.VMStatsEvent{HostID: "h1", VMName: "web", Stats: types.VMStats{CPUPercent: 50}})
	bus.emit(t, types.MsgVMStatsWarming, types.VMRef{HostID: "h1", VMName: "web"})
	st, err := s.FetchStats(t.Context(), "h1", "web")
	require.NoError(t, err)
	assert.Equal(t, 5.0, st.CPUPercent)
	_, err = s.FetchHardware(t.Context(), "h1", "web")
	require.NoError(t, err)

	_, warming, ok := s.Stats("h1", "web")
	assert.False(t, ok)
	assert.False(t, warming)
	_, ok = s.Hardware("h1", "web")
	assert.False(t, ok)
	assert.Zero(t, sm.Len())
}
