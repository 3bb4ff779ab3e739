package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/mancer/metrics"
	"github.com/projecteru2/mancer/types"
	"github.com/projecteru2/mancer/utils"
)

const (
	settlePollInterval = 100 * time.Millisecond
	statsFetchLimit    = 4
)

// VMStore caches VMs of all hosts, keyed by host and name.
type VMStore struct {
	tracker

	api      VMAPI
	smoother *metrics.Smoother

	mu       sync.Mutex
	vms      map[string]*types.VM
	stats    map[string]*types.VMStats
	warming  map[string]bool
	hardware map[string]*types.VMHardware
	// pending maps VMs with an action awaiting confirmation to the task
	// state they had before it.
	pending map[string]types.VMTaskState
	offs    []func()
}

// NewVMStore creates a VMStore. Pushed stats are smoothed through sm.
func NewVMStore(a VMAPI, sm *metrics.Smoother) *VMStore {
	if sm == nil {
		sm = metrics.NewSmoother(metrics.AlphasFrom(types.DefaultMetricsSettings()))
	}
	return &VMStore{
		tracker:  newTracker(),
		api:      a,
		smoother: sm,
		vms:      map[string]*types.VM{},
		stats:    map[string]*types.VMStats{},
		warming:  map[string]bool{},
		hardware: map[string]*types.VMHardware{},
		pending:  map[string]types.VMTaskState{},
	}
}

// Fetch reloads the VMs of one host. VMs of other hosts are untouched.
func (s *VMStore) Fetch(ctx context.Context, hostID string) ([]types.VM, error) {
	done := s.begin(opKey("fetch", hostID))
	list, err := s.api.ListVMs(ctx, hostID)
	if err != nil {
		return nil, done(err)
	}
	_ = done(nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := types.VMKey(hostID, "")
	fresh := make(map[string]bool, len(list))
	for i := range list {
		vm := list[i]
		vm.HostID = hostID
		fresh[vm.Key()] = true
		s.vms[vm.Key()] = &vm
	}
	gone := func(k string) bool { return strings.HasPrefix(k, prefix) && !fresh[k] }
	utils.DeleteFunc(s.vms, gone)
	utils.DeleteFunc(s.stats, gone)
	utils.DeleteFunc(s.warming, gone)
	utils.DeleteFunc(s.hardware, gone)
	utils.DeleteFunc(s.pending, gone)
	return s.byHost(hostID), nil
}

// --- Lifecycle actions ---

// Start powers a VM on.
func (s *VMStore) Start(ctx context.Context, hostID, vmName string) error {
	return s.Do(ctx, hostID, vmName, types.ActionStart)
}

// Shutdown asks the guest to shut down.
func (s *VMStore) Shutdown(ctx context.Context, hostID, vmName string) error {
	return s.Do(ctx, hostID, vmName, types.ActionShutdown)
}

// Reboot asks the guest to reboot.
func (s *VMStore) Reboot(ctx context.Context, hostID, vmName string) error {
	return s.Do(ctx, hostID, vmName, types.ActionReboot)
}

// ForceOff cuts the power of a VM.
func (s *VMStore) ForceOff(ctx context.Context, hostID, vmName string) error {
	return s.Do(ctx, hostID, vmName, types.ActionForceOff)
}

// ForceReset hard-resets a VM.
func (s *VMStore) ForceReset(ctx context.Context, hostID, vmName string) error {
	return s.Do(ctx, hostID, vmName, types.ActionForceReset)
}

// Do runs a lifecycle action. The cached VM shows the tentative task state
// until the backend pushes the outcome; if the request fails the previous
// task state is restored. Actions are never retried.
func (s *VMStore) Do(ctx context.Context, hostID, vmName string, action types.VMAction) error {
	key := types.VMKey(hostID, vmName)
	done := s.begin(opKey(string(action), key))
	tentative := action.TaskState()

	s.mu.Lock()
	vm := s.vms[key]
	var prev types.VMTaskState
	inFlight := false
	if vm != nil {
		prev = vm.TaskState
		// An earlier action still awaiting its push keeps its entry.
		if _, inFlight = s.pending[key]; !inFlight {
			s.pending[key] = prev
		}
		vm.TaskState = tentative
	}
	s.mu.Unlock()

	if err := s.api.VMAction(ctx, hostID, vmName, action); err != nil {
		s.mu.Lock()
		if cur := s.vms[key]; cur != nil && cur.TaskState == tentative {
			cur.TaskState = prev
		}
		if !inFlight {
			delete(s.pending, key)
		}
		s.mu.Unlock()
		return done(err)
	}
	log.WithFunc("store.VMStore.Do").Infof(ctx, "%s %s accepted", action, key)
	return done(nil)
}

// WaitSettled blocks until no action is in flight on the VM, as confirmed by
// a pushed state change.
func (s *VMStore) WaitSettled(ctx context.Context, hostID, vmName string, timeout time.Duration) (types.VM, error) {
	key := types.VMKey(hostID, vmName)
	var vm types.VM
	err := utils.WaitFor(ctx, timeout, settlePollInterval, func() (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur := s.vms[key]
		if cur == nil {
			return false, fmt.Errorf("vm %s: %w", key, ErrNotFound)
		}
		vm = *cur
		_, waiting := s.pending[key]
		return !waiting && !cur.Busy(), nil
	})
	return vm, err
}

// StopAll shuts down every active VM, optionally only those of hostID.
// All VMs are attempted; failures are joined.
func (s *VMStore) StopAll(ctx context.Context, hostID string) error {
	targets := s.Active()
	if hostID != "" {
		targets = slices.DeleteFunc(targets, func(vm types.VM) bool { return vm.HostID != hostID })
	}
	_, err := forEachVM(ctx, targets, "StopAll", func(ctx context.Context, vm types.VM) error {
		return s.Shutdown(ctx, vm.HostID, vm.Name)
	})
	return err
}

// forEachVM runs fn for each VM, collects successes, and logs failures.
func forEachVM(ctx context.Context, vms []types.VM, op string, fn func(context.Context, types.VM) error) ([]string, error) {
	logger := log.WithFunc("store." + op)
	var succeeded []string
	var errs []error
	for _, vm := range vms {
		if err := fn(ctx, vm); err != nil {
			logger.Warnf(ctx, "%s VM %s: %v", op, vm.Key(), err)
			errs = append(errs, fmt.Errorf("VM %s: %w", vm.Key(), err))
			continue
		}
		succeeded = append(succeeded, vm.Key())
	}
	return succeeded, errors.Join(errs...)
}

// --- Details ---

// FetchStats loads a one-off stats sample of a VM.
func (s *VMStore) FetchStats(ctx context.Context, hostID, vmName string) (types.VMStats, error) {
	key := types.VMKey(hostID, vmName)
	done := s.begin(opKey("stats", key))
	st, err := s.api.VMStats(ctx, hostID, vmName)
	if err != nil {
		return types.VMStats{}, done(err)
	}
	s.mu.Lock()
	if s.vms[key] != nil {
		s.stats[key] = st
		delete(s.warming, key)
	}
	s.mu.Unlock()
	return *st, done(nil)
}

// FetchAllStats loads stats of every active VM. Every fetch is attempted;
// the first failure is returned.
func (s *VMStore) FetchAllStats(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(statsFetchLimit)
	for _, vm := range s.Active() {
		g.Go(func() error {
			_, err := s.FetchStats(ctx, vm.HostID, vm.Name)
			return err
		})
	}
	return g.Wait()
}

// FetchHardware loads the hardware configuration of a VM.
func (s *VMStore) FetchHardware(ctx context.Context, hostID, vmName string) (types.VMHardware, error) {
	key := types.VMKey(hostID, vmName)
	done := s.begin(opKey("hardware", key))
	hw, err := s.api.VMHardware(ctx, hostID, vmName)
	if err != nil {
		return types.VMHardware{}, done(err)
	}
	s.mu.Lock()
	if s.vms[key] != nil {
		s.hardware[key] = hw
	}
	s.mu.Unlock()
	return *hw, done(nil)
}

// UpdateHardware applies a hardware change and reloads the configuration.
func (s *VMStore) UpdateHardware(ctx context.Context, hostID, vmName string, hw any) (types.VMHardware, error) {
	done := s.begin(opKey("update-hardware", types.VMKey(hostID, vmName)))
	if err := done(s.api.UpdateVMHardware(ctx, hostID, vmName, hw)); err != nil {
		return types.VMHardware{}, err
	}
	return s.FetchHardware(ctx, hostID, vmName)
}

// UpdateState sets the intended state of a VM.
func (s *VMStore) UpdateState(ctx context.Context, hostID, vmName string, state types.VMState) error {
	key := types.VMKey(hostID, vmName)
	done := s.begin(opKey("update-state", key))
	if err := done(s.api.UpdateVMState(ctx, hostID, vmName, state)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if vm := s.vms[key]; vm != nil {
		vm.State = state
	}
	return nil
}

// Import adopts a libvirt domain into management.
func (s *VMStore) Import(ctx context.Context, hostID, vmName string) error {
	return s.mutate(ctx, "import", hostID, vmName, s.api.ImportVM)
}

// Sync pulls the live libvirt state into the database record.
func (s *VMStore) Sync(ctx context.Context, hostID, vmName string) error {
	return s.mutate(ctx, "sync", hostID, vmName, s.api.SyncVM)
}

// Rebuild pushes the database record back to libvirt.
func (s *VMStore) Rebuild(ctx context.Context, hostID, vmName string) error {
	return s.mutate(ctx, "rebuild", hostID, vmName, s.api.RebuildVM)
}

// mutate runs a record-changing call and reloads the host's VMs.
func (s *VMStore) mutate(ctx context.Context, verb, hostID, vmName string, fn func(context.Context, string, string) error) error {
	done := s.begin(opKey(verb, types.VMKey(hostID, vmName)))
	if err := done(fn(ctx, hostID, vmName)); err != nil {
		return err
	}
	_, err := s.Fetch(ctx, hostID)
	return err
}

// --- Views ---

// Get returns one cached VM.
func (s *VMStore) Get(hostID, vmName string) (types.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, err := utils.LookupCopy(s.vms, types.VMKey(hostID, vmName))
	if err != nil {
		return vm, fmt.Errorf("vm %s: %w", types.VMKey(hostID, vmName), ErrNotFound)
	}
	return vm, nil
}

// All returns every cached VM ordered by host and name.
func (s *VMStore) All() []types.VM {
	s.mu.Lock()
	defer s.mu.Unlock()
	return utils.ValuesSorted(s.vms)
}

// ByHost returns the VMs of one host ordered by name.
func (s *VMStore) ByHost(hostID string) []types.VM {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byHost(hostID)
}

func (s *VMStore) byHost(hostID string) []types.VM {
	out := []types.VM{}
	for _, vm := range s.vms {
		if vm.HostID == hostID {
			out = append(out, *vm)
		}
	}
	slices.SortFunc(out, func(a, b types.VM) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// ByState groups VMs by intended state.
func (s *VMStore) ByState() map[types.VMState][]types.VM {
	out := map[types.VMState][]types.VM{}
	for _, vm := range s.All() {
		out[vm.State] = append(out[vm.State], vm)
	}
	return out
}

// Active returns the running VMs.
func (s *VMStore) Active() []types.VM { return s.ByState()[types.VMStateActive] }

// Stopped returns the stopped VMs.
func (s *VMStore) Stopped() []types.VM { return s.ByState()[types.VMStateStopped] }

// Errored returns VMs in the ERROR state.
func (s *VMStore) Errored() []types.VM { return s.ByState()[types.VMStateError] }

// Drifted returns VMs whose observed state differs from the intended one.
func (s *VMStore) Drifted() []types.VM {
	return slices.DeleteFunc(s.All(), func(vm types.VM) bool { return !vm.HasDrift() })
}

// Stats returns the cached stats of a VM and whether the backend is still
// warming up its sampler.
func (s *VMStore) Stats(hostID, vmName string) (st types.VMStats, warming, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := types.VMKey(hostID, vmName)
	if p := s.stats[key]; p != nil {
		st, ok = *p, true
	}
	return st, s.warming[key], ok
}

// Hardware returns the cached hardware configuration of a VM.
func (s *VMStore) Hardware(hostID, vmName string) (types.VMHardware, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hw, err := utils.LookupCopy(s.hardware, types.VMKey(hostID, vmName))
	return hw, err == nil
}

// --- Push events ---

// Bind subscribes the store to VM push messages.
func (s *VMStore) Bind(bus Bus) {
	offs := []func(){
		bus.On(types.MsgVMsChanged, s.onVMsChanged),
		bus.On(types.MsgVMStateChanged, s.onStateChanged),
		bus.On(types.MsgVMStatsUpdated, s.onStats),
		bus.On(types.MsgVMStatsWarming, s.onWarming),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offs = append(s.offs, offs...)
}

func (s *VMStore) onVMsChanged(env types.Envelope) {
	var ref types.HostRef
	if err := env.Decode(&ref); err != nil || ref.HostID == "" {
		return
	}
	go s.refetch(ref.HostID)
}

func (s *VMStore) refetch(hostID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.Fetch(ctx, hostID); err != nil {
		log.WithFunc("store.VMStore.refetch").Warnf(ctx, "refetch vms of %s: %v", hostID, err)
	}
}

func (s *VMStore) onStateChanged(env types.Envelope) {
	var ev types.VMStateEvent
	if err := env.Decode(&ev); err != nil || ev.HostID == "" || ev.VMName == "" {
		return
	}
	key := types.VMKey(ev.HostID, ev.VMName)
	s.mu.Lock()
	defer s.mu.Unlock()
	vm := s.vms[key]
	if vm == nil {
		go s.refetch(ev.HostID)
		return
	}
	if ev.State != "" {
		vm.State = ev.State
	}
	if ev.LibvirtState != "" {
		vm.LibvirtState = ev.LibvirtState
	}
	vm.TaskState = ev.TaskState
	if ev.TaskState == types.VMTaskNone {
		delete(s.pending, key)
	}
	if vm.State != types.VMStateActive {
		// A restarted guest starts a fresh average.
		s.smoother.Reset(key)
		delete(s.stats, key)
	}
}

func (s *VMStore) onStats(env types.Envelope) {
	var ev types.VMStatsEvent
	if err := env.Decode(&ev); err != nil || ev.HostID == "" || ev.VMName == "" {
		return
	}
	key := types.VMKey(ev.HostID, ev.VMName)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vms[key] == nil {
		return
	}
	smoothed := s.smoother.VM(key, ev.Stats)
	s.stats[key] = &smoothed
	delete(s.warming, key)
}

func (s *VMStore) onWarming(env types.Envelope) {
	var ref types.VMRef
	if err := env.Decode(&ref); err != nil || ref.HostID == "" {
		return
	}
	key := types.VMKey(ref.HostID, ref.VMName)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vms[key] != nil {
		s.warming[key] = true
	}
}

// PurgeHost drops VMs, stats, hardware and pending actions of a host.
func (s *VMStore) PurgeHost(hostID string) {
	prefix := types.VMKey(hostID, "")
	of := func(k string) bool { return strings.HasPrefix(k, prefix) }
	s.mu.Lock()
	utils.DeleteFunc(s.vms, of)
	utils.DeleteFunc(s.stats, of)
	utils.DeleteFunc(s.warming, of)
	utils.DeleteFunc(s.hardware, of)
	utils.DeleteFunc(s.pending, of)
	s.mu.Unlock()
	s.smoother.PurgeHost(hostID)
	s.forgetScope(hostID)
}

// Close unbinds push handlers.
func (s *VMStore) Close() {
	s.mu.Lock()
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()
	offAll(offs)
}
