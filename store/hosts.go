package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/singleflight"

	"github.com/projecteru2/mancer/config"
	"github.com/projecteru2/mancer/metrics"
	"github.com/projecteru2/mancer/types"
	"github.com/projecteru2/mancer/utils"
)

const globalRefetchDelay = time.Second

// HostStore caches hosts with their stats, capabilities and discovered VMs.
type HostStore struct {
	tracker

	api          HostAPI
	readTimeout  time.Duration
	debounce     time.Duration
	pollEvery    time.Duration
	refetchAfter time.Duration
	fetches      singleflight.Group
	smoother     *metrics.Smoother

	mu         sync.Mutex
	hosts      map[string]*types.Host
	stats      map[string]*types.HostStats
	warming    map[string]bool
	caps       map[string]json.RawMessage
	discovered map[string][]types.DiscoveredVM
	global     []types.DiscoveredVMWithHost
	manual     map[string]bool
	visible    map[string]bool // connecting indicator shown
	timers     map[string]*time.Timer
	refetch    *time.Timer
	selected   string
	purgers    []Purger
	offs       []func()

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewHostStore creates a HostStore backed by a.
func NewHostStore(conf *config.Config, a HostAPI) *HostStore {
	return &HostStore{
		tracker:      newTracker(),
		api:          a,
		readTimeout:  conf.ReadTimeout(),
		debounce:     conf.ConnectingDebounce(),
		pollEvery:    conf.DiscoveredPollInterval(),
		refetchAfter: globalRefetchDelay,
		hosts:        map[string]*types.Host{},
		stats:        map[string]*types.HostStats{},
		warming:      map[string]bool{},
		caps:         map[string]json.RawMessage{},
		discovered:   map[string][]types.DiscoveredVM{},
		manual:       map[string]bool{},
		visible:      map[string]bool{},
		timers:       map[string]*time.Timer{},
	}
}

// SmoothCPU makes pushed host cpu samples go through sm.
func (s *HostStore) SmoothCPU(sm *metrics.Smoother) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.smoother = sm
}

// Register adds caches purged together with a deleted host.
func (s *HostStore) Register(p ...Purger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgers = append(s.purgers, p...)
}

// --- Hosts ---

// Fetch reloads the host list. Concurrent calls share one request, which
// outlives the cancellation of any single caller.
func (s *HostStore) Fetch(ctx context.Context) ([]types.Host, error) {
	done := s.begin("fetch")
	ch := s.fetches.DoChan("hosts", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.readTimeout)
		defer cancel()
		return s.api.ListHosts(fctx)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, done(ctx.Err())
	}
	if res.Err != nil {
		return nil, done(res.Err)
	}
	s.replace(res.Val.([]types.Host))
	_ = done(nil)
	return s.Hosts(), nil
}

// Add creates a host and connects it. The created host is returned even
// when the automatic connect fails.
func (s *HostStore) Add(ctx context.Context, spec types.HostSpec) (*types.Host, error) {
	done := s.begin("add")
	h, err := s.api.CreateHost(ctx, spec)
	if err != nil {
		return nil, done(err)
	}
	_ = done(nil)
	s.mu.Lock()
	cp := *h
	s.hosts[h.ID] = &cp
	s.mu.Unlock()

	if err := s.Connect(ctx, h.ID); err != nil {
		return h, fmt.Errorf("auto-connect %s: %w", h.ID, err)
	}
	return h, nil
}

// Update applies a partial update and merges the returned record.
func (s *HostStore) Update(ctx context.Context, id string, upd types.HostUpdate) (*types.Host, error) {
	done := s.begin(opKey("update", id))
	h, err := s.api.UpdateHost(ctx, id, upd)
	if err != nil {
		return nil, done(err)
	}
	_ = done(nil)
	if h == nil {
		if _, err := s.Fetch(ctx); err != nil {
			return nil, err
		}
		got, err := s.Get(id)
		return &got, err
	}
	s.merge(*h)
	return h, nil
}

// Delete removes a host on the server and every piece of client state
// scoped to it.
func (s *HostStore) Delete(ctx context.Context, id string) error {
	done := s.begin(opKey("delete", id))
	if err := s.api.DeleteHost(ctx, id); err != nil {
		return done(err)
	}
	_ = done(nil)
	s.purge(id)
	log.WithFunc("store.HostStore.Delete").Infof(ctx, "host %s deleted", id)
	return nil
}

// Connect asks the backend to connect a host. The task state is set to
// CONNECTING right away and restored if the request fails.
func (s *HostStore) Connect(ctx context.Context, id string) error {
	done := s.begin(opKey("connect", id))
	prev, ok := s.setTask(id, types.HostTaskConnecting)
	if err := s.api.ConnectHost(ctx, id); err != nil {
		if ok {
			s.setTask(id, prev)
		}
		return done(err)
	}
	s.mu.Lock()
	delete(s.manual, id)
	s.mu.Unlock()
	return done(nil)
}

// Disconnect asks the backend to disconnect a host and remembers that it
// was done on purpose.
func (s *HostStore) Disconnect(ctx context.Context, id string) error {
	done := s.begin(opKey("disconnect", id))
	prev, ok := s.setTask(id, types.HostTaskDisconnecting)
	if err := s.api.DisconnectHost(ctx, id); err != nil {
		if ok {
			s.setTask(id, prev)
		}
		return done(err)
	}
	s.mu.Lock()
	s.manual[id] = true
	s.mu.Unlock()
	return done(nil)
}

// FetchStats reloads the stats of a host.
func (s *HostStore) FetchStats(ctx context.Context, id string) (types.HostStats, error) {
	done := s.begin(opKey("stats", id))
	st, err := s.api.HostStats(ctx, id)
	if err != nil {
		return types.HostStats{}, done(err)
	}
	s.setStats(id, *st)
	return *st, done(nil)
}

// FetchCapabilities loads the capability document of a host.
func (s *HostStore) FetchCapabilities(ctx context.Context, id string) (json.RawMessage, error) {
	done := s.begin(opKey("capabilities", id))
	c, err := s.api.HostCapabilities(ctx, id)
	if err != nil {
		return nil, done(err)
	}
	s.mu.Lock()
	if s.hosts[id] != nil {
		s.caps[id] = c
	}
	s.mu.Unlock()
	return c, done(nil)
}

// RefreshCapabilities makes the backend re-read capabilities, then reloads them.
func (s *HostStore) RefreshCapabilities(ctx context.Context, id string) (json.RawMessage, error) {
	done := s.begin(opKey("refresh-capabilities", id))
	if err := s.api.RefreshHostCapabilities(ctx, id); err != nil {
		return nil, done(err)
	}
	_ = done(nil)
	return s.FetchCapabilities(ctx, id)
}

// Ports lists the port devices of a host.
func (s *HostStore) Ports(ctx context.Context, id string) ([]json.RawMessage, error) {
	done := s.begin(opKey("ports", id))
	p, err := s.api.HostPorts(ctx, id)
	return p, done(err)
}

// --- Discovered VMs ---

// RefreshDiscovered reloads the discovered VMs of a host. An empty answer
// does not overwrite a non-empty cache, and on failure the cache is returned
// along with the error. Only hosts in the cache keep the result.
func (s *HostStore) RefreshDiscovered(ctx context.Context, hostID string) ([]types.DiscoveredVM, error) {
	done := s.begin(opKey("discovered", hostID))
	list, err := s.api.ListDiscovered(ctx, hostID)

	s.mu.Lock()
	defer s.mu.Unlock()
	cached := s.discovered[hostID]
	if err != nil {
		return slices.Clone(cached), done(err)
	}
	_ = done(nil)
	if len(list) == 0 && len(cached) > 0 {
		return slices.Clone(cached), nil
	}
	if s.hosts[hostID] != nil {
		s.discovered[hostID] = list
	}
	return slices.Clone(list), nil
}

// ImportAll imports every discovered VM of a host.
func (s *HostStore) ImportAll(ctx context.Context, hostID string) error {
	done := s.begin(opKey("import-all", hostID))
	if err := done(s.api.ImportAll(ctx, hostID)); err != nil {
		return err
	}
	return s.afterDiscoveredChange(ctx, hostID)
}

// ImportSelected imports the given discovered domains.
func (s *HostStore) ImportSelected(ctx context.Context, hostID string, domainUUIDs []string) error {
	done := s.begin(opKey("import-selected", hostID))
	if err := done(s.api.ImportSelected(ctx, hostID, domainUUIDs)); err != nil {
		return err
	}
	return s.afterDiscoveredChange(ctx, hostID)
}

// DeleteDiscovered drops discovered entries without importing them.
func (s *HostStore) DeleteDiscovered(ctx context.Context, hostID string, domainUUIDs []string) error {
	done := s.begin(opKey("delete-discovered", hostID))
	if err := done(s.api.DeleteDiscovered(ctx, hostID, domainUUIDs)); err != nil {
		return err
	}
	return s.afterDiscoveredChange(ctx, hostID)
}

// afterDiscoveredChange replaces the cache with the server list, which may
// legitimately be empty after an import.
func (s *HostStore) afterDiscoveredChange(ctx context.Context, hostID string) error {
	list, err := s.api.ListDiscovered(ctx, hostID)
	if err != nil {
		return fmt.Errorf("refresh discovered %s: %w", hostID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hosts[hostID] != nil {
		s.discovered[hostID] = list
	}
	return nil
}

// FetchGlobalDiscovered reloads the discovered list across all hosts.
func (s *HostStore) FetchGlobalDiscovered(ctx context.Context) ([]types.DiscoveredVMWithHost, error) {
	done := s.begin("global-discovered")
	list, err := s.api.ListAllDiscovered(ctx)
	if err != nil {
		return nil, done(err)
	}
	s.mu.Lock()
	s.global = list
	s.mu.Unlock()
	return slices.Clone(list), done(nil)
}

// RefreshAllDiscovered asks every host to rescan and reloads the global
// list once the scan had time to land.
func (s *HostStore) RefreshAllDiscovered(ctx context.Context) error {
	done := s.begin("refresh-all-discovered")
	if err := done(s.api.RefreshAllDiscovered(ctx)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refetch != nil {
		s.refetch.Stop()
	}
	s.refetch = time.AfterFunc(s.refetchAfter, func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if _, err := s.FetchGlobalDiscovered(rctx); err != nil {
			log.WithFunc("store.HostStore.RefreshAllDiscovered").Warnf(rctx, "refetch global discovered: %v", err)
		}
	})
	return nil
}

// StartDiscoveredPolling refreshes the discovered VMs of connected hosts
// periodically until StopDiscoveredPolling or ctx is done.
func (s *HostStore) StartDiscoveredPolling(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollCancel != nil || s.pollEvery <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.pollCancel = cancel
	s.pollDone = make(chan struct{})
	go s.poll(ctx, s.pollDone)
}

// StopDiscoveredPolling stops the poller and waits for it.
func (s *HostStore) StopDiscoveredPolling() {
	s.mu.Lock()
	cancel, done := s.pollCancel, s.pollDone
	s.pollCancel, s.pollDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *HostStore) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	logger := log.WithFunc("store.HostStore.poll")
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, h := range s.Connected() {
			if _, err := s.RefreshDiscovered(ctx, h.ID); err != nil && ctx.Err() == nil {
				logger.Warnf(ctx, "refresh discovered %s: %v", h.ID, err)
			}
		}
	}
}

// --- Views ---

// Hosts returns all cached hosts ordered by id.
func (s *HostStore) Hosts() []types.Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return utils.ValuesSorted(s.hosts)
}

// Get returns one cached host.
func (s *HostStore) Get(id string) (types.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := utils.LookupCopy(s.hosts, id)
	if err != nil {
		return h, fmt.Errorf("host %s: %w", id, ErrNotFound)
	}
	return h, nil
}

// Select makes id the current host.
func (s *HostStore) Select(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" && s.hosts[id] == nil {
		return fmt.Errorf("host %s: %w", id, ErrNotFound)
	}
	s.selected = id
	return nil
}

// Selected returns the current host, if any.
func (s *HostStore) Selected() (types.Host, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := utils.LookupCopy(s.hosts, s.selected)
	return h, err == nil
}

// Connected returns hosts the backend holds a hypervisor connection to.
func (s *HostStore) Connected() []types.Host {
	return s.filter(func(h types.Host) bool { return isConnected(h) })
}

// Disconnected returns hosts without a connection that are not in error.
func (s *HostStore) Disconnected() []types.Host {
	return s.filter(func(h types.Host) bool { return !isConnected(h) && h.State != types.HostError })
}

// Errored returns hosts in the ERROR state.
func (s *HostStore) Errored() []types.Host {
	return s.filter(func(h types.Host) bool { return h.State == types.HostError })
}

func (s *HostStore) filter(keep func(types.Host) bool) []types.Host {
	return slices.DeleteFunc(s.Hosts(), func(h types.Host) bool { return !keep(h) })
}

// WithStats composes hosts with their cached stats and discovered VMs.
func (s *HostStore) WithStats() []types.HostWithStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	hosts := utils.ValuesSorted(s.hosts)
	out := make([]types.HostWithStats, 0, len(hosts))
	for _, h := range hosts {
		hw := types.HostWithStats{
			Host:         h,
			Discovered:   slices.Clone(s.discovered[h.ID]),
			IsConnecting: s.visible[h.ID],
		}
		if st := s.stats[h.ID]; st != nil {
			cp := *st
			hw.Stats = &cp
		}
		out = append(out, hw)
	}
	return out
}

// Stats returns the cached stats of a host.
func (s *HostStore) Stats(id string) (types.HostStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := utils.LookupCopy(s.stats, id)
	return st, err == nil
}

// Warming reports whether the backend is still collecting a host's first
// stats sample.
func (s *HostStore) Warming(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warming[id]
}

// Capabilities returns the cached capability document of a host.
func (s *HostStore) Capabilities(id string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caps[id]
	return c, ok
}

// Discovered returns the cached discovered VMs of a host.
func (s *HostStore) Discovered(hostID string) []types.DiscoveredVM {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.discovered[hostID])
}

// GlobalDiscovered returns the cached cross-host discovered list.
func (s *HostStore) GlobalDiscovered() []types.DiscoveredVMWithHost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.global)
}

// IsConnecting reports whether the connecting indicator of a host is shown.
// It turns on only after the host stayed CONNECTING for the debounce period.
func (s *HostStore) IsConnecting(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible[id]
}

// ManuallyDisconnected reports whether a host was disconnected on purpose,
// by this client or with auto-reconnect disabled on the backend.
func (s *HostStore) ManuallyDisconnected(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manual[id] {
		return true
	}
	h := s.hosts[id]
	return h != nil && h.AutoReconnectDisabled && !isConnected(*h)
}

// --- Push events ---

// Bind subscribes the store to host push messages.
func (s *HostStore) Bind(bus Bus) {
	offs := []func(){
		bus.On(types.MsgHostsChanged, func(types.Envelope) { go s.refetchHosts() }),
		bus.On(types.MsgHostConnectionChanged, s.onHostEvent),
		bus.On(types.MsgHostStateChanged, s.onHostEvent),
		bus.On(types.MsgHostUpdated, s.onHostEvent),
		bus.On(types.MsgHostStatsUpdated, s.onHostStats),
		bus.On(types.MsgHostStatsWarming, s.onHostWarming),
		bus.On(types.MsgDiscoveredVMsUpdated, s.onDiscovered),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offs = append(s.offs, offs...)
}

func (s *HostStore) refetchHosts() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.Fetch(ctx); err != nil {
		log.WithFunc("store.HostStore.refetchHosts").Warnf(ctx, "refetch hosts: %v", err)
	}
}

func (s *HostStore) onHostEvent(env types.Envelope) {
	var ev types.HostEvent
	if err := env.Decode(&ev); err != nil {
		log.WithFunc("store.HostStore.onHostEvent").Warnf(context.Background(), "decode %s: %v", env.Type, err)
		return
	}
	if ev.Host != nil {
		if ev.Host.ID == "" {
			ev.Host.ID = ev.HostID
		}
		s.merge(*ev.Host)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hosts[ev.HostID]
	if h == nil {
		go s.refetchHosts()
		return
	}
	settled := false
	if ev.Connected != nil {
		h.Connected = *ev.Connected
		if h.Connected {
			h.State = types.HostConnected
		} else if h.State == types.HostConnected {
			h.State = types.HostDisconnected
		}
		settled = true
	}
	if ev.State != "" {
		h.State = ev.State
		h.Connected = ev.State == types.HostConnected
		settled = true
	}
	// A settled connection ends any connect or disconnect in flight.
	if ev.TaskState != "" || settled {
		h.TaskState = ev.TaskState
	}
	s.trackConnecting(h)
}

func (s *HostStore) onHostStats(env types.Envelope) {
	var ev types.HostStatsEvent
	if err := env.Decode(&ev); err != nil || ev.HostID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Stats are broadcast to every client, deleted hosts included.
	if s.hosts[ev.HostID] == nil {
		return
	}
	if s.smoother != nil {
		ev.Stats.CPUPercent = s.smoother.HostCPU(ev.HostID, ev.Stats.CPUPercent)
	}
	s.stats[ev.HostID] = &ev.Stats
	delete(s.warming, ev.HostID)
}

func (s *HostStore) onHostWarming(env types.Envelope) {
	var ref types.HostRef
	if err := env.Decode(&ref); err != nil || ref.HostID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hosts[ref.HostID] != nil {
		s.warming[ref.HostID] = true
	}
}

func (s *HostStore) onDiscovered(env types.Envelope) {
	var ev types.DiscoveredEvent
	if err := env.Decode(&ev); err != nil || ev.HostID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hosts[ev.HostID] != nil {
		s.discovered[ev.HostID] = ev.VMs
	}
}

// Close unbinds push handlers and stops every timer and poller.
func (s *HostStore) Close() {
	s.StopDiscoveredPolling()
	s.mu.Lock()
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()
	offAll(offs)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.timers {
		s.stopTimer(id)
	}
	if s.refetch != nil {
		s.refetch.Stop()
		s.refetch = nil
	}
}

// PurgeHost drops the client state of a host deleted elsewhere.
func (s *HostStore) PurgeHost(id string) { s.purge(id) }

// --- internals ---

func isConnected(h types.Host) bool {
	return h.Connected || h.State == types.HostConnected
}

// replace installs a fresh host list. Hosts that vanished are purged.
func (s *HostStore) replace(list []types.Host) {
	next := make(map[string]*types.Host, len(list))
	for i := range list {
		h := list[i]
		next[h.ID] = &h
	}
	s.mu.Lock()
	var gone []string
	for id := range s.hosts {
		if next[id] == nil {
			gone = append(gone, id)
		}
	}
	s.hosts = next
	for _, h := range next {
		s.trackConnecting(h)
	}
	s.mu.Unlock()

	for _, id := range gone {
		s.purge(id)
	}
}

func (s *HostStore) merge(h types.Host) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.hosts[h.ID]
	if cur == nil {
		s.hosts[h.ID] = &h
		s.trackConnecting(&h)
		return
	}
	if h.Name == "" {
		h.Name = cur.Name
	}
	if h.URI == "" {
		h.URI = cur.URI
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = cur.CreatedAt
	}
	*cur = h
	s.trackConnecting(cur)
}

// setTask sets the task state of a cached host and returns the previous one.
func (s *HostStore) setTask(id string, ts types.HostTaskState) (types.HostTaskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hosts[id]
	if h == nil {
		return "", false
	}
	prev := h.TaskState
	h.TaskState = ts
	s.trackConnecting(h)
	return prev, true
}

// setStats caches st unless the host left the cache meanwhile.
func (s *HostStore) setStats(id string, st types.HostStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hosts[id] == nil {
		return
	}
	s.stats[id] = &st
	delete(s.warming, id)
}

// trackConnecting arms the debounce timer of a CONNECTING host, or clears
// the indicator at once when it is not connecting. Callers hold mu.
func (s *HostStore) trackConnecting(h *types.Host) {
	id := h.ID
	if !h.TaskState.Is(types.HostTaskConnecting) {
		s.stopTimer(id)
		delete(s.visible, id)
		return
	}
	if s.visible[id] || s.timers[id] != nil {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.timers[id] != t {
			return
		}
		delete(s.timers, id)
		if cur := s.hosts[id]; cur != nil && cur.TaskState.Is(types.HostTaskConnecting) {
			s.visible[id] = true
		}
	})
	s.timers[id] = t
}

// stopTimer disarms the debounce timer of a host. Callers hold mu.
func (s *HostStore) stopTimer(id string) {
	if t := s.timers[id]; t != nil {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *HostStore) purge(id string) {
	s.mu.Lock()
	delete(s.hosts, id)
	delete(s.stats, id)
	delete(s.warming, id)
	delete(s.caps, id)
	delete(s.discovered, id)
	delete(s.manual, id)
	delete(s.visible, id)
	s.stopTimer(id)
	s.global = slices.DeleteFunc(s.global, func(d types.DiscoveredVMWithHost) bool { return d.HostID == id })
	if s.selected == id {
		s.selected = ""
	}
	purgers := slices.Clone(s.purgers)
	sm := s.smoother
	s.mu.Unlock()

	if sm != nil {
		sm.PurgeHost(id)
	}
	s.forgetScope(id)
	for _, p := range purgers {
		p.PurgeHost(id)
	}
}
