package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/mancer/api"
	"github.com/projecteru2/mancer/config"
	"github.com/projecteru2/mancer/metrics"
	"github.com/projecteru2/mancer/recovery"
	"github.com/projecteru2/mancer/subscription"
	"github.com/projecteru2/mancer/types"
	"github.com/projecteru2/mancer/version"
	"github.com/projecteru2/mancer/ws"
)

// ConnectionStatus summarizes the client's link to the backend.
type ConnectionStatus string

const (
	StatusOffline      ConnectionStatus = "offline"
	StatusInitializing ConnectionStatus = "initializing"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnected    ConnectionStatus = "connected"
)

// HealthStatus grades the number of outstanding errors.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

const (
	criticalErrors = 3
	fetchLimit     = 8
)

// Stats is the app-wide summary.
type Stats struct {
	TotalHosts     int       `json:"totalHosts"`
	ConnectedHosts int       `json:"connectedHosts"`
	TotalVMs       int       `json:"totalVMs"`
	RunningVMs     int       `json:"runningVMs"`
	StoppedVMs     int       `json:"stoppedVMs"`
	ErrorVMs       int       `json:"errorVMs"`
	DriftedVMs     int       `json:"driftedVMs"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

// DebugInfo is a diagnostic snapshot of the app.
type DebugInfo struct {
	Version      string                   `json:"version"`
	Initialized  bool                     `json:"initialized"`
	Syncing      bool                     `json:"syncing"`
	LastSync     time.Time                `json:"lastSync"`
	Stats        Stats                    `json:"stats"`
	Connection   recovery.ConnectionState `json:"connection"`
	Status       ConnectionStatus         `json:"connectionStatus"`
	Health       HealthStatus             `json:"healthStatus"`
	WebSocket    string                   `json:"websocket"`
	Subscription string                   `json:"subscription"`
	Errors       int                      `json:"errors"`
}

// App composes the transport, recovery center and domain stores of one
// client session.
type App struct {
	conf     *config.Config
	center   *recovery.Center
	client   *api.Client
	ws       *ws.Manager
	subs     *subscription.Coordinator
	smoother *metrics.Smoother
	hosts    *HostStore
	vms      *VMStore
	settings *SettingsStore

	mu           sync.Mutex
	initialized  bool
	initializing bool
	syncing      bool
	lastSync     time.Time
	offs         []func()
	probeCancel  context.CancelFunc
	probeDone    chan struct{}
}

// NewApp wires every component for conf. Nothing touches the network
// until Init.
func NewApp(conf *config.Config) *App {
	center := recovery.NewCenter(conf.ErrorCapacity)
	client := api.New(conf, center)
	mgr := ws.NewManager(conf)
	smoother := metrics.NewSmoother(metrics.AlphasFrom(types.DefaultMetricsSettings()))

	a := &App{
		conf:     conf,
		center:   center,
		client:   client,
		ws:       mgr,
		subs:     subscription.New(mgr),
		smoother: smoother,
		hosts:    NewHostStore(conf, client),
		vms:      NewVMStore(client, smoother),
		settings: NewSettingsStore(client, smoother),
	}
	a.settings.SetOverrides(conf.Display)
	a.hosts.SmoothCPU(smoother)
	a.hosts.Register(a.vms, a.subs, purgerFunc(center.DismissHost))
	center.SetManualDisconnect(a.hosts.ManuallyDisconnected)
	return a
}

type purgerFunc func(hostID string)

func (f purgerFunc) PurgeHost(hostID string) { f(hostID) }

// Center returns the recovery center.
func (a *App) Center() *recovery.Center { return a.center }

// Client returns the REST client.
func (a *App) Client() *api.Client { return a.client }

// WebSocket returns the push connection manager.
func (a *App) WebSocket() *ws.Manager { return a.ws }

// Subscriptions returns the stats subscription coordinator.
func (a *App) Subscriptions() *subscription.Coordinator { return a.subs }

// Smoother returns the stats smoother shared by the stores.
func (a *App) Smoother() *metrics.Smoother { return a.smoother }

// Hosts returns the host store.
func (a *App) Hosts() *HostStore { return a.hosts }

// VMs returns the VM store.
func (a *App) VMs() *VMStore { return a.vms }

// Settings returns the metrics settings store.
func (a *App) Settings() *SettingsStore { return a.settings }

// Init connects the push channel, binds the stores and loads hosts and
// their VMs. A failed WebSocket dial is not fatal: the manager keeps
// reconnecting in the background. Only a failed host list fails Init; hosts
// whose VMs could not be listed stay in the tracker and the Center.
func (a *App) Init(ctx context.Context) error {
	a.mu.Lock()
	if a.initialized || a.initializing {
		a.mu.Unlock()
		return nil
	}
	a.initializing = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.initializing = false
		a.mu.Unlock()
	}()

	logger := log.WithFunc("store.App.Init")
	a.bind()
	if err := a.ws.Start(ctx); err != nil {
		logger.Warnf(ctx, "websocket dial failed, reconnecting in background: %v", err)
	}
	if _, err := a.settings.Load(ctx); err != nil {
		logger.Warnf(ctx, "load metrics settings, using defaults: %v", err)
	}

	err := a.fetchAll(ctx)
	a.hosts.StartDiscoveredPolling(ctx)
	a.startProbe(ctx)

	a.mu.Lock()
	a.initialized = true
	a.lastSync = time.Now()
	a.mu.Unlock()
	if err != nil {
		logger.Warnf(ctx, "initial load incomplete: %v", err)
		return err
	}
	logger.Infof(ctx, "initialized with %d hosts and %d VMs", len(a.hosts.Hosts()), len(a.vms.All()))
	return nil
}

// bind wires push messages and connection transitions.
func (a *App) bind() {
	a.hosts.Bind(a.ws)
	a.vms.Bind(a.ws)
	offs := []func(){
		a.ws.On(types.MsgRefresh, func(types.Envelope) { go a.syncInBackground(false) }),
		a.ws.OnState(func(tr ws.Transition) {
			a.subs.HandleState(tr)
			a.center.SetWebSocketConnected(tr.To == ws.Connected)
			if tr.To == ws.Connected && tr.Reconnect {
				go a.syncInBackground(true)
			}
		}),
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offs = append(a.offs, offs...)
}

// Sync reloads hosts, VMs and live stats. A sync already in progress
// makes this a no-op unless force is set.
func (a *App) Sync(ctx context.Context, force bool) error {
	a.mu.Lock()
	if a.syncing && !force {
		a.mu.Unlock()
		log.WithFunc("store.App.Sync").Info(ctx, "sync already running, skipped")
		return nil
	}
	a.syncing = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.syncing = false
		a.mu.Unlock()
	}()

	errs := []error{a.fetchAll(ctx)}
	var g errgroup.Group
	g.SetLimit(fetchLimit)
	for _, h := range a.hosts.Connected() {
		g.Go(func() error {
			_, err := a.hosts.FetchStats(ctx, h.ID)
			return err
		})
	}
	errs = append(errs, g.Wait(), a.vms.FetchAllStats(ctx))

	a.mu.Lock()
	a.lastSync = time.Now()
	a.mu.Unlock()
	return errors.Join(errs...)
}

func (a *App) syncInBackground(force bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := a.Sync(ctx, force); err != nil {
		log.WithFunc("store.App.syncInBackground").Warnf(ctx, "sync: %v", err)
	}
}

// fetchAll loads hosts, then the VMs of every host in parallel. Every host
// is attempted and a host whose VMs fail is only logged.
func (a *App) fetchAll(ctx context.Context) error {
	hosts, err := a.hosts.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch hosts: %w", err)
	}
	logger := log.WithFunc("store.App.fetchAll")
	var g errgroup.Group
	g.SetLimit(fetchLimit)
	for _, h := range hosts {
		g.Go(func() error {
			if _, err := a.vms.Fetch(ctx, h.ID); err != nil {
				logger.Warnf(ctx, "fetch vms of %s: %v", h.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Stats summarizes the cached hosts and VMs.
func (a *App) Stats() Stats {
	byState := a.vms.ByState()
	a.mu.Lock()
	last := a.lastSync
	a.mu.Unlock()
	if last.IsZero() {
		last = time.Now()
	}
	return Stats{
		TotalHosts:     len(a.hosts.Hosts()),
		ConnectedHosts: len(a.hosts.Connected()),
		TotalVMs:       len(a.vms.All()),
		RunningVMs:     len(byState[types.VMStateActive]),
		StoppedVMs:     len(byState[types.VMStateStopped]),
		ErrorVMs:       len(byState[types.VMStateError]),
		DriftedVMs:     len(a.vms.Drifted()),
		LastUpdated:    last,
	}
}

// ConnectionStatus reports offline when the backend is unreachable,
// initializing before Init completes, disconnected when no host is
// connected, and connected otherwise.
func (a *App) ConnectionStatus() ConnectionStatus {
	if !a.center.Connection().APIReachable {
		return StatusOffline
	}
	a.mu.Lock()
	initialized := a.initialized
	a.mu.Unlock()
	if !initialized {
		return StatusInitializing
	}
	if len(a.hosts.Connected()) == 0 {
		return StatusDisconnected
	}
	return StatusConnected
}

// HealthStatus grades the surfaced errors that were not dismissed.
func (a *App) HealthStatus() HealthStatus {
	switch n := a.center.Len(); {
	case n == 0:
		return HealthHealthy
	case n < criticalErrors:
		return HealthWarning
	default:
		return HealthCritical
	}
}

// EmergencyStop shuts down every active VM, or those of hostID.
func (a *App) EmergencyStop(ctx context.Context, hostID string) error {
	log.WithFunc("store.App.EmergencyStop").Warnf(ctx, "emergency stop of %d active VMs", len(a.vms.Active()))
	return a.vms.StopAll(ctx, hostID)
}

// Debug returns a diagnostic snapshot.
func (a *App) Debug() DebugInfo {
	tgt, _ := a.subs.Active()
	a.mu.Lock()
	info := DebugInfo{
		Version:     version.VERSION,
		Initialized: a.initialized,
		Syncing:     a.syncing,
		LastSync:    a.lastSync,
	}
	a.mu.Unlock()
	info.Stats = a.Stats()
	info.Connection = a.center.Connection()
	info.Status = a.ConnectionStatus()
	info.Health = a.HealthStatus()
	info.WebSocket = a.ws.State().String()
	info.Subscription = tgt.String()
	info.Errors = a.center.Len()
	return info
}

// startProbe checks GET /health periodically. A recovered backend
// triggers a sync.
func (a *App) startProbe(ctx context.Context) {
	every := a.conf.HealthProbeInterval()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.probeCancel != nil || every <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.probeCancel = cancel
	a.probeDone = make(chan struct{})
	go a.probe(ctx, every, a.probeDone)
}

func (a *App) probe(ctx context.Context, every time.Duration, done chan struct{}) {
	defer close(done)
	logger := log.WithFunc("store.App.probe")
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := a.client.Health(ctx)
		if ctx.Err() != nil {
			return
		}
		was := a.center.Connection().APIReachable
		a.center.SetAPIReachable(err == nil)
		switch {
		case err != nil && was:
			logger.Warnf(ctx, "backend unreachable: %v", err)
		case err == nil && !was:
			logger.Infof(ctx, "backend reachable again")
			go a.syncInBackground(false)
		}
	}
}

// Close stops background work, drops the stats subscription and closes
// the push connection.
func (a *App) Close() error {
	a.mu.Lock()
	cancel, done, offs := a.probeCancel, a.probeDone, a.offs
	a.probeCancel, a.probeDone, a.offs = nil, nil, nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	offAll(offs)
	a.hosts.Close()
	a.vms.Close()
	if err := a.subs.Clear(); err != nil {
		log.WithFunc("store.App.Close").Warnf(context.Background(), "clear subscription: %v", err)
	}
	return a.ws.Close()
}
