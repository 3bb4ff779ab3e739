package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/mancer/types"
	"github.com/projecteru2/mancer/ws"
)

// Sender writes typed messages to the push connection. *ws.Manager
// implements it.
type Sender interface {
	Send(msgType string, payload any) error
}

// Kind is the kind of stats stream being observed.
type Kind int

const (
	None Kind = iota
	Host
	VM
)

// Target is the currently observed stream.
type Target struct {
	Kind   Kind
	HostID string
	VMName string
}

func (t Target) String() string {
	switch t.Kind {
	case Host:
		return "host:" + t.HostID
	case VM:
		return "vm:" + t.HostID + "/" + t.VMName
	}
	return "none"
}

// Coordinator keeps at most one stats subscription open per connection.
// Switching target always unsubscribes the previous one first.
type Coordinator struct {
	mu     sync.Mutex
	sender Sender
	active Target
	// synced is true while the server holds the active subscription.
	synced bool
}

// New creates a Coordinator sending through s.
func New(s Sender) *Coordinator {
	return &Coordinator{sender: s}
}

// SubscribeHost observes a host's stats.
func (c *Coordinator) SubscribeHost(hostID string) error {
	return c.switchTo(Target{Kind: Host, HostID: hostID})
}

// SubscribeVM observes a VM's stats.
func (c *Coordinator) SubscribeVM(hostID, vmName string) error {
	return c.switchTo(Target{Kind: VM, HostID: hostID, VMName: vmName})
}

// Clear unsubscribes whatever is active.
func (c *Coordinator) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.leave()
	c.active, c.synced = Target{}, false
	return err
}

// Active returns the current target and whether the server holds it.
func (c *Coordinator) Active() (Target, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.synced
}

// Dropped marks the server-side subscription as lost, e.g. on disconnect.
func (c *Coordinator) Dropped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.synced = false
}

// Replay re-sends the active subscription after a reconnect. It sends no
// unsubscribe since the server already forgot the old connection.
func (c *Coordinator) Replay() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active.Kind == None || c.synced {
		return nil
	}
	return c.join()
}

// HandleState follows connection transitions: a drop invalidates the
// server-side subscription and a (re)connect replays it.
func (c *Coordinator) HandleState(tr ws.Transition) {
	switch tr.To {
	case ws.Disconnected, ws.Exhausted:
		c.Dropped()
	case ws.Connected:
		if err := c.Replay(); err != nil {
			log.WithFunc("subscription.HandleState").Warnf(context.Background(), "replay: %v", err)
		}
	}
}

// PurgeHost forgets the active target if it belongs to hostID.
func (c *Coordinator) PurgeHost(hostID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active.Kind == None || c.active.HostID != hostID {
		return
	}
	_ = c.leave()
	c.active, c.synced = Target{}, false
}

func (c *Coordinator) switchTo(t Target) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == t {
		if c.synced {
			return nil
		}
		return c.join()
	}
	if err := c.leave(); err != nil {
		log.WithFunc("subscription.switchTo").Warnf(context.Background(), "leave %s: %v", c.active, err)
	}
	c.active, c.synced = t, false
	return c.join()
}

// join sends the subscribe message for the active target. A missing
// connection is not an error: the target stays pending for Replay.
// Callers hold mu.
func (c *Coordinator) join() error {
	var err error
	switch c.active.Kind {
	case Host:
		err = c.sender.Send(types.MsgSubscribeHostStats, types.HostRef{HostID: c.active.HostID})
	case VM:
		err = c.sender.Send(types.MsgSubscribeVMStats, types.VMRef{HostID: c.active.HostID, VMName: c.active.VMName})
	default:
		return nil
	}
	if errors.Is(err, ws.ErrNotConnected) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.active, err)
	}
	c.synced = true
	return nil
}

// leave unsubscribes the active target if the server holds it. Callers
// hold mu.
func (c *Coordinator) leave() error {
	if c.active.Kind == None || !c.synced {
		return nil
	}
	c.synced = false
	var err error
	switch c.active.Kind {
	case Host:
		err = c.sender.Send(types.MsgUnsubscribeHostStats, types.HostRef{HostID: c.active.HostID})
	case VM:
		err = c.sender.Send(types.MsgUnsubscribeVMStats, types.VMRef{HostID: c.active.HostID, VMName: c.active.VMName})
	}
	if errors.Is(err, ws.ErrNotConnected) {
		return nil
	}
	return err
}
