package recovery

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/mancer/utils"
)

// DefaultCapacity bounds the recent error list.
const DefaultCapacity = 50

// Entry is one surfaced failure.
type Entry struct {
	ID        string
	Time      time.Time
	Operation string
	HostID    string
	VMName    string
	Message   string
	Details   string
	Err       error
	Classification
}

// Scope identifies what a failed operation was acting on.
type Scope struct {
	HostID string
	VMName string
}

// ConnectionState is the client's view of backend reachability.
type ConnectionState struct {
	APIReachable       bool
	WebSocketConnected bool
	LastError          time.Time
	RetryAttempts      int
}

// Center keeps the most recent failures. It is safe for concurrent use.
type Center struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
	conn     ConnectionState
	manual   func(hostID string) bool
	now      func() time.Time
}

// NewCenter creates a Center holding at most capacity entries.
func NewCenter(capacity int) *Center {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Center{
		capacity: capacity,
		conn:     ConnectionState{APIReachable: true},
		now:      time.Now,
	}
}

// SetManualDisconnect installs the predicate telling whether a host was
// disconnected on purpose. HOST_DISCONNECTED errors for such hosts are
// classified low and not surfaced.
func (c *Center) SetManualDisconnect(fn func(hostID string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manual = fn
}

// Report classifies err and records it. It returns the entry and whether
// it was surfaced; suppressed and nil errors return false.
func (c *Center) Report(ctx context.Context, op string, scope Scope, err error) (Entry, bool) {
	if err == nil {
		return Entry{}, false
	}
	cls := Classify(err)
	e := Entry{
		ID:             utils.NewID(),
		Operation:      op,
		HostID:         scope.HostID,
		VMName:         scope.VMName,
		Message:        Humanize(err),
		Err:            err,
		Classification: cls,
	}
	if ae := utils.AsAPIError(err); ae != nil {
		e.Details = ae.Details
	}

	c.mu.Lock()
	e.Time = c.now()
	manual := c.manual
	c.mu.Unlock()

	if cls.Code == utils.CodeHostDisconnected && scope.HostID != "" && manual != nil && manual(scope.HostID) {
		e.Classification = manuallyDisconnected(cls)
		e.Message = manualDisconnectMessage
		return e, false
	}

	c.mu.Lock()
	c.entries = append(c.entries, e)
	if over := len(c.entries) - c.capacity; over > 0 {
		c.entries = slices.Delete(c.entries, 0, over)
	}
	if cls.Category == CategoryNetwork {
		c.conn.LastError = e.Time
	}
	c.mu.Unlock()

	logger := log.WithFunc("recovery.Report")
	switch cls.Severity {
	case SeverityHigh, SeverityCritical:
		logger.Errorf(ctx, err, "%s failed [%s]: %s", op, cls.Code, e.Message)
	default:
		logger.Warnf(ctx, "%s failed [%s]: %s", op, cls.Code, e.Message)
	}
	return e, true
}

// Entries returns the surfaced entries, oldest first.
func (c *Center) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.entries)
}

// Len returns the number of surfaced entries.
func (c *Center) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Since counts entries recorded at or after t.
func (c *Center) Since(t time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if !e.Time.Before(t) {
			n++
		}
	}
	return n
}

// Dismiss removes the entry with id. It reports whether one was removed.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.IndexFunc(c.entries, func(e Entry) bool { return e.ID == id })
	if i < 0 {
		return false
	}
	c.entries = slices.Delete(c.entries, i, i+1)
	return true
}

// DismissHost removes every entry scoped to hostID.
func (c *Center) DismissHost(hostID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = slices.DeleteFunc(c.entries, func(e Entry) bool { return e.HostID == hostID })
}

// Clear drops all entries.
func (c *Center) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}

// Connection returns a snapshot of the connection state.
func (c *Center) Connection() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// SetAPIReachable records a health probe result.
func (c *Center) SetAPIReachable(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.APIReachable = ok
	if ok {
		c.conn.RetryAttempts = 0
		return
	}
	c.conn.RetryAttempts++
	c.conn.LastError = c.now()
}

// SetWebSocketConnected records the push channel state.
func (c *Center) SetWebSocketConnected(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WebSocketConnected = ok
}
