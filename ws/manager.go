package ws

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/mancer/config"
	"github.com/projecteru2/mancer/types"
	"github.com/projecteru2/mancer/utils"
)

var (
	// ErrNotConnected is returned by Send when no connection is open.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrExhausted is returned by Wait after the reconnect budget is spent.
	ErrExhausted = errors.New("websocket reconnect attempts exhausted")
	// ErrRunning is returned by Start on a manager that is already running.
	ErrRunning = errors.New("websocket manager already running")
)

// SessionHeader carries the client session id on the upgrade request.
const SessionHeader = "X-Mancer-Session"

const writeWait = 10 * time.Second

// Handler receives a dispatched envelope.
type Handler func(types.Envelope)

// Transition describes a state change. Reconnect is true when a connection
// is re-established after a drop.
type Transition struct {
	From, To  State
	Reconnect bool
}

// Manager owns the single push connection of a client: it dials, reconnects
// with backoff, dispatches incoming envelopes in arrival order and sends
// typed messages.
type Manager struct {
	url         string
	dialer      *websocket.Dialer
	header      http.Header
	backoff     utils.Backoff
	maxAttempts int
	ping        time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	attempts  int
	connected bool // ever connected; distinguishes reconnects
	handlers  map[string]map[int]Handler
	listeners map[int]func(Transition)
	nextID    int
	cancel    context.CancelFunc
	done      chan struct{}
	exhausted bool

	writeMu sync.Mutex
}

// NewManager creates a Manager for conf's WebSocket endpoint.
func NewManager(conf *config.Config) *Manager {
	dialer := *websocket.DefaultDialer
	if conf.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	header := http.Header{}
	header.Set(SessionHeader, utils.NewID())
	return &Manager{
		url:         conf.WSURL(),
		dialer:      &dialer,
		header:      header,
		backoff:     utils.Backoff{Base: conf.ReconnectBase(), Max: conf.ReconnectMax(), Jitter: true},
		maxAttempts: max(conf.ReconnectAttempts, 1),
		ping:        conf.PingInterval(),
		handlers:    map[string]map[int]Handler{},
		listeners:   map[int]func(Transition){},
	}
}

// Start dials once and then keeps the connection alive in the background
// until ctx is canceled, Close is called, or reconnects are exhausted.
// The initial dial error is returned, but reconnection proceeds regardless.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.attempts = 0
	m.exhausted = false
	done := m.done
	m.mu.Unlock()

	conn, err := m.dial(ctx)
	go m.loop(ctx, conn, done)
	return err
}

// Wait blocks until the background loop ends. It returns ErrExhausted when
// reconnects ran out and nil after Close or cancellation.
func (m *Manager) Wait() error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exhausted {
		return ErrExhausted
	}
	return nil
}

// Close stops reconnecting and closes the connection with a normal closure.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	<-done
	return nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// On registers h for envelopes of msgType and returns a function that
// removes it.
func (m *Manager) On(msgType string, h Handler) (off func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	if m.handlers[msgType] == nil {
		m.handlers[msgType] = map[int]Handler{}
	}
	m.handlers[msgType][id] = h
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers[msgType], id)
	}
}

// OnState registers fn for state transitions.
func (m *Manager) OnState(fn func(Transition)) (off func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Send writes a typed envelope. It fails with ErrNotConnected when the
// connection is down; nothing is queued.
func (m *Manager) Send(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	data, err := json.Marshal(types.Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		log.WithFunc("ws.Send").Warnf(context.Background(), "not connected, dropping %s", msgType)
		return ErrNotConnected
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

func (m *Manager) loop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	logger := log.WithFunc("ws.loop")
	defer func() {
		m.mu.Lock()
		m.done = nil
		m.cancel = nil
		m.mu.Unlock()
		close(done)
	}()
	for {
		if conn != nil {
			m.read(ctx, conn)
			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()
			_ = conn.Close()
			m.setState(Disconnected)
		}
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		if attempt > m.maxAttempts {
			m.exhausted = true
			m.mu.Unlock()
			logger.Warnf(ctx, "max reconnection attempts (%d) reached", m.maxAttempts)
			m.setState(Exhausted)
			return
		}
		m.mu.Unlock()

		delay := m.backoff.Delay(attempt - 1)
		logger.Infof(ctx, "reconnecting in %s (%d/%d)", delay, attempt, m.maxAttempts)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		conn, _ = m.dial(ctx)
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	m.setState(Connecting)
	conn, resp, err := m.dialer.DialContext(ctx, m.url, m.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		log.WithFunc("ws.dial").Warnf(ctx, "dial %s: %v", m.url, err)
		m.setState(Disconnected)
		return nil, err
	}
	m.mu.Lock()
	m.conn = conn
	m.attempts = 0
	m.mu.Unlock()
	m.setState(Connected)
	return conn, nil
}

// read dispatches messages until the connection breaks. Pings run for the
// lifetime of the connection.
func (m *Manager) read(ctx context.Context, conn *websocket.Conn) {
	logger := log.WithFunc("ws.read")
	stop := make(chan struct{})
	defer close(stop)
	go m.keepAlive(ctx, conn, stop)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Infof(ctx, "connection closed by server")
			default:
				logger.Warnf(ctx, "read: %v", err)
			}
			return
		}
		var env types.Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Type == "" {
			logger.Warnf(ctx, "drop malformed message: %.120s", msg)
			continue
		}
		m.dispatch(ctx, env)
	}
}

func (m *Manager) dispatch(ctx context.Context, env types.Envelope) {
	m.mu.Lock()
	hs := make([]Handler, 0, len(m.handlers[env.Type]))
	for _, h := range m.handlers[env.Type] {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFunc("ws.dispatch").Warnf(ctx, "handler for %s panicked: %v", env.Type, r)
				}
			}()
			h(env)
		}()
	}
}

func (m *Manager) keepAlive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			m.writeMu.Unlock()
			if err != nil {
				log.WithFunc("ws.keepAlive").Warnf(ctx, "unable to send ping: %v", err)
				return
			}
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	if prev == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	reconnect := false
	if s == Connected {
		reconnect = m.connected
		m.connected = true
	}
	ls := make([]func(Transition), 0, len(m.listeners))
	for _, fn := range m.listeners {
		ls = append(ls, fn)
	}
	m.mu.Unlock()
	t := Transition{From: prev, To: s, Reconnect: reconnect}
	for _, fn := range ls {
		fn(t)
	}
}
