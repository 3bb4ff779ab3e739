package subscription

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/mancer/types"
	"github.com/projecteru2/mancer/ws"
)

type fakeSender struct {
	connected bool
	fail      error
	sent      []string
}

func (f *fakeSender) Send(msgType string, payload any) error {
	if !f.connected {
		return ws.ErrNotConnected
	}
	if f.fail != nil {
		return f.fail
	}
	b, _ := json.Marshal(payload)
	f.sent = append(f.sent, msgType+" "+string(b))
	return nil
}

func (f *fakeSender) reset() []string {
	s := f.sent
	f.sent = nil
	return s
}

func TestSubscribeVM_UnsubscribesHostFirst(t *testing.T) {
	s := &fakeSender{connected: true}
	c := New(s)
	require.NoError(t, c.SubscribeHost("h1"))
	require.NoError(t, c.SubscribeVM("h1", "web"))

	assert.Equal(t, []string{
		types.MsgSubscribeHostStats + ` {"hostId":"h1"}`,
		types.MsgUnsubscribeHostStats + ` {"hostId":"h1"}`,
		types.MsgSubscribeVMStats + ` {"hostId":"h1","vmName":"web"}`,
	}, s.sent)
	tgt, synced := c.Active()
	assert.Equal(t, Target{Kind: VM, HostID: "h1", VMName: "web"}, tgt)
	assert.True(t, synced)
}

func TestSubscribeHost_UnsubscribesVMFirst(t *testing.T) {
	s := &fakeSender{connected: true}
	c := New(s)
	require.NoError(t, c.SubscribeVM("h1", "web"))
	s.reset()
	require.NoError(t, c.SubscribeHost("h2"))
	assert.Equal(t, []string{
		types.MsgUnsubscribeVMStats + ` {"hostId":"h1","vmName":"web"}`,
		types.MsgSubscribeHostStats + ` {"hostId":"h2"}`,
	}, s.sent)
}

func TestSwitchHost_UnsubscribesPrevious(t *testing.T) {
	s := &fakeSender{connected: true}
	c := New(s)
	require.NoError(t, c.SubscribeHost("h1"))
	s.reset()
	require.NoError(t, c.SubscribeHost("h2"))
	assert.Equal(t, []string{
		types.MsgUnsubscribeHostStats + ` {"hostId":"h1"}`,
		types.MsgSubscribeHostStats + ` {"hostId":"h2"}`,
	}, s.sent)
}

func TestSubscribeSameTarget_NoOp(t *testing.T) {
	s := &fakeSender{connected: true}
	c := New(s)
	require.NoError(t, c.SubscribeVM("h1", "web"))
	s.reset()
	require.NoError(t, c.SubscribeVM("h1", "web"))
	assert.Empty(t, s.sent)
}

func TestClear(t *testing.T) {
	s := &fakeSender{connected: true}
	c := New(s)
	require.NoError(t, c.SubscribeHost("h1"))
	s.reset()
	require.NoError(t, c.Clear())
	assert.Equal(t, []string{types.MsgUnsubscribeHostStats + ` {"hostId":"h1"}`}, s.sent)
	tgt, _ := c.Active()
	assert.Equal(t, None, tgt.Kind)

	s.reset()
	require.NoError(t, c.Clear())
	assert.Empty(t, s.sent)
}

func TestReplay_RestoresExactlyPriorSubscription(t *testing.T) {
	s := &fakeSender{connected: true}
	c := New(s)
	require.NoError(t, c.SubscribeHost("h1"))
	require.NoError(t, c.SubscribeVM("h1", "db"))
	s.reset()

	s.connected = false
	c.HandleState(ws.Transition{From: ws.Connected, To: ws.Disconnected})
	s.connected = true
	c.HandleState(ws.Transition{From: ws.Connecting, To: ws.Connected, Reconnect: true})

	assert.Equal(t, []string{types.MsgSubscribeVMStats + ` {"hostId":"h1","vmName":"db"}`}, s.sent)
	_, synced := c.Active()
	assert.True(t, synced)

	// A second connected notification does not duplicate the subscription.
	s.reset()
	c.HandleState(ws.Transition{From: ws.Connecting, To: ws.Connected, Reconnect: true})
	assert.Empty(t, s.sent)
}

func TestSubscribeWhileDisconnected_PendingUntilConnect(t *testing.T) {
	s := &fakeSender{}
	c := New(s)
	require.NoError(t, c.SubscribeHost("h1"))
	_, synced := c.Active()
	assert.False(t, synced)

	s.connected = true
	require.NoError(t, c.Replay())
	assert.Equal(t, []string{types.MsgSubscribeHostStats + ` {"hostId":"h1"}`}, s.sent)
}

func TestSwitchWhileDisconnected_NoStaleUnsubscribe(t *testing.T) {
	s := &fakeSender{connected: true}
	c := New(s)
	require.NoError(t, c.SubscribeHost("h1"))
	s.connected = false
	c.Dropped()
	require.NoError(t, c.SubscribeVM("h1", "web"))
	s.connected = true
	s.reset()
	require.NoError(t, c.Replay())
	assert.Equal(t, []string{types.MsgSubscribeVMStats + ` {"hostId":"h1","vmName":"web"}`}, s.sent)
}

func TestSendFailure_ReturnsError(t *testing.T) {
	boom := errors.New("broken pipe")
	s := &fakeSender{connected: true, fail: boom}
	c := New(s)
	err := c.SubscribeHost("h1")
	assert.ErrorIs(t, err, boom)
	_, synced := c.Active()
	assert.False(t, synced)
}

func TestPurgeHost(t *testing.T) {
	s := &fakeSender{connected: true}
	c := New(s)
	require.NoError(t, c.SubscribeVM("h1", "web"))

	c.PurgeHost("h2")
	tgt, _ := c.Active()
	assert.Equal(t, VM, tgt.Kind)

	s.reset()
	c.PurgeHost("h1")
	tgt, synced := c.Active()
	assert.Equal(t, None, tgt.Kind)
	assert.False(t, synced)
	assert.Equal(t, []string{types.MsgUnsubscribeVMStats + ` {"hostId":"h1","vmName":"web"}`}, s.sent)
}

func TestTarget_String(t *testing.T) {
	assert.Equal(t, "none", Target{}.String())
	assert.Equal(t, "host:h1", Target{Kind: Host, HostID: "h1"}.String())
	assert.Equal(t, "vm:h1/web", Target{Kind: VM, HostID: "h1", VMName: "web"}.String())
}
