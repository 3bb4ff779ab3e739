package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/mancer/metrics"
	"github.com/projecteru2/mancer/types"
)

func TestTracker_LoadingAndErrors(t *testing.T) {
	tr := newTracker()
	boom := errors.New("boom")

	end := tr.begin("connect:h1")
	assert.True(t, tr.Loading("connect:h1"))
	again := tr.begin("connect:h1")
	require.ErrorIs(t, end(boom), boom)
	assert.True(t, tr.Loading("connect:h1"), "second call still in flight")
	assert.NoError(t, again(nil))
	assert.False(t, tr.Loading("connect:h1"))
	assert.Empty(t, tr.Errors(), "a later success clears the error")

	_ = tr.begin("stats:h1")(boom)
	_ = tr.begin("start:h1/web")(boom)
	_ = tr.begin("start:h10/web")(boom)
	_ = tr.begin("list")(boom)
	errs := tr.Errors()
	require.Len(t, errs, 4)
	assert.ErrorIs(t, errs["list"], boom)
	assert.Equal(t, "list: boom", errs["list"].Error())

	tr.ClearError("list")
	tr.forgetScope("h1")
	assert.Equal(t, []string{"start:h10/web"}, keys(tr.Errors()))
}

func TestHostStore_CapabilitiesCached(t *testing.T) {
	f := &fakeHostAPI{hosts: []types.Host{{ID: "h1", State: types.HostConnected, Connected: true}}}
	s := newTestHostStore(t, f)
	_, err := s.Fetch(t.Context())
	require.NoError(t, err)

	_, ok := s.Capabilities("h1")
	assert.False(t, ok)
	_, err = s.RefreshCapabilities(t.Context(), "h1")
	require.NoError(t, err)
	caps, ok := s.Capabilities("h1")
	require.True(t, ok)
	assert.JSONEq(t, `{"arch":"x86_64"}`, string(caps))
	assert.Contains(t, f.called(), "refresh-capabilities h1")
}

func TestHostStore_PushedCPUSmoothed(t *testing.T) {
	s := newTestHostStore(t, &fakeHostAPI{hosts: twoHosts()})
	_, err := s.Fetch(t.Context())
	require.NoError(t, err)
	s.SmoothCPU(metrics.NewSmoother(metrics.Alphas{CPU: 0.5}))
	bus := newFakeBus()
	s.Bind(bus)

	bus.emit(t, types.MsgHostStatsUpdated, types.HostStatsEvent{HostID: "h1", Stats: types.HostStats{CPUPercent: 20}})
	bus.emit(t, types.MsgHostStatsUpdated, types.HostStatsEvent{HostID: "h1", Stats: types.HostStats{CPUPercent: 60}})
	st, ok := s.Stats("h1")
	require.True(t, ok)
	assert.InDelta(t, 40, st.CPUPercent, 1e-9)
}

func keys(m map[string]OpError) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
