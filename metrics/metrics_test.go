package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.RoomCreated()
		m.RoomsEvicted(2)
		m.Frame("crdt")
		m.BroadcastSkipped()
		m.Flush(true, 3)
		m.TokenRefresh(false)
		m.AuthRetry()
	})
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.RoomCreated()
	m.RoomCreated()
	m.RoomsEvicted(1)
	m.Frame("crdt")
	m.Frame("crdt")
	m.Frame("dropped")
	m.Flush(true, 4)
	m.Flush(false, 2)
	m.TokenRefresh(true)
	m.AuthRetry()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rooms))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.roomsEvicted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues("crdt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.frames.WithLabelValues("dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flushes.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flushes.WithLabelValues("failure")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.pendingFlushed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authRetries))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "collab_relay_frames_total")
	assert.Contains(t, names, "collab_relay_connections")
}

func TestNewWithoutRegisterer(t *testing.T) {
	m := New(nil)
	m.AuthRetry()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authRetries))
}
