package liveness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nfc-relay/internal/protocol"
)

type fakeConn struct {
	mu         sync.Mutex
	connected  bool
	connects   int
	reconnects int
	probes     int
	rtt        time.Duration
	probeErr   error
	connectErr error
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *fakeConn) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
}

func (c *fakeConn) reconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func (c *fakeConn) Probe(context.Context) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes++
	return c.rtt, c.probeErr
}

func (c *fakeConn) counts() (connects, probes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.probes
}

func TestShouldReconnect(t *testing.T) {
	tests := map[string]bool{
		protocol.ReasonServerDisconnect: true,
		protocol.ReasonTransportClose:   true,
		protocol.ReasonClientDisconnect: false,
		protocol.ReasonClientNamespace:  false,
		protocol.ReasonPingTimeout:      false,
		"":                              false,
	}
	for reason, want := range tests {
		assert.Equal(t, want, ShouldReconnect(reason), reason)
	}
}

// TestReconnectOnTransportClose tests the delayed reconnect after a server close
func TestReconnectOnTransportClose(t *testing.T) {
	conn := &fakeConn{}
	m := New(conn, Options{ReconnectDelay: 20 * time.Millisecond})
	defer m.Stop()

	m.HandleDisconnect(protocol.ReasonTransportClose)

	assert.Equal(t, protocol.ReasonTransportClose, m.LastReason())
	assert.Eventually(t, func() bool {
		connects, _ := conn.counts()
		return connects == 1
	}, time.Second, 5*time.Millisecond)
}

func TestNoReconnectOnClientClose(t *testing.T) {
	conn := &fakeConn{}
	m := New(conn, Options{ReconnectDelay: 10 * time.Millisecond})
	defer m.Stop()

	m.HandleDisconnect(protocol.ReasonClientNamespace)
	m.HandleDisconnect(protocol.ReasonClientDisconnect)

	assert.Never(t, func() bool {
		connects, _ := conn.counts()
		return connects > 0
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestRepeatedDisconnectSchedulesOnce(t *testing.T) {
	conn := &fakeConn{}
	m := New(conn, Options{ReconnectDelay: 30 * time.Millisecond})
	defer m.Stop()

	m.HandleDisconnect(protocol.ReasonServerDisconnect)
	m.HandleDisconnect(protocol.ReasonServerDisconnect)

	time.Sleep(120 * time.Millisecond)
	connects, _ := conn.counts()
	assert.Equal(t, 1, connects)
}

func TestStopCancelsScheduledReconnect(t *testing.T) {
	conn := &fakeConn{}
	m := New(conn, Options{ReconnectDelay: 30 * time.Millisecond})

	m.HandleDisconnect(protocol.ReasonTransportClose)
	m.Stop()
	m.HandleDisconnect(protocol.ReasonTransportClose)

	time.Sleep(80 * time.Millisecond)
	connects, _ := conn.counts()
	assert.Equal(t, 0, connects)
}

func TestProbeRecordsSample(t *testing.T) {
	conn := &fakeConn{connected: true, rtt: 42 * time.Millisecond}
	var got []LatencySample
	m := New(conn, Options{OnSample: func(s LatencySample) { got = append(got, s) }})

	sample, ok := m.Probe(context.Background())
	require.True(t, ok)
	assert.Equal(t, int64(42), sample.Millis())
	assert.False(t, sample.RequestSentAt.IsZero())
	assert.Len(t, got, 1)

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, sample, latest)

	m.HandleDisconnect(protocol.ReasonClientDisconnect)
	_, ok = m.Latest()
	assert.False(t, ok, "latency is cleared on disconnect")
}

func TestProbeSkippedWhenDisconnected(t *testing.T) {
	conn := &fakeConn{}
	m := New(conn, Options{})

	_, ok := m.Probe(context.Background())
	assert.False(t, ok)
	_, probes := conn.counts()
	assert.Equal(t, 0, probes)
}

func TestProbeFailure(t *testing.T) {
	conn := &fakeConn{connected: true, probeErr: errors.New("timeout")}
	m := New(conn, Options{})

	_, ok := m.Probe(context.Background())
	assert.False(t, ok)
	_, ok = m.Latest()
	assert.False(t, ok)
}

func TestRunProbesOnInterval(t *testing.T) {
	conn := &fakeConn{connected: true, rtt: time.Millisecond}
	m := New(conn, Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, probes := conn.counts()
		return probes >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestResume(t *testing.T) {
	t.Run("reconnects when offline", func(t *testing.T) {
		conn := &fakeConn{}
		m := New(conn, Options{})

		require.NoError(t, m.Resume(context.Background()))
		connects, probes := conn.counts()
		assert.Equal(t, 1, connects)
		assert.Equal(t, 1, probes)
	})

	t.Run("only probes when online", func(t *testing.T) {
		conn := &fakeConn{connected: true}
		m := New(conn, Options{})

		require.NoError(t, m.Resume(context.Background()))
		connects, probes := conn.counts()
		assert.Equal(t, 0, connects)
		assert.Equal(t, 1, probes)
	})

	t.Run("reports connect failure and backs off", func(t *testing.T) {
		conn := &fakeConn{connectErr: errors.New("refused")}
		m := New(conn, Options{})

		assert.Error(t, m.Resume(context.Background()))
		assert.Equal(t, 1, conn.reconnectCount())
	})
}

func TestFailedScheduledReconnectBacksOff(t *testing.T) {
	conn := &fakeConn{connectErr: errors.New("refused")}
	m := New(conn, Options{ReconnectDelay: 10 * time.Millisecond})
	defer m.Stop()

	m.HandleDisconnect(protocol.ReasonServerDisconnect)

	require.Eventually(t, func() bool { return conn.reconnectCount() == 1 }, time.Second, 5*time.Millisecond)
	connects, _ := conn.counts()
	assert.Equal(t, 1, connects)
}

func TestScheduledReconnectSuccessNeedsNoBackoff(t *testing.T) {
	conn := &fakeConn{}
	m := New(conn, Options{ReconnectDelay: 10 * time.Millisecond})
	defer m.Stop()

	m.HandleDisconnect(protocol.ReasonTransportClose)

	require.Eventually(t, conn.Connected, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return conn.reconnectCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}
