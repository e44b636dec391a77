package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricochet1k/leostream/internal/dispatch"
	"github.com/ricochet1k/leostream/internal/transport"
	"github.com/ricochet1k/leostream/pkg/stream"
)

type fakeConn struct {
	id     string
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ResolveIdentity() (string, bool) { return c.id, c.id != "" }

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeTimers struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.delays = append(ft.delays, d)
	ft.fns = append(ft.fns, f)
	return fakeTimer{}
}

func (ft *fakeTimers) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.fns)
}

func (ft *fakeTimers) fire(i int) {
	ft.mu.Lock()
	f := ft.fns[i]
	ft.mu.Unlock()
	f()
}

func (ft *fakeTimers) scheduled() []time.Duration {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]time.Duration(nil), ft.delays...)
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []stream.ConnectionStatus
}

func (r *statusRecorder) record(s stream.ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) last() stream.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return stream.ConnectionStatus{}
	}
	return r.statuses[len(r.statuses)-1]
}

func newTestManager(t *testing.T, dialer transport.Dialer) (*Manager, *fakeTimers, *statusRecorder) {
	t.Helper()
	timers := &fakeTimers{}
	rec := &statusRecorder{}
	d := dispatch.NewDispatcher(nil)
	d.OnStatusChange(rec.record)
	m := NewManager(Options{
		URL:        "ws://test/ws/generation",
		Dialer:     dialer,
		Dispatcher: d,
		AfterFunc:  timers.AfterFunc,
	})
	t.Cleanup(m.Disconnect)
	return m, timers, rec
}

func TestManager_BackoffSchedule(t *testing.T) {
	var dials atomic.Int32
	dialer := transport.DialerFunc(func(context.Context, string) (transport.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	})
	m, timers, rec := newTestManager(t, dialer)

	err := m.Connect(context.Background())
	var te *transport.TransportError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, rec.last().Error, "connection error:")

	for i := 0; i < 5; i++ {
		require.Equal(t, i+1, timers.count())
		timers.fire(i)
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second,
	}, timers.scheduled())
	assert.Equal(t, int32(6), dials.Load())
	assert.False(t, m.ReconnectPending())
	assert.Equal(t, stream.ConnectionStatus{Connected: false, Error: "max reconnection attempts reached"}, rec.last())
}

func TestManager_ManualConnectAfterCapResetsAttempts(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	dialer := transport.DialerFunc(func(context.Context, string) (transport.Conn, error) {
		if fail.Load() {
			return nil, errors.New("down")
		}
		return newFakeConn("conn-1"), nil
	})
	m, timers, rec := newTestManager(t, dialer)

	_ = m.Connect(context.Background())
	for i := 0; i < 5; i++ {
		timers.fire(i)
	}
	require.Equal(t, 5, m.Attempts())

	fail.Store(false)
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 0, m.Attempts())
	assert.True(t, m.IsConnected())
	assert.Equal(t, "conn-1", m.Identity())
	assert.Equal(t, stream.ConnectionStatus{Connected: true}, rec.last())
}

func TestManager_ConcurrentConnectSharesDial(t *testing.T) {
	var dials atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	dialer := transport.DialerFunc(func(context.Context, string) (transport.Conn, error) {
		if dials.Add(1) == 1 {
			close(started)
		}
		<-release
		return newFakeConn("shared"), nil
	})
	m, _, _ := newTestManager(t, dialer)

	errs := make(chan error, 2)
	go func() { errs <- m.Connect(context.Background()) }()
	<-started
	go func() { errs <- m.Connect(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, "shared", m.Identity())

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, int32(1), dials.Load())
}

func TestManager_DisconnectDoesNotReconnect(t *testing.T) {
	conn := newFakeConn("conn-1")
	dialer := transport.DialerFunc(func(context.Context, string) (transport.Conn, error) {
		return conn, nil
	})
	m, timers, rec := newTestManager(t, dialer)

	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()

	assert.True(t, conn.isClosed())
	assert.False(t, m.IsConnected())
	assert.Empty(t, m.Identity())
	assert.Equal(t, stream.ConnectionStatus{Connected: false}, rec.last())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, timers.count())
}

func TestManager_DisconnectFromStatusHandlerAfterClose(t *testing.T) {
	conn := newFakeConn("conn-1")
	dialer := transport.DialerFunc(func(context.Context, string) (transport.Conn, error) {
		return conn, nil
	})
	m, timers, _ := newTestManager(t, dialer)
	require.NoError(t, m.Connect(context.Background()))

	var once sync.Once
	handled := make(chan struct{})
	m.Dispatcher().OnStatusChange(func(s stream.ConnectionStatus) {
		if !s.Connected {
			once.Do(func() {
				m.Disconnect()
				close(handled)
			})
		}
	})

	conn.Close()
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("status handler not called")
	}
	time.Sleep(20 * time.Millisecond)

	assert.False(t, m.ReconnectPending())
	assert.Equal(t, 0, timers.count())
	assert.False(t, m.IsConnected())
}

func TestManager_DisconnectFromStatusHandlerAfterDialError(t *testing.T) {
	dialer := transport.DialerFunc(func(context.Context, string) (transport.Conn, error) {
		return nil, errors.New("refused")
	})
	m, timers, _ := newTestManager(t, dialer)

	var once sync.Once
	m.Dispatcher().OnStatusChange(func(s stream.ConnectionStatus) {
		if s.Error != "" {
			once.Do(m.Disconnect)
		}
	})

	require.Error(t, m.Connect(context.Background()))
	assert.False(t, m.ReconnectPending())
	assert.Equal(t, 0, timers.count())
}

func TestManager_UnexpectedCloseReconnects(t *testing.T) {
	conns := []*fakeConn{newFakeConn("conn-1"), newFakeConn("conn-2")}
	var next atomic.Int32
	dialer := transport.DialerFunc(func(context.Context, string) (transport.Conn, error) {
		return conns[next.Add(1)-1], nil
	})
	m, timers, rec := newTestManager(t, dialer)

	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, "conn-1", m.Identity())

	conns[0].Close()
	require.Eventually(t, func() bool { return timers.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{time.Second}, timers.scheduled())
	assert.Empty(t, m.Identity())
	assert.Equal(t, stream.ConnectionStatus{Connected: false}, rec.last())

	timers.fire(0)
	assert.True(t, m.IsConnected())
	assert.Equal(t, "conn-2", m.Identity())
	assert.Equal(t, 0, m.Attempts())
	assert.False(t, m.ReconnectPending())
}

func TestManager_MalformedFrameDoesNotStopLoop(t *testing.T) {
	conn := newFakeConn("conn-1")
	dialer := transport.DialerFunc(func(context.Context, string) (transport.Conn, error) {
		return conn, nil
	})
	m, _, _ := newTestManager(t, dialer)

	got := make(chan stream.StreamEvent, 4)
	m.Dispatcher().OnEvent(func(ev stream.StreamEvent) { got <- ev })

	require.NoError(t, m.Connect(context.Background()))
	conn.frames <- []byte("not json")
	conn.frames <- []byte(`{"type":"BOGUS","sessionId":"s","timestamp":"t"}`)
	conn.frames <- []byte(`{"type":"INFO","sessionId":"s1","message":"hi","timestamp":"2024-01-01 10:00:00"}`)

	select {
	case ev := <-got:
		assert.Equal(t, stream.EventTypeInfo, ev.Type)
		assert.Equal(t, "hi", ev.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	assert.True(t, m.IsConnected())
}

func TestManager_LateDialAfterDisconnectIsDiscarded(t *testing.T) {
	conn := newFakeConn("late")
	started := make(chan struct{})
	release := make(chan struct{})
	dialer := transport.DialerFunc(func(context.Context, string) (transport.Conn, error) {
		close(started)
		<-release
		return conn, nil
	})
	m, timers, _ := newTestManager(t, dialer)

	errc := make(chan error, 1)
	go func() { errc <- m.Connect(context.Background()) }()
	<-started
	m.Disconnect()
	close(release)

	require.ErrorIs(t, <-errc, ErrDisconnected)
	assert.True(t, conn.isClosed())
	assert.False(t, m.IsConnected())
	assert.Equal(t, 0, timers.count())
}

func TestManager_ConnectWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	dialer := transport.DialerFunc(func(context.Context, string) (transport.Conn, error) {
		<-release
		return nil, errors.New("too late")
	})
	m, _, _ := newTestManager(t, dialer)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Connect(ctx), context.DeadlineExceeded)
}
