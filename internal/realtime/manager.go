// Package realtime owns the single persistent event connection: opening it,
// reading frames into the dispatcher and reconnecting after failures.
package realtime

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"

	"github.com/ricochet1k/leostream/internal/dispatch"
	"github.com/ricochet1k/leostream/internal/transport"
	"github.com/ricochet1k/leostream/pkg/stream"
)

var (
	ErrMaxReconnectAttempts = errors.New("max reconnection attempts reached")
	// ErrDisconnected is returned by a connect attempt that completed after
	// Disconnect was called.
	ErrDisconnected = errors.New("realtime: disconnected")
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5
)

// Timer is a pending reconnect. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

type Options struct {
	URL         string
	BaseDelay   time.Duration
	MaxAttempts int
	Dialer      transport.Dialer
	Dispatcher  *dispatch.Dispatcher
	Logger      hclog.Logger

	// AfterFunc schedules reconnects. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
	Now       func() time.Time
}

type Manager struct {
	opts       Options
	log        hclog.Logger
	dispatcher *dispatch.Dispatcher
	backoff    *Backoff
	flights    singleflight.Group

	mu         sync.Mutex
	conn       transport.Conn
	identity   string
	status     stream.ConnectionStatus
	timer      Timer
	epoch      uint64
	dialCtx    context.Context
	dialCancel context.CancelFunc
}

func NewManager(opts Options) *Manager {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = dispatch.NewDispatcher(opts.Logger)
	}
	if opts.Dialer == nil {
		opts.Dialer = transport.NewWebSocketDialer(transport.WebSocketOptions{Logger: opts.Logger})
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		opts:       opts,
		log:        opts.Logger,
		dispatcher: opts.Dispatcher,
		backoff:    NewBackoff(opts.BaseDelay, opts.MaxAttempts),
	}
	m.dialCtx, m.dialCancel = context.WithCancel(context.Background())
	return m
}

func (m *Manager) Dispatcher() *dispatch.Dispatcher {
	return m.dispatcher
}

// Connect opens the connection if it is not already open. Concurrent calls
// share one dial and its result. ctx bounds only the wait, not the dial.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	if m.backoff.Exhausted() {
		m.backoff.Reset()
	}
	epoch := m.epoch
	m.mu.Unlock()

	return m.join(ctx, epoch)
}

func (m *Manager) join(ctx context.Context, epoch uint64) error {
	ch := m.flights.DoChan(strconv.FormatUint(epoch, 10), func() (any, error) {
		return nil, m.dial(epoch)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) dial(epoch uint64) error {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return ErrDisconnected
	}
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	ctx := m.dialCtx
	m.mu.Unlock()

	m.log.Debug("connecting", "url", m.opts.URL, "attempt", m.backoff.Attempts())
	conn, err := m.opts.Dialer.Dial(ctx, m.opts.URL)
	if err != nil {
		var te *transport.TransportError
		if !errors.As(err, &te) {
			err = &transport.TransportError{Op: "dial", URL: m.opts.URL, Err: err}
		}
		if !m.current(epoch) {
			return ErrDisconnected
		}
		m.log.Error("connection failed", "url", m.opts.URL, "error", err)
		m.setStatus(stream.ConnectionStatus{Connected: false, Error: "connection error: " + err.Error()})
		m.scheduleReconnect(epoch)
		return err
	}

	identity := transport.ResolveIdentity(conn, m.opts.URL)

	m.mu.Lock()
	if epoch != m.epoch || m.conn != nil {
		stale := epoch != m.epoch
		m.mu.Unlock()
		_ = conn.Close()
		if stale {
			return ErrDisconnected
		}
		return nil
	}
	m.conn = conn
	m.identity = identity
	m.stopTimerLocked()
	m.backoff.Reset()
	m.mu.Unlock()

	m.log.Info("connected", "url", m.opts.URL, "identity", identity)
	m.setStatus(stream.ConnectionStatus{Connected: true})
	go m.readLoop(conn)
	return nil
}

func (m *Manager) current(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return epoch == m.epoch
}

// Disconnect closes the connection and cancels any pending reconnect. It
// never triggers a reconnect itself.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	m.stopTimerLocked()
	m.dialCancel()
	m.dialCtx, m.dialCancel = context.WithCancel(context.Background())
	conn := m.conn
	m.conn = nil
	m.identity = ""
	m.backoff.Reset()
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Debug("close failed", "error", err)
		}
	}
	m.log.Info("disconnected", "url", m.opts.URL)
	m.setStatus(stream.ConnectionStatus{Connected: false})
}

func (m *Manager) readLoop(conn transport.Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, err)
			return
		}

		ev, err := stream.DecodeEvent(raw)
		if err != nil {
			m.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		if ts, ok := ev.ParseTimestamp(); ok {
			m.log.Debug("event received", "type", ev.Type, "session", ev.SessionID, "latency", m.opts.Now().Sub(ts))
		}
		m.dispatcher.PublishEvent(ev)
	}
}

func (m *Manager) handleClose(conn transport.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.identity = ""
	epoch := m.epoch
	m.mu.Unlock()

	_ = conn.Close()
	m.log.Warn("connection closed", "url", m.opts.URL, "error", err)
	m.setStatus(stream.ConnectionStatus{Connected: false})
	m.scheduleReconnect(epoch)
}

// scheduleReconnect arms the reconnect timer for epoch. A Disconnect since
// epoch was observed cancels it.
func (m *Manager) scheduleReconnect(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.timer != nil || m.conn != nil {
		m.mu.Unlock()
		return
	}
	delay, ok := m.backoff.Next()
	if !ok {
		m.mu.Unlock()
		m.log.Error("giving up on reconnect", "attempts", m.backoff.MaxAttempts(), "error", ErrMaxReconnectAttempts)
		m.setStatus(stream.ConnectionStatus{Connected: false, Error: ErrMaxReconnectAttempts.Error()})
		return
	}
	m.timer = m.opts.AfterFunc(delay, func() { m.reconnect(epoch) })
	attempt := m.backoff.Attempts()
	m.mu.Unlock()

	m.log.Info("reconnect scheduled", "attempt", attempt, "max", m.backoff.MaxAttempts(), "delay", delay)
}

func (m *Manager) reconnect(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	if err := m.join(context.Background(), epoch); err != nil && !errors.Is(err, ErrDisconnected) {
		m.log.Warn("reconnect failed", "attempt", m.backoff.Attempts(), "error", err)
	}
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStatus(status stream.ConnectionStatus) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
	m.dispatcher.PublishStatus(status)
}

func (m *Manager) Status() stream.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Identity returns the transport identity of the open connection, or "".
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

func (m *Manager) Attempts() int {
	return m.backoff.Attempts()
}

// ReconnectPending reports whether a reconnect timer is armed.
func (m *Manager) ReconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}
