package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

// IdentityHeader carries the server-assigned connection id on the upgrade
// response of the raw websocket endpoint.
const IdentityHeader = "X-Session-Id"

type WebSocketOptions struct {
	// SockJS makes the dialer pick /<server>/<session>/websocket below the
	// endpoint and speak SockJS framing.
	SockJS           bool
	PingInterval     time.Duration
	ReadLimit        int64
	HandshakeTimeout time.Duration
	Header           http.Header
	Logger           hclog.Logger
}

type WebSocketDialer struct {
	opts   WebSocketOptions
	dialer *websocket.Dialer
}

func NewWebSocketDialer(opts WebSocketOptions) *WebSocketDialer {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 4 * 1024 * 1024
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &WebSocketDialer{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	wireURL, err := ToWebSocketURL(endpoint)
	if err != nil {
		return nil, &TransportError{Op: "dial", URL: endpoint, Err: err}
	}
	if d.opts.SockJS {
		wireURL = SockJSURL(wireURL)
	}

	c, resp, err := d.dialer.DialContext(ctx, wireURL, d.opts.Header)
	if err != nil {
		return nil, &TransportError{Op: "dial", URL: wireURL, Err: err}
	}

	conn := &wsConn{
		c:            c,
		url:          endpoint,
		transportURL: wireURL,
		sockJS:       d.opts.SockJS,
		props:        make(map[string]string),
		done:         make(chan struct{}),
		log:          d.opts.Logger,
	}
	if resp != nil {
		for k, v := range resp.Header {
			if len(v) > 0 {
				conn.props[k] = v[0]
			}
		}
	}
	c.SetReadLimit(d.opts.ReadLimit)

	if d.opts.SockJS {
		if err := conn.expectOpenFrame(); err != nil {
			_ = conn.Close()
			return nil, &TransportError{Op: "open", URL: wireURL, Err: err}
		}
	}
	if d.opts.PingInterval > 0 {
		conn.startPing(d.opts.PingInterval, d.opts.Logger)
	}
	return conn, nil
}

// ToWebSocketURL rewrites http(s) URLs to ws(s).
func ToWebSocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// SockJSURL appends a random server id and session token the way SockJS
// clients do.
func SockJSURL(endpoint string) string {
	server := rand.IntN(1000)
	session := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return fmt.Sprintf("%s/%03d/%s/websocket", strings.TrimRight(endpoint, "/"), server, session)
}

type wsConn struct {
	c            *websocket.Conn
	url          string
	transportURL string
	sockJS       bool
	props        map[string]string
	log          hclog.Logger

	pending [][]byte

	mu     sync.Mutex // guards writes and closed
	closed bool
	done   chan struct{}
}

var (
	_ IdentityResolver = (*wsConn)(nil)
	_ URLSource        = (*wsConn)(nil)
	_ PropertySource   = (*wsConn)(nil)
)

func (wc *wsConn) ResolveIdentity() (string, bool) {
	id, ok := wc.props[http.CanonicalHeaderKey(IdentityHeader)]
	return id, ok && id != ""
}

func (wc *wsConn) URL() string          { return wc.url }
func (wc *wsConn) TransportURL() string { return wc.transportURL }

func (wc *wsConn) Properties() map[string]string {
	out := make(map[string]string, len(wc.props))
	for k, v := range wc.props {
		out[k] = v
	}
	return out
}

func (wc *wsConn) ReadMessage() ([]byte, error) {
	if !wc.sockJS {
		_, data, err := wc.c.ReadMessage()
		if err != nil {
			return nil, &TransportError{Op: "read", URL: wc.transportURL, Err: err}
		}
		return data, nil
	}

	for len(wc.pending) == 0 {
		_, frame, err := wc.c.ReadMessage()
		if err != nil {
			return nil, &TransportError{Op: "read", URL: wc.transportURL, Err: err}
		}
		msgs, err := DecodeSockJSFrame(frame)
		var closeErr *SockJSCloseError
		if errors.As(err, &closeErr) {
			return nil, &TransportError{Op: "read", URL: wc.transportURL, Err: err}
		}
		if err != nil {
			wc.log.Warn("dropping malformed sockjs frame", "url", wc.transportURL, "error", err)
			continue
		}
		wc.pending = append(wc.pending, msgs...)
	}
	msg := wc.pending[0]
	wc.pending = wc.pending[1:]
	return msg, nil
}

func (wc *wsConn) expectOpenFrame() error {
	_ = wc.c.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer wc.c.SetReadDeadline(time.Time{})

	_, frame, err := wc.c.ReadMessage()
	if err != nil {
		return err
	}
	if string(frame) != sockJSOpenFrame {
		return fmt.Errorf("expected sockjs open frame, got %q", frame)
	}
	return nil
}

func (wc *wsConn) Close() error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return nil
	}
	wc.closed = true
	close(wc.done)
	_ = wc.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return wc.c.Close()
}

// startPing sends a ping every interval until the connection is closed. A
// missing pong for two intervals fails the next read.
func (wc *wsConn) startPing(interval time.Duration, logger hclog.Logger) {
	deadline := func() time.Time { return time.Now().Add(2 * interval) }
	_ = wc.c.SetReadDeadline(deadline())
	wc.c.SetPongHandler(func(string) error {
		return wc.c.SetReadDeadline(deadline())
	})

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-wc.done:
				return
			case <-t.C:
				wc.mu.Lock()
				if wc.closed {
					wc.mu.Unlock()
					return
				}
				err := wc.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				wc.mu.Unlock()
				if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
					logger.Debug("ping failed", "url", wc.transportURL, "error", err)
				}
			}
		}
	}()
}
