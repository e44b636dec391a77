package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func TestToWebSocketURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080/ws/generation": "ws://localhost:8080/ws/generation",
		"https://example.com/ws":              "wss://example.com/ws",
		"ws://already/ws":                     "ws://already/ws",
	}
	for in, want := range tests {
		got, err := ToWebSocketURL(in)
		if err != nil {
			t.Fatalf("ToWebSocketURL(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ToWebSocketURL(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ToWebSocketURL("ftp://nope"); err == nil {
		t.Error("expected error for ftp scheme")
	}
}

func TestSockJSURL(t *testing.T) {
	got := SockJSURL("ws://h/ws/generation/")
	if !regexp.MustCompile(`^ws://h/ws/generation/\d{3}/[0-9a-f]{16}/websocket$`).MatchString(got) {
		t.Errorf("SockJSURL = %q", got)
	}
	if IdentityFromURL(got) == "" {
		t.Errorf("IdentityFromURL(%q) is empty", got)
	}
}

func TestWebSocketDialer_RawIdentityHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := http.Header{}
		hdr.Set(IdentityHeader, "conn-abc-123")
		c, err := testUpgrader.Upgrade(w, r, hdr)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"INFO"}`))
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	d := NewWebSocketDialer(WebSocketOptions{})
	conn, err := d.Dial(context.Background(), srv.URL+"/ws/generation")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if got := ResolveIdentity(conn, ""); got != "conn-abc-123" {
		t.Errorf("identity = %q, want conn-abc-123", got)
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(msg) != `{"type":"INFO"}` {
		t.Errorf("message = %q", msg)
	}
}

func TestWebSocketDialer_SockJS(t *testing.T) {
	paths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, SockJSOpenFrame())
		_ = c.WriteMessage(websocket.TextMessage, SockJSHeartbeatFrame())
		_ = c.WriteMessage(websocket.TextMessage, []byte(`a["unterminated`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`a[1,2]`))
		frame, _ := EncodeSockJSMessages([]byte("one"), []byte("two"))
		_ = c.WriteMessage(websocket.TextMessage, frame)
		_ = c.WriteMessage(websocket.TextMessage, EncodeSockJSClose(3000, "done"))
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	d := NewWebSocketDialer(WebSocketOptions{SockJS: true})
	conn, err := d.Dial(context.Background(), srv.URL+"/ws/generation")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	path := <-paths
	if !strings.HasPrefix(path, "/ws/generation/") || !strings.HasSuffix(path, "/websocket") {
		t.Errorf("path = %q", path)
	}
	want := IdentityFromURL(path)
	if got := ResolveIdentity(conn, ""); got != want {
		t.Errorf("identity = %q, want %q", got, want)
	}

	for _, want := range []string{"one", "two"} {
		msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if string(msg) != want {
			t.Errorf("message = %q, want %q", msg, want)
		}
	}

	_, err = conn.ReadMessage()
	var closeErr *SockJSCloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("err = %v, want SockJSCloseError", err)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "read" {
		t.Errorf("err = %v, want read TransportError", err)
	}
}

func TestWebSocketDialer_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	d := NewWebSocketDialer(WebSocketOptions{HandshakeTimeout: time.Second})
	_, err := d.Dial(context.Background(), srv.URL+"/ws/generation")
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "dial" {
		t.Fatalf("err = %v, want dial TransportError", err)
	}
}

func TestWebSocketConn_CloseIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	conn, err := NewWebSocketDialer(WebSocketOptions{PingInterval: 50 * time.Millisecond}).
		Dial(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := conn.ReadMessage(); err == nil {
		t.Error("ReadMessage after Close should fail")
	}
}
