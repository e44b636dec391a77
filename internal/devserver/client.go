package devserver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ricochet1k/leostream/internal/transport"
	"github.com/ricochet1k/leostream/pkg/stream"
)

const (
	outboundBufferSize = 256
	writeWait          = 5 * time.Second
)

// Client is one websocket connection. Topics are generation session ids.
type Client struct {
	id     string
	conn   *websocket.Conn
	sockJS bool
	send   chan []byte
	done   chan struct{}
	close  sync.Once

	mu     sync.RWMutex
	topics map[string]struct{}
}

func NewClient(id string, conn *websocket.Conn, sockJS bool) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		sockJS: sockJS,
		send:   make(chan []byte, outboundBufferSize),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Queue frames ev for the write loop. It returns false when the client is
// closed or its buffer is full.
func (c *Client) Queue(ev stream.StreamEvent) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	if c.sockJS {
		if payload, err = transport.EncodeSockJSMessages(payload); err != nil {
			return false
		}
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// WriteLoop drains the send queue until the client closes. SockJS clients
// also get a heartbeat frame every heartbeat interval.
func (c *Client) WriteLoop(heartbeat time.Duration) {
	var tick <-chan time.Time
	if c.sockJS && heartbeat > 0 {
		t := time.NewTicker(heartbeat)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.Close()
				return
			}
		case <-tick:
			if err := c.write(transport.SockJSHeartbeatFrame()); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Client) write(msg []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *Client) Close() {
	c.close.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) Subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topic] = struct{}{}
}

func (c *Client) Unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, topic)
}

func (c *Client) IsSubscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok
}
