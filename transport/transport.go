// Package transport implements the signaling transport: a persistent
// websocket carrying either named chat events or raw video signaling
// frames. Exactly one Conn exists per logical session.
package transport

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/tutorlink/go-classroom/stats"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var (
	// ErrNotConnected is returned by Send when the connection is
	// closed. The message is dropped, never queued for retry.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrSendBufferFull is returned when the outbound queue is full.
	ErrSendBufferFull = errors.New("transport: send buffer full")
)

// Envelope frames a named chat event on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// HandlerFunc receives the data payload of a named event.
type HandlerFunc func(data json.RawMessage)

// RawHandlerFunc receives whole frames for connections that do not use
// the event envelope (the video signaling socket).
type RawHandlerFunc func(frame []byte)

// Sender is the outbound half of a Conn, used by the chat engine.
type Sender interface {
	Send(event string, data any) error
}

type Conn struct {
	url    string
	log    *log.Logger
	dialer *websocket.Dialer
	stats  stats.Provider

	// maxReconnectWait bounds the total time spent re-dialing after a
	// read failure. Zero disables reconnection entirely.
	maxReconnectWait time.Duration
	onReconnect      func()

	mu         sync.Mutex
	ws         *websocket.Conn
	closed     bool
	handlers   map[string]HandlerFunc
	rawHandler RawHandlerFunc

	send     chan []byte
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type Option func(*Conn)

func WithLogger(l *log.Logger) Option {
	return func(c *Conn) { c.log = l }
}

// WithReconnect enables bounded reconnect-with-backoff after a read
// failure. The connection gives up once maxWait has elapsed.
func WithReconnect(maxWait time.Duration) Option {
	return func(c *Conn) { c.maxReconnectWait = maxWait }
}

// WithOnReconnect registers a hook invoked after a successful
// reconnect, typically to re-register the user.
func WithOnReconnect(fn func()) Option {
	return func(c *Conn) { c.onReconnect = fn }
}

func WithStats(sp stats.Provider) Option {
	return func(c *Conn) { c.stats = sp }
}

// Dial connects to a signaling endpoint and starts the read and write
// pumps.
func Dial(url string, opts ...Option) (*Conn, error) {
	c := &Conn{
		url:      url,
		log:      log.New(os.Stderr, "[transport] ", log.LstdFlags),
		dialer:   websocket.DefaultDialer,
		handlers: make(map[string]HandlerFunc),
		send:     make(chan []byte, 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	ws, _, err := c.dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	c.ws = ws

	go c.readPump()
	go c.writePump()

	return c, nil
}

// Handle registers a handler for a named event. Handlers are invoked
// sequentially from the read pump in arrival order.
func (c *Conn) Handle(event string, h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// HandleRaw registers a handler for whole frames, bypassing the event
// envelope.
func (c *Conn) HandleRaw(h RawHandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rawHandler = h
}

// Send marshals data into an event envelope and queues it for writing.
func (c *Conn) Send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return err
	}

	return c.enqueue(frame)
}

// SendRaw marshals v directly, without the envelope.
func (c *Conn) SendRaw(v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return c.enqueue(frame)
}

func (c *Conn) enqueue(frame []byte) error {
	if c.isClosed() {
		c.log.Println("cannot send message, connection is closed")
		return ErrNotConnected
	}

	select {
	case c.send <- frame:
		return nil
	default:
		c.log.Println("failed to queue message, send buffer is full")
		return ErrSendBufferFull
	}
}

func (c *Conn) conn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) readPump() {
	for {
		ws := c.conn()

		ws.SetReadLimit(maxMessageSize)
		ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(appData string) error { ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })

		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
					websocket.CloseNormalClosure) {
					c.log.Printf("ws: read: %v", err)
				}
				break
			}

			c.dispatch(raw)
		}

		if c.isClosed() {
			return
		}

		if !c.reconnect() {
			c.shutdown()
			return
		}

		if c.stats != nil {
			c.stats.Incr(stats.TransportReconnects)
		}
		if c.onReconnect != nil {
			c.onReconnect()
		}
	}
}

func (c *Conn) reconnect() bool {
	if c.maxReconnectWait <= 0 {
		return false
	}

	c.log.Printf("connection to %s lost, reconnecting", c.url)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxReconnectWait

	var ws *websocket.Conn
	err := backoff.Retry(func() error {
		if c.isClosed() {
			return backoff.Permanent(ErrNotConnected)
		}
		var err error
		ws, _, err = c.dialer.Dial(c.url, nil)
		return err
	}, bo)
	if err != nil {
		c.log.Printf("reconnect to %s failed: %v", c.url, err)
		return false
	}

	c.mu.Lock()
	old := c.ws
	c.ws = ws
	c.mu.Unlock()
	old.Close()

	c.log.Printf("reconnected to %s", c.url)
	return true
}

func (c *Conn) dispatch(raw []byte) {
	c.mu.Lock()
	rawHandler := c.rawHandler
	c.mu.Unlock()

	if rawHandler != nil {
		rawHandler(raw)
		return
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Printf("error parsing message: %v", err)
		return
	}

	c.mu.Lock()
	h := c.handlers[env.Event]
	c.mu.Unlock()

	if h == nil {
		c.log.Printf("no handler for event %q", env.Event)
		return
	}

	h(env.Data)
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case frame := <-c.send:
			if !c.writeMessage(websocket.TextMessage, frame) {
				return
			}
		case <-ticker.C:
			if !c.writeMessage(websocket.PingMessage, nil) {
				return
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Conn) writeMessage(msgType int, msg []byte) bool {
	ws := c.conn()
	ws.SetWriteDeadline(time.Now().Add(writeWait))

	if err := ws.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		// the read pump owns reconnection, keep the pump alive
		return !c.isClosed()
	}

	return true
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.stopOnce.Do(func() {
		close(c.stop)
		close(c.done)
	})
}

// Close tears the connection down. It is safe to call more than once.
func (c *Conn) Close() error {
	c.shutdown()
	return c.conn().Close()
}

// Done is closed once the connection has shut down for good.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
