package client

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/typerace/internal/protocol"
)

const (
	defaultMaxAttempts = 5
	writeTimeout       = 10 * time.Second
	eventBufferSize    = 64
)

// Transport is the minimal surface of a websocket connection the
// manager needs. *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc establishes a transport to the given websocket URL.
type DialFunc func(ctx context.Context, url string) (Transport, error)

func defaultDial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config configures a race connection.
type Config struct {
	// URL is the session-scoped websocket endpoint, e.g.
	// ws://host/api/ws/<gameID>.
	URL string

	// Dial overrides the websocket dialer. Defaults to the gorilla
	// dialer.
	Dial DialFunc

	// Clock drives reconnect backoff timers. Defaults to the real
	// clock.
	Clock clockwork.Clock

	// Notify receives user-facing connection notifications.
	Notify Notifier

	// MaxAttempts caps consecutive reconnect attempts before the
	// connection is declared lost. Defaults to 5.
	MaxAttempts int
}

// Conn is one logical connection to a race session. It dials the
// session endpoint, decodes inbound frames onto Events, and recovers
// from unexpected closes with linearly increasing backoff: attempt n
// waits n seconds, up to MaxAttempts attempts. A successful reconnect
// resets the counter; exhausting the budget surfaces a terminal
// "connection lost" notification exactly once. Close never triggers
// reconnection.
type Conn struct {
	url         string
	dial        DialFunc
	clock       clockwork.Clock
	notify      Notifier
	maxAttempts int

	events chan protocol.Message
	done   chan struct{}

	mu             sync.Mutex
	ws             Transport
	attempts       int
	closed         bool
	lostNotified   bool
	reconnectTimer clockwork.Timer
	ctx            context.Context
}

// New creates a connection manager for one session. Call Connect to
// establish the transport.
func New(cfg Config) *Conn {
	if cfg.Dial == nil {
		cfg.Dial = defaultDial
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Conn{
		url:         cfg.URL,
		dial:        cfg.Dial,
		clock:       cfg.Clock,
		notify:      cfg.Notify,
		maxAttempts: cfg.MaxAttempts,
		events:      make(chan protocol.Message, eventBufferSize),
		done:        make(chan struct{}),
	}
}

// Events delivers decoded inbound messages. Unknown message types and
// malformed frames are logged and never appear here.
func (c *Conn) Events() <-chan protocol.Message {
	return c.events
}

// Connect dials the session endpoint. A dial failure surfaces a
// notification and starts the reconnection policy rather than giving
// up, so callers treat the connection as live either way. The ctx
// bounds the connection's lifetime: cancelling it abandons any
// reconnect attempt in flight.
func (c *Conn) Connect(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.redial(ctx)
}

// Send encodes and transmits one outbound frame. When no transport is
// open the frame is dropped and a notification is surfaced; stale
// progress is useless after a reconnect because a fresh snapshot
// follows anyway.
func (c *Conn) Send(msgType protocol.MessageType, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(msgType)).Msg("failed to marshal outbound message")
		return
	}
	data, err := msg.Encode()
	if err != nil {
		log.Error().Err(err).Str("type", string(msgType)).Msg("failed to encode outbound frame")
		return
	}

	c.mu.Lock()
	ws := c.ws
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	if ws == nil {
		c.notify.notify(SeverityWarn, "Not connected to server")
		return
	}

	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Err(err).Str("type", string(msgType)).Msg("write failed, dropping connection")
		c.dropped(ws)
	}
}

// Close tears the connection down. It stops any pending reconnect
// timer, so a close followed by teardown schedules zero further
// attempts.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	timer := c.reconnectTimer
	c.reconnectTimer = nil
	c.mu.Unlock()

	close(c.done)
	if timer != nil {
		timer.Stop()
	}
	if ws != nil {
		ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		ws.Close()
	}
}

// redial attempts to establish the transport, feeding failures into the
// backoff policy.
func (c *Conn) redial(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ws, err := c.dial(ctx, c.url)
	if err != nil {
		log.Warn().Err(err).Str("url", c.url).Msg("dial failed")
		c.notify.notify(SeverityWarn, "Connection error. Attempting to reconnect...")
		c.scheduleReconnect(ctx)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return
	}
	reconnected := c.attempts > 0
	c.ws = ws
	c.attempts = 0
	c.lostNotified = false
	c.mu.Unlock()

	if reconnected {
		log.Info().Str("url", c.url).Msg("reconnected")
		c.notify.notify(SeverityInfo, "Reconnected")
	}
	go c.readLoop(ws)
}

// scheduleReconnect counts one failure and arms the next retry timer.
// Attempt n waits n seconds; past the cap it surfaces the terminal
// notification once and stops.
func (c *Conn) scheduleReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempts++
	if c.attempts > c.maxAttempts {
		alreadyNotified := c.lostNotified
		c.lostNotified = true
		c.mu.Unlock()
		if !alreadyNotified {
			log.Error().Str("url", c.url).Int("attempts", c.maxAttempts).Msg("reconnect attempts exhausted")
			c.notify.notify(SeverityError, "Connection lost. Please refresh the page.")
		}
		return
	}
	wait := time.Duration(c.attempts) * time.Second
	timer := c.clock.NewTimer(wait)
	c.reconnectTimer = timer
	attempt := c.attempts
	c.mu.Unlock()

	log.Debug().Int("attempt", attempt).Dur("wait", wait).Msg("scheduling reconnect")

	go func() {
		select {
		case <-timer.Chan():
			c.redial(ctx)
		case <-c.done:
		case <-ctx.Done():
			timer.Stop()
		}
	}()
}

// dropped handles an unexpected loss of the given transport. Stale
// transports that were already replaced are ignored so one failure is
// never counted twice.
func (c *Conn) dropped(ws Transport) {
	c.mu.Lock()
	if c.closed || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	ctx := c.ctx
	c.mu.Unlock()

	ws.Close()
	c.scheduleReconnect(ctx)
}

// readLoop pumps inbound frames from one transport until it fails.
// Decode failures are per-message and never fatal to the connection.
func (c *Conn) readLoop(ws Transport) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				log.Warn().Err(err).Msg("websocket read failed")
			}
			c.dropped(ws)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if !msg.Type.Known() {
			log.Debug().Str("type", string(msg.Type)).Msg("ignoring unknown message type")
			continue
		}

		select {
		case c.events <- msg:
		default:
			log.Warn().Str("type", string(msg.Type)).Msg("event buffer full, dropping message")
		}
	}
}
