package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/typerace/internal/protocol"
)

// fakeTransport is a scriptable Transport. Reads block until a frame is
// queued or the transport fails.
type fakeTransport struct {
	mu     sync.Mutex
	frames chan []byte
	errCh  chan error
	closed bool
	writes [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan []byte, 16),
		errCh:  make(chan error, 1),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.frames:
		return 1, data, nil
	case err := <-f.errCh:
		return 0, nil, err
	}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("transport closed")
	}
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeTransport) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		select {
		case f.errCh <- errors.New("use of closed connection"):
		default:
		}
	}
	return nil
}

func (f *fakeTransport) fail() {
	f.errCh <- errors.New("connection reset")
}

// notificationRecorder captures notifications on a channel so tests can
// wait on them.
type notificationRecorder struct {
	ch chan Notification
}

func newNotificationRecorder() *notificationRecorder {
	return &notificationRecorder{ch: make(chan Notification, 32)}
}

func (r *notificationRecorder) notifier() Notifier {
	return func(n Notification) { r.ch <- n }
}

func (r *notificationRecorder) next(t *testing.T) Notification {
	t.Helper()
	select {
	case n := <-r.ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func expectDial(t *testing.T, dials <-chan struct{}) {
	t.Helper()
	select {
	case <-dials:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial attempt")
	}
}

func expectNoDial(t *testing.T, dials <-chan struct{}) {
	t.Helper()
	select {
	case <-dials:
		t.Fatal("unexpected dial attempt")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconnectLinearBackoffAndTerminalNotification(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newNotificationRecorder()
	dials := make(chan struct{}, 16)

	dial := func(ctx context.Context, url string) (Transport, error) {
		dials <- struct{}{}
		return nil, errors.New("connection refused")
	}

	conn := New(Config{URL: "ws://test/api/ws/g1", Dial: dial, Clock: clock, Notify: rec.notifier()})
	defer conn.Close()

	conn.Connect(context.Background())
	expectDial(t, dials) // initial attempt, fails

	// Failures 1..5 each schedule a retry waiting failure-count
	// seconds. Advancing one second short of the wait must not fire
	// the retry.
	for attempt := 1; attempt <= 5; attempt++ {
		clock.BlockUntil(1)
		if attempt > 1 {
			clock.Advance(time.Duration(attempt)*time.Second - time.Second)
			expectNoDial(t, dials)
			clock.Advance(time.Second)
		} else {
			clock.Advance(time.Second)
		}
		expectDial(t, dials)
	}

	// Sixth consecutive failure: terminal notification, no timer.
	var terminal int
	deadline := time.After(2 * time.Second)
	for terminal == 0 {
		select {
		case n := <-rec.ch:
			if n.Severity == SeverityError {
				terminal++
			}
		case <-deadline:
			t.Fatal("terminal notification never fired")
		}
	}

	clock.Advance(time.Minute)
	expectNoDial(t, dials)

	// Exactly once.
	for {
		select {
		case n := <-rec.ch:
			if n.Severity == SeverityError {
				t.Fatal("terminal notification fired more than once")
			}
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func TestReconnectResetsAttemptCounter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newNotificationRecorder()
	dials := make(chan struct{}, 16)

	var mu sync.Mutex
	var failNext bool
	var current *fakeTransport

	dial := func(ctx context.Context, url string) (Transport, error) {
		dials <- struct{}{}
		mu.Lock()
		defer mu.Unlock()
		if failNext {
			failNext = false
			return nil, errors.New("connection refused")
		}
		current = newFakeTransport()
		return current, nil
	}

	conn := New(Config{URL: "ws://test/api/ws/g1", Dial: dial, Clock: clock, Notify: rec.notifier()})
	defer conn.Close()

	conn.Connect(context.Background())
	expectDial(t, dials)

	// Drop the live transport; first reconnect fails, second lands.
	mu.Lock()
	ws := current
	failNext = true
	mu.Unlock()
	ws.fail()

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	expectDial(t, dials) // attempt 1, fails

	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)
	expectDial(t, dials) // attempt 2, succeeds

	// A later drop starts over at a one-second wait, proving the
	// counter reset on success.
	mu.Lock()
	ws = current
	mu.Unlock()
	ws.fail()

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	expectDial(t, dials)
}

func TestCloseSchedulesNoReconnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dials := make(chan struct{}, 16)

	var mu sync.Mutex
	var current *fakeTransport
	dial := func(ctx context.Context, url string) (Transport, error) {
		dials <- struct{}{}
		mu.Lock()
		defer mu.Unlock()
		current = newFakeTransport()
		return current, nil
	}

	conn := New(Config{URL: "ws://test/api/ws/g1", Dial: dial, Clock: clock})
	conn.Connect(context.Background())
	expectDial(t, dials)

	conn.Close()

	clock.Advance(time.Minute)
	expectNoDial(t, dials)

	mu.Lock()
	if !current.closed {
		t.Fatal("transport not closed on Close")
	}
	mu.Unlock()
}

func TestCloseAbandonsPendingReconnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dials := make(chan struct{}, 16)

	dial := func(ctx context.Context, url string) (Transport, error) {
		dials <- struct{}{}
		return nil, errors.New("connection refused")
	}

	conn := New(Config{URL: "ws://test/api/ws/g1", Dial: dial, Clock: clock})
	conn.Connect(context.Background())
	expectDial(t, dials)

	// A retry timer is armed; Close must stop it.
	clock.BlockUntil(1)
	conn.Close()
	clock.Advance(time.Minute)
	expectNoDial(t, dials)
}

func TestSendWhileDisconnectedSurfacesNotification(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newNotificationRecorder()

	conn := New(Config{URL: "ws://test/api/ws/g1", Clock: clock, Notify: rec.notifier()})
	// Never connected: sends drop with a notification instead of
	// queuing or panicking.
	conn.Send(protocol.TypeProgress, protocol.ProgressPayload{PlayerID: "p1"})

	n := rec.next(t)
	if n.Severity != SeverityWarn {
		t.Fatalf("severity = %s, want warn", n.Severity)
	}
}

func TestInboundFramesDelivered(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dials := make(chan struct{}, 16)

	ws := newFakeTransport()
	dial := func(ctx context.Context, url string) (Transport, error) {
		dials <- struct{}{}
		return ws, nil
	}

	conn := New(Config{URL: "ws://test/api/ws/g1", Dial: dial, Clock: clock})
	defer conn.Close()
	conn.Connect(context.Background())
	expectDial(t, dials)

	// Malformed frame and unknown type are skipped; the valid frame
	// behind them still comes through.
	ws.frames <- []byte(`{broken`)
	ws.frames <- []byte(`{"type":"ping","payload":{}}`)
	ws.frames <- []byte(`{"type":"gameEnded","payload":{"gameId":"g1"}}`)

	select {
	case msg := <-conn.Events():
		if msg.Type != protocol.TypeGameEnded {
			t.Fatalf("type = %s, want gameEnded", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound event")
	}
}

func TestSendOnLiveTransport(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dials := make(chan struct{}, 16)

	ws := newFakeTransport()
	dial := func(ctx context.Context, url string) (Transport, error) {
		dials <- struct{}{}
		return ws, nil
	}

	conn := New(Config{URL: "ws://test/api/ws/g1", Dial: dial, Clock: clock})
	defer conn.Close()
	conn.Connect(context.Background())
	expectDial(t, dials)

	conn.Send(protocol.TypeProgress, protocol.ProgressPayload{PlayerID: "p1", CharactersTyped: 10})

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(ws.writes))
	}
	msg, err := protocol.Decode(ws.writes[0])
	if err != nil {
		t.Fatalf("decode written frame: %v", err)
	}
	if msg.Type != protocol.TypeProgress {
		t.Fatalf("type = %s, want progress", msg.Type)
	}
}
