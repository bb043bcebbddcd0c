package client

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/typerace/internal/metrics"
	"github.com/mcdev12/typerace/internal/protocol"
	"github.com/mcdev12/typerace/internal/race"
)

const progressPushInterval = time.Second

// RaceTransport is what the controller needs from a connection: typed
// sends and decoded inbound events. *Conn satisfies it.
type RaceTransport interface {
	Send(msgType protocol.MessageType, payload any)
	Events() <-chan protocol.Message
}

// ControllerConfig configures a race controller.
type ControllerConfig struct {
	// Session is the local view to drive. It should already contain
	// the reference text and the local participant's row.
	Session *race.Session

	// SelfID is the locally-owned participant. Their row is never
	// regressed by server snapshots.
	SelfID string

	// Transport carries protocol messages to and from the server.
	Transport RaceTransport

	// Clock drives the countdown and progress-push tickers. Defaults
	// to the real clock.
	Clock clockwork.Clock

	// Notify receives user-facing notifications (application errors
	// from the server, connection events).
	Notify Notifier

	// StartCountdownSec is an optional local pre-race countdown. When
	// zero the race starts only on the server's signal.
	StartCountdownSec int

	// RaceDurationSec is the race clock. Defaults to 60. A server
	// gameStarted event carrying its own duration overrides it.
	RaceDurationSec int

	// OnFinish fires exactly once when this client's view reaches the
	// finished state, whichever trigger lands first. It runs under the
	// controller's lock and must not call back into the controller.
	OnFinish func()
}

// Controller owns one client's view of a race. Keystrokes recompute
// metrics synchronously; a one-second ticker rate-limits outbound
// progress; a second ticker runs the optimistic countdown; inbound
// server events are merged under the policy that the server owns
// session-wide status and other players' rows while the local
// transcript owns the local row.
type Controller struct {
	transport RaceTransport
	clock     clockwork.Clock
	notify    Notifier
	onFinish  func()

	mu            sync.Mutex
	session       *race.Session
	selfID        string
	tracker       *metrics.Tracker
	startDelay    int
	remaining     int
	raceDuration  int
	dirty         bool
	finishEmitted bool
}

// NewController builds a controller over an established session view.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RaceDurationSec <= 0 {
		cfg.RaceDurationSec = 60
	}
	return &Controller{
		transport:    cfg.Transport,
		clock:        cfg.Clock,
		notify:       cfg.Notify,
		onFinish:     cfg.OnFinish,
		session:      cfg.Session,
		selfID:       cfg.SelfID,
		tracker:      metrics.NewTracker(cfg.Session.Text, cfg.Clock),
		startDelay:   cfg.StartCountdownSec,
		raceDuration: cfg.RaceDurationSec,
	}
}

// Run is the controller's event loop. It returns when ctx is cancelled;
// the tickers are stopped before it returns, so cancelling ctx and
// closing the transport is a complete teardown with nothing left
// running.
func (c *Controller) Run(ctx context.Context) {
	push := c.clock.NewTicker(progressPushInterval)
	defer push.Stop()
	countdown := c.clock.NewTicker(time.Second)
	defer countdown.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-push.Chan():
			c.pushProgress()
		case <-countdown.Chan():
			c.tick()
		case msg, ok := <-c.transport.Events():
			if !ok {
				return
			}
			c.handleMessage(msg)
		}
	}
}

// Type records the latest transcript from the typing surface. Metrics
// are recomputed immediately so the UI never shows numbers computed
// from an older transcript. Input outside the playing state is ignored.
func (c *Controller) Type(transcript string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.Status() != race.StatusPlaying {
		return
	}

	stats := c.tracker.Update(transcript)
	p, ok := c.session.Participant(c.selfID)
	if !ok {
		return
	}
	p.CharactersTyped = stats.CharactersTyped
	p.Progress = stats.Progress
	p.WPM = stats.WPM
	p.Accuracy = stats.Accuracy
	c.dirty = true

	if stats.Complete && p.CompletedAt == nil {
		now := c.clock.Now()
		p.CompletedAt = &now
		if c.session.AdvanceTo(race.StatusFinished) {
			c.finish()
		}
	}
}

// Stats returns the local participant's current reading.
func (c *Controller) Stats() metrics.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.Stats()
}

// Status returns the session status as this client currently sees it.
func (c *Controller) Status() race.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Status()
}

// TimeLeft returns the seconds remaining on whichever countdown is
// active: the pre-race delay while waiting, the race clock while
// playing.
func (c *Controller) TimeLeft() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.Status() == race.StatusWaiting {
		return c.startDelay
	}
	return c.remaining
}

// Snapshot returns the full local view for rendering.
func (c *Controller) Snapshot() protocol.GameStatePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Snapshot()
}

// pushProgress transmits the latest self-measured metrics, at most once
// per tick no matter how many keystrokes landed in between.
func (c *Controller) pushProgress() {
	c.mu.Lock()
	if !c.dirty || c.session.Status() == race.StatusWaiting {
		c.mu.Unlock()
		return
	}
	stats := c.tracker.Stats()
	payload := protocol.ProgressPayload{
		PlayerID:        c.selfID,
		CharactersTyped: stats.CharactersTyped,
		Progress:        stats.Progress,
		WPM:             stats.WPM,
		Accuracy:        stats.Accuracy,
	}
	c.dirty = false
	c.mu.Unlock()

	c.transport.Send(protocol.TypeProgress, payload)
}

// tick advances whichever countdown is active. The local timers are
// optimistic predictions so the UI does not stall on round-trips; a
// server event supersedes them.
func (c *Controller) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.session.Status() {
	case race.StatusWaiting:
		if c.startDelay <= 0 {
			return
		}
		c.startDelay--
		if c.startDelay == 0 && c.session.AdvanceTo(race.StatusPlaying) {
			c.remaining = c.raceDuration
			log.Debug().Str("game_id", c.session.ID.String()).Msg("local countdown elapsed, race started")
		}
	case race.StatusPlaying:
		if c.remaining <= 0 {
			return
		}
		c.remaining--
		if c.remaining == 0 && c.session.AdvanceTo(race.StatusFinished) {
			log.Debug().Str("game_id", c.session.ID.String()).Msg("race clock expired locally")
			c.finish()
		}
	}
}

// handleMessage applies one inbound server event to the local view.
func (c *Controller) handleMessage(msg protocol.Message) {
	payload, err := msg.ParsePayload()
	if err != nil {
		log.Warn().Err(err).Str("type", string(msg.Type)).Msg("dropping undecodable payload")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch p := payload.(type) {
	case protocol.GameStatePayload:
		c.session.MergeSnapshot(p, c.selfID)
		if c.session.Status() == race.StatusFinished {
			c.finish()
		}

	case protocol.PlayerJoinedPayload:
		c.session.MergeSnapshot(protocol.GameStatePayload{
			Players: []protocol.PlayerState{p.Player},
		}, c.selfID)

	case protocol.PlayerLeftPayload:
		if part, ok := c.session.Participant(p.PlayerID); ok {
			part.Connected = false
		}

	case protocol.GameStartedPayload:
		c.startDelay = 0
		if p.DurationSec > 0 {
			c.raceDuration = p.DurationSec
		}
		if c.session.AdvanceTo(race.StatusPlaying) {
			c.remaining = c.raceDuration
		}

	case protocol.GameEndedPayload:
		c.session.AdvanceTo(race.StatusFinished)
		c.finish()

	case protocol.ErrorPayload:
		c.notify.notify(SeverityError, p.Message)
	}
}

// finish fires the finished callback exactly once. Callers hold c.mu.
func (c *Controller) finish() {
	if c.finishEmitted {
		return
	}
	c.finishEmitted = true
	if c.onFinish != nil {
		c.onFinish()
	}
}
