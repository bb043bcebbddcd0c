package game

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/typerace/internal/protocol"
	"github.com/mcdev12/typerace/internal/race"
)

// Store persists games and their final results.
type Store interface {
	CreateGame(ctx context.Context, id uuid.UUID, text string, createdAt time.Time) error
	UpdateGameStatus(ctx context.Context, id uuid.UUID, status string) error
	SaveResult(ctx context.Context, result Result) error
	GetGame(ctx context.Context, id uuid.UUID) (*StoredGame, error)
	Results(ctx context.Context, gameID uuid.UUID) ([]Result, error)
}

// SnapshotCache fronts snapshot reads for games no longer held in
// memory. A miss is (nil, nil).
type SnapshotCache interface {
	Get(ctx context.Context, id uuid.UUID) (*protocol.GameStatePayload, error)
	Set(ctx context.Context, id uuid.UUID, snap protocol.GameStatePayload) error
}

// Publisher fans race events out to whatever delivers them to connected
// clients.
type Publisher interface {
	Publish(gameID uuid.UUID, msg protocol.Message) error
}

// StoredGame is the persisted shape of a game.
type StoredGame struct {
	ID        uuid.UUID
	Text      string
	Status    string
	CreatedAt time.Time
}

// Result is one player's final line in a finished game.
type Result struct {
	GameID          uuid.UUID  `json:"gameId"`
	PlayerID        string     `json:"playerId"`
	Name            string     `json:"name"`
	Place           int        `json:"place"`
	WPM             int        `json:"wpm"`
	Accuracy        int        `json:"accuracy"`
	CharactersTyped int        `json:"charactersTyped"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// Config tunes race pacing and capacity.
type Config struct {
	MaxPlayers      int
	StartDelaySec   int
	RaceDurationSec int
}

// DefaultConfig returns the standard four-seat, sixty-second race.
func DefaultConfig() Config {
	return Config{
		MaxPlayers:      4,
		StartDelaySec:   5,
		RaceDurationSec: 60,
	}
}

// Service owns the authoritative state of every live race. Sessions are
// created over HTTP, mutated by progress updates arriving over the
// websocket (or the HTTP fallback), and advanced by one-shot timers:
// a start timer armed when enough players have joined, and an end timer
// armed when the race begins. Every mutation is followed by a published
// event so connected clients converge on this state.
type Service struct {
	store Store
	cache SnapshotCache
	pub   Publisher
	clock clockwork.Clock
	cfg   Config

	mu    sync.Mutex
	games map[uuid.UUID]*race.Session

	timersMu    sync.Mutex
	startTimers map[uuid.UUID]*raceTimer
	endTimers   map[uuid.UUID]*raceTimer
}

// raceTimer is a one-shot timer plus the cancel channel that releases
// its waiting goroutine when the schedule is withdrawn.
type raceTimer struct {
	timer  clockwork.Timer
	cancel chan struct{}
}

func (rt *raceTimer) stop() {
	if !rt.timer.Stop() {
		select {
		case <-rt.timer.Chan():
		default:
		}
	}
	close(rt.cancel)
}

// NewService wires a game service. cache may be nil; pub must not be.
func NewService(store Store, cache SnapshotCache, pub Publisher, clock clockwork.Clock, cfg Config) *Service {
	if cfg.MaxPlayers <= 0 {
		cfg.MaxPlayers = 4
	}
	if cfg.RaceDurationSec <= 0 {
		cfg.RaceDurationSec = 60
	}
	return &Service{
		store:       store,
		cache:       cache,
		pub:         pub,
		clock:       clock,
		cfg:         cfg,
		games:       make(map[uuid.UUID]*race.Session),
		startTimers: make(map[uuid.UUID]*raceTimer),
		endTimers:   make(map[uuid.UUID]*raceTimer),
	}
}

// CreateGame registers a new race with the given reference text.
func (s *Service) CreateGame(ctx context.Context, text string) (protocol.GameStatePayload, error) {
	if text == "" {
		return protocol.GameStatePayload{}, fmt.Errorf("reference text is required")
	}

	id := uuid.New()
	sess := race.NewSession(id, text)

	if err := s.store.CreateGame(ctx, id, text, s.clock.Now()); err != nil {
		return protocol.GameStatePayload{}, fmt.Errorf("persist game: %w", err)
	}

	s.mu.Lock()
	s.games[id] = sess
	snap := sess.Snapshot()
	s.mu.Unlock()

	s.cacheSnapshot(ctx, id, snap)
	log.Info().Str("game_id", id.String()).Int("text_len", len(text)).Msg("game created")
	return snap, nil
}

// JoinGame adds a player to a waiting game and returns their assigned
// id plus the current snapshot. Once two seats are filled the start
// timer is armed.
func (s *Service) JoinGame(ctx context.Context, gameID uuid.UUID, name string) (string, protocol.GameStatePayload, error) {
	s.mu.Lock()
	sess, ok := s.games[gameID]
	if !ok {
		s.mu.Unlock()
		return "", protocol.GameStatePayload{}, fmt.Errorf("game %s not found", gameID)
	}
	if sess.Status() != race.StatusWaiting {
		s.mu.Unlock()
		return "", protocol.GameStatePayload{}, fmt.Errorf("game already started")
	}
	if sess.Len() >= s.cfg.MaxPlayers {
		s.mu.Unlock()
		return "", protocol.GameStatePayload{}, fmt.Errorf("game is full")
	}

	playerID := uuid.New().String()
	p, err := sess.AddParticipant(playerID, name)
	if err != nil {
		s.mu.Unlock()
		return "", protocol.GameStatePayload{}, err
	}
	snap := sess.Snapshot()
	playerCount := sess.Len()
	state := p.State()
	s.mu.Unlock()

	s.publish(gameID, protocol.TypePlayerJoined, protocol.PlayerJoinedPayload{
		GameID: gameID.String(),
		Player: state,
	})
	s.publish(gameID, protocol.TypeGameState, snap)
	s.cacheSnapshot(ctx, gameID, snap)

	if playerCount >= 2 && s.cfg.StartDelaySec > 0 {
		s.scheduleStart(gameID)
	}

	log.Info().Str("game_id", gameID.String()).Str("player_id", playerID).Str("name", name).Msg("player joined")
	return playerID, snap, nil
}

// StartGame moves a waiting game into play, broadcasts the
// authoritative start signal, and arms the race clock.
func (s *Service) StartGame(ctx context.Context, gameID uuid.UUID) error {
	s.mu.Lock()
	sess, ok := s.games[gameID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("game %s not found", gameID)
	}
	if !sess.AdvanceTo(race.StatusPlaying) {
		s.mu.Unlock()
		return fmt.Errorf("game %s cannot start from %s", gameID, sess.Status())
	}
	now := s.clock.Now()
	sess.StartedAt = &now
	snap := sess.Snapshot()
	s.mu.Unlock()

	s.cancelStartTimer(gameID)
	if err := s.store.UpdateGameStatus(ctx, gameID, string(race.StatusPlaying)); err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to persist status")
	}

	s.publish(gameID, protocol.TypeGameStarted, protocol.GameStartedPayload{
		GameID:      gameID.String(),
		StartedAt:   now,
		DurationSec: s.cfg.RaceDurationSec,
	})
	s.publish(gameID, protocol.TypeGameState, snap)
	s.cacheSnapshot(ctx, gameID, snap)

	s.scheduleEnd(gameID)
	log.Info().Str("game_id", gameID.String()).Msg("game started")
	return nil
}

// ApplyProgress folds one self-reported progress update into the
// authoritative state and broadcasts the resulting snapshot. Updates
// that would move a player backwards are stale echoes and are dropped
// without error.
func (s *Service) ApplyProgress(ctx context.Context, gameID uuid.UUID, update protocol.ProgressPayload) error {
	s.mu.Lock()
	sess, ok := s.games[gameID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("game %s not found", gameID)
	}
	if sess.Status() != race.StatusPlaying {
		s.mu.Unlock()
		return fmt.Errorf("game is not in progress")
	}
	p, ok := sess.Participant(update.PlayerID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown player %s", update.PlayerID)
	}

	if update.CharactersTyped < p.CharactersTyped {
		s.mu.Unlock()
		return nil
	}
	textLen := utf8.RuneCountInString(sess.Text)
	if update.CharactersTyped > textLen {
		update.CharactersTyped = textLen
	}

	p.CharactersTyped = update.CharactersTyped
	p.Progress = update.Progress
	p.WPM = update.WPM
	p.Accuracy = update.Accuracy
	if p.CompletedAt == nil && p.CharactersTyped == textLen {
		now := s.clock.Now()
		p.CompletedAt = &now
		log.Info().Str("game_id", gameID.String()).Str("player_id", p.ID).Int("wpm", p.WPM).Msg("player finished")
	}
	allDone := sess.AllCompleted()
	snap := sess.Snapshot()
	s.mu.Unlock()

	s.publish(gameID, protocol.TypeGameState, snap)
	s.cacheSnapshot(ctx, gameID, snap)

	if allDone {
		return s.EndGame(ctx, gameID)
	}
	return nil
}

// EndGame finishes a race, persists results, and broadcasts the
// authoritative end signal. Ending an already-finished game is a no-op.
func (s *Service) EndGame(ctx context.Context, gameID uuid.UUID) error {
	s.mu.Lock()
	sess, ok := s.games[gameID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("game %s not found", gameID)
	}
	if !sess.AdvanceTo(race.StatusFinished) {
		s.mu.Unlock()
		return nil
	}
	now := s.clock.Now()
	sess.EndedAt = &now
	results := rankResults(gameID, sess)
	snap := sess.Snapshot()
	s.mu.Unlock()

	s.cancelStartTimer(gameID)
	s.cancelEndTimer(gameID)

	if err := s.store.UpdateGameStatus(ctx, gameID, string(race.StatusFinished)); err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to persist status")
	}
	for _, r := range results {
		if err := s.store.SaveResult(ctx, r); err != nil {
			log.Error().Err(err).Str("game_id", gameID.String()).Str("player_id", r.PlayerID).Msg("failed to persist result")
		}
	}

	s.publish(gameID, protocol.TypeGameState, snap)
	s.publish(gameID, protocol.TypeGameEnded, protocol.GameEndedPayload{
		GameID:  gameID.String(),
		EndedAt: now,
	})
	s.cacheSnapshot(ctx, gameID, snap)

	log.Info().Str("game_id", gameID.String()).Int("players", len(results)).Msg("game ended")
	return nil
}

// PlayerConnected marks a participant live again after a websocket
// (re)connect and rebroadcasts state so their client can catch up.
func (s *Service) PlayerConnected(ctx context.Context, gameID uuid.UUID, playerID string) {
	s.mu.Lock()
	sess, ok := s.games[gameID]
	if !ok {
		s.mu.Unlock()
		return
	}
	changed := false
	if p, ok := sess.Participant(playerID); ok && !p.Connected {
		p.Connected = true
		changed = true
	}
	snap := sess.Snapshot()
	s.mu.Unlock()

	s.publish(gameID, protocol.TypeGameState, snap)
	if changed {
		s.cacheSnapshot(ctx, gameID, snap)
	}
}

// PlayerDisconnected marks a participant offline. Their row survives so
// results stay visible. A finished game with nobody attached is
// released from memory.
func (s *Service) PlayerDisconnected(ctx context.Context, gameID uuid.UUID, playerID string) {
	s.mu.Lock()
	sess, ok := s.games[gameID]
	if !ok {
		s.mu.Unlock()
		return
	}
	p, ok := sess.Participant(playerID)
	if !ok {
		s.mu.Unlock()
		return
	}
	p.Connected = false
	snap := sess.Snapshot()
	release := sess.Status() == race.StatusFinished && !sess.AnyConnected()
	if release {
		delete(s.games, gameID)
	}
	s.mu.Unlock()

	s.publish(gameID, protocol.TypePlayerLeft, protocol.PlayerLeftPayload{
		GameID:   gameID.String(),
		PlayerID: playerID,
	})
	s.publish(gameID, protocol.TypeGameState, snap)
	s.cacheSnapshot(ctx, gameID, snap)

	if release {
		s.cancelStartTimer(gameID)
		s.cancelEndTimer(gameID)
		log.Info().Str("game_id", gameID.String()).Msg("finished game released from memory")
	}
}

// Snapshot returns the current view of a game: live state if the game
// is in memory, the cached snapshot if not, and finally the persisted
// row.
func (s *Service) Snapshot(ctx context.Context, gameID uuid.UUID) (protocol.GameStatePayload, error) {
	s.mu.Lock()
	if sess, ok := s.games[gameID]; ok {
		snap := sess.Snapshot()
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	if s.cache != nil {
		snap, err := s.cache.Get(ctx, gameID)
		if err != nil {
			log.Warn().Err(err).Str("game_id", gameID.String()).Msg("snapshot cache read failed")
		} else if snap != nil {
			return *snap, nil
		}
	}

	stored, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		return protocol.GameStatePayload{}, fmt.Errorf("game %s not found", gameID)
	}
	snap := protocol.GameStatePayload{
		GameID: stored.ID.String(),
		Status: stored.Status,
		Text:   stored.Text,
	}
	if stored.Status == string(race.StatusFinished) {
		results, err := s.store.Results(ctx, gameID)
		if err != nil {
			log.Warn().Err(err).Str("game_id", gameID.String()).Msg("failed to load results for snapshot")
		}
		textLen := utf8.RuneCountInString(stored.Text)
		for _, r := range results {
			progress := float64(0)
			if textLen > 0 {
				progress = float64(r.CharactersTyped) / float64(textLen) * 100
			}
			snap.Players = append(snap.Players, protocol.PlayerState{
				ID:              r.PlayerID,
				Name:            r.Name,
				CharactersTyped: r.CharactersTyped,
				Progress:        progress,
				WPM:             r.WPM,
				Accuracy:        r.Accuracy,
				CompletedAt:     r.CompletedAt,
			})
		}
	}
	s.cacheSnapshot(ctx, gameID, snap)
	return snap, nil
}

// Results returns the persisted final standings of a game in place
// order.
func (s *Service) Results(ctx context.Context, gameID uuid.UUID) ([]Result, error) {
	results, err := s.store.Results(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}
	if len(results) == 0 {
		if _, err := s.store.GetGame(ctx, gameID); err != nil {
			return nil, fmt.Errorf("game %s not found", gameID)
		}
	}
	return results, nil
}

// GameSummary is one row in the active-games listing.
type GameSummary struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Players int    `json:"players"`
}

// ListGames lists the games currently held in memory, creation order
// not guaranteed.
func (s *Service) ListGames(ctx context.Context) []GameSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summaries := make([]GameSummary, 0, len(s.games))
	for id, sess := range s.games {
		summaries = append(summaries, GameSummary{
			ID:      id.String(),
			Status:  string(sess.Status()),
			Players: sess.Len(),
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries
}

// Close cancels all pending race timers.
func (s *Service) Close() {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	for id, rt := range s.startTimers {
		rt.stop()
		delete(s.startTimers, id)
	}
	for id, rt := range s.endTimers {
		rt.stop()
		delete(s.endTimers, id)
	}
}

func (s *Service) publish(gameID uuid.UUID, msgType protocol.MessageType, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(msgType)).Msg("failed to build event")
		return
	}
	if err := s.pub.Publish(gameID, msg); err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Str("type", string(msgType)).Msg("failed to publish event")
	}
}

func (s *Service) cacheSnapshot(ctx context.Context, gameID uuid.UUID, snap protocol.GameStatePayload) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, gameID, snap); err != nil {
		log.Warn().Err(err).Str("game_id", gameID.String()).Msg("snapshot cache write failed")
	}
}

// scheduleStart arms the pre-race countdown, replacing any timer
// already armed for this game.
func (s *Service) scheduleStart(gameID uuid.UUID) {
	rt := &raceTimer{
		timer:  s.clock.NewTimer(time.Duration(s.cfg.StartDelaySec) * time.Second),
		cancel: make(chan struct{}),
	}

	s.timersMu.Lock()
	if existing, ok := s.startTimers[gameID]; ok {
		existing.stop()
	}
	s.startTimers[gameID] = rt
	s.timersMu.Unlock()

	go func() {
		select {
		case <-rt.timer.Chan():
		case <-rt.cancel:
			return
		}
		s.timersMu.Lock()
		if s.startTimers[gameID] == rt {
			delete(s.startTimers, gameID)
		}
		s.timersMu.Unlock()
		if err := s.StartGame(context.Background(), gameID); err != nil {
			log.Warn().Err(err).Str("game_id", gameID.String()).Msg("scheduled start skipped")
		}
	}()
}

// scheduleEnd arms the race clock.
func (s *Service) scheduleEnd(gameID uuid.UUID) {
	rt := &raceTimer{
		timer:  s.clock.NewTimer(time.Duration(s.cfg.RaceDurationSec) * time.Second),
		cancel: make(chan struct{}),
	}

	s.timersMu.Lock()
	if existing, ok := s.endTimers[gameID]; ok {
		existing.stop()
	}
	s.endTimers[gameID] = rt
	s.timersMu.Unlock()

	go func() {
		select {
		case <-rt.timer.Chan():
		case <-rt.cancel:
			return
		}
		s.timersMu.Lock()
		if s.endTimers[gameID] == rt {
			delete(s.endTimers, gameID)
		}
		s.timersMu.Unlock()
		if err := s.EndGame(context.Background(), gameID); err != nil {
			log.Warn().Err(err).Str("game_id", gameID.String()).Msg("scheduled end skipped")
		}
	}()
}

func (s *Service) cancelStartTimer(gameID uuid.UUID) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if rt, ok := s.startTimers[gameID]; ok {
		rt.stop()
		delete(s.startTimers, gameID)
	}
}

func (s *Service) cancelEndTimer(gameID uuid.UUID) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if rt, ok := s.endTimers[gameID]; ok {
		rt.stop()
		delete(s.endTimers, gameID)
	}
}

// rankResults orders finishers by completion time, then the rest by
// distance covered with join order breaking ties. Callers hold s.mu.
func rankResults(gameID uuid.UUID, sess *race.Session) []Result {
	participants := sess.Participants()
	idx := make(map[string]int, len(participants))
	for i, p := range participants {
		idx[p.ID] = i
	}

	ordered := make([]*race.Participant, len(participants))
	copy(ordered, participants)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		switch {
		case a.CompletedAt != nil && b.CompletedAt != nil:
			if !a.CompletedAt.Equal(*b.CompletedAt) {
				return a.CompletedAt.Before(*b.CompletedAt)
			}
			return idx[a.ID] < idx[b.ID]
		case a.CompletedAt != nil:
			return true
		case b.CompletedAt != nil:
			return false
		default:
			if a.CharactersTyped != b.CharactersTyped {
				return a.CharactersTyped > b.CharactersTyped
			}
			return idx[a.ID] < idx[b.ID]
		}
	})

	results := make([]Result, 0, len(ordered))
	for place, p := range ordered {
		results = append(results, Result{
			GameID:          gameID,
			PlayerID:        p.ID,
			Name:            p.Name,
			Place:           place + 1,
			WPM:             p.WPM,
			Accuracy:        p.Accuracy,
			CharactersTyped: p.CharactersTyped,
			CompletedAt:     p.CompletedAt,
		})
	}
	return results
}
