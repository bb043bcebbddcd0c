package race

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/typerace/internal/protocol"
)

// Status is the lifecycle phase of a race session. It only ever moves
// forward: waiting, then playing, then finished.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusPlaying  Status = "playing"
	StatusFinished Status = "finished"
)

// Rank orders statuses so monotonic advancement can be checked.
func (s Status) Rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusPlaying:
		return 1
	case StatusFinished:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the three known statuses.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// Participant is one player's progress within a session. Rows are
// created on join and never deleted; a disconnect only flips Connected
// so finish results stay visible to spectators.
type Participant struct {
	ID              string
	Name            string
	CharactersTyped int
	Progress        float64
	WPM             int
	Accuracy        int
	Connected       bool
	CompletedAt     *time.Time
}

// State converts the participant to its wire representation.
func (p *Participant) State() protocol.PlayerState {
	return protocol.PlayerState{
		ID:              p.ID,
		Name:            p.Name,
		CharactersTyped: p.CharactersTyped,
		Progress:        p.Progress,
		WPM:             p.WPM,
		Accuracy:        p.Accuracy,
		Connected:       p.Connected,
		CompletedAt:     p.CompletedAt,
	}
}

// Session is one race: a fixed reference text and a roster of
// participants in join order. It is the canonical view each side holds;
// on the server it is authoritative, on the client it is the merge
// target for server snapshots.
type Session struct {
	ID   uuid.UUID
	Text string

	status       Status
	order        []string
	participants map[string]*Participant

	StartedAt *time.Time
	EndedAt   *time.Time
}

// NewSession creates a session in the waiting state with an empty
// roster.
func NewSession(id uuid.UUID, text string) *Session {
	return &Session{
		ID:           id,
		Text:         text,
		status:       StatusWaiting,
		participants: make(map[string]*Participant),
	}
}

// Status returns the current lifecycle phase.
func (s *Session) Status() Status {
	return s.status
}

// AdvanceTo moves the session forward to the given status. Moves that
// would regress or repeat the current status are rejected, which keeps
// the lifecycle monotonic no matter how transitions interleave.
func (s *Session) AdvanceTo(next Status) bool {
	if !next.Valid() || next.Rank() <= s.status.Rank() {
		return false
	}
	s.status = next
	return true
}

// AddParticipant appends a new row to the roster. Join order is
// preserved for display tie-breaks.
func (s *Session) AddParticipant(id, name string) (*Participant, error) {
	if _, exists := s.participants[id]; exists {
		return nil, fmt.Errorf("participant %s already joined", id)
	}
	p := &Participant{ID: id, Name: name, Connected: true}
	s.participants[id] = p
	s.order = append(s.order, id)
	return p, nil
}

// Participant looks up a roster row by id.
func (s *Session) Participant(id string) (*Participant, bool) {
	p, ok := s.participants[id]
	return p, ok
}

// Participants returns the roster in join order.
func (s *Session) Participants() []*Participant {
	out := make([]*Participant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.participants[id])
	}
	return out
}

// Len returns the roster size.
func (s *Session) Len() int {
	return len(s.order)
}

// AllCompleted reports whether every participant has a completion
// timestamp. An empty roster is never complete.
func (s *Session) AllCompleted() bool {
	if len(s.order) == 0 {
		return false
	}
	for _, p := range s.participants {
		if p.CompletedAt == nil {
			return false
		}
	}
	return true
}

// AnyConnected reports whether at least one participant is still
// connected.
func (s *Session) AnyConnected() bool {
	for _, p := range s.participants {
		if p.Connected {
			return true
		}
	}
	return false
}

// Snapshot builds the full wire representation of the session.
func (s *Session) Snapshot() protocol.GameStatePayload {
	players := make([]protocol.PlayerState, 0, len(s.order))
	for _, id := range s.order {
		players = append(players, s.participants[id].State())
	}
	return protocol.GameStatePayload{
		GameID:  s.ID.String(),
		Status:  string(s.status),
		Text:    s.Text,
		Players: players,
	}
}
