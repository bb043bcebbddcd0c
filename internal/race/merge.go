package race

import (
	"github.com/mcdev12/typerace/internal/protocol"
)

// Merge policy for server snapshots on a client-held session.
//
// The server is authoritative for session-wide status and for every
// other participant's row. The local participant's own transcript is
// always fresher than any echo of it, so a snapshot may only move that
// row forward, never behind what the client already computed.

// MergeSnapshot folds a server snapshot into the session. selfID names
// the locally-owned participant; pass "" for a pure spectator view.
// Participants the snapshot does not mention are left untouched.
func (s *Session) MergeSnapshot(snap protocol.GameStatePayload, selfID string) {
	if st := Status(snap.Status); st.Valid() {
		s.AdvanceTo(st)
	}
	if s.Text == "" && snap.Text != "" {
		s.Text = snap.Text
	}
	for _, state := range snap.Players {
		p, ok := s.participants[state.ID]
		if !ok {
			p = &Participant{ID: state.ID, Name: state.Name}
			s.participants[state.ID] = p
			s.order = append(s.order, state.ID)
		}
		if state.ID == selfID {
			mergeSelf(p, state)
		} else {
			mergeRemote(p, state)
		}
	}
}

// mergeRemote applies a server row verbatim. CompletedAt is immutable
// once set.
func mergeRemote(p *Participant, state protocol.PlayerState) {
	if state.Name != "" {
		p.Name = state.Name
	}
	p.CharactersTyped = state.CharactersTyped
	p.Progress = state.Progress
	p.WPM = state.WPM
	p.Accuracy = state.Accuracy
	p.Connected = state.Connected
	if p.CompletedAt == nil && state.CompletedAt != nil {
		p.CompletedAt = state.CompletedAt
	}
}

// mergeSelf applies a server row to the locally-owned participant only
// if it is ahead of what the client already knows. A stale echo of an
// older progress update must not regress the displayed metrics.
func mergeSelf(p *Participant, state protocol.PlayerState) {
	if state.Name != "" && p.Name == "" {
		p.Name = state.Name
	}
	p.Connected = state.Connected
	if state.CharactersTyped > p.CharactersTyped {
		p.CharactersTyped = state.CharactersTyped
		p.Progress = state.Progress
		p.WPM = state.WPM
		p.Accuracy = state.Accuracy
	}
	if p.CompletedAt == nil && state.CompletedAt != nil {
		p.CompletedAt = state.CompletedAt
	}
}
