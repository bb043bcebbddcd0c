package race

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/mcdev12/typerace/internal/protocol"
)

func TestStatusMonotonic(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{name: "waiting to playing", from: StatusWaiting, to: StatusPlaying, want: true},
		{name: "playing to finished", from: StatusPlaying, to: StatusFinished, want: true},
		{name: "waiting to finished", from: StatusWaiting, to: StatusFinished, want: true},
		{name: "playing to waiting", from: StatusPlaying, to: StatusWaiting, want: false},
		{name: "finished to playing", from: StatusFinished, to: StatusPlaying, want: false},
		{name: "finished to waiting", from: StatusFinished, to: StatusWaiting, want: false},
		{name: "same status", from: StatusPlaying, to: StatusPlaying, want: false},
		{name: "unknown status", from: StatusWaiting, to: Status("paused"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession(uuid.New(), "text")
			s.status = tt.from
			if got := s.AdvanceTo(tt.to); got != tt.want {
				t.Fatalf("AdvanceTo(%s) from %s = %v, want %v", tt.to, tt.from, got, tt.want)
			}
			if tt.want && s.Status() != tt.to {
				t.Fatalf("status = %s, want %s", s.Status(), tt.to)
			}
			if !tt.want && s.Status() != tt.from {
				t.Fatalf("rejected transition changed status to %s", s.Status())
			}
		})
	}
}

func TestJoinOrderPreserved(t *testing.T) {
	s := NewSession(uuid.New(), "text")
	for _, id := range []string{"c", "a", "b"} {
		if _, err := s.AddParticipant(id, "name-"+id); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	var got []string
	for _, p := range s.Participants() {
		got = append(got, p.ID)
	}
	if diff := cmp.Diff([]string{"c", "a", "b"}, got); diff != "" {
		t.Fatalf("join order mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.AddParticipant("a", "again"); err == nil {
		t.Fatal("expected error on duplicate join")
	}
}

func TestMergeSnapshotSelfNeverRegresses(t *testing.T) {
	s := NewSession(uuid.New(), "text")
	self, _ := s.AddParticipant("a", "alice")
	other, _ := s.AddParticipant("b", "bob")
	self.CharactersTyped = 120
	self.WPM = 60
	self.Accuracy = 98
	other.CharactersTyped = 30

	// Stale echo for the self row, fresh data for the other row.
	s.MergeSnapshot(protocol.GameStatePayload{
		GameID: s.ID.String(),
		Status: string(StatusPlaying),
		Players: []protocol.PlayerState{
			{ID: "a", Name: "alice", CharactersTyped: 100, WPM: 50, Accuracy: 90, Connected: true},
			{ID: "b", Name: "bob", CharactersTyped: 75, WPM: 42, Accuracy: 95, Connected: true},
		},
	}, "a")

	if self.CharactersTyped != 120 || self.WPM != 60 || self.Accuracy != 98 {
		t.Fatalf("self row regressed: %+v", self)
	}
	if other.CharactersTyped != 75 || other.WPM != 42 || other.Accuracy != 95 {
		t.Fatalf("remote row not applied verbatim: %+v", other)
	}
	if s.Status() != StatusPlaying {
		t.Fatalf("status = %s, want playing", s.Status())
	}
}

func TestMergeSnapshotSelfAdvances(t *testing.T) {
	s := NewSession(uuid.New(), "text")
	self, _ := s.AddParticipant("a", "alice")
	self.CharactersTyped = 10

	// After a reconnect the server can legitimately be ahead of a
	// freshly reset local view.
	s.MergeSnapshot(protocol.GameStatePayload{
		Status: string(StatusPlaying),
		Players: []protocol.PlayerState{
			{ID: "a", CharactersTyped: 40, WPM: 48, Accuracy: 99, Connected: true},
		},
	}, "a")

	if self.CharactersTyped != 40 || self.WPM != 48 {
		t.Fatalf("self row did not advance: %+v", self)
	}
}

func TestMergeSnapshotNeverRemovesParticipants(t *testing.T) {
	s := NewSession(uuid.New(), "text")
	s.AddParticipant("a", "alice")
	s.AddParticipant("b", "bob")

	s.MergeSnapshot(protocol.GameStatePayload{
		Status: string(StatusPlaying),
		Players: []protocol.PlayerState{
			{ID: "a", CharactersTyped: 5, Connected: true},
		},
	}, "")

	if s.Len() != 2 {
		t.Fatalf("roster size = %d, want 2", s.Len())
	}
	if _, ok := s.Participant("b"); !ok {
		t.Fatal("unmentioned participant removed by merge")
	}
}

func TestMergeSnapshotAddsNewParticipants(t *testing.T) {
	s := NewSession(uuid.New(), "text")
	s.AddParticipant("a", "alice")

	s.MergeSnapshot(protocol.GameStatePayload{
		Status: string(StatusWaiting),
		Players: []protocol.PlayerState{
			{ID: "a", Connected: true},
			{ID: "b", Name: "bob", Connected: true},
		},
	}, "a")

	p, ok := s.Participant("b")
	if !ok {
		t.Fatal("snapshot participant not added")
	}
	if p.Name != "bob" {
		t.Fatalf("participant name = %q, want bob", p.Name)
	}
}

func TestMergeSnapshotStatusNeverRegresses(t *testing.T) {
	s := NewSession(uuid.New(), "text")
	s.AdvanceTo(StatusPlaying)
	s.AdvanceTo(StatusFinished)

	s.MergeSnapshot(protocol.GameStatePayload{Status: string(StatusPlaying)}, "")

	if s.Status() != StatusFinished {
		t.Fatalf("status regressed to %s", s.Status())
	}
}

func TestCompletedAtImmutable(t *testing.T) {
	s := NewSession(uuid.New(), "text")
	p, _ := s.AddParticipant("a", "alice")
	first := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	later := first.Add(time.Minute)
	p.CompletedAt = &first

	s.MergeSnapshot(protocol.GameStatePayload{
		Status: string(StatusFinished),
		Players: []protocol.PlayerState{
			{ID: "a", CharactersTyped: 200, CompletedAt: &later},
		},
	}, "a")

	if !p.CompletedAt.Equal(first) {
		t.Fatalf("CompletedAt changed to %v", p.CompletedAt)
	}
}

func TestAllCompleted(t *testing.T) {
	s := NewSession(uuid.New(), "text")
	if s.AllCompleted() {
		t.Fatal("empty roster reported complete")
	}

	a, _ := s.AddParticipant("a", "alice")
	b, _ := s.AddParticipant("b", "bob")
	now := time.Now()
	a.CompletedAt = &now
	if s.AllCompleted() {
		t.Fatal("partially-complete roster reported complete")
	}
	b.CompletedAt = &now
	if !s.AllCompleted() {
		t.Fatal("fully-complete roster not reported complete")
	}
}
