package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRoundTripProgress(t *testing.T) {
	in := ProgressPayload{
		PlayerID:        "p1",
		CharactersTyped: 42,
		Progress:        26.25,
		WPM:             55,
		Accuracy:        97,
	}

	msg, err := NewMessage(TypeProgress, in)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != TypeProgress {
		t.Fatalf("expected type %q, got %q", TypeProgress, decoded.Type)
	}

	payload, err := decoded.ParsePayload()
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	out, ok := payload.(ProgressPayload)
	if !ok {
		t.Fatalf("expected ProgressPayload, got %T", payload)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePayloadPerType(t *testing.T) {
	completed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		msgType MessageType
		payload any
	}{
		{
			name:    "game state snapshot",
			msgType: TypeGameState,
			payload: GameStatePayload{
				GameID: "g1",
				Status: "playing",
				Players: []PlayerState{
					{ID: "p1", Name: "alice", CharactersTyped: 10, WPM: 40, Accuracy: 100, Connected: true},
					{ID: "p2", Name: "bob", CharactersTyped: 160, Progress: 100, Connected: true, CompletedAt: &completed},
				},
			},
		},
		{
			name:    "player joined",
			msgType: TypePlayerJoined,
			payload: PlayerJoinedPayload{GameID: "g1", Player: PlayerState{ID: "p3", Name: "carol", Connected: true}},
		},
		{
			name:    "player left",
			msgType: TypePlayerLeft,
			payload: PlayerLeftPayload{GameID: "g1", PlayerID: "p2"},
		},
		{
			name:    "game started",
			msgType: TypeGameStarted,
			payload: GameStartedPayload{GameID: "g1", StartedAt: completed, DurationSec: 60},
		},
		{
			name:    "game ended",
			msgType: TypeGameEnded,
			payload: GameEndedPayload{GameID: "g1", EndedAt: completed},
		},
		{
			name:    "application error",
			msgType: TypeError,
			payload: ErrorPayload{Message: "invalid progress update"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.msgType, tt.payload)
			if err != nil {
				t.Fatalf("new message: %v", err)
			}
			got, err := msg.ParsePayload()
			if err != nil {
				t.Fatalf("parse payload: %v", err)
			}
			if diff := cmp.Diff(tt.payload, got); diff != "" {
				t.Fatalf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParsePayloadUnknownType(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"ping","payload":{}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := msg.ParsePayload(); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
	if _, err := Decode([]byte(`{"payload":{}}`)); err == nil {
		t.Fatal("expected error for frame without type")
	}
}
