package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies the kind of frame on the race websocket.
type MessageType string

const (
	// Client to server.
	TypeProgress MessageType = "progress"

	// Server to client.
	TypeGameState    MessageType = "gameState"
	TypePlayerJoined MessageType = "playerJoined"
	TypePlayerLeft   MessageType = "playerLeft"
	TypeGameStarted  MessageType = "gameStarted"
	TypeGameEnded    MessageType = "gameEnded"
	TypeError        MessageType = "error"
)

// Known reports whether t is a message type this build understands.
func (t MessageType) Known() bool {
	switch t {
	case TypeProgress, TypeGameState, TypePlayerJoined, TypePlayerLeft,
		TypeGameStarted, TypeGameEnded, TypeError:
		return true
	}
	return false
}

// ErrUnknownType is returned when a frame carries a message type this
// build does not understand. Callers are expected to log and ignore it
// rather than fail the connection.
var ErrUnknownType = errors.New("unknown message type")

// Message is the envelope for every frame exchanged over the race
// websocket: a type discriminant plus a type-specific payload.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ProgressPayload is the client's latest self-measured metrics.
type ProgressPayload struct {
	PlayerID        string  `json:"playerId"`
	CharactersTyped int     `json:"charactersTyped"`
	Progress        float64 `json:"progress"`
	WPM             int     `json:"wpm"`
	Accuracy        int     `json:"accuracy"`
}

// PlayerState is one participant's row in a game snapshot.
type PlayerState struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	CharactersTyped int        `json:"charactersTyped"`
	Progress        float64    `json:"progress"`
	WPM             int        `json:"wpm"`
	Accuracy        int        `json:"accuracy"`
	Connected       bool       `json:"connected"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// GameStatePayload is a server-pushed snapshot of a game. Players not
// listed are unchanged; the client never removes rows it already has.
type GameStatePayload struct {
	GameID  string        `json:"gameId"`
	Status  string        `json:"status"`
	Text    string        `json:"text,omitempty"`
	Players []PlayerState `json:"players"`
}

// PlayerJoinedPayload announces a roster addition.
type PlayerJoinedPayload struct {
	GameID string      `json:"gameId"`
	Player PlayerState `json:"player"`
}

// PlayerLeftPayload announces a disconnect. The player's row is kept so
// spectators and the results screen still see their final numbers.
type PlayerLeftPayload struct {
	GameID   string `json:"gameId"`
	PlayerID string `json:"playerId"`
}

// GameStartedPayload is the authoritative race-start signal.
type GameStartedPayload struct {
	GameID      string    `json:"gameId"`
	StartedAt   time.Time `json:"startedAt"`
	DurationSec int       `json:"durationSec"`
}

// GameEndedPayload is the authoritative race-end signal.
type GameEndedPayload struct {
	GameID  string    `json:"gameId"`
	EndedAt time.Time `json:"endedAt"`
}

// ErrorPayload is a non-fatal application error; the connection stays
// open after one of these.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewMessage builds an envelope from a typed payload.
func NewMessage(t MessageType, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Message{Type: t, Payload: data}, nil
}

// Decode parses a raw frame into an envelope.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Type == "" {
		return Message{}, errors.New("frame missing type")
	}
	return msg, nil
}

// Encode serializes an envelope for the wire.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", m.Type, err)
	}
	return data, nil
}

// ParsePayload decodes the payload into the struct matching the message
// type. Unknown types return ErrUnknownType so callers can skip them
// without tearing down the connection.
func (m Message) ParsePayload() (any, error) {
	switch m.Type {
	case TypeProgress:
		var payload ProgressPayload
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeGameState:
		var payload GameStatePayload
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypePlayerJoined:
		var payload PlayerJoinedPayload
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypePlayerLeft:
		var payload PlayerLeftPayload
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeGameStarted:
		var payload GameStartedPayload
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeGameEnded:
		var payload GameEndedPayload
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeError:
		var payload ErrorPayload
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}
