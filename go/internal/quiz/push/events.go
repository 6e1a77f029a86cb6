package push

import (
	"encoding/json"
	"fmt"

	"github.com/mcdev12/bokquiz/go/internal/models"
)

// MessageType is the "type" field of a broadcast.
type MessageType string

const (
	MessageQuestionStarted       MessageType = "question_started"
	MessageRoundStarted          MessageType = "round_started"
	MessageRoundEnded            MessageType = "round_ended"
	MessageRoundResult           MessageType = "round_result"
	MessageGameFinished          MessageType = "game_finished"
	MessageSuddenDeathEliminated MessageType = "sudden_death_eliminated"
	MessagePlayerJoined          MessageType = "player_joined"
	MessagePlayerReady           MessageType = "player_ready"
	MessagePlayerEliminated      MessageType = "player_eliminated"
	MessagePlayerRenamed         MessageType = "player_renamed"
	MessageGameStateUpdate       MessageType = "game_state_update"
	MessageGameStateChanged      MessageType = "game_state_changed"
)

// Message is one broadcast on a session's channel. Payload is left raw; the reconciliation
// layer decides how to read it per type.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeMessage parses a broadcast body.
func DecodeMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return msg, nil
}

// EventKind classifies a connection event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is what a Connection delivers to its consumer.
type Event struct {
	Kind    EventKind
	Code    models.SessionCode
	Message Message
	Err     error
}

// Sink receives events from a transport subscription. It may block.
type Sink func(Event)
