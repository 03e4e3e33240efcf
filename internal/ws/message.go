package ws

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound message types. The set is closed: anything else is a protocol
// error answered in-band, never fatal to the connection.
const (
	TypeJoinNote       = "join_note"
	TypeEditNote       = "edit_note"
	TypeLiveTyping     = "live_typing"
	TypeLiveEdit       = "live_edit"
	TypeCursorPosition = "cursor_position"
	TypeTypingStart    = "typing_start"
	TypeTypingStop     = "typing_stop"
	TypeSaveNote       = "save_note"
)

var errUnknownType = errors.New("unknown message type")

// clientMessage is the decoded inbound envelope. Optional fields stay nil
// when absent, which means "no change" on the partial-update paths.
// Unrecognized fields are ignored.
type clientMessage struct {
	Type     string          `json:"type"`
	Title    *string         `json:"title"`
	Content  *string         `json:"content"`
	Position json.RawMessage `json:"position"`
	Cursor   json.RawMessage `json:"cursor"`
}

func decodeClientMessage(data []byte) (clientMessage, error) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return clientMessage{}, fmt.Errorf("decode message: %w", err)
	}
	switch msg.Type {
	case TypeJoinNote, TypeEditNote, TypeLiveTyping, TypeLiveEdit,
		TypeCursorPosition, TypeTypingStart, TypeTypingStop, TypeSaveNote:
		return msg, nil
	default:
		return clientMessage{}, errUnknownType
	}
}
