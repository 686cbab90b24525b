package collab

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

var ErrProtocol = errors.New("protocol error")

// Text frames carry control messages, binary frames carry automerge sync messages.
const (
	MessageAuth          = "auth"
	MessageAuthenticated = "authenticated"
	MessageError         = "error"
	MessageStateless     = "stateless"
)

type ControlMessage struct {
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeControl(m ControlMessage) []byte {
	raw, _ := json.Marshal(m)
	return raw
}

func encodeStateless(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return encodeControl(ControlMessage{Type: MessageStateless, Payload: raw}), nil
}

func decodeControl(messageType int, raw []byte) (ControlMessage, error) {
	var m ControlMessage
	if messageType != websocket.TextMessage {
		return m, fmt.Errorf("%w: expected a text frame", ErrProtocol)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%w: failed to decode control message: %w", ErrProtocol, err)
	}
	return m, nil
}
