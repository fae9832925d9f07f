package realtime

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/heroes/internal/apperr"
	"github.com/matheus3301/heroes/internal/chat"
)

// Frame types on the wire.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSend        = "send"

	FrameSubscribed = "subscribed"
	FrameAck        = "ack"
	FrameError      = "error"
	FrameMessage    = "message"
	FramePresence   = "presence"
)

// Frame is one JSON text message on the socket. Message holds a WireMessage
// for ack and message frames, and a plain string for error frames.
type Frame struct {
	Type     string          `json:"type"`
	Ref      string          `json:"ref,omitempty"`
	RoomID   string          `json:"room_id,omitempty"`
	ClientID string          `json:"client_id,omitempty"`
	SenderID string          `json:"sender_id,omitempty"`
	Text     string          `json:"text,omitempty"`
	Message  json.RawMessage `json:"message,omitempty"`
	Online   []string        `json:"online,omitempty"`
	Status   int             `json:"status,omitempty"`
	Code     string          `json:"code,omitempty"`
}

// WireMessage is a server-confirmed chat message.
type WireMessage struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id,omitempty"`
	RequestID string    `json:"request_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ToChat converts the wire shape to a confirmed chat message.
func (w WireMessage) ToChat() chat.Message {
	return chat.Message{
		ID:        w.ID,
		LocalID:   w.ClientID,
		RequestID: w.RequestID,
		SenderID:  w.SenderID,
		Text:      w.Text,
		CreatedAt: w.CreatedAt,
		State:     chat.Confirmed,
		Delivered: true,
	}
}

// ParseMessage decodes the message payload of ack and message frames.
func (f Frame) ParseMessage() (chat.Message, error) {
	var w WireMessage
	if err := json.Unmarshal(f.Message, &w); err != nil {
		return chat.Message{}, err
	}
	if w.RequestID == "" {
		w.RequestID = f.RoomID
	}
	return w.ToChat(), nil
}

// Err converts an error frame into the normalized status error.
func (f Frame) Err() error {
	var msg string
	if len(f.Message) > 0 {
		if err := json.Unmarshal(f.Message, &msg); err != nil {
			msg = string(f.Message)
		}
	}
	return &apperr.StatusError{Status: f.Status, Code: f.Code, Message: msg}
}

// ErrorFrame builds an error frame, as a server would send it.
func ErrorFrame(ref string, status int, code, message string) Frame {
	raw, _ := json.Marshal(message)
	return Frame{Type: FrameError, Ref: ref, Status: status, Code: code, Message: raw}
}

// MessageFrame builds a frame carrying w, as a server would send it.
func MessageFrame(typ, ref, roomID string, w WireMessage) Frame {
	raw, _ := json.Marshal(w)
	return Frame{Type: typ, Ref: ref, RoomID: roomID, Message: raw}
}
