package chat

import (
	"encoding/json"
	"fmt"
)

// Frame types exchanged with the sync server.
const (
	FrameMessage          = "message"
	FrameAck              = "ack"
	FrameHeartbeat        = "heartbeat"
	FrameBackfillRequest  = "backfillRequest"
	FrameBackfillResponse = "backfillResponse"
)

// Frame is the envelope for every message on the wire. The payload is
// decoded lazily once the type is known.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WireMessage is a Message as it travels over the transport: the same
// fields minus the client-local delivery state.
type WireMessage struct {
	ID         string `json:"id"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	Text       string `json:"text"`
	CreatedAt  int64  `json:"createdAt"`
	ServerSeq  int64  `json:"serverSeq,omitempty"`
}

// Ack is the server's acceptance of a message, carrying the sequence
// number it assigned.
type Ack struct {
	ID        string `json:"id"`
	ServerSeq int64  `json:"serverSeq"`
}

// BackfillRequest asks the server for every message with a sequence
// greater than SinceSeq.
type BackfillRequest struct {
	SinceSeq int64 `json:"sinceSeq"`
}

// BackfillResponse carries the requested messages in sequence order.
type BackfillResponse struct {
	Messages []WireMessage `json:"messages"`
}

// ToWire strips the delivery state for transmission.
func (m Message) ToWire() WireMessage {
	return WireMessage{
		ID:         m.ID,
		AuthorID:   m.AuthorID,
		AuthorName: m.AuthorName,
		Text:       m.Text,
		CreatedAt:  m.CreatedAt,
		ServerSeq:  m.ServerSeq,
	}
}

// ToMessage rebuilds a Message with the given delivery state.
func (w WireMessage) ToMessage(state DeliveryState) Message {
	return Message{
		ID:            w.ID,
		AuthorID:      w.AuthorID,
		AuthorName:    w.AuthorName,
		Text:          w.Text,
		CreatedAt:     w.CreatedAt,
		ServerSeq:     w.ServerSeq,
		DeliveryState: state,
	}
}

// EncodeFrame marshals a payload into a framed wire message.
func EncodeFrame(typ string, payload any) ([]byte, error) {
	var raw json.RawMessage

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling %s payload: %w", typ, err)
		}
		raw = data
	}

	data, err := json.Marshal(Frame{Type: typ, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshalling %s frame: %w", typ, err)
	}

	return data, nil
}

// DecodePayload unmarshals the frame payload into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("decoding %s payload: empty", f.Type)
	}

	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", f.Type, err)
	}

	return nil
}
