// Package chat defines the canonical message shape shared by the
// outbound queue, the reconciler, and the store, plus the wire frames
// exchanged with the sync server.
package chat

import (
	"sort"
	"time"
)

// DeliveryState tracks where a message is in its delivery lifecycle.
type DeliveryState string

const (
	// DeliveryPending is a locally authored message waiting in the
	// outbound queue.
	DeliveryPending DeliveryState = "pending"
	// DeliverySent is a message written to the transport, awaiting ack.
	DeliverySent DeliveryState = "sent"
	// DeliveryAcked is a message the server accepted and sequenced.
	DeliveryAcked DeliveryState = "acked"
	// DeliveryFailed is a message that exhausted its send attempts. It
	// stays visible so the user can retry it explicitly.
	DeliveryFailed DeliveryState = "failed"
)

// Message is the atomic unit of communication. ID is assigned by the
// author at creation time and never changes; two messages with the same
// ID are the same logical message no matter how many times they arrive
// over the transport.
type Message struct {
	ID         string `json:"id"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	Text       string `json:"text"`

	// CreatedAt is the author-local send time in Unix milliseconds.
	// Used for tie-breaking and for ordering messages that have no
	// server sequence yet.
	CreatedAt int64 `json:"createdAt"`

	// ServerSeq is the sequence number the server assigned on
	// acceptance. Zero until the message is acked; once set it is the
	// canonical ordering key.
	ServerSeq int64 `json:"serverSeq,omitempty"`

	DeliveryState DeliveryState `json:"deliveryState"`
}

// Acked reports whether the server has assigned this message a sequence.
func (m Message) Acked() bool {
	return m.ServerSeq > 0
}

// FormatCreatedAt renders the send time for display, in local time.
func (m Message) FormatCreatedAt() string {
	return time.UnixMilli(m.CreatedAt).Local().Format("15:04:05")
}

// QueueEntry wraps a pending outbound message with its retry state.
// The outbound queue exclusively owns the lifecycle of these entries.
type QueueEntry struct {
	Message Message `json:"message"`

	// Attempts counts transport-reported send failures. Sends abandoned
	// by an explicit user disconnect are not charged.
	Attempts int `json:"attempts"`

	// NextRetryAt is the earliest Unix-millisecond time another attempt
	// is permitted. Zero means ready now.
	NextRetryAt int64 `json:"nextRetryAt"`

	// EnqueuedAt orders equally-ready entries FIFO.
	EnqueuedAt int64 `json:"enqueuedAt"`
}

// SortForDisplay orders messages the way the UI renders them: acked
// messages by ServerSeq, then pending messages by CreatedAt with ID as
// the deterministic tie-break. Acked always sorts before pending.
func SortForDisplay(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]

		switch {
		case a.Acked() && b.Acked():
			return a.ServerSeq < b.ServerSeq
		case a.Acked():
			return true
		case b.Acked():
			return false
		}

		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}

		return a.ID < b.ID
	})
}
