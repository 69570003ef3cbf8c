package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortForDisplay_AckedBySequence(t *testing.T) {
	msgs := []Message{
		{ID: "c", ServerSeq: 3},
		{ID: "a", ServerSeq: 1},
		{ID: "b", ServerSeq: 2},
	}

	SortForDisplay(msgs)

	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, "b", msgs[1].ID)
	assert.Equal(t, "c", msgs[2].ID)
}

func TestSortForDisplay_AckedBeforePending(t *testing.T) {
	msgs := []Message{
		{ID: "pending-old", CreatedAt: 100, DeliveryState: DeliveryPending},
		{ID: "acked-late", ServerSeq: 9, CreatedAt: 500},
		{ID: "pending-new", CreatedAt: 200, DeliveryState: DeliveryPending},
	}

	SortForDisplay(msgs)

	assert.Equal(t, "acked-late", msgs[0].ID)
	assert.Equal(t, "pending-old", msgs[1].ID)
	assert.Equal(t, "pending-new", msgs[2].ID)
}

func TestSortForDisplay_PendingTieBrokenByID(t *testing.T) {
	msgs := []Message{
		{ID: "zzz", CreatedAt: 100},
		{ID: "aaa", CreatedAt: 100},
	}

	SortForDisplay(msgs)

	assert.Equal(t, "aaa", msgs[0].ID)
	assert.Equal(t, "zzz", msgs[1].ID)
}

func TestAcked(t *testing.T) {
	assert.False(t, Message{}.Acked())
	assert.False(t, Message{DeliveryState: DeliverySent}.Acked())
	assert.True(t, Message{ServerSeq: 1}.Acked())
}
