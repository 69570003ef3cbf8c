package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribe_ReceivesMatchingKind(t *testing.T) {
	e := New()

	ch, unsubscribe := e.Subscribe(KindQueueStatus, 1)
	defer unsubscribe()

	e.Publish(KindQueueStatus, "payload")

	evt := <-ch
	assert.Equal(t, KindQueueStatus, evt.Kind)
	assert.Equal(t, "payload", evt.Payload)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestSubscribe_FiltersOtherKinds(t *testing.T) {
	e := New()

	ch, unsubscribe := e.Subscribe(KindQueueStatus, 1)
	defer unsubscribe()

	e.Publish(KindSyncWarning, "not for us")

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %v", evt)
	default:
	}
}

func TestSubscribe_EmptyKindReceivesAll(t *testing.T) {
	e := New()

	ch, unsubscribe := e.Subscribe("", 2)
	defer unsubscribe()

	e.Publish(KindQueueStatus, 1)
	e.Publish(KindSyncWarning, 2)

	require.Len(t, ch, 2)
}

func TestPublish_DropsWhenSubscriberFull(t *testing.T) {
	e := New()

	ch, unsubscribe := e.Subscribe(KindQueueStatus, 1)
	defer unsubscribe()

	// Buffer size 1: the second publish must not block.
	e.Publish(KindQueueStatus, "first")
	e.Publish(KindQueueStatus, "second")

	evt := <-ch
	assert.Equal(t, "first", evt.Payload)
	assert.Empty(t, ch)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	e := New()

	ch, unsubscribe := e.Subscribe(KindQueueStatus, 1)
	unsubscribe()

	e.Publish(KindQueueStatus, "late")

	assert.Empty(t, ch)
}
