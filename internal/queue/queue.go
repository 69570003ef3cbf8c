// Package queue implements the durable outbound queue: locally authored
// messages wait here, persisted, until the server acknowledges them.
// Delivery is at-least-once; the reconciler deduplicates on the far side.
package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jbaxter/msgsync/internal/chat"
	"github.com/jbaxter/msgsync/internal/errors"
	"github.com/jbaxter/msgsync/internal/events"
	"github.com/jbaxter/msgsync/internal/retry"
)

// Store is the slice of the persistent store the queue needs. The queue
// exclusively owns the queue bucket's entry lifecycle.
type Store interface {
	GetQueueEntry(id string) (*chat.QueueEntry, error)
	PutQueueEntry(qe chat.QueueEntry) error
	DeleteQueueEntry(id string) error
	AllQueueEntries() ([]chat.QueueEntry, error)
}

// SendFunc delivers one message. The coordinator binds this to the live
// connection and its store write path: by the time SendFunc returns
// nil, the server has acked and the message is durable in the log.
type SendFunc func(ctx context.Context, m chat.Message) error

// Status is the user-visible queue summary.
type Status struct {
	Pending int
	Failed  int
}

// Config holds the retry policy.
type Config struct {
	// MaxAttempts is the number of transport-reported failures before
	// an entry is marked failed and parked for manual retry.
	MaxAttempts int

	// BackoffBase and BackoffCap bound the exponential retry delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Queue is the durable outbound queue.
type Queue struct {
	store   Store
	cfg     Config
	emitter *events.Emitter
	logger  *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// New creates a queue over the given store slice.
func New(store Store, cfg Config, emitter *events.Emitter, logger *slog.Logger) *Queue {
	return &Queue{
		store:   store,
		cfg:     cfg,
		emitter: emitter,
		logger:  logger,
		now:     time.Now,
	}
}

// Enqueue persists a new entry for the message. Idempotent on message
// ID: enqueueing an ID already present returns the existing entry
// untouched, so a double submission cannot produce a duplicate send. A
// previously failed entry is reset to pending with a fresh attempt
// budget (the "tap to retry" path).
func (q *Queue) Enqueue(m chat.Message) (chat.QueueEntry, error) {
	existing, err := q.store.GetQueueEntry(m.ID)
	if err != nil {
		return chat.QueueEntry{}, fmt.Errorf("looking up queue entry: %w", err)
	}

	if existing != nil {
		if existing.Message.DeliveryState != chat.DeliveryFailed {
			return *existing, nil
		}

		existing.Message.DeliveryState = chat.DeliveryPending
		existing.Attempts = 0
		existing.NextRetryAt = 0

		if err := q.store.PutQueueEntry(*existing); err != nil {
			return chat.QueueEntry{}, fmt.Errorf("resetting failed entry: %w", err)
		}

		q.publishStatus()

		return *existing, nil
	}

	m.DeliveryState = chat.DeliveryPending
	entry := chat.QueueEntry{
		Message:    m,
		EnqueuedAt: q.now().UnixMilli(),
	}

	if err := q.store.PutQueueEntry(entry); err != nil {
		// ErrStorageFull passes through untranslated so the coordinator
		// can evict and retry.
		return chat.QueueEntry{}, fmt.Errorf("persisting queue entry: %w", err)
	}

	q.publishStatus()

	return entry, nil
}

// Drain sends ready entries in FIFO order by EnqueuedAt. Entries whose
// NextRetryAt has not arrived are skipped. A successful send deletes
// the entry; a transport failure charges an attempt and schedules the
// next one; an abandoned send (user disconnect) stops the pass without
// charging anything.
func (q *Queue) Drain(ctx context.Context, send SendFunc) error {
	entries, err := q.store.AllQueueEntries()
	if err != nil {
		return fmt.Errorf("loading queue entries: %w", err)
	}

	ready := entries[:0]
	for _, e := range entries {
		if e.Message.DeliveryState == chat.DeliveryFailed {
			continue
		}
		ready = append(ready, e)
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].EnqueuedAt != ready[j].EnqueuedAt {
			return ready[i].EnqueuedAt < ready[j].EnqueuedAt
		}
		return ready[i].Message.ID < ready[j].Message.ID
	})

	changed := false
	defer func() {
		if changed {
			q.publishStatus()
		}
	}()

	for _, entry := range ready {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := q.now().UnixMilli()
		if entry.NextRetryAt > now {
			continue
		}

		entry.Message.DeliveryState = chat.DeliverySent

		err := send(ctx, entry.Message)
		if err == nil {
			if err := q.store.DeleteQueueEntry(entry.Message.ID); err != nil {
				q.logger.Warn("deleting acked queue entry",
					slog.String("id", entry.Message.ID),
					slog.String("error", err.Error()),
				)
			}
			changed = true
			continue
		}

		if stderrors.Is(err, errors.ErrSendAbandoned) ||
			stderrors.Is(err, errors.ErrNotConnected) ||
			stderrors.Is(err, context.Canceled) {
			// Going offline is not a delivery failure: no attempt is
			// charged and the entry stays queued exactly as it was.
			q.logger.Debug("drain stopped, offline", slog.String("id", entry.Message.ID))
			return nil
		}

		entry.Attempts++
		changed = true

		if entry.Attempts >= q.cfg.MaxAttempts {
			q.logger.Warn("message exhausted send attempts",
				slog.String("id", entry.Message.ID),
				slog.Int("attempts", entry.Attempts),
			)
			entry.Message.DeliveryState = chat.DeliveryFailed
			entry.NextRetryAt = 0
		} else {
			wait := retry.Backoff(entry.Attempts, q.cfg.BackoffBase, q.cfg.BackoffCap)
			entry.Message.DeliveryState = chat.DeliveryPending
			entry.NextRetryAt = q.now().Add(wait).UnixMilli()
			q.logger.Debug("send failed, retry scheduled",
				slog.String("id", entry.Message.ID),
				slog.Int("attempts", entry.Attempts),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		}

		if perr := q.store.PutQueueEntry(entry); perr != nil {
			q.logger.Warn("persisting retry state",
				slog.String("id", entry.Message.ID),
				slog.String("error", perr.Error()),
			)
		}
	}

	return nil
}

// Settle removes an entry whose message was durably acked outside the
// normal drain path (a late ack recovered by the coordinator).
func (q *Queue) Settle(id string) error {
	if err := q.store.DeleteQueueEntry(id); err != nil {
		return fmt.Errorf("settling queue entry: %w", err)
	}

	q.publishStatus()

	return nil
}

// MarkFailed explicitly parks an entry out of the retry cycle. The
// entry is retained so the UI can offer a manual retry via Enqueue.
func (q *Queue) MarkFailed(id string) error {
	entry, err := q.store.GetQueueEntry(id)
	if err != nil {
		return fmt.Errorf("looking up queue entry: %w", err)
	}
	if entry == nil {
		return fmt.Errorf("queue entry %s not found", id)
	}

	entry.Message.DeliveryState = chat.DeliveryFailed
	entry.NextRetryAt = 0

	if err := q.store.PutQueueEntry(*entry); err != nil {
		return fmt.Errorf("marking entry failed: %w", err)
	}

	q.publishStatus()

	return nil
}

// NextRetryAt returns the earliest scheduled retry among entries still
// in the retry cycle, as unix millis. ok is false when no entry is
// waiting on a backoff timer.
func (q *Queue) NextRetryAt() (int64, bool) {
	entries, err := q.store.AllQueueEntries()
	if err != nil {
		q.logger.Warn("loading queue entries", slog.String("error", err.Error()))
		return 0, false
	}

	var earliest int64
	for _, e := range entries {
		if e.Message.DeliveryState == chat.DeliveryFailed || e.NextRetryAt == 0 {
			continue
		}
		if earliest == 0 || e.NextRetryAt < earliest {
			earliest = e.NextRetryAt
		}
	}

	return earliest, earliest != 0
}

// Status counts pending and failed entries.
func (q *Queue) Status() (Status, error) {
	entries, err := q.store.AllQueueEntries()
	if err != nil {
		return Status{}, fmt.Errorf("loading queue entries: %w", err)
	}

	var st Status
	for _, e := range entries {
		if e.Message.DeliveryState == chat.DeliveryFailed {
			st.Failed++
		} else {
			st.Pending++
		}
	}

	return st, nil
}

// PendingMessages returns the messages of every queued entry, failed
// ones included, oldest first. The coordinator merges these into the
// display view, where failed entries stay visible.
func (q *Queue) PendingMessages() ([]chat.Message, error) {
	entries, err := q.store.AllQueueEntries()
	if err != nil {
		return nil, fmt.Errorf("loading queue entries: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EnqueuedAt != entries[j].EnqueuedAt {
			return entries[i].EnqueuedAt < entries[j].EnqueuedAt
		}
		return entries[i].Message.ID < entries[j].Message.ID
	})

	msgs := make([]chat.Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, e.Message)
	}

	return msgs, nil
}

func (q *Queue) publishStatus() {
	st, err := q.Status()
	if err != nil {
		q.logger.Warn("computing queue status", slog.String("error", err.Error()))
		return
	}

	q.emitter.Publish(events.KindQueueStatus, st)
}
