// Package engine merges server messages into the local log and drives
// the sync passes that run after every reconnect. The reconciler is
// pure planning logic; the coordinator owns I/O and sequencing.
package engine

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/jbaxter/msgsync/internal/chat"
	"github.com/jbaxter/msgsync/internal/errors"
)

// ReconcileStore is the read side the reconciler needs to plan a merge.
type ReconcileStore interface {
	GetMessage(id string) (*chat.Message, error)
	Cursor() (int64, error)
}

// Plan is the outcome of reconciling one batch: the writes to apply
// atomically, the cursor position after the batch, and whether a gap
// was detected that needs a backfill before the cursor can advance
// past it.
type Plan struct {
	// Upserts are the messages to write, deduplicated and settled to
	// acked state.
	Upserts []chat.Message

	// Cursor is the new durable cursor. Only advanced through sequence
	// numbers contiguously covered from the previous cursor.
	Cursor int64

	// Gap reports that sequences beyond the cursor arrived without the
	// ones in between. Messages past the hole are still in Upserts; the
	// cursor simply stops short of them until a backfill fills it.
	Gap bool

	// GapAfter is the last contiguous sequence when Gap is set.
	GapAfter int64
}

// HasGap reports whether this plan left a hole behind the batch.
func (p Plan) HasGap() bool {
	return p.Gap
}

// gapState tracks an outstanding backfill for a detected gap. At most
// one backfill request is in flight per gap.
type gapState struct {
	sinceSeq  int64
	attempts  int
	requested bool
}

// Reconciler folds inbound server messages into merge plans. Not safe
// for concurrent use; the coordinator calls it from a single goroutine.
type Reconciler struct {
	store  ReconcileStore
	logger *slog.Logger

	// maxBackfillRetries bounds how often a gap is re-requested before
	// it is abandoned and the cursor forced forward.
	maxBackfillRetries int

	gap *gapState
}

// NewReconciler creates a reconciler over the given store view.
func NewReconciler(store ReconcileStore, maxBackfillRetries int, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:              store,
		maxBackfillRetries: maxBackfillRetries,
		logger:             logger,
	}
}

// Reconcile plans the merge of a batch of server messages. The batch
// may contain duplicates of already-stored messages (at-least-once
// delivery), the echoes of our own sends, and out-of-order arrivals.
//
// Rules:
//   - A message whose ID is already stored with the same ServerSeq is
//     a duplicate and dropped.
//   - A stored message without a seq (a pending local send) gaining one
//     is the ack echo: it is settled to acked with the server's fields.
//   - A stored message with a DIFFERENT non-zero seq means the server
//     renumbered history; that violates log immutability and aborts
//     the whole batch with ErrSeqRegression.
//   - The cursor advances only through seqs contiguous from the current
//     cursor. A hole leaves the cursor at the last contiguous seq and
//     records the gap for backfill.
func (r *Reconciler) Reconcile(batch []chat.WireMessage) (Plan, error) {
	cursor, err := r.store.Cursor()
	if err != nil {
		return Plan{}, fmt.Errorf("reading cursor: %w", err)
	}

	// Collapse duplicates within the batch itself first, keeping the
	// occurrence with a seq if any.
	byID := make(map[string]chat.WireMessage, len(batch))
	for _, w := range batch {
		if prev, ok := byID[w.ID]; ok && prev.ServerSeq != 0 && w.ServerSeq == 0 {
			continue
		}
		byID[w.ID] = w
	}

	plan := Plan{Cursor: cursor}
	seqs := make(map[int64]bool)

	for _, w := range byID {
		stored, err := r.store.GetMessage(w.ID)
		if err != nil {
			return Plan{}, fmt.Errorf("looking up message %s: %w", w.ID, err)
		}

		if stored != nil {
			if stored.ServerSeq != 0 && w.ServerSeq != 0 && stored.ServerSeq != w.ServerSeq {
				return Plan{}, fmt.Errorf(
					"%w: message %s stored at seq %d, server says %d",
					errors.ErrSeqRegression, w.ID, stored.ServerSeq, w.ServerSeq,
				)
			}

			if stored.ServerSeq == w.ServerSeq {
				// Exact duplicate. Seq still counts toward contiguity in
				// case an earlier crash left the cursor behind.
				if w.ServerSeq > cursor {
					seqs[w.ServerSeq] = true
				}
				continue
			}
		}

		if w.ServerSeq == 0 {
			// Unsequenced message from the server makes no sense.
			r.logger.Warn("dropping server message without sequence", slog.String("id", w.ID))
			continue
		}

		plan.Upserts = append(plan.Upserts, w.ToMessage(chat.DeliveryAcked))
		if w.ServerSeq > cursor {
			seqs[w.ServerSeq] = true
		}
	}

	sort.Slice(plan.Upserts, func(i, j int) bool {
		return plan.Upserts[i].ServerSeq < plan.Upserts[j].ServerSeq
	})

	// Walk contiguity from the cursor. The first hole stops the cursor.
	next := cursor + 1
	for seqs[next] {
		next++
	}
	plan.Cursor = next - 1

	if hasBeyond(seqs, next) {
		plan.Gap = true
		plan.GapAfter = plan.Cursor
	}

	return plan, nil
}

func hasBeyond(seqs map[int64]bool, from int64) bool {
	for s := range seqs {
		if s >= from {
			return true
		}
	}

	return false
}

// NoteGap records a gap ending at afterSeq and reports whether a
// backfill request should be issued now. False means one is already in
// flight for this gap; exactly one request is outstanding at a time.
// Each true return charges one attempt against the retry budget.
func (r *Reconciler) NoteGap(afterSeq int64) bool {
	if r.gap != nil && r.gap.requested {
		return false
	}

	if r.gap == nil {
		r.gap = &gapState{}
	}
	// The boundary can move up as contiguous messages land.
	r.gap.sinceSeq = afterSeq

	r.gap.requested = true
	r.gap.attempts++

	return true
}

// ClearOutstanding voids the in-flight request marker: the response
// arrived, or the connection it was sent on died. The gap itself (and
// its attempt count) survives until filled or abandoned.
func (r *Reconciler) ClearOutstanding() {
	if r.gap != nil {
		r.gap.requested = false
	}
}

// AbortRequest refunds an attempt for a request that never made it onto
// the wire.
func (r *Reconciler) AbortRequest() {
	if r.gap == nil {
		return
	}

	r.gap.requested = false
	if r.gap.attempts > 0 {
		r.gap.attempts--
	}
}

// GapSince returns the sequence a pending backfill should start after,
// and whether a gap is pending at all.
func (r *Reconciler) GapSince() (int64, bool) {
	if r.gap == nil {
		return 0, false
	}

	return r.gap.sinceSeq, true
}

// GapFilled clears the gap once a backfill closed it.
func (r *Reconciler) GapFilled() {
	r.gap = nil
}

// GapExhausted reports whether the gap has spent its retry budget and
// should be abandoned.
func (r *Reconciler) GapExhausted() bool {
	return r.gap != nil && r.gap.attempts >= r.maxBackfillRetries
}

// AbandonGap gives up on a hole the server can no longer fill (history
// truncation) and returns the cursor value to force past it, so sync
// can make progress with a permanent gap in the local log.
func (r *Reconciler) AbandonGap(knownMax int64) int64 {
	since := int64(0)
	if r.gap != nil {
		since = r.gap.sinceSeq
	}

	r.logger.Warn("abandoning unrecoverable gap",
		slog.Int64("afterSeq", since),
		slog.Int64("resumeSeq", knownMax),
	)

	r.gap = nil

	return knownMax
}
