package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jbaxter/msgsync/internal/chat"
	"github.com/jbaxter/msgsync/internal/errors"
	"github.com/jbaxter/msgsync/internal/events"
	"github.com/jbaxter/msgsync/internal/queue"
)

// Store is the persistence slice the coordinator needs. The batch write
// is the only path that moves the cursor together with message data.
type Store interface {
	ReconcileStore
	AllMessages() ([]chat.Message, error)
	OldestMessages(n int) ([]chat.Message, error)
	DeleteMessage(id string) error
	PutBatchWithCursor(msgs []chat.Message, cursor int64) error
	SetCursor(cursor int64) error
}

// Outbound is the durable queue slice the coordinator drives.
type Outbound interface {
	Enqueue(m chat.Message) (chat.QueueEntry, error)
	Drain(ctx context.Context, send queue.SendFunc) error
	NextRetryAt() (int64, bool)
	PendingMessages() ([]chat.Message, error)
	Settle(id string) error
}

// Transport is the connection slice the coordinator sends through.
type Transport interface {
	Send(ctx context.Context, m chat.Message) (chat.Ack, error)
	SendFrame(ctx context.Context, typ string, payload any) error
}

// Identity is the local author stamped onto composed messages.
type Identity struct {
	AuthorID   string
	AuthorName string
}

// Coordinator sequences all sync work: it owns the single write path
// into the message log, reacts to inbound frames, runs a sync pass on
// every reconnect, and drains the outbound queue only after the
// reconcile pass has landed.
type Coordinator struct {
	store     Store
	outbound  Outbound
	transport Transport
	rec       *Reconciler
	emitter   *events.Emitter
	logger    *slog.Logger

	identity Identity

	// evictBatch is how many oldest acked messages are dropped when the
	// store reports it is full.
	evictBatch int

	framesCh chan chat.Frame
	syncCh   chan struct{}

	// retryTimer fires when the earliest queued retry comes due. Owned
	// by the Run goroutine.
	retryTimer *time.Timer

	// maxSeen is the highest server sequence observed, used as the
	// resume point when an unrecoverable gap is abandoned.
	maxSeen int64

	// now is injectable for tests.
	now func() time.Time
}

// NewCoordinator wires the engine together. Run must be started before
// frames or sync requests are submitted.
func NewCoordinator(
	store Store,
	outbound Outbound,
	transport Transport,
	rec *Reconciler,
	identity Identity,
	evictBatch int,
	emitter *events.Emitter,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		store:      store,
		outbound:   outbound,
		transport:  transport,
		rec:        rec,
		emitter:    emitter,
		logger:     logger,
		identity:   identity,
		evictBatch: evictBatch,
		framesCh:   make(chan chat.Frame, 128),
		syncCh:     make(chan struct{}, 1),
		now:        time.Now,
	}
}

// HandleFrame accepts an inbound frame from the transport. Called from
// the connection's event loop; never blocks it.
func (c *Coordinator) HandleFrame(f chat.Frame) {
	select {
	case c.framesCh <- f:
	default:
		c.logger.Warn("frame buffer full, dropping frame", slog.String("type", f.Type))
	}
}

// RequestSync schedules a sync pass. Requests arriving while one is
// already scheduled coalesce into it.
func (c *Coordinator) RequestSync() {
	select {
	case c.syncCh <- struct{}{}:
	default:
	}
}

// Run processes frames and sync requests until the context is
// cancelled. Everything that writes to the message log runs on this
// goroutine.
func (c *Coordinator) Run(ctx context.Context) error {
	defer func() {
		if c.retryTimer != nil {
			c.retryTimer.Stop()
		}
	}()

	for {
		var retryCh <-chan time.Time
		if c.retryTimer != nil {
			retryCh = c.retryTimer.C
		}

		select {
		case f := <-c.framesCh:
			c.handleFrame(ctx, f)

		case <-c.syncCh:
			c.runSyncPass(ctx)

		case <-retryCh:
			c.retryTimer = nil
			c.drain(ctx)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runSyncPass starts reconciliation for everything the server has past
// our cursor. The drain of the outbound queue happens only once the
// backfill response has landed (see handleFrame), so queued sends never
// race ahead of history.
func (c *Coordinator) runSyncPass(ctx context.Context) {
	// Any request from a previous connection died with it.
	c.rec.ClearOutstanding()

	since, pending := c.rec.GapSince()
	if !pending {
		cursor, err := c.store.Cursor()
		if err != nil {
			c.logger.Error("reading cursor for sync pass", slog.String("error", err.Error()))
			return
		}
		since = cursor
	}

	c.requestBackfill(ctx, since)
}

// requestBackfill issues the single outstanding backfill request for
// the range after since, if none is in flight yet.
func (c *Coordinator) requestBackfill(ctx context.Context, since int64) {
	if !c.rec.NoteGap(since) {
		return
	}

	err := c.transport.SendFrame(ctx, chat.FrameBackfillRequest, chat.BackfillRequest{SinceSeq: since})
	if err != nil {
		c.rec.AbortRequest()
		if stderrors.Is(err, errors.ErrNotConnected) {
			c.logger.Debug("backfill request skipped, not connected")
			return
		}
		c.logger.Warn("sending backfill request", slog.String("error", err.Error()))
		return
	}

	c.logger.Debug("backfill requested", slog.Int64("sinceSeq", since))
}

func (c *Coordinator) handleFrame(ctx context.Context, f chat.Frame) {
	switch f.Type {
	case chat.FrameMessage:
		var w chat.WireMessage
		if err := f.DecodePayload(&w); err != nil {
			c.logger.Warn("decoding message frame", slog.String("error", err.Error()))
			return
		}
		c.applyServerBatch(ctx, []chat.WireMessage{w}, false)

	case chat.FrameBackfillResponse:
		var resp chat.BackfillResponse
		if err := f.DecodePayload(&resp); err != nil {
			c.logger.Warn("decoding backfill response", slog.String("error", err.Error()))
			return
		}
		c.applyServerBatch(ctx, resp.Messages, true)
		c.drain(ctx)

	case chat.FrameAck:
		var ack chat.Ack
		if err := f.DecodePayload(&ack); err != nil {
			c.logger.Warn("decoding orphaned ack", slog.String("error", err.Error()))
			return
		}
		c.settleOrphanedAck(ctx, ack)

	default:
		c.logger.Debug("ignoring frame", slog.String("type", f.Type))
	}
}

// applyServerBatch reconciles and durably applies one batch. The
// fromBackfill flag distinguishes the answer to an outstanding gap
// request from organic pushes.
func (c *Coordinator) applyServerBatch(ctx context.Context, batch []chat.WireMessage, fromBackfill bool) {
	plan, err := c.rec.Reconcile(batch)
	if err != nil {
		if stderrors.Is(err, errors.ErrSeqRegression) {
			c.logger.Error("server renumbered history, batch rejected", slog.String("error", err.Error()))
			c.emitter.Publish(events.KindSyncWarning, err.Error())
			return
		}
		c.logger.Error("reconciling batch", slog.String("error", err.Error()))
		return
	}

	if err := c.applyPlan(plan); err != nil {
		c.logger.Error("applying batch", slog.String("error", err.Error()))
		return
	}

	if fromBackfill {
		c.rec.ClearOutstanding()
	}

	if !plan.HasGap() {
		if fromBackfill {
			c.rec.GapFilled()
		}
		return
	}

	// A backfill answer that still leaves the hole spends the retry
	// budget; organic messages just raise the gap if none is tracked.
	if fromBackfill && c.rec.GapExhausted() {
		c.abandonGap()
		return
	}

	c.requestBackfill(ctx, plan.GapAfter)
}

func (c *Coordinator) abandonGap() {
	// Resume from the highest point we know of; the cursor never moves
	// backwards.
	resume := c.maxSeen
	if cursor, err := c.store.Cursor(); err == nil && cursor > resume {
		resume = cursor
	}
	resume = c.rec.AbandonGap(resume)

	if err := c.store.SetCursor(resume); err != nil {
		c.logger.Error("forcing cursor past gap", slog.String("error", err.Error()))
		return
	}

	warn := fmt.Errorf("%w: some history could not be recovered, resuming from seq %d",
		errors.ErrGapUnrecoverable, resume)
	c.logger.Warn("gap abandoned", slog.String("error", warn.Error()))
	c.emitter.Publish(events.KindSyncWarning, warn.Error())
}

// applyPlan commits a reconcile plan: batch and cursor land in one
// transaction so a crash can never leave the cursor ahead of the data.
func (c *Coordinator) applyPlan(plan Plan) error {
	if len(plan.Upserts) == 0 {
		cursor, err := c.store.Cursor()
		if err != nil {
			return err
		}
		if plan.Cursor <= cursor {
			return nil
		}
	}

	if err := c.store.PutBatchWithCursor(plan.Upserts, plan.Cursor); err != nil {
		return fmt.Errorf("committing reconciled batch: %w", err)
	}

	for _, m := range plan.Upserts {
		if m.ServerSeq > c.maxSeen {
			c.maxSeen = m.ServerSeq
		}
		c.emitter.Publish(events.KindMessageAdded, m)
	}

	return nil
}

// settleOrphanedAck handles an ack whose send the transport no longer
// tracks (the local ack deadline fired first, or we reconnected). The
// message is still in the queue, so it can be settled late instead of
// being resent.
func (c *Coordinator) settleOrphanedAck(ctx context.Context, ack chat.Ack) {
	msgs, err := c.outbound.PendingMessages()
	if err != nil {
		c.logger.Warn("loading queue for orphaned ack", slog.String("error", err.Error()))
		return
	}

	for _, m := range msgs {
		if m.ID != ack.ID {
			continue
		}

		m.ServerSeq = ack.ServerSeq
		c.applyServerBatch(ctx, []chat.WireMessage{m.ToWire()}, false)

		// A leftover queue entry would only cause a harmless duplicate
		// send (the server dedups by ID), but settle it anyway.
		if err := c.outbound.Settle(m.ID); err != nil {
			c.logger.Warn("removing settled queue entry",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	c.logger.Debug("orphaned ack for unknown message", slog.String("id", ack.ID))
}

// drain pushes the outbound queue through the transport. Runs only
// after a reconcile pass has landed, preserving the
// history-before-own-sends ordering on reconnect.
func (c *Coordinator) drain(ctx context.Context) {
	err := c.outbound.Drain(ctx, c.sendAndSettle)
	if err != nil && !stderrors.Is(err, context.Canceled) {
		c.logger.Warn("draining outbound queue", slog.String("error", err.Error()))
	}

	c.scheduleRetry()
}

// scheduleRetry arms the timer for the earliest queued retry, so a
// transient send failure is retried when its backoff expires rather
// than waiting for the next inbound frame or reconnect.
func (c *Coordinator) scheduleRetry() {
	at, ok := c.outbound.NextRetryAt()
	if !ok {
		return
	}

	wait := time.Duration(at-c.now().UnixMilli()) * time.Millisecond
	if wait < 0 {
		wait = 0
	}

	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.NewTimer(wait)

	c.logger.Debug("retry drain scheduled", slog.Duration("wait", wait))
}

// sendAndSettle is the queue's SendFunc: transmit, await the ack, and
// durably move the message from the queue into the acked log. Only a
// nil return lets the queue delete its entry.
func (c *Coordinator) sendAndSettle(ctx context.Context, m chat.Message) error {
	ack, err := c.transport.Send(ctx, m)
	if err != nil {
		return err
	}

	m.ServerSeq = ack.ServerSeq
	m.DeliveryState = chat.DeliveryAcked

	plan, err := c.rec.Reconcile([]chat.WireMessage{m.ToWire()})
	if err != nil {
		return fmt.Errorf("reconciling own send %s: %w", m.ID, err)
	}

	if err := c.applyPlan(plan); err != nil {
		return fmt.Errorf("persisting acked message %s: %w", m.ID, err)
	}

	// Our own ack can reveal missing history: the server assigned us a
	// sequence past the cursor. Recover the range now instead of waiting
	// for the next reconnect.
	if plan.HasGap() {
		c.requestBackfill(ctx, plan.GapAfter)
	}

	return nil
}

// Compose creates, persists, and (when connected) immediately attempts
// to deliver a new message from the local user. The message is durable
// in the outbound queue before Compose returns. When the store is full
// the oldest acked messages are evicted once and the enqueue retried;
// if it still fails, ErrStorageFull surfaces to the caller.
func (c *Coordinator) Compose(text string) (chat.Message, error) {
	m := chat.Message{
		ID:            uuid.NewString(),
		AuthorID:      c.identity.AuthorID,
		AuthorName:    c.identity.AuthorName,
		Text:          text,
		CreatedAt:     c.now().UnixMilli(),
		DeliveryState: chat.DeliveryPending,
	}

	_, err := c.outbound.Enqueue(m)
	if stderrors.Is(err, errors.ErrStorageFull) {
		c.logger.Warn("store full, evicting oldest acked messages", slog.Int("batch", c.evictBatch))

		if evictErr := c.evictOldest(); evictErr != nil {
			return chat.Message{}, fmt.Errorf("evicting for new message: %w", evictErr)
		}

		_, err = c.outbound.Enqueue(m)
	}
	if err != nil {
		return chat.Message{}, err
	}

	c.emitter.Publish(events.KindMessageAdded, m)
	c.RequestSync()

	return m, nil
}

// evictOldest deletes the oldest acked messages from the log. Pending
// messages are never evicted; they only leave via delivery or explicit
// failure.
func (c *Coordinator) evictOldest() error {
	victims, err := c.store.OldestMessages(c.evictBatch)
	if err != nil {
		return fmt.Errorf("selecting eviction victims: %w", err)
	}

	evicted := 0
	for _, m := range victims {
		if !m.Acked() {
			continue
		}
		if err := c.store.DeleteMessage(m.ID); err != nil {
			return fmt.Errorf("evicting message %s: %w", m.ID, err)
		}
		evicted++
	}

	if evicted == 0 {
		return fmt.Errorf("%w: nothing evictable", errors.ErrStorageFull)
	}

	c.logger.Info("evicted messages", slog.Int("count", evicted))

	return nil
}

// Messages returns the merged display view: the acked log plus the
// pending outbound messages, ordered for display.
func (c *Coordinator) Messages() ([]chat.Message, error) {
	logged, err := c.store.AllMessages()
	if err != nil {
		return nil, fmt.Errorf("loading message log: %w", err)
	}

	pending, err := c.outbound.PendingMessages()
	if err != nil {
		return nil, fmt.Errorf("loading pending messages: %w", err)
	}

	seen := make(map[string]bool, len(logged))
	merged := make([]chat.Message, 0, len(logged)+len(pending))

	for _, m := range logged {
		seen[m.ID] = true
		merged = append(merged, m)
	}
	for _, m := range pending {
		if seen[m.ID] {
			continue
		}
		merged = append(merged, m)
	}

	chat.SortForDisplay(merged)

	return merged, nil
}
