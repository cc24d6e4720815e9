package syncer

import (
	"context"
	"sync"
	"time"

	"taskflow/internal/domain"
	"taskflow/internal/events"
	"taskflow/internal/metrics"
	"taskflow/internal/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Transport sends one batch to the remote sync endpoint.
type Transport interface {
	Sync(ctx context.Context, req models.SyncRequest) (*models.SyncResponseData, error)
}

// DeltaApplier merges server-reported deltas into local state.
type DeltaApplier interface {
	ApplyServerDeltas(deltas []models.ChangeRecord) models.DeltaResult
}

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	Intervals  map[models.ChangeClass]time.Duration
	Retry      RetryPolicy
	Clock      clockwork.Clock
	Journal    domain.Journal
	DeadLetter domain.DeadLetter
	Events     domain.EventPublisher
	Logger     *zerolog.Logger
}

// Engine is the change queue and sync reconciler. A single loop goroutine,
// run by Start, owns every bucket, in-flight batch and the sync cursor; all
// other methods talk to it through messages.
type Engine struct {
	transport  Transport
	applier    DeltaApplier
	journal    domain.Journal
	deadLetter domain.DeadLetter
	events     domain.EventPublisher
	clock      clockwork.Clock
	intervals  map[models.ChangeClass]time.Duration
	retry      RetryPolicy
	logger     zerolog.Logger

	inbox     chan message
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	sends     sync.WaitGroup

	// Loop-owned state.
	runCtx      context.Context
	buckets     map[models.BucketKey]*bucket
	inflight    map[models.BucketKey]*batch
	failed      map[models.BucketKey]bool
	status      models.SyncStatus
	lastSynced  time.Time
	pending     int
	lastErr     error
	epoch       uint64
	timerSeq    uint64
	nextBatchID uint64
	drains      []chan error
	replies     []reply

	mu    sync.RWMutex
	state models.SyncState
}

type bucket struct {
	records []models.ChangeRecord
	timer   clockwork.Timer
	seq     uint64
	// due is set when the bucket should have flushed while its key still had
	// a batch in flight.
	due bool
}

type batch struct {
	id       uint64
	key      models.BucketKey
	records  []models.ChangeRecord
	epoch    uint64
	attempts int
	timer    clockwork.Timer
}

type message interface{}

type reply struct {
	ch  chan error
	err error
}

type enqueueMsg struct {
	rec   models.ChangeRecord
	reply chan error
}

type timerMsg struct {
	key models.BucketKey
	seq uint64
}

type resultMsg struct {
	batch *batch
	resp  *models.SyncResponseData
	err   error
}

type retryMsg struct {
	batch *batch
}

type syncAllMsg struct {
	reply chan error
}

type clearMsg struct {
	reply chan error
}

type seedMsg struct {
	at    time.Time
	reply chan error
}

// NewEngine builds an engine; call Start to run it.
func NewEngine(transport Transport, applier DeltaApplier, opts Options) *Engine {
	intervals := models.DefaultDebounceIntervals()
	for class, d := range opts.Intervals {
		if d > 0 {
			intervals[class] = d
		}
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "sync-engine").Logger()
	}

	e := &Engine{
		transport:  transport,
		applier:    applier,
		journal:    opts.Journal,
		deadLetter: opts.DeadLetter,
		events:     opts.Events,
		clock:      clock,
		intervals:  intervals,
		retry:      opts.Retry.withDefaults(),
		logger:     logger,
		inbox:      make(chan message, 64),
		done:       make(chan struct{}),
		buckets:    make(map[models.BucketKey]*bucket),
		inflight:   make(map[models.BucketKey]*batch),
		failed:     make(map[models.BucketKey]bool),
		status:     models.SyncIdle,
	}
	e.state = models.SyncState{SyncStatus: models.SyncIdle}
	return e
}

// Start restores journaled changes and runs the reconciliation loop until
// ctx is done. It blocks; run it in its own goroutine.
func (e *Engine) Start(ctx context.Context) {
	first := false
	e.startOnce.Do(func() { first = true })
	if !first {
		return
	}

	e.runCtx = ctx
	e.restore(ctx)
	e.publishState()
	e.logger.Info().Msg("Sync engine started")
	defer e.logger.Info().Msg("Sync engine stopped")

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case msg := <-e.inbox:
			e.handle(msg)
			e.publishState()
			for _, r := range e.replies {
				r.ch <- r.err
			}
			e.replies = e.replies[:0]
		}
	}
}

// Enqueue validates rec and appends it to its bucket, restarting the
// bucket's debounce timer.
func (e *Engine) Enqueue(ctx context.Context, rec models.ChangeRecord) error {
	rec.ChangeClass = rec.ChangeClass.OrDefault()
	if err := ValidateChange(rec); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = e.clock.Now().UTC()
	}
	reply := make(chan error, 1)
	return e.request(ctx, enqueueMsg{rec: rec, reply: reply}, reply)
}

// SyncAll flushes every bucket immediately and waits until the batches it
// started have settled. It returns the last sync error when the cursor ends
// in the error state.
func (e *Engine) SyncAll(ctx context.Context) error {
	reply := make(chan error, 1)
	return e.request(ctx, syncAllMsg{reply: reply}, reply)
}

// Clear drops all pending changes and timers without transmitting them.
// Responses for batches already in flight are discarded.
func (e *Engine) Clear(ctx context.Context) error {
	reply := make(chan error, 1)
	return e.request(ctx, clearMsg{reply: reply}, reply)
}

// Seed sets the cursor from the initial load. The cursor never moves back.
func (e *Engine) Seed(ctx context.Context, lastSyncedAt time.Time) error {
	reply := make(chan error, 1)
	return e.request(ctx, seedMsg{at: lastSyncedAt, reply: reply}, reply)
}

// Status returns the current observability snapshot.
func (e *Engine) Status() models.SyncState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.state
	if st.LastSynced != nil {
		t := *st.LastSynced
		st.LastSynced = &t
	}
	return st
}

func (e *Engine) request(ctx context.Context, msg message, reply chan error) error {
	select {
	case e.inbox <- msg:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineClosed
	}
}

// post delivers a message from a timer or transport goroutine.
func (e *Engine) post(msg message) {
	select {
	case e.inbox <- msg:
	case <-e.done:
	}
}

func (e *Engine) handle(msg message) {
	switch m := msg.(type) {
	case enqueueMsg:
		e.appendJournal(m.rec)
		e.addRecord(m.rec)
		e.respond(m.reply, nil)
	case timerMsg:
		b := e.buckets[m.key]
		if b == nil || b.seq != m.seq {
			return
		}
		b.timer = nil
		e.flush(m.key)
	case resultMsg:
		e.handleResult(m)
	case retryMsg:
		bt := m.batch
		if bt.epoch != e.epoch || e.inflight[bt.key] != bt {
			return
		}
		bt.timer = nil
		e.send(bt)
	case syncAllMsg:
		for key := range e.buckets {
			e.flush(key)
		}
		e.drains = append(e.drains, m.reply)
		e.checkDrains()
	case clearMsg:
		e.respond(m.reply, e.clear())
	case seedMsg:
		if m.at.After(e.lastSynced) {
			e.lastSynced = m.at
		}
		e.respond(m.reply, nil)
	}
}

func (e *Engine) restore(ctx context.Context) {
	if e.journal == nil {
		return
	}
	recs, err := e.journal.PendingChanges(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to restore pending changes")
		return
	}
	for _, rec := range recs {
		e.addRecord(rec)
	}
	if len(recs) > 0 {
		e.logger.Info().Int("count", len(recs)).Msg("Restored pending changes from journal")
	}
}

func (e *Engine) appendJournal(rec models.ChangeRecord) {
	if e.journal == nil {
		return
	}
	if err := e.journal.AppendChange(e.runCtx, rec); err != nil {
		e.logger.Warn().Err(err).Str("change_id", rec.ID).Msg("Journal append failed")
	}
}

func (e *Engine) addRecord(rec models.ChangeRecord) {
	key := rec.Key()
	b := e.buckets[key]
	if b == nil {
		b = &bucket{}
		e.buckets[key] = b
	}
	b.records = append(b.records, rec)
	e.pending++
	e.armTimer(key, b)
}

func (e *Engine) armTimer(key models.BucketKey, b *bucket) {
	if b.timer != nil {
		b.timer.Stop()
	}
	e.timerSeq++
	seq := e.timerSeq
	b.seq = seq
	b.timer = e.clock.AfterFunc(e.interval(key.ChangeClass), func() {
		go e.post(timerMsg{key: key, seq: seq})
	})
}

func (e *Engine) interval(class models.ChangeClass) time.Duration {
	if d, ok := e.intervals[class]; ok {
		return d
	}
	return e.intervals[models.ClassDefault]
}

// flush hands the bucket for key to the transport, or marks it due when the
// key already has a batch in flight.
func (e *Engine) flush(key models.BucketKey) {
	b := e.buckets[key]
	if b == nil {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.seq = 0
	if len(b.records) == 0 {
		delete(e.buckets, key)
		return
	}
	if _, busy := e.inflight[key]; busy {
		b.due = true
		return
	}

	delete(e.buckets, key)
	e.nextBatchID++
	bt := &batch{id: e.nextBatchID, key: key, records: b.records, epoch: e.epoch}
	e.inflight[key] = bt
	e.refreshStatus()
	e.send(bt)
}

func (e *Engine) send(bt *batch) {
	bt.attempts++
	req := models.SyncRequest{
		Changes:        append([]models.ChangeRecord(nil), bt.records...),
		ClientLastSync: e.lastSynced,
	}
	if req.ClientLastSync.IsZero() {
		req.ClientLastSync = e.clock.Now().UTC()
	}

	e.logger.Debug().
		Str("key", bt.key.String()).
		Uint64("batch_id", bt.id).
		Int("size", len(bt.records)).
		Int("attempt", bt.attempts).
		Msg("Sending batch")
	metrics.ObserveBatchSize(len(bt.records))
	e.publish(events.EventBatchSent, bt, "")

	ctx := e.runCtx
	e.sends.Add(1)
	go func() {
		defer e.sends.Done()
		resp, err := e.transport.Sync(ctx, req)
		e.post(resultMsg{batch: bt, resp: resp, err: err})
	}()
}

func (e *Engine) handleResult(m resultMsg) {
	bt := m.batch
	if bt.epoch != e.epoch || e.inflight[bt.key] != bt {
		e.logger.Debug().Uint64("batch_id", bt.id).Msg("Discarding response for cleared batch")
		metrics.IncBatch(metrics.OutcomeDiscarded)
		return
	}

	err := m.err
	if err == nil {
		err = validateResponse(m.resp)
	}

	switch {
	case err == nil:
		e.acknowledge(bt, m.resp)
	case IsFatal(err):
		metrics.IncBatch(metrics.OutcomeFatal)
		e.fail(bt, err)
	case bt.attempts >= e.retry.MaxRetries:
		metrics.IncBatch(metrics.OutcomeExhausted)
		e.fail(bt, &RetryExhaustedError{Attempts: bt.attempts, Last: err})
	default:
		delay := e.retry.NextDelay(bt.attempts - 1)
		e.logger.Warn().
			Err(err).
			Str("key", bt.key.String()).
			Int("attempt", bt.attempts).
			Dur("retry_in", delay).
			Msg("Sync attempt failed, retrying")
		metrics.IncBatch(metrics.OutcomeRetry)
		bt.timer = e.clock.AfterFunc(delay, func() {
			go e.post(retryMsg{batch: bt})
		})
	}
}

func validateResponse(resp *models.SyncResponseData) error {
	if resp == nil {
		return &FatalSyncError{Err: errMissingData}
	}
	if resp.SyncedAt.IsZero() {
		return &FatalSyncError{Err: errMissingSyncedAt}
	}
	return nil
}

func (e *Engine) acknowledge(bt *batch, resp *models.SyncResponseData) {
	delete(e.inflight, bt.key)
	delete(e.failed, bt.key)

	if e.applier != nil && len(resp.ServerChanges) > 0 {
		res := e.applier.ApplyServerDeltas(resp.ServerChanges)
		e.logger.Debug().Int("applied", res.Applied).Int("ignored", res.Ignored).Msg("Server deltas merged")
	}
	if resp.SyncedAt.After(e.lastSynced) {
		e.lastSynced = resp.SyncedAt
	}
	e.pending -= len(bt.records)
	if e.pending < 0 {
		e.pending = 0
	}

	if e.journal != nil {
		ids := make([]string, 0, len(bt.records))
		for _, rec := range bt.records {
			ids = append(ids, rec.ID)
		}
		if err := e.journal.AckChanges(e.runCtx, ids); err != nil {
			e.logger.Warn().Err(err).Msg("Journal ack failed")
		}
	}
	if len(e.failed) == 0 {
		e.lastErr = nil
	}

	metrics.IncBatch(metrics.OutcomeSuccess)
	e.publish(events.EventBatchAcknowledged, bt, "")
	e.logger.Info().
		Str("key", bt.key.String()).
		Int("size", len(bt.records)).
		Time("synced_at", resp.SyncedAt).
		Msg("Batch synced")
	e.settle(bt.key)
}

// fail returns the batch to the front of its bucket so nothing is lost.
func (e *Engine) fail(bt *batch, cause error) {
	delete(e.inflight, bt.key)
	b := e.buckets[bt.key]
	if b == nil {
		b = &bucket{}
		e.buckets[bt.key] = b
	}
	b.records = append(append([]models.ChangeRecord(nil), bt.records...), b.records...)
	e.failed[bt.key] = true
	e.lastErr = cause

	e.logger.Error().
		Err(cause).
		Str("key", bt.key.String()).
		Int("size", len(bt.records)).
		Msg("Batch failed, changes kept for manual retry")
	if e.deadLetter != nil {
		if err := e.deadLetter.PushDeadLetter(e.runCtx, bt.records, cause.Error()); err != nil {
			e.logger.Warn().Err(err).Msg("Dead letter push failed")
		}
	}
	e.publish(events.EventBatchFailed, bt, cause.Error())
	e.settle(bt.key)
}

func (e *Engine) settle(key models.BucketKey) {
	if b := e.buckets[key]; b != nil && b.due {
		b.due = false
		e.flush(key)
	}
	e.refreshStatus()
	e.checkDrains()
}

func (e *Engine) refreshStatus() {
	next := models.SyncIdle
	switch {
	case len(e.inflight) > 0:
		next = models.SyncSyncing
	case len(e.failed) > 0:
		next = models.SyncError
	}
	if next == e.status {
		return
	}
	prev := e.status
	e.status = next
	metrics.SetStatus(string(next))
	if e.events != nil {
		_ = e.events.PublishJSON(events.EventSyncStatusChanged, events.SyncEventPayload{
			Status:         string(next),
			PreviousStatus: string(prev),
			Pending:        e.pending,
		})
	}
}

func (e *Engine) checkDrains() {
	if len(e.drains) == 0 || len(e.inflight) > 0 {
		return
	}
	for _, b := range e.buckets {
		if b.due {
			return
		}
	}
	var err error
	if len(e.failed) > 0 {
		err = e.lastErr
	}
	for _, ch := range e.drains {
		e.respond(ch, err)
	}
	e.drains = nil
}

// respond queues a reply to be delivered once the state snapshot is updated.
func (e *Engine) respond(ch chan error, err error) {
	e.replies = append(e.replies, reply{ch: ch, err: err})
}

func (e *Engine) clear() error {
	for _, b := range e.buckets {
		if b.timer != nil {
			b.timer.Stop()
		}
	}
	for _, bt := range e.inflight {
		if bt.timer != nil {
			bt.timer.Stop()
		}
	}
	dropped := e.pending
	e.buckets = make(map[models.BucketKey]*bucket)
	e.inflight = make(map[models.BucketKey]*batch)
	e.failed = make(map[models.BucketKey]bool)
	e.epoch++
	e.pending = 0
	e.lastErr = nil

	var err error
	if e.journal != nil {
		err = e.journal.ClearChanges(e.runCtx)
	}
	if e.events != nil {
		_ = e.events.PublishJSON(events.EventChangesCleared, events.SyncEventPayload{Size: dropped})
	}
	e.logger.Info().Int("dropped", dropped).Msg("Pending changes cleared")
	e.refreshStatus()
	e.checkDrains()
	return err
}

func (e *Engine) shutdown() {
	e.stopOnce.Do(func() {
		close(e.done)
		for _, b := range e.buckets {
			if b.timer != nil {
				b.timer.Stop()
			}
		}
		for _, bt := range e.inflight {
			if bt.timer != nil {
				bt.timer.Stop()
			}
		}
		for _, ch := range e.drains {
			ch <- ErrEngineClosed
		}
		e.drains = nil
	})
	e.sends.Wait()
}

func (e *Engine) publish(eventType string, bt *batch, cause string) {
	if e.events == nil {
		return
	}
	_ = e.events.PublishJSON(eventType, events.SyncEventPayload{
		Key:      bt.key.String(),
		BatchID:  bt.id,
		Size:     len(bt.records),
		Attempt:  bt.attempts,
		Pending:  e.pending,
		Error:    cause,
		Status:   string(e.status),
		Occurred: e.clock.Now().UTC(),
	})
}

func (e *Engine) publishState() {
	st := models.SyncState{
		SyncStatus:     e.status,
		PendingChanges: e.pending,
	}
	if !e.lastSynced.IsZero() {
		t := e.lastSynced
		st.LastSynced = &t
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	metrics.SetPending(e.pending)

	e.mu.Lock()
	e.state = st
	e.mu.Unlock()
}
