// Package persist consumes chat-message and user-event topics and batches
// them into durable storage plus the fast-read cache.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"github.com/sparkd-app/sparkd/service/kafka"
	"github.com/sparkd-app/sparkd/service/obs"
	"github.com/sparkd-app/sparkd/service/storage/cache"
	"github.com/sparkd-app/sparkd/tools/errs"
)

const (
	defaultFlushEvery = 5 * time.Second
	defaultBatchCap   = 100
	historyDepth      = 200
	historyTTL        = 7 * 24 * time.Hour
	maxRetryBackoff   = 2 * time.Minute
	warnEvery         = 5
)

// MessageStore is the durable sink for chat messages.
type MessageStore interface {
	BulkUpsert(ctx context.Context, events []kafka.ChatMessageEvent) error
}

// UserEventStore is the durable sink for user events.
type UserEventStore interface {
	InsertEvents(ctx context.Context, events []kafka.UserEvent) error
	TouchLastActivity(ctx context.Context, byUser map[int64]int64) error
}

// Retention is the daily maintenance surface.
type Retention interface {
	DeleteMessagesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteUserEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteNotificationsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Compact(ctx context.Context) error
}

type chatEntry struct {
	ev  kafka.ChatMessageEvent
	ack func()
}

type userEntry struct {
	ev  kafka.UserEvent
	ack func()
}

// Worker implements kafka.Handler. Consumed messages are appended to an
// in-memory batch; a message's offset ack is held until the batch holding
// it flushes, so a crash never commits past unflushed data.
//
// Batches flush every 5 seconds, or eagerly when one reaches capacity. A
// failed flush prepends the batch back and gates retries behind a capped
// exponential backoff.
type Worker struct {
	log     *zap.Logger
	metrics *obs.Metrics

	messages  MessageStore
	users     UserEventStore
	store     cache.Store
	retention Retention

	flushEvery time.Duration
	batchCap   int
	clock      func() time.Time

	mu        sync.Mutex
	chatBatch []chatEntry
	userBatch []userEntry

	failures   int
	retryAfter time.Time

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type Option func(*Worker)

func WithFlushEvery(d time.Duration) Option {
	return func(w *Worker) { w.flushEvery = d }
}

func WithBatchCap(n int) Option {
	return func(w *Worker) { w.batchCap = n }
}

func WithClock(clock func() time.Time) Option {
	return func(w *Worker) { w.clock = clock }
}

func NewWorker(messages MessageStore, users UserEventStore, store cache.Store,
	retention Retention, log *zap.Logger, metrics *obs.Metrics, opts ...Option) *Worker {
	w := &Worker{
		log:        log.With(zap.String("worker", "persistence")),
		metrics:    metrics,
		messages:   messages,
		users:      users,
		store:      store,
		retention:  retention,
		flushEvery: defaultFlushEvery,
		batchCap:   defaultBatchCap,
		clock:      time.Now,
		flushCh:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle decodes the message and appends it to the matching batch. The ack
// is retained and invoked on flush success.
func (w *Worker) Handle(_ context.Context, msg *sarama.ConsumerMessage, ack func()) error {
	switch msg.Topic {
	case kafka.TopicChatMessages:
		ev, err := kafka.DecodeChatMessage(msg.Value)
		if err != nil {
			// Poison messages must not wedge the partition.
			ack()
			return errs.Wrap(err, "decode chat message")
		}
		w.appendChat(chatEntry{ev: ev, ack: ack})
	case kafka.TopicUserEvents:
		ev, err := kafka.DecodeUserEvent(msg.Value)
		if err != nil {
			ack()
			return errs.Wrap(err, "decode user event")
		}
		w.appendUser(userEntry{ev: ev, ack: ack})
	default:
		ack()
	}
	return nil
}

func (w *Worker) appendChat(e chatEntry) {
	w.mu.Lock()
	w.chatBatch = append(w.chatBatch, e)
	full := len(w.chatBatch) >= w.batchCap
	w.mu.Unlock()
	if full {
		w.signalFlush()
	}
}

func (w *Worker) appendUser(e userEntry) {
	w.mu.Lock()
	w.userBatch = append(w.userBatch, e)
	full := len(w.userBatch) >= w.batchCap
	w.mu.Unlock()
	if full {
		w.signalFlush()
	}
}

func (w *Worker) signalFlush() {
	select {
	case w.flushCh <- struct{}{}:
	default:
	}
}

// Start runs the flush loop until Stop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.Flush(context.Background())
			return
		case <-w.stopCh:
			// Shutdown order: no more timer flushes, then drain what's left.
			w.Flush(context.Background())
			return
		case <-ticker.C:
			w.Flush(ctx)
		case <-w.flushCh:
			w.Flush(ctx)
		}
	}
}

// Stop drains outstanding batches and exits the loop.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Flush swaps the buffers out and writes the snapshots. Messages arriving
// during the write land in the fresh buffers; a flush batch is a snapshot,
// not a frozen total.
func (w *Worker) Flush(ctx context.Context) {
	if !w.retryGateOpen() {
		return
	}

	w.mu.Lock()
	chats := w.chatBatch
	users := w.userBatch
	w.chatBatch = nil
	w.userBatch = nil
	w.mu.Unlock()

	okChats := w.flushChats(ctx, chats)
	okUsers := w.flushUsers(ctx, users)

	if okChats && okUsers {
		w.mu.Lock()
		w.failures = 0
		w.retryAfter = time.Time{}
		w.mu.Unlock()
	}
}

func (w *Worker) retryGateOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retryAfter.IsZero() || !w.clock().Before(w.retryAfter)
}

func (w *Worker) flushChats(ctx context.Context, entries []chatEntry) bool {
	if len(entries) == 0 {
		return true
	}

	// Cache is the fast-read path for recent history; its failures are
	// logged but never requeue the batch.
	for _, e := range entries {
		body, err := json.Marshal(e.ev)
		if err != nil {
			continue
		}
		key := historyKey(e.ev.RoomID)
		if err := w.store.LPush(ctx, key, string(body)); err != nil {
			w.log.Warn("history cache write failed", zap.String("room", e.ev.RoomID), zap.Error(err))
			continue
		}
		_ = w.store.LTrim(ctx, key, 0, historyDepth-1)
		_ = w.store.Expire(ctx, key, historyTTL)
	}

	events := make([]kafka.ChatMessageEvent, len(entries))
	for i, e := range entries {
		events[i] = e.ev
	}
	if err := w.messages.BulkUpsert(ctx, events); err != nil {
		w.requeueChats(entries, err)
		return false
	}
	for _, e := range entries {
		if e.ack != nil {
			e.ack()
		}
	}
	w.metrics.BatchesFlushed.WithLabelValues("chat").Inc()
	return true
}

func (w *Worker) flushUsers(ctx context.Context, entries []userEntry) bool {
	if len(entries) == 0 {
		return true
	}
	events := make([]kafka.UserEvent, len(entries))
	for i, e := range entries {
		events[i] = e.ev
	}
	if err := w.users.InsertEvents(ctx, events); err != nil {
		w.requeueUsers(entries, err)
		return false
	}

	// Last-activity touch is best-effort: dedupe per user, newest wins.
	byUser := make(map[int64]int64)
	for _, e := range entries {
		if ts, ok := byUser[e.ev.UserID]; !ok || e.ev.Timestamp > ts {
			byUser[e.ev.UserID] = e.ev.Timestamp
		}
	}
	if err := w.users.TouchLastActivity(ctx, byUser); err != nil {
		w.log.Warn("last-activity touch failed", zap.Error(err))
	}

	for _, e := range entries {
		if e.ack != nil {
			e.ack()
		}
	}
	w.metrics.BatchesFlushed.WithLabelValues("user").Inc()
	return true
}

// requeueChats prepends the failed batch so order is preserved for the next
// cycle and raises the backoff gate.
func (w *Worker) requeueChats(entries []chatEntry, cause error) {
	w.mu.Lock()
	w.chatBatch = append(append([]chatEntry(nil), entries...), w.chatBatch...)
	w.bumpFailureLocked()
	pending := len(w.chatBatch)
	failures := w.failures
	w.mu.Unlock()

	w.metrics.FlushFailures.Inc()
	w.logFlushFailure("chat", pending, failures, cause)
}

func (w *Worker) requeueUsers(entries []userEntry, cause error) {
	w.mu.Lock()
	w.userBatch = append(append([]userEntry(nil), entries...), w.userBatch...)
	w.bumpFailureLocked()
	pending := len(w.userBatch)
	failures := w.failures
	w.mu.Unlock()

	w.metrics.FlushFailures.Inc()
	w.logFlushFailure("user", pending, failures, cause)
}

func (w *Worker) bumpFailureLocked() {
	w.failures++
	backoff := time.Second << uint(w.failures-1)
	if backoff > maxRetryBackoff || backoff <= 0 {
		backoff = maxRetryBackoff
	}
	w.retryAfter = w.clock().Add(backoff)
}

func (w *Worker) logFlushFailure(kind string, pending, failures int, cause error) {
	fields := []zap.Field{
		zap.String("kind", kind),
		zap.Int("pending", pending),
		zap.Int("consecutiveFailures", failures),
		zap.Error(cause),
	}
	if failures%warnEvery == 0 {
		w.log.Warn("batch flush failing repeatedly, storage may be down", fields...)
		return
	}
	w.log.Error("batch flush failed, requeued", fields...)
}

// PendingChats reports the buffered chat count; used by health checks and
// tests.
func (w *Worker) PendingChats() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.chatBatch)
}

func (w *Worker) PendingUsers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.userBatch)
}

// RunMaintenance starts the daily retention task: trim durable records past
// their windows and compact.
func (w *Worker) RunMaintenance(ctx context.Context, every time.Duration) {
	if w.retention == nil {
		return
	}
	if every <= 0 {
		every = 24 * time.Hour
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.maintain(ctx)
			}
		}
	}()
}

func (w *Worker) maintain(ctx context.Context) {
	now := w.clock()
	if n, err := w.retention.DeleteMessagesOlderThan(ctx, now.Add(-7*24*time.Hour)); err != nil {
		w.log.Warn("message retention sweep failed", zap.Error(err))
	} else if n > 0 {
		w.log.Info("message retention sweep", zap.Int64("deleted", n))
	}
	if n, err := w.retention.DeleteUserEventsOlderThan(ctx, now.Add(-24*time.Hour)); err != nil {
		w.log.Warn("user-event retention sweep failed", zap.Error(err))
	} else if n > 0 {
		w.log.Info("user-event retention sweep", zap.Int64("deleted", n))
	}
	if n, err := w.retention.DeleteNotificationsOlderThan(ctx, now.Add(-3*24*time.Hour)); err != nil {
		w.log.Warn("notification retention sweep failed", zap.Error(err))
	} else if n > 0 {
		w.log.Info("notification retention sweep", zap.Int64("deleted", n))
	}
	if err := w.retention.Compact(ctx); err != nil {
		w.log.Debug("compaction declined", zap.Error(err))
	}
}

func historyKey(roomID string) string {
	return fmt.Sprintf("history:%s", roomID)
}

// HistoryKey exposes the cache key scheme to the read-side handlers and the
// synchronous fallback.
func HistoryKey(roomID string) string { return historyKey(roomID) }
