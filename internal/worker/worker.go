package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/metrics"
	"github.com/sproutogroup/dealernotify/internal/notify"
)

// Repository persists delivery outcomes onto the notification row.
type Repository interface {
	UpdateDeliveryStatus(ctx context.Context, status *notify.DeliveryStatus) error
}

// OutcomeSink receives every notification that reaches a final status.
type OutcomeSink interface {
	PublishOutcome(ctx context.Context, status notify.DeliveryStatus) error
}

var (
	// ErrDuplicateItem is returned when an item id is already queued.
	ErrDuplicateItem = errors.New("queue item already exists")

	// ErrNoChannels is returned when an item requests no channels.
	ErrNoChannels = errors.New("queue item has no channels")
)

type Config struct {
	TickInterval    time.Duration
	CleanupSchedule string
	MaxRetries      int
	MaxAge          time.Duration
	AttemptTimeout  time.Duration
}

// Option customizes a Worker.
type Option func(*Worker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithOutcomeSink publishes final statuses to sink.
func WithOutcomeSink(sink OutcomeSink) Option {
	return func(w *Worker) { w.outcomes = sink }
}

type entry struct {
	item *notify.QueueItem
	seq  uint64
}

// Worker owns the in-memory delivery queue, the per-user offline buffers
// and the delivery ledger. All three are guarded by mu; channel sends run
// without the lock held, so a reconnect can land while an item is being
// attempted. reconnects counts Reconnect calls per user to detect that.
type Worker struct {
	repo     Repository
	senders  SenderTable
	outcomes OutcomeSink
	config   Config
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	queue      map[uuid.UUID]*entry
	offline    map[uuid.UUID][]*entry
	ledger     map[uuid.UUID]*notify.DeliveryStatus
	reconnects map[uuid.UUID]uint64
	seq        uint64
	delivered  map[notify.Channel]int
	failed     map[notify.Channel]int

	ticking atomic.Bool
	wg      sync.WaitGroup
}

func New(repo Repository, senders SenderTable, cfg Config, logger *zap.Logger, opts ...Option) *Worker {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = "@every 1h"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}

	w := &Worker{
		repo:       repo,
		senders:    senders,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
		queue:      make(map[uuid.UUID]*entry),
		offline:    make(map[uuid.UUID][]*entry),
		ledger:     make(map[uuid.UUID]*notify.DeliveryStatus),
		reconnects: make(map[uuid.UUID]uint64),
		delivered:  make(map[notify.Channel]int),
		failed:     make(map[notify.Channel]int),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// MaxRetries is the retry ceiling applied to items that do not set one.
func (w *Worker) MaxRetries() int {
	return w.config.MaxRetries
}

// Start runs the tick loop and the cleanup schedule until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(w.config.CleanupSchedule, func() {
		w.Cleanup(ctx)
	}); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", w.config.CleanupSchedule, err)
	}
	c.Start()

	ticker := time.NewTicker(w.config.TickInterval)
	defer ticker.Stop()

	w.logger.Info("delivery worker started",
		zap.Duration("tick_interval", w.config.TickInterval),
		zap.String("cleanup_schedule", w.config.CleanupSchedule),
		zap.Int("max_retries", w.config.MaxRetries),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			<-c.Stop().Done()
			w.wg.Wait()
			return nil
		case <-ticker.C:
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				if !w.ProcessTick(ctx) {
					w.logger.Debug("previous tick still running, skipping")
				}
			}()
		}
	}
}

// Enqueue adds an item to the queue and opens its ledger row.
func (w *Worker) Enqueue(item *notify.QueueItem) error {
	if len(item.Channels) == 0 {
		return ErrNoChannels
	}

	now := w.now()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.MaxRetries == 0 {
		item.MaxRetries = w.config.MaxRetries
	}
	item.Channels = notify.SortChannels(item.Channels)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.queue[item.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID)
	}
	w.seq++
	w.queue[item.ID] = &entry{item: item, seq: w.seq}
	w.ledger[item.NotificationID] = notify.NewDeliveryStatus(item.NotificationID, item.Request.UserID, item.Channels, now)

	w.logger.Debug("notification queued",
		zap.String("queue_id", item.ID.String()),
		zap.String("notification_id", item.NotificationID.String()),
		zap.String("priority", item.Request.Priority.String()),
	)
	return nil
}

// ProcessTick attempts every ready item once. It returns false without doing
// anything when a previous tick is still in flight.
func (w *Worker) ProcessTick(ctx context.Context) bool {
	if !w.ticking.CompareAndSwap(false, true) {
		return false
	}
	defer w.ticking.Store(false)

	for _, e := range w.readyItems(w.now()) {
		if ctx.Err() != nil {
			break
		}
		w.processItem(ctx, e)
	}
	w.publishGauges()
	return true
}

// readyItems snapshots the ready entries ordered by priority, highest
// first, then by insertion order.
func (w *Worker) readyItems(now time.Time) []*entry {
	w.mu.Lock()
	defer w.mu.Unlock()

	ready := make([]*entry, 0, len(w.queue))
	for _, e := range w.queue {
		if e.item.Ready(now) {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		pi, pj := ready[i].item.Request.Priority, ready[j].item.Request.Priority
		if pi != pj {
			return pi > pj
		}
		return ready[i].seq < ready[j].seq
	})
	return ready
}

type attemptResult struct {
	channel notify.Channel
	err     error
}

func (w *Worker) processItem(ctx context.Context, e *entry) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("recovered panic while processing queue item",
				zap.String("queue_id", e.item.ID.String()),
				zap.Any("panic", r),
			)
		}
	}()

	// Snapshot what is still outstanding
	w.mu.Lock()
	st, ok := w.ledger[e.item.NotificationID]
	var outstanding []notify.Channel
	if ok {
		outstanding = st.Outstanding()
	}
	generation := w.reconnects[e.item.Request.UserID]
	w.mu.Unlock()
	if !ok {
		outstanding = e.item.Channels
	}

	// Attempt channels without holding the lock
	results := w.attempt(ctx, e.item, outstanding)

	snapshot, final := w.apply(e, results, generation)
	if snapshot == nil {
		return
	}
	w.persist(ctx, snapshot)
	if final {
		w.finish(ctx, e.item, snapshot)
	}
}

// attempt tries each outstanding channel in order and stops at the first
// primary success.
func (w *Worker) attempt(ctx context.Context, item *notify.QueueItem, channels []notify.Channel) []attemptResult {
	results := make([]attemptResult, 0, len(channels))
	for _, ch := range channels {
		err := w.send(ctx, ch, item)
		results = append(results, attemptResult{channel: ch, err: err})

		switch {
		case err == nil:
			metrics.RecordDeliveryAttempt(string(ch), "success")
		case errors.Is(err, ErrRecipientOffline):
			metrics.RecordDeliveryAttempt(string(ch), "offline")
			w.logger.Debug("recipient offline",
				zap.String("notification_id", item.NotificationID.String()),
				zap.String("user_id", item.Request.UserID.String()),
			)
		default:
			metrics.RecordDeliveryAttempt(string(ch), "failure")
			w.logger.Warn("channel delivery failed",
				zap.String("notification_id", item.NotificationID.String()),
				zap.String("channel", string(ch)),
				zap.Int("retry_count", item.RetryCount),
				zap.Error(err),
			)
		}

		if err == nil && ch.Primary() {
			break
		}
	}
	return results
}

// send wraps one sender call with a timeout and converts panics into errors.
func (w *Worker) send(ctx context.Context, ch notify.Channel, item *notify.QueueItem) (err error) {
	sender, err := w.senders.Lookup(ch)
	if err != nil {
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, w.config.AttemptTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s sender panic: %v", ch, r)
		}
	}()
	return sender.Send(attemptCtx, item)
}

// apply folds attempt results into the ledger and decides the item's fate.
// generation is the recipient's reconnect count read before the attempt.
// It returns a copy of the ledger row to persist, or nil when the item was
// evicted while it was being attempted.
func (w *Worker) apply(e *entry, results []attemptResult, generation uint64) (*notify.DeliveryStatus, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	item := e.item
	if _, ok := w.queue[item.ID]; !ok {
		return nil, false
	}
	st, ok := w.ledger[item.NotificationID]
	if !ok {
		st = notify.NewDeliveryStatus(item.NotificationID, item.Request.UserID, item.Channels, w.now())
		w.ledger[item.NotificationID] = st
	}

	now := w.now()
	st.TotalAttempts++
	st.LastAttempt = &now
	st.UpdatedAt = now

	offline := false
	for _, r := range results {
		if r.err == nil {
			st.MarkDelivered(r.channel, now)
			w.delivered[r.channel]++
			continue
		}
		w.failed[r.channel]++
		if r.channel == notify.ChannelWebsocket && errors.Is(r.err, ErrRecipientOffline) {
			offline = true
		}
	}
	outstanding := st.Outstanding()

	final := false
	switch {
	case st.Status == notify.StatusDelivered:
		delete(w.queue, item.ID)
		final = true
		w.logger.Info("notification delivered",
			zap.String("notification_id", item.NotificationID.String()),
			zap.Int("attempts", st.TotalAttempts),
		)

	case len(outstanding) == 0:
		// Only secondary channels were requested and all of them succeeded.
		delete(w.queue, item.ID)
		final = true

	case offline && len(outstanding) == 1 && outstanding[0] == notify.ChannelWebsocket:
		user := item.Request.UserID
		if w.reconnects[user] != generation {
			// The recipient connected after the offline check; the buffer
			// was already flushed, so try again on the next tick.
			item.ScheduledFor = nil
			w.logger.Debug("recipient reconnected during attempt, requeued",
				zap.String("notification_id", item.NotificationID.String()),
				zap.String("user_id", user.String()),
			)
			break
		}
		delete(w.queue, item.ID)
		w.offline[user] = append(w.offline[user], e)
		w.logger.Info("recipient offline, buffering notification",
			zap.String("notification_id", item.NotificationID.String()),
			zap.String("user_id", user.String()),
			zap.Int("buffered", len(w.offline[user])),
		)

	// Not delivered, schedule the next retry
	case item.RetryCount < item.MaxRetries:
		item.RetryCount++
		next := now.Add(Backoff(item.RetryCount))
		item.ScheduledFor = &next

	// Max retries reached, the item leaves the queue as failed
	default:
		delete(w.queue, item.ID)
		st.Fail(notify.FailureMaxRetries, now)
		final = true
		w.logger.Warn("notification failed after max retries",
			zap.String("notification_id", item.NotificationID.String()),
			zap.Int("attempts", st.TotalAttempts),
			zap.String("status", string(st.Status)),
		)
	}

	snapshot := *st
	return &snapshot, final
}

// Backoff is the delay before the given retry: 2^retry seconds.
func Backoff(retry int) time.Duration {
	return time.Duration(1<<uint(retry)) * time.Second
}

func (w *Worker) persist(ctx context.Context, st *notify.DeliveryStatus) {
	if w.repo == nil {
		return
	}
	if err := w.repo.UpdateDeliveryStatus(ctx, st); err != nil {
		w.logger.Error("failed to persist delivery status",
			zap.String("notification_id", st.NotificationID.String()),
			zap.Error(err),
		)
	}
}

func (w *Worker) finish(ctx context.Context, item *notify.QueueItem, st *notify.DeliveryStatus) {
	metrics.RecordNotificationProcessed(string(st.Status))
	metrics.RecordNotificationLatency(string(st.Status), st.UpdatedAt.Sub(item.CreatedAt))

	if w.outcomes == nil {
		return
	}
	if err := w.outcomes.PublishOutcome(ctx, *st); err != nil {
		w.logger.Warn("failed to publish delivery outcome",
			zap.String("notification_id", st.NotificationID.String()),
			zap.Error(err),
		)
	}
}

// Reconnect moves every buffered item for userID back into the queue,
// ready immediately. It returns how many items were restored.
func (w *Worker) Reconnect(userID uuid.UUID) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.reconnects[userID]++
	buffered := w.offline[userID]
	delete(w.offline, userID)
	for _, e := range buffered {
		e.item.ScheduledFor = nil
		w.queue[e.item.ID] = e
	}

	if len(buffered) > 0 {
		w.logger.Info("recipient reconnected, requeued buffered notifications",
			zap.String("user_id", userID.String()),
			zap.Int("count", len(buffered)),
		)
	}
	return len(buffered)
}

// Cleanup evicts queued and buffered items older than MaxAge, marking them
// failed, and drops finished ledger rows older than MaxAge.
func (w *Worker) Cleanup(ctx context.Context) int {
	now := w.now()
	expired := w.sweep(now)

	for _, ex := range expired {
		w.persist(ctx, ex.status)
		w.finish(ctx, ex.item, ex.status)
	}
	if len(expired) > 0 {
		w.logger.Info("expired stale queue items", zap.Int("count", len(expired)))
	}
	w.publishGauges()
	return len(expired)
}

type expiredItem struct {
	item   *notify.QueueItem
	status *notify.DeliveryStatus
}

func (w *Worker) sweep(now time.Time) []expiredItem {
	w.mu.Lock()
	defer w.mu.Unlock()

	var expired []expiredItem
	stale := func(e *entry) bool {
		return now.Sub(e.item.CreatedAt) > w.config.MaxAge
	}
	expire := func(e *entry) {
		st, ok := w.ledger[e.item.NotificationID]
		if !ok {
			st = notify.NewDeliveryStatus(e.item.NotificationID, e.item.Request.UserID, e.item.Channels, now)
			w.ledger[e.item.NotificationID] = st
		}
		st.Fail(notify.FailureExpired, now)
		snapshot := *st
		expired = append(expired, expiredItem{item: e.item, status: &snapshot})
	}

	for id, e := range w.queue {
		if stale(e) {
			delete(w.queue, id)
			expire(e)
		}
	}
	for user, buffered := range w.offline {
		kept := buffered[:0]
		for _, e := range buffered {
			if stale(e) {
				expire(e)
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(w.offline, user)
		} else {
			w.offline[user] = kept
		}
	}

	active := make(map[uuid.UUID]bool, len(w.queue))
	for _, e := range w.queue {
		active[e.item.NotificationID] = true
	}
	for _, buffered := range w.offline {
		for _, e := range buffered {
			active[e.item.NotificationID] = true
		}
	}
	for id, st := range w.ledger {
		if !active[id] && now.Sub(st.UpdatedAt) > w.config.MaxAge {
			delete(w.ledger, id)
		}
	}

	// Forget reconnect counts for users with nothing queued or buffered
	users := make(map[uuid.UUID]bool, len(w.queue)+len(w.offline))
	for _, e := range w.queue {
		users[e.item.Request.UserID] = true
	}
	for user := range w.offline {
		users[user] = true
	}
	for user := range w.reconnects {
		if !users[user] {
			delete(w.reconnects, user)
		}
	}
	return expired
}

// Delivery returns a copy of the ledger row for a notification.
func (w *Worker) Delivery(notificationID uuid.UUID) (notify.DeliveryStatus, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	st, ok := w.ledger[notificationID]
	if !ok {
		return notify.DeliveryStatus{}, false
	}
	return *st, true
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	QueueDepth         int                    `json:"queue_depth"`
	ByPriority         map[string]int         `json:"by_priority"`
	ByUser             map[string]int         `json:"by_user"`
	OfflineBuffered    int                    `json:"offline_buffered"`
	OfflineByUser      map[string]int         `json:"offline_by_user"`
	DeliveredByChannel map[notify.Channel]int `json:"delivered_by_channel"`
	FailedByChannel    map[notify.Channel]int `json:"failed_by_channel"`
	LedgerSize         int                    `json:"ledger_size"`
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statsLocked()
}

func (w *Worker) statsLocked() Stats {
	s := Stats{
		QueueDepth:         len(w.queue),
		ByPriority:         make(map[string]int, len(notify.Priorities)),
		ByUser:             make(map[string]int),
		OfflineByUser:      make(map[string]int, len(w.offline)),
		DeliveredByChannel: make(map[notify.Channel]int, len(w.delivered)),
		FailedByChannel:    make(map[notify.Channel]int, len(w.failed)),
		LedgerSize:         len(w.ledger),
	}
	for _, p := range notify.Priorities {
		s.ByPriority[p.String()] = 0
	}
	for _, e := range w.queue {
		s.ByPriority[e.item.Request.Priority.String()]++
		s.ByUser[e.item.Request.UserID.String()]++
	}
	for user, buffered := range w.offline {
		s.OfflineByUser[user.String()] = len(buffered)
		s.OfflineBuffered += len(buffered)
	}
	for ch, n := range w.delivered {
		s.DeliveredByChannel[ch] = n
	}
	for ch, n := range w.failed {
		s.FailedByChannel[ch] = n
	}
	return s
}

func (w *Worker) publishGauges() {
	s := w.Stats()
	for priority, depth := range s.ByPriority {
		metrics.SetQueueDepth(priority, depth)
	}
	metrics.SetOfflineBuffered(s.OfflineBuffered)
}
