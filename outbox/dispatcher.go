package outbox

import (
	"context"
	"sync"
	"time"

	mailgate "github.com/mailgate-io/mailgate"
	"github.com/mailgate-io/mailgate/backoff"
	"github.com/mailgate-io/mailgate/log"
	"github.com/mailgate-io/mailgate/mail"
	"github.com/mailgate-io/mailgate/runtime"
)

// Dispatcher continuously drains due outbox records with a fixed pool of
// polling workers. The store's conditional update on status is the only
// synchronization primitive: at most one worker holds any given row, across
// workers and across process instances sharing the store.
type Dispatcher struct {
	store       mail.OutboxStore
	coordinator *Coordinator
	cfg         DispatcherConfig
	logger      log.Logger
	clock       mail.Clock

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	stopCh   chan struct{}
	workerWg sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets a structured logger for the dispatcher.
func WithDispatcherLogger(logger log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherClock overrides the dispatcher clock. Used in tests.
func WithDispatcherClock(clock mail.Clock) DispatcherOption {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// NewDispatcher creates a Dispatcher over store and coordinator.
func NewDispatcher(store mail.OutboxStore, coordinator *Coordinator, cfg DispatcherConfig, opts ...DispatcherOption) (*Dispatcher, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if coordinator == nil {
		return nil, ErrCoordinatorRequired
	}

	cfg.normalize()

	d := &Dispatcher{
		store:       store,
		coordinator: coordinator,
		cfg:         cfg,
		logger:      log.NewNop(),
		clock:       mail.SystemClock{},
		stopCh:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	return d, nil
}

// Run starts the worker pool and blocks until Stop. Satisfies the launcher
// App contract.
func (d *Dispatcher) Run(launcher *mailgate.Launcher) error {
	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher stopped")
	}

	return d.RunContext(context.Background())
}

// RunContext starts the worker pool and blocks until Stop or context
// cancellation.
func (d *Dispatcher) RunContext(parentCtx context.Context) error {
	if d == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	d.mu.Lock()

	if d.running {
		d.mu.Unlock()
		return ErrDispatcherRunning
	}

	d.running = true
	d.cancel = cancel
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.cancel = nil
		d.mu.Unlock()
	}()

	for i := 0; i < d.cfg.Workers; i++ {
		d.workerWg.Add(1)

		worker := i

		runtime.SafeGo(ctx, d.logger, "outbox", "dispatcher_worker", runtime.KeepRunning, func(ctx context.Context) {
			defer d.workerWg.Done()

			d.workerLoop(ctx, worker)
		})
	}

	select {
	case <-ctx.Done():
	case <-d.stopCh:
		cancel()
	}

	d.workerWg.Wait()

	return nil
}

// Stop signals the worker pool to terminate after in-flight work finishes.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
}

// Shutdown stops the pool and waits for workers up to the context deadline.
// A record mid-publish when the deadline expires stays in SENDING; the
// broker's transaction check or an operational resend owns its recovery.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	d.Stop()

	done := make(chan struct{})

	go func() {
		d.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// workerLoop polls on a fixed cadence, draining until no due row remains in
// each tick.
func (d *Dispatcher) workerLoop(ctx context.Context, worker int) {
	if d.cfg.InitialDelay > 0 {
		if err := backoff.SleepWithContext(ctx, d.cfg.InitialDelay); err != nil {
			return
		}
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.drain(ctx, worker)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx, worker)
		}
	}
}

// drain processes due records until none remains or the per-tick cap hits.
func (d *Dispatcher) drain(ctx context.Context, worker int) {
	for processed := 0; processed < d.cfg.DrainLimit; processed++ {
		if ctx.Err() != nil {
			return
		}

		if !d.dispatchOne(ctx, worker) {
			return
		}
	}
}

// dispatchOne claims and publishes at most one due record. Returns false
// when no due row was found, ending the drain cycle.
func (d *Dispatcher) dispatchOne(ctx context.Context, worker int) bool {
	now := d.clock.Now()

	for _, status := range []mail.Status{mail.StatusPending, mail.StatusRetrying} {
		record, err := d.store.FindOneDue(ctx, status, now)
		if err != nil {
			d.logger.Log(ctx, log.LevelError, "failed to poll due outbox records",
				log.String("status", status.String()),
				log.Int("worker", worker),
				log.Err(err))

			continue
		}

		if record == nil {
			continue
		}

		prior := record.Status
		record.Status = mail.StatusSending
		// Pushing NextRetryAt hides the claim from the stale sweep for a
		// full StaleClaimAge window.
		record.NextRetryAt = now

		claimed, err := d.store.ConditionalUpdate(ctx, record, prior)
		if err != nil {
			d.logger.Log(ctx, log.LevelError, "failed to claim outbox record",
				log.Int64("record_id", record.ID),
				log.Err(err))

			return true
		}

		if !claimed {
			// Another worker won the row; nothing to undo.
			return true
		}

		d.publishClaimed(ctx, record)

		return true
	}

	return d.reclaimStale(ctx, now)
}

// reclaimStale re-drives one SENDING row whose claim outlived the stale age:
// the publishing process died before finalizing and its half-message is
// gone, so no broker callback will ever resolve the row. The reclaim is a
// conditional push of NextRetryAt, leaving a racing finalization to win.
func (d *Dispatcher) reclaimStale(ctx context.Context, now time.Time) bool {
	cutoff := now.Add(-d.cfg.StaleClaimAge)

	record, err := d.store.FindOneDue(ctx, mail.StatusSending, cutoff)
	if err != nil {
		d.logger.Log(ctx, log.LevelError, "failed to poll stale outbox claims", log.Err(err))
		return false
	}

	if record == nil {
		return false
	}

	record.NextRetryAt = now

	claimed, err := d.store.ConditionalUpdate(ctx, record, mail.StatusSending)
	if err != nil {
		d.logger.Log(ctx, log.LevelError, "failed to reclaim stale outbox record",
			log.Int64("record_id", record.ID),
			log.Err(err))

		return true
	}

	if !claimed {
		return true
	}

	d.logger.Log(ctx, log.LevelWarn, "reclaimed stale publish claim",
		log.Int64("record_id", record.ID),
		log.String("mail_id", record.MailID))

	d.publishClaimed(ctx, record)

	return true
}

// publishClaimed publishes one claimed record. Publish success leaves the
// row in SENDING for the broker callback to finalize; failure applies the
// retry ladder.
func (d *Dispatcher) publishClaimed(ctx context.Context, record *mail.OutboundRecord) {
	err := d.coordinator.Publish(ctx, record)
	if err == nil {
		return
	}

	now := d.clock.Now()
	decision := mail.NextRetry(record.Retries, d.cfg.Ladder, now)

	record.Status = decision.Status
	record.Retries = decision.Retries
	record.Remark = mail.SanitizeRemarkError(err)

	if decision.Status == mail.StatusRetrying {
		record.NextRetryAt = decision.NextRetryAt
	}

	attempt := &mail.DeliveryAttempt{
		RecordID:    record.ID,
		Direction:   mail.DirectionOutbound,
		DeliveredAt: now,
		Status:      decision.Status,
		Retries:     decision.Retries,
		Remark:      record.Remark,
	}

	updated, updateErr := d.store.UpdateWithAttempt(ctx, record, mail.StatusSending, attempt)
	if updateErr != nil {
		d.logger.Log(ctx, log.LevelError, "failed to record publish failure",
			log.Int64("record_id", record.ID),
			log.Err(updateErr))

		return
	}

	if !updated {
		// The broker callback finalized the row between our publish error
		// and this write; its outcome wins.
		return
	}

	d.logger.Log(ctx, log.LevelWarn, "publish failed, retry scheduled",
		log.Int64("record_id", record.ID),
		log.String("mail_id", record.MailID),
		log.String("next_status", decision.Status.String()),
		log.Int("retries", decision.Retries),
		log.Err(err))
}
