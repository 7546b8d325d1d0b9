package inbox

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

// Dispatcher is the retry sweep: a fixed pool of workers re-driving inbound
// records whose backoff has expired. It also reclaims records stuck in
// SENDING past the stale-claim age, covering crashes mid-delivery and
// failed outcome writes. The store's conditional update is the only
// synchronization primitive between workers and ingest-path deliveries.
type Dispatcher struct {
	store     mail.InboxStore
	deliverer *Deliverer
	cfg       DispatcherConfig
	logger    log.Logger
	clock     mail.Clock

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

// NewDispatcher creates a Dispatcher over store and deliverer.
func NewDispatcher(store mail.InboxStore, deliverer *Deliverer, cfg DispatcherConfig, opts ...DispatcherOption) (*Dispatcher, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if deliverer == nil {
		return nil, ErrDelivererRequired
	}

	cfg.normalize()

	d := &Dispatcher{
		store:     store,
		deliverer: deliverer,
		cfg:       cfg,
		logger:    log.NewNop(),
		clock:     mail.SystemClock{},
		stopCh:    make(chan struct{}),
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
		launcher.Logger.Log(context.Background(), log.LevelInfo, "inbox dispatcher started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "inbox dispatcher stopped")
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

		runtime.SafeGo(ctx, d.logger, "inbox", "sweep_worker", runtime.KeepRunning, func(ctx context.Context) {
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

		if !d.sweepOne(ctx, worker) {
			return
		}
	}
}

// sweepOne claims and delivers at most one due record: first records whose
// backoff expired (or were reset by a resend), then stale SENDING claims.
// Returns false when nothing was due.
func (d *Dispatcher) sweepOne(ctx context.Context, worker int) bool {
	now := d.clock.Now()

	for _, status := range []mail.Status{mail.StatusPending, mail.StatusRetrying} {
		record, err := d.store.FindOneDue(ctx, status, now)
		if err != nil {
			d.logger.Log(ctx, log.LevelError, "failed to poll due inbox records",
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
		record.NextRetryAt = now

		claimed, err := d.store.ConditionalUpdate(ctx, record, prior)
		if err != nil {
			d.logger.Log(ctx, log.LevelError, "failed to claim inbox record",
				log.Int64("record_id", record.ID),
				log.Err(err))

			return true
		}

		if !claimed {
			// Another worker won the row; nothing to undo.
			return true
		}

		d.deliverer.Deliver(ctx, record)

		return true
	}

	return d.reclaimStale(ctx, now)
}

// reclaimStale re-drives one record stuck in SENDING past the stale-claim
// age. The claim is a conditional push of NextRetryAt to now, hiding the row
// from other sweepers for another stale-claim window.
func (d *Dispatcher) reclaimStale(ctx context.Context, now time.Time) bool {
	cutoff := now.Add(-d.cfg.StaleClaimAge)

	record, err := d.store.FindOneDue(ctx, mail.StatusSending, cutoff)
	if err != nil {
		d.logger.Log(ctx, log.LevelError, "failed to poll stale inbox claims", log.Err(err))
		return false
	}

	if record == nil {
		return false
	}

	record.NextRetryAt = now

	claimed, err := d.store.ConditionalUpdate(ctx, record, mail.StatusSending)
	if err != nil || !claimed {
		return true
	}

	d.logger.Log(ctx, log.LevelWarn, "reclaimed stale delivery claim",
		log.Int64("record_id", record.ID),
		log.String("mail_id", record.MailID))

	d.deliverer.Deliver(ctx, record)

	return true
}
