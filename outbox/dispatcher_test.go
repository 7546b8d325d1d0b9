//go:build unit

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailgate-io/mailgate/mail"
)

func newTestDispatcher(t *testing.T, store *memoryOutboxStore, publisher *scriptedPublisher, cfg DispatcherConfig, clock mail.Clock) (*Dispatcher, *Coordinator) {
	t.Helper()

	coordinator, err := NewCoordinator(store, publisher, WithCoordinatorClock(clock))
	require.NoError(t, err)

	publisher.checker = coordinator

	dispatcher, err := NewDispatcher(store, coordinator, cfg, WithDispatcherClock(clock))
	require.NoError(t, err)

	return dispatcher, coordinator
}

func TestNewDispatcher_Validation(t *testing.T) {
	t.Parallel()

	coordinator, err := NewCoordinator(newMemoryOutboxStore(), &scriptedPublisher{})
	require.NoError(t, err)

	_, err = NewDispatcher(nil, coordinator, DispatcherConfig{})
	assert.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewDispatcher(newMemoryOutboxStore(), nil, DispatcherConfig{})
	assert.ErrorIs(t, err, ErrCoordinatorRequired)
}

func TestDispatchOne_SendScenario(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := mail.ClockFunc(func() time.Time { return now })

	store := newMemoryOutboxStore()
	publisher := &scriptedPublisher{}
	dispatcher, _ := newTestDispatcher(t, store, publisher, DispatcherConfig{}, clock)

	sender, err := NewSender(store, WithSenderClock(clock))
	require.NoError(t, err)

	record, err := sender.Send(context.Background(), mail.Envelope{
		MailID:  "m1",
		Channel: "x",
		Content: []byte("hello"),
	})
	require.NoError(t, err)

	require.True(t, dispatcher.dispatchOne(context.Background(), 0))

	stored, err := store.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, mail.StatusSent, stored.Status)
	assert.Equal(t, "tx-1", stored.TransactionID)
	assert.Equal(t, 1, publisher.publishCalls())
	assert.Equal(t, 1, store.attemptCount())

	// Nothing left to dispatch.
	assert.False(t, dispatcher.dispatchOne(context.Background(), 0))
}

func TestDispatchOne_RetryLadderExhaustion(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := mail.ClockFunc(func() time.Time { return now })

	store := newMemoryOutboxStore()
	publisher := &scriptedPublisher{errs: []error{
		errors.New("broker down"),
		errors.New("broker down"),
		errors.New("broker down"),
	}}

	cfg := DispatcherConfig{Ladder: []time.Duration{10 * time.Second, 30 * time.Second}}
	dispatcher, _ := newTestDispatcher(t, store, publisher, cfg, clock)

	sender, err := NewSender(store, WithSenderClock(clock))
	require.NoError(t, err)

	record, err := sender.Send(context.Background(), mail.Envelope{Channel: "x", Content: []byte("hello")})
	require.NoError(t, err)

	// First failure: RETRYING, due at failure time + 10s.
	require.True(t, dispatcher.dispatchOne(context.Background(), 0))

	stored, err := store.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, mail.StatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.Retries)
	assert.Equal(t, now.Add(10*time.Second), stored.NextRetryAt)
	assert.Equal(t, "broker down", stored.Remark)

	// Second failure: RETRYING, due at failure time + 30s.
	now = now.Add(11 * time.Second)
	failureTime := now

	require.True(t, dispatcher.dispatchOne(context.Background(), 0))

	stored, err = store.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, mail.StatusRetrying, stored.Status)
	assert.Equal(t, 2, stored.Retries)
	assert.Equal(t, failureTime.Add(30*time.Second), stored.NextRetryAt)

	// Third failure exhausts the ladder.
	now = now.Add(31 * time.Second)

	require.True(t, dispatcher.dispatchOne(context.Background(), 0))

	stored, err = store.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, mail.StatusFail, stored.Status)
	assert.Equal(t, 2, stored.Retries)

	// FAIL is terminal: no further dispatch picks it up.
	assert.False(t, dispatcher.dispatchOne(context.Background(), 0))
	assert.Equal(t, 3, store.attemptCount())
}

func TestDispatchOne_AtMostOneConcurrentClaim(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := mail.ClockFunc(func() time.Time { return now })

	store := newMemoryOutboxStore()
	publisher := &scriptedPublisher{}
	dispatcher, _ := newTestDispatcher(t, store, publisher, DispatcherConfig{}, clock)

	sender, err := NewSender(store, WithSenderClock(clock))
	require.NoError(t, err)

	_, err = sender.Send(context.Background(), mail.Envelope{Channel: "x", Content: []byte("hello")})
	require.NoError(t, err)

	const workers = 8

	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(worker int) {
			defer wg.Done()

			dispatcher.dispatchOne(context.Background(), worker)
		}(i)
	}

	wg.Wait()

	// Exactly one worker claimed and published the row.
	assert.Equal(t, 1, publisher.publishCalls())
}

func TestDispatchOne_ReclaimsStaleSendingClaim(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := mail.ClockFunc(func() time.Time { return now })

	store := newMemoryOutboxStore()
	publisher := &scriptedPublisher{}

	cfg := DispatcherConfig{StaleClaimAge: time.Minute}
	dispatcher, _ := newTestDispatcher(t, store, publisher, cfg, clock)

	// A claim from a process that died before finalizing.
	record := &mail.OutboundRecord{
		MailID:      "m1",
		Channel:     "x",
		Content:     []byte("hello"),
		Status:      mail.StatusSending,
		NextRetryAt: now.Add(-2 * time.Minute),
	}
	require.NoError(t, store.Save(context.Background(), record))

	require.True(t, dispatcher.dispatchOne(context.Background(), 0))

	stored, err := store.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, mail.StatusSent, stored.Status)
	assert.Equal(t, 1, publisher.publishCalls())
}

func TestDispatchOne_LeavesFreshSendingClaimAlone(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := mail.ClockFunc(func() time.Time { return now })

	store := newMemoryOutboxStore()
	publisher := &scriptedPublisher{}

	cfg := DispatcherConfig{StaleClaimAge: time.Minute}
	dispatcher, _ := newTestDispatcher(t, store, publisher, cfg, clock)

	record := &mail.OutboundRecord{
		MailID:      "m1",
		Channel:     "x",
		Content:     []byte("hello"),
		Status:      mail.StatusSending,
		NextRetryAt: now.Add(-30 * time.Second),
	}
	require.NoError(t, store.Save(context.Background(), record))

	assert.False(t, dispatcher.dispatchOne(context.Background(), 0))
	assert.Zero(t, publisher.publishCalls())
}

func TestDrain_ProcessesBacklogWithinOneTick(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := mail.ClockFunc(func() time.Time { return now })

	store := newMemoryOutboxStore()
	publisher := &scriptedPublisher{}
	dispatcher, _ := newTestDispatcher(t, store, publisher, DispatcherConfig{}, clock)

	sender, err := NewSender(store, WithSenderClock(clock))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = sender.Send(context.Background(), mail.Envelope{Channel: "x", Content: []byte("hello")})
		require.NoError(t, err)
	}

	dispatcher.drain(context.Background(), 0)

	assert.Equal(t, 5, publisher.publishCalls())
}

func TestDrain_HonorsDrainLimit(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := mail.ClockFunc(func() time.Time { return now })

	store := newMemoryOutboxStore()
	publisher := &scriptedPublisher{}

	cfg := DispatcherConfig{DrainLimit: 2}
	dispatcher, _ := newTestDispatcher(t, store, publisher, cfg, clock)

	sender, err := NewSender(store, WithSenderClock(clock))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = sender.Send(context.Background(), mail.Envelope{Channel: "x", Content: []byte("hello")})
		require.NoError(t, err)
	}

	dispatcher.drain(context.Background(), 0)

	assert.Equal(t, 2, publisher.publishCalls())
}

func TestDispatcher_RunAndShutdown(t *testing.T) {
	t.Parallel()

	store := newMemoryOutboxStore()
	publisher := &scriptedPublisher{}

	cfg := DispatcherConfig{Workers: 2, PollInterval: 10 * time.Millisecond, InitialDelay: 1}
	dispatcher, _ := newTestDispatcher(t, store, publisher, cfg, mail.SystemClock{})

	sender, err := NewSender(store)
	require.NoError(t, err)

	_, err = sender.Send(context.Background(), mail.Envelope{Channel: "x", Content: []byte("hello")})
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		done <- dispatcher.RunContext(context.Background())
	}()

	require.Eventually(t, func() bool {
		return publisher.publishCalls() == 1
	}, time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, dispatcher.Shutdown(shutdownCtx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcher_RunTwiceFails(t *testing.T) {
	t.Parallel()

	store := newMemoryOutboxStore()
	publisher := &scriptedPublisher{}

	cfg := DispatcherConfig{Workers: 1, PollInterval: 10 * time.Millisecond, InitialDelay: 1}
	dispatcher, _ := newTestDispatcher(t, store, publisher, cfg, mail.SystemClock{})

	go func() {
		_ = dispatcher.RunContext(context.Background())
	}()

	require.Eventually(t, func() bool {
		dispatcher.mu.Lock()
		defer dispatcher.mu.Unlock()

		return dispatcher.running
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, dispatcher.RunContext(context.Background()), ErrDispatcherRunning)

	dispatcher.Stop()
}

func TestDispatcherConfig_Normalize(t *testing.T) {
	t.Parallel()

	cfg := DispatcherConfig{}
	cfg.normalize()

	defaults := DefaultDispatcherConfig()
	assert.Equal(t, defaults.Workers, cfg.Workers)
	assert.Equal(t, defaults.PollInterval, cfg.PollInterval)
	assert.Equal(t, defaults.DrainLimit, cfg.DrainLimit)
	assert.Equal(t, defaults.StaleClaimAge, cfg.StaleClaimAge)
	assert.Len(t, cfg.Ladder, 16)

	// An explicitly empty ladder survives normalization: zero retries.
	empty := DispatcherConfig{Ladder: []time.Duration{}}
	empty.normalize()
	assert.Empty(t, empty.Ladder)
	assert.NotNil(t, empty.Ladder)
}
