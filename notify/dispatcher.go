/*
dispatcher.go - Outbox dispatcher

PURPOSE:
  Delivers events written to the outbox by committed units. Delivery is
  strictly post-commit: a failed notification is logged and retried on a
  later pass, and never surfaces to the caller that caused it.

DESIGN:
  - Background goroutine with a ticker, plus Kick() for prompt delivery
    right after a commit
  - Each pass takes the Locker first; a pass that loses the lock is skipped
  - Events are delivered oldest first, in batches of BatchSize
  - An event that failed MaxAttempts times is left in the outbox and no
    longer picked up

USAGE:
  d := notify.NewDispatcher(store, notifier, log)
  engine := ledger.NewEngine(store, ledger.WithCommitHook(d.Kick))
  d.Start()
  defer d.Stop()
*/
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/flockledger/ledger"
)

const (
	DefaultDispatchInterval = 2 * time.Second
	DefaultBatchSize        = 50
	DefaultMaxAttempts      = 5
)

// DeliveryObserver receives one call per delivery attempt.
type DeliveryObserver interface {
	ObserveDelivery(kind ledger.EventKind, err error)
}

// Dispatcher drains the outbox into a Notifier.
type Dispatcher struct {
	Outbox      ledger.Outbox
	Notifier    Notifier
	Locker      Locker
	Observer    DeliveryObserver
	Log         logrus.FieldLogger
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Now         func() time.Time

	ticker *time.Ticker
	kick   chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewDispatcher creates a dispatcher with default settings and an
// in-process lock.
func NewDispatcher(outbox ledger.Outbox, notifier Notifier, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{
		Outbox:      outbox,
		Notifier:    notifier,
		Locker:      &LocalLock{},
		Log:         log,
		Interval:    DefaultDispatchInterval,
		BatchSize:   DefaultBatchSize,
		MaxAttempts: DefaultMaxAttempts,
		Now:         func() time.Time { return time.Now().UTC() },
		kick:        make(chan struct{}, 1),
	}
}

// Start begins background delivery.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ticker != nil {
		return
	}
	d.ticker = time.NewTicker(d.Interval)
	d.stop = make(chan struct{})
	d.wg.Add(1)

	go d.run()

	d.Log.WithField("interval", d.Interval).Info("notification dispatcher started")
}

// Stop stops background delivery and waits for the current pass.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ticker == nil {
		return
	}
	d.ticker.Stop()
	close(d.stop)
	d.wg.Wait()
	d.ticker = nil
	d.Log.Info("notification dispatcher stopped")
}

// Kick requests a pass as soon as possible. It never blocks.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-d.stop
		cancel()
	}()

	d.pass(ctx)
	for {
		select {
		case <-d.ticker.C:
			d.pass(ctx)
		case <-d.kick:
			d.pass(ctx)
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) pass(ctx context.Context) {
	if _, err := d.DispatchOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.Log.WithError(err).Warn("notification dispatch pass failed")
	}
}

// DispatchOnce delivers up to one batch of pending events and returns how
// many were delivered. A pass that cannot take the lock delivers nothing
// and is not an error.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	release, err := d.Locker.Acquire(ctx)
	if errors.Is(err, ErrLockHeld) {
		d.Log.Debug("dispatch lock held elsewhere, skipping pass")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer release()

	events, err := d.Outbox.PendingEvents(ctx, d.BatchSize, d.MaxAttempts)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		log := d.Log.WithFields(logrus.Fields{"event_id": ev.ID, "kind": ev.Kind, "attempt": ev.Attempts + 1})

		nerr := d.Notifier.Notify(ctx, ev)
		if d.Observer != nil {
			d.Observer.ObserveDelivery(ev.Kind, nerr)
		}
		if nerr != nil {
			log.WithError(nerr).Warn("notification delivery failed")
			if err := d.Outbox.MarkFailed(ctx, ev.ID, nerr.Error()); err != nil {
				log.WithError(err).Error("failed to record delivery failure")
			}
			continue
		}
		if err := d.Outbox.MarkDispatched(ctx, ev.ID, d.Now()); err != nil {
			// Delivered but not marked: the event will be sent again.
			log.WithError(err).Error("failed to mark event dispatched")
			continue
		}
		delivered++
	}
	return delivered, nil
}
