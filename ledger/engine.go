/*
engine.go - Engine wiring and the atomic execution loop

PURPOSE:
  Engine owns the collaborators every lifecycle operation needs: the store,
  the logger, the metrics observer, the validator and a commit hook used to
  wake the notification dispatcher.

ATOMIC EXECUTION:
  atomic() runs one Unit inside TxStore.RunInTx. When the store reports
  ErrConcurrentModification the whole unit (reads included) is re-run with
  fresh reads, up to MaxCommitAttempts. Business errors (validation, stock,
  state, not found) return immediately.

  There is no application-level lock: two units touching the same farmer
  are serialized only by the store's version checks plus this retry loop.

POST-COMMIT:
  Events are written to the outbox inside the unit. After a successful
  commit the OnCommit hook is called (non-blocking) so the dispatcher can
  deliver them promptly. Delivery failures never reach the caller.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultMaxCommitAttempts bounds the conflict retry loop.
const DefaultMaxCommitAttempts = 5

// Observer receives per-operation measurements. metrics.Recorder implements it.
type Observer interface {
	ObserveOperation(op string, elapsed time.Duration, err error)
	ObserveRetry(op string)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, time.Duration, error) {}
func (nopObserver) ObserveRetry(string)                           {}

// Engine implements the transaction, order and purchase-order lifecycles.
type Engine struct {
	store    Store
	log      logrus.FieldLogger
	observer Observer
	now      func() time.Time
	newID    func() string
	onCommit func()

	maxAttempts int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides uuid generation, for tests.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// WithMaxCommitAttempts bounds conflict retries. Values < 1 are ignored.
func WithMaxCommitAttempts(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.maxAttempts = n
		}
	}
}

// WithCommitHook registers fn to run after every successful commit.
// fn must not block.
func WithCommitHook(fn func()) Option {
	return func(e *Engine) { e.onCommit = fn }
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		log:         logrus.StandardLogger(),
		observer:    nopObserver{},
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		maxAttempts: DefaultMaxCommitAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the read side for callers that need raw projections.
func (e *Engine) Store() QueryStore {
	return e.store
}

// =============================================================================
// ATOMIC EXECUTION
// =============================================================================

func (e *Engine) atomic(ctx context.Context, op string, fn func(u *Unit) error) error {
	start := time.Now()
	var err error
	for attempt := 1; ; attempt++ {
		err = e.store.RunInTx(ctx, func(tx Tx) error {
			u := NewUnit(tx)
			if err := fn(u); err != nil {
				return err
			}
			return u.flush(ctx)
		})
		if !errors.Is(err, ErrConcurrentModification) {
			break
		}
		if attempt >= e.maxAttempts {
			err = fmt.Errorf("%w: %s gave up after %d attempts: %w", ErrRetriesExhausted, op, attempt, err)
			break
		}
		e.observer.ObserveRetry(op)
		e.log.WithFields(logrus.Fields{"op": op, "attempt": attempt}).Warn("commit conflict, retrying unit")
	}

	e.observer.ObserveOperation(op, time.Since(start), err)
	if err != nil {
		return err
	}
	if e.onCommit != nil {
		e.onCommit()
	}
	return nil
}

func (e *Engine) event(kind EventKind, n Notification) Event {
	return Event{
		ID:           EventID(e.newID()),
		Kind:         kind,
		Notification: n,
		CreatedAt:    e.now(),
	}
}
