// Package notify delivers outbox events after commit.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/flockledger/ledger"
)

// Notifier delivers one event. An error leaves the event pending for a
// later attempt.
type Notifier interface {
	Notify(ctx context.Context, ev ledger.Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev ledger.Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev ledger.Event) error {
	return f(ctx, ev)
}

// Inbox stores delivered notifications per user. Both stores implement it.
type Inbox interface {
	SaveInboxEntry(ctx context.Context, e ledger.InboxEntry) error
	Inbox(ctx context.Context, userID string, limit int) ([]ledger.InboxEntry, error)
}

// =============================================================================
// NOTIFIERS
// =============================================================================

// LogNotifier writes each event to the log.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (n LogNotifier) Notify(_ context.Context, ev ledger.Event) error {
	n.Log.WithFields(logrus.Fields{
		"event_id": ev.ID,
		"kind":     ev.Kind,
		"user_id":  ev.UserID,
	}).Info(ev.Title + ": " + ev.Message)
	return nil
}

// InboxNotifier copies each event into the recipient's inbox.
type InboxNotifier struct {
	Inbox Inbox
	Now   func() time.Time
}

func (n InboxNotifier) Notify(ctx context.Context, ev ledger.Event) error {
	if ev.UserID == "" {
		return nil
	}
	now := time.Now().UTC()
	if n.Now != nil {
		now = n.Now()
	}
	return n.Inbox.SaveInboxEntry(ctx, ledger.InboxEntry{
		ID:           uuid.NewString(),
		EventID:      ev.ID,
		Notification: ev.Notification,
		CreatedAt:    now,
	})
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev ledger.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
