package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/flockledger/ledger"
)

func seedFarmer(t *testing.T, m *Memory, id ledger.FarmerID) {
	t.Helper()
	require.NoError(t, m.RunInTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertFarmer(context.Background(), ledger.Farmer{ID: id, Name: string(id), DealerID: "d1", FarmerCode: "CODE" + string(id)})
	}))
}

func seedItem(t *testing.T, m *Memory, id ledger.ItemID, qty string) {
	t.Helper()
	require.NoError(t, m.RunInTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertInventoryItem(context.Background(), ledger.InventoryItem{ID: id, Name: string(id), Quantity: decimal.RequireFromString(qty), OwnerID: "d1"})
	}))
}

func TestMemory_StaleReadConflicts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedFarmer(t, m, "f1")

	// GIVEN: a unit that read the farmer before a competing commit
	err := m.RunInTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.Farmer(ctx, "f1"); err != nil {
			return err
		}
		require.NoError(t, m.RunInTx(ctx, func(other ledger.Tx) error {
			if _, err := other.Farmer(ctx, "f1"); err != nil {
				return err
			}
			return other.AdjustOutstanding(ctx, "f1", decimal.NewFromInt(10))
		}))
		return tx.AdjustOutstanding(ctx, "f1", decimal.NewFromInt(99))
	})

	// THEN: the stale unit is rejected and only the competing write landed
	require.ErrorIs(t, err, ledger.ErrConcurrentModification)
	f, err := m.GetFarmer(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, f.Outstanding.Equal(decimal.NewFromInt(10)))
}

func TestMemory_AdjustAccumulatesWithinUnit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedFarmer(t, m, "f1")

	require.NoError(t, m.RunInTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.Farmer(ctx, "f1"); err != nil {
			return err
		}
		if err := tx.AdjustOutstanding(ctx, "f1", decimal.NewFromInt(30)); err != nil {
			return err
		}
		return tx.AdjustOutstanding(ctx, "f1", decimal.NewFromInt(-5))
	}))

	f, err := m.GetFarmer(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, f.Outstanding.Equal(decimal.NewFromInt(25)))
}

func TestMemory_AdjustRequiresRead(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedFarmer(t, m, "f1")
	seedItem(t, m, "i1", "3")

	err := m.RunInTx(ctx, func(tx ledger.Tx) error {
		return tx.AdjustOutstanding(ctx, "f1", decimal.NewFromInt(1))
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	err = m.RunInTx(ctx, func(tx ledger.Tx) error {
		return tx.AdjustQuantity(ctx, "i1", decimal.NewFromInt(-1))
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
}

func TestMemory_QuantityNeverNegative(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedItem(t, m, "i1", "3")

	err := m.RunInTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.InventoryItem(ctx, "i1"); err != nil {
			return err
		}
		return tx.AdjustQuantity(ctx, "i1", decimal.NewFromInt(-4))
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)

	item, err := m.GetInventoryItem(ctx, "i1")
	require.NoError(t, err)
	assert.True(t, item.Quantity.Equal(decimal.NewFromInt(3)))
}

func TestMemory_FailedUnitWritesNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("boom")

	err := m.RunInTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertFarmer(ctx, ledger.Farmer{ID: "f1", Name: "A"}); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, ledger.Event{ID: "e1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = m.GetFarmer(ctx, "f1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Empty(t, m.Events())
}

func TestMemory_CancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory()

	err := m.RunInTx(ctx, func(tx ledger.Tx) error {
		cancel()
		return tx.InsertFarmer(ctx, ledger.Farmer{ID: "f1", Name: "A"})
	})
	require.ErrorIs(t, err, context.Canceled)

	_, err = m.GetFarmer(context.Background(), "f1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestMemory_DuplicateInsert(t *testing.T) {
	m := NewMemory()
	seedFarmer(t, m, "f1")

	err := m.RunInTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertFarmer(context.Background(), ledger.Farmer{ID: "f1", Name: "again"})
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicate)
}

func TestMemory_DuplicateFarmerCode(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	insert := func(id ledger.FarmerID, code string) error {
		return m.RunInTx(ctx, func(tx ledger.Tx) error {
			return tx.InsertFarmer(ctx, ledger.Farmer{ID: id, Name: string(id), DealerID: "d1", FarmerCode: code})
		})
	}
	require.NoError(t, insert("f1", "SAMECODE"))
	assert.ErrorIs(t, insert("f2", "samecode"), ledger.ErrDuplicate)

	_, err := m.GetFarmer(ctx, "f2")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	// Two inserts in one unit collide as well.
	err = m.RunInTx(ctx, func(tx ledger.Tx) error {
		require.NoError(t, tx.InsertFarmer(ctx, ledger.Farmer{ID: "f3", Name: "f3", DealerID: "d1", FarmerCode: "TWIN"}))
		return tx.InsertFarmer(ctx, ledger.Farmer{ID: "f4", Name: "f4", DealerID: "d1", FarmerCode: "TWIN"})
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicate)
	_, err = m.GetFarmer(ctx, "f3")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestMemory_ProfileFallsBackToFarmer(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedFarmer(t, m, "f1")
	require.NoError(t, m.PutProfile(ctx, ledger.Profile{ID: "s1", Name: "Mill", Role: ledger.RoleSupplier}))

	p, err := m.Profile(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, ledger.RoleFarmer, p.Role)

	p, err = m.Profile(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, ledger.RoleSupplier, p.Role)

	_, err = m.Profile(ctx, "nobody")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestMemory_OutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.RunInTx(ctx, func(tx ledger.Tx) error {
		for _, id := range []ledger.EventID{"e1", "e2", "e3"} {
			if err := tx.AppendEvent(ctx, ledger.Event{ID: id, Kind: ledger.EventSaleRecorded}); err != nil {
				return err
			}
		}
		return nil
	}))

	pending, err := m.PendingEvents(ctx, 2, 3)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ledger.EventID("e1"), pending[0].ID)

	require.NoError(t, m.MarkDispatched(ctx, "e1", time.Now()))
	for i := 0; i < 3; i++ {
		require.NoError(t, m.MarkFailed(ctx, "e2", "unreachable"))
	}

	pending, err = m.PendingEvents(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ledger.EventID("e3"), pending[0].ID)

	events := m.Events()
	assert.Equal(t, 3, events[1].Attempts)
	assert.Equal(t, "unreachable", events[1].LastError)

	assert.ErrorIs(t, m.MarkFailed(ctx, "missing", "x"), ledger.ErrNotFound)
}

func TestMemory_InboxNewestFirstAndDeduplicated(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, e := range []ledger.InboxEntry{
		{ID: "n1", EventID: "e1", Notification: ledger.Notification{UserID: "u1", Title: "first"}},
		{ID: "n2", EventID: "e2", Notification: ledger.Notification{UserID: "u2", Title: "other"}},
		{ID: "n3", EventID: "e3", Notification: ledger.Notification{UserID: "u1", Title: "second"}},
		{ID: "n4", EventID: "e3", Notification: ledger.Notification{UserID: "u1", Title: "redelivery"}},
	} {
		require.NoError(t, m.SaveInboxEntry(ctx, e))
	}

	inbox, err := m.Inbox(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, "second", inbox[0].Title)
	assert.Equal(t, "first", inbox[1].Title)

	inbox, err = m.Inbox(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Len(t, inbox, 1)
}
