/*
unit.go - Atomic mutation protocol

PURPOSE:
  A Unit is one logical business event executed against one Tx. It exposes
  the same reads and writes as Tx, plus Emit for outbox events, and enforces
  the ordering the store's transaction primitive requires:

    READ PHASE   existence checks, current Outstanding/Quantity values
    WRITE PHASE  inserts, deletes, delta adjustments, outbox events

  The first write flips the unit into the write phase. Any read after that
  fails with ErrReadAfterWrite and aborts the unit.

PRECONDITIONS:
  Lifecycle managers verify preconditions (stock, status) with the values
  returned by the read phase and return before issuing any write. A failed
  precondition therefore never leaves partial state, even on stores without
  real rollback.

EXAMPLE:
  err := engine.atomic(ctx, "sell", func(u *Unit) error {
      item, err := u.InventoryItem(ctx, id)      // read
      if err != nil {
          return err
      }
      if item.Quantity.LessThan(qty) {
          return &InsufficientStockError{...}   // abort, nothing written
      }
      return u.AdjustQuantity(ctx, id, qty.Neg()) // write
  })
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Unit wraps a Tx for one atomic business event.
type Unit struct {
	tx      Tx
	writing bool
	events  []Event
}

// NewUnit wraps tx. Engine.atomic creates one per attempt.
func NewUnit(tx Tx) *Unit {
	return &Unit{tx: tx}
}

// Writing reports whether the unit has entered its write phase.
func (u *Unit) Writing() bool {
	return u.writing
}

func (u *Unit) read() error {
	if u.writing {
		return ErrReadAfterWrite
	}
	return nil
}

// =============================================================================
// READ PHASE
// =============================================================================

func (u *Unit) Farmer(ctx context.Context, id FarmerID) (Farmer, error) {
	if err := u.read(); err != nil {
		return Farmer{}, err
	}
	return u.tx.Farmer(ctx, id)
}

func (u *Unit) FarmerByCode(ctx context.Context, code string) (Farmer, error) {
	if err := u.read(); err != nil {
		return Farmer{}, err
	}
	return u.tx.FarmerByCode(ctx, code)
}

func (u *Unit) InventoryItem(ctx context.Context, id ItemID) (InventoryItem, error) {
	if err := u.read(); err != nil {
		return InventoryItem{}, err
	}
	return u.tx.InventoryItem(ctx, id)
}

func (u *Unit) Transaction(ctx context.Context, id TransactionID) (Transaction, error) {
	if err := u.read(); err != nil {
		return Transaction{}, err
	}
	return u.tx.Transaction(ctx, id)
}

func (u *Unit) Order(ctx context.Context, id OrderID) (Order, error) {
	if err := u.read(); err != nil {
		return Order{}, err
	}
	return u.tx.Order(ctx, id)
}

func (u *Unit) PurchaseOrder(ctx context.Context, id PurchaseOrderID) (PurchaseOrder, error) {
	if err := u.read(); err != nil {
		return PurchaseOrder{}, err
	}
	return u.tx.PurchaseOrder(ctx, id)
}

func (u *Unit) InventoryByPurchaseOrder(ctx context.Context, id PurchaseOrderID) ([]InventoryItem, error) {
	if err := u.read(); err != nil {
		return nil, err
	}
	return u.tx.InventoryByPurchaseOrder(ctx, id)
}

func (u *Unit) TransactionsByPurchaseOrder(ctx context.Context, id PurchaseOrderID) ([]Transaction, error) {
	if err := u.read(); err != nil {
		return nil, err
	}
	return u.tx.TransactionsByPurchaseOrder(ctx, id)
}

// =============================================================================
// WRITE PHASE
// =============================================================================

func (u *Unit) InsertFarmer(ctx context.Context, f Farmer) error {
	u.writing = true
	return u.tx.InsertFarmer(ctx, f)
}

func (u *Unit) ClaimFarmer(ctx context.Context, id FarmerID, userID string) error {
	u.writing = true
	return u.tx.ClaimFarmer(ctx, id, userID)
}

// AdjustOutstanding is the only way a farmer balance changes.
func (u *Unit) AdjustOutstanding(ctx context.Context, id FarmerID, delta decimal.Decimal) error {
	u.writing = true
	if delta.IsZero() {
		return nil
	}
	return u.tx.AdjustOutstanding(ctx, id, delta)
}

func (u *Unit) InsertInventoryItem(ctx context.Context, item InventoryItem) error {
	u.writing = true
	return u.tx.InsertInventoryItem(ctx, item)
}

// AdjustQuantity is the only way an inventory quantity changes.
func (u *Unit) AdjustQuantity(ctx context.Context, id ItemID, delta decimal.Decimal) error {
	u.writing = true
	if delta.IsZero() {
		return nil
	}
	return u.tx.AdjustQuantity(ctx, id, delta)
}

func (u *Unit) DeleteInventoryItem(ctx context.Context, id ItemID) error {
	u.writing = true
	return u.tx.DeleteInventoryItem(ctx, id)
}

func (u *Unit) InsertTransaction(ctx context.Context, t Transaction) error {
	u.writing = true
	return u.tx.InsertTransaction(ctx, t)
}

func (u *Unit) ReplaceTransaction(ctx context.Context, t Transaction) error {
	u.writing = true
	return u.tx.ReplaceTransaction(ctx, t)
}

func (u *Unit) DeleteTransaction(ctx context.Context, id TransactionID) error {
	u.writing = true
	return u.tx.DeleteTransaction(ctx, id)
}

func (u *Unit) InsertOrder(ctx context.Context, o Order) error {
	u.writing = true
	return u.tx.InsertOrder(ctx, o)
}

func (u *Unit) SetOrderStatus(ctx context.Context, id OrderID, status OrderStatus, at time.Time) error {
	u.writing = true
	return u.tx.SetOrderStatus(ctx, id, status, at)
}

func (u *Unit) DeleteOrder(ctx context.Context, id OrderID) error {
	u.writing = true
	return u.tx.DeleteOrder(ctx, id)
}

func (u *Unit) InsertPurchaseOrder(ctx context.Context, po PurchaseOrder) error {
	u.writing = true
	return u.tx.InsertPurchaseOrder(ctx, po)
}

func (u *Unit) DeletePurchaseOrder(ctx context.Context, id PurchaseOrderID) error {
	u.writing = true
	return u.tx.DeletePurchaseOrder(ctx, id)
}

// Emit queues an outbox event. Events are appended after the unit body
// returns successfully, so they commit with the mutation.
func (u *Unit) Emit(ev Event) {
	u.writing = true
	u.events = append(u.events, ev)
}

func (u *Unit) flush(ctx context.Context) error {
	for _, ev := range u.events {
		if err := u.tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
