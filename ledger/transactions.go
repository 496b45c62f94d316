/*
transactions.go - Transaction lifecycle manager

PURPOSE:
  Create, edit and delete individual payment/sale records together with
  their side effects on the farmer balance and on inventory.

BALANCE RULE:
  A transaction moves a farmer's Outstanding iff
    - it is not a business expense, and
    - UserID differs from DealerID, and
    - the identity collaborator does not resolve UserID to a non-farmer.
  The decision is persisted as AffectsBalance at creation time.

SIDE EFFECTS:
  create:  Outstanding += amount            (if AffectsBalance)
           Quantity    -= quantitySold      (if sale; COGS snapshotted)
  update:  Outstanding += new - old         (only when amount changes)
  delete:  Outstanding -= amount            (if AffectsBalance)
           Quantity    += quantitySold      (if sale and item still exists)

SEE ALSO:
  - unit.go: read-then-write ordering
  - audit.go: replay used to verify the materialized balance
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	opCreateTransaction = "create_transaction"
	opUpdateTransaction = "update_transaction"
	opDeleteTransaction = "delete_transaction"
)

// TransactionDraft is the input to CreateTransaction.
type TransactionDraft struct {
	Date        time.Time
	Description string          `validate:"required,max=500"`
	Amount      decimal.Decimal `validate:"required"`
	Status      PaymentStatus   `validate:"omitempty,oneof=Paid Pending"`

	UserID   string `validate:"required"`
	UserName string
	DealerID string `validate:"required"`

	InventoryItemID   ItemID
	InventoryItemName string
	QuantitySold      decimal.Decimal `validate:"gte=0"`

	PurchaseOrderID PurchaseOrderID
	OrderID         OrderID
	BatchID         string
	SupplierID      string

	PaymentMethod   string
	ReferenceNumber string
	Remarks         string

	IsBusinessExpense bool
}

// TransactionPatch lists the editable fields; nil means unchanged.
type TransactionPatch struct {
	Date            *time.Time
	Description     *string
	Amount          *decimal.Decimal
	Status          *PaymentStatus
	PaymentMethod   *string
	ReferenceNumber *string
	Remarks         *string

	// Editing these does not touch inventory.
	InventoryItemID *ItemID
	QuantitySold    *decimal.Decimal
}

// =============================================================================
// CREATE
// =============================================================================

// CreateTransaction records a payment, sale or expense and applies its
// balance and inventory effects atomically.
func (e *Engine) CreateTransaction(ctx context.Context, d TransactionDraft) (Transaction, error) {
	if err := validateStruct(d); err != nil {
		return Transaction{}, err
	}
	if d.QuantitySold.IsPositive() && d.InventoryItemID == "" {
		return Transaction{}, &ValidationError{Field: "InventoryItemID", Reason: "required when QuantitySold is set"}
	}

	affects, userName, err := e.resolveCounterparty(ctx, d.UserID, d.DealerID, d.IsBusinessExpense, d.UserName)
	if err != nil {
		return Transaction{}, err
	}

	now := e.now()
	draft := Transaction{
		ID:                TransactionID(e.newID()),
		Date:              d.Date,
		Description:       d.Description,
		Amount:            d.Amount,
		Status:            d.Status,
		UserID:            d.UserID,
		UserName:          userName,
		DealerID:          d.DealerID,
		InventoryItemID:   d.InventoryItemID,
		InventoryItemName: d.InventoryItemName,
		QuantitySold:      d.QuantitySold,
		PurchaseOrderID:   d.PurchaseOrderID,
		OrderID:           d.OrderID,
		BatchID:           d.BatchID,
		SupplierID:        d.SupplierID,
		PaymentMethod:     d.PaymentMethod,
		ReferenceNumber:   nullable(d.ReferenceNumber),
		Remarks:           nullable(d.Remarks),
		IsBusinessExpense: d.IsBusinessExpense,
		AffectsBalance:    affects,
		CreatedAt:         now,
	}
	if draft.Date.IsZero() {
		draft.Date = now
	}
	if draft.Status == "" {
		draft.Status = StatusPaid
	}

	var created Transaction
	err = e.atomic(ctx, opCreateTransaction, func(u *Unit) error {
		t := draft

		// Reads
		if t.AffectsBalance {
			if _, err := u.Farmer(ctx, FarmerID(t.UserID)); err != nil {
				return err
			}
		}
		if t.IsSale() {
			item, err := u.InventoryItem(ctx, t.InventoryItemID)
			if err != nil {
				return err
			}
			if item.Quantity.LessThan(t.QuantitySold) {
				return &InsufficientStockError{
					ItemID:    item.ID,
					ItemName:  item.Name,
					Available: item.Quantity,
					Requested: t.QuantitySold,
				}
			}
			t.CostOfGoodsSold = item.PurchasePrice.Mul(t.QuantitySold)
			if t.InventoryItemName == "" {
				t.InventoryItemName = item.Name
			}
		}

		// Writes
		if err := u.InsertTransaction(ctx, t); err != nil {
			return err
		}
		if t.AffectsBalance {
			if err := u.AdjustOutstanding(ctx, FarmerID(t.UserID), t.Amount); err != nil {
				return err
			}
			u.Emit(e.transactionEvent(t))
		}
		if t.IsSale() {
			if err := u.AdjustQuantity(ctx, t.InventoryItemID, t.QuantitySold.Neg()); err != nil {
				return err
			}
		}
		created = t
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return created, nil
}

// resolveCounterparty decides whether a transaction moves a farmer balance
// and fills in the display name.
func (e *Engine) resolveCounterparty(ctx context.Context, userID, dealerID string, expense bool, name string) (bool, string, error) {
	if expense || userID == dealerID {
		return false, name, nil
	}
	p, err := e.store.Profile(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		// Unknown counterparty: treat as a farmer; the unit's farmer read
		// reports the missing record.
		return true, name, nil
	case err != nil:
		return false, name, err
	}
	if name == "" {
		name = p.Name
	}
	return p.Role == RoleFarmer, name, nil
}

func (e *Engine) transactionEvent(t Transaction) Event {
	if t.Amount.IsPositive() {
		msg := fmt.Sprintf("A sale of %s was added to your account", t.Amount.StringFixed(2))
		if t.InventoryItemName != "" {
			msg += fmt.Sprintf(" for %s", t.InventoryItemName)
		}
		return e.event(EventSaleRecorded, Notification{
			UserID:   t.UserID,
			Title:    "New sale recorded",
			Message:  msg + ".",
			Category: "transaction",
			Link:     "/transactions/" + string(t.ID),
		})
	}
	return e.event(EventPaymentRecorded, Notification{
		UserID:   t.UserID,
		Title:    "Payment received",
		Message:  fmt.Sprintf("A payment of %s was credited to your account.", t.Amount.Abs().StringFixed(2)),
		Category: "transaction",
		Link:     "/transactions/" + string(t.ID),
	})
}

// =============================================================================
// UPDATE
// =============================================================================

// UpdateTransaction applies patch. A changed amount on a balance-affecting
// transaction adjusts Outstanding by the difference; inventory is never
// re-evaluated.
func (e *Engine) UpdateTransaction(ctx context.Context, id TransactionID, patch TransactionPatch) (Transaction, error) {
	if patch.Status != nil && *patch.Status != StatusPaid && *patch.Status != StatusPending {
		return Transaction{}, &ValidationError{Field: "Status", Reason: "must be Paid or Pending"}
	}
	if patch.Amount != nil && patch.Amount.IsZero() {
		return Transaction{}, &ValidationError{Field: "Amount", Reason: "must not be zero"}
	}
	if patch.QuantitySold != nil && patch.QuantitySold.IsNegative() {
		return Transaction{}, &ValidationError{Field: "QuantitySold", Reason: "must not be negative"}
	}

	var updated Transaction
	err := e.atomic(ctx, opUpdateTransaction, func(u *Unit) error {
		old, err := u.Transaction(ctx, id)
		if err != nil {
			return err
		}
		delta := decimal.Zero
		if patch.Amount != nil {
			delta = patch.Amount.Sub(old.Amount)
		}
		if old.AffectsBalance && !delta.IsZero() {
			if _, err := u.Farmer(ctx, FarmerID(old.UserID)); err != nil {
				return err
			}
		}

		t := applyPatch(old, patch)
		if err := u.ReplaceTransaction(ctx, t); err != nil {
			return err
		}
		if old.AffectsBalance {
			if err := u.AdjustOutstanding(ctx, FarmerID(old.UserID), delta); err != nil {
				return err
			}
		}
		updated = t
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return updated, nil
}

func applyPatch(t Transaction, p TransactionPatch) Transaction {
	if p.Date != nil {
		t.Date = *p.Date
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Amount != nil {
		t.Amount = *p.Amount
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.PaymentMethod != nil {
		t.PaymentMethod = *p.PaymentMethod
	}
	if p.ReferenceNumber != nil {
		t.ReferenceNumber = nullable(*p.ReferenceNumber)
	}
	if p.Remarks != nil {
		t.Remarks = nullable(*p.Remarks)
	}
	if p.InventoryItemID != nil {
		t.InventoryItemID = *p.InventoryItemID
	}
	if p.QuantitySold != nil {
		t.QuantitySold = *p.QuantitySold
	}
	return t
}

// =============================================================================
// DELETE
// =============================================================================

// DeleteTransaction removes the record and reverses its effects. If the
// sold inventory item no longer exists the restock is skipped with a
// warning; the delete and the balance reversal still commit.
func (e *Engine) DeleteTransaction(ctx context.Context, id TransactionID) error {
	return e.atomic(ctx, opDeleteTransaction, func(u *Unit) error {
		t, err := u.Transaction(ctx, id)
		if err != nil {
			return err
		}
		if t.AffectsBalance {
			if _, err := u.Farmer(ctx, FarmerID(t.UserID)); err != nil {
				return err
			}
		}
		restock := t.IsSale()
		if restock {
			if _, err := u.InventoryItem(ctx, t.InventoryItemID); err != nil {
				if !errors.Is(err, ErrNotFound) {
					return err
				}
				restock = false
				e.log.WithFields(logrus.Fields{
					"op":      opDeleteTransaction,
					"tx_id":   t.ID,
					"item_id": t.InventoryItemID,
				}).Warn("inventory item gone, skipping restock")
			}
		}

		if err := u.DeleteTransaction(ctx, id); err != nil {
			return err
		}
		if t.AffectsBalance {
			if err := u.AdjustOutstanding(ctx, FarmerID(t.UserID), t.Amount.Neg()); err != nil {
				return err
			}
		}
		if restock {
			return u.AdjustQuantity(ctx, t.InventoryItemID, t.QuantitySold)
		}
		return nil
	})
}
