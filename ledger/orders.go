/*
orders.go - Order lifecycle manager

STATE MACHINE:

    Pending ──► Accepted ──► Shipped ──► Completed
       │
       └──────► Rejected

  Rejected and Completed are terminal. Every transition is validated against
  orderTransitions; anything else fails with ErrInvalidState.

EFFECTS:
  create:            order row (+ optional new placeholder farmer,
                     + optional upfront payment: credit transaction and
                     Outstanding -= payment). No inventory effect.
  Pending→Accepted:  one aggregate Credit transaction for the total,
                     Outstanding += total, Quantity -= ordered per item.
                     Applied exactly once: a second accept finds the order
                     no longer Pending.
  other transitions: status write only.
  cancel (delete):   only while Pending; nothing to reverse.
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	opCreateOrder       = "create_order"
	opUpdateOrderStatus = "update_order_status"
	opDeleteOrder       = "delete_order"
)

// =============================================================================
// STATUS
// =============================================================================

type OrderStatus string

const (
	OrderPending   OrderStatus = "Pending"
	OrderAccepted  OrderStatus = "Accepted"
	OrderRejected  OrderStatus = "Rejected"
	OrderShipped   OrderStatus = "Shipped"
	OrderCompleted OrderStatus = "Completed"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:  {OrderAccepted, OrderRejected},
	OrderAccepted: {OrderShipped},
	OrderShipped:  {OrderCompleted},
}

// ParseOrderStatus accepts the canonical names case-insensitively.
func ParseOrderStatus(s string) (OrderStatus, error) {
	for _, st := range []OrderStatus{OrderPending, OrderAccepted, OrderRejected, OrderShipped, OrderCompleted} {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", &ValidationError{Field: "Status", Reason: fmt.Sprintf("unknown order status %q", s)}
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// =============================================================================
// DRAFTS
// =============================================================================

// FarmerDraft creates a farmer record. With ID empty a new ID is generated.
type FarmerDraft struct {
	ID       FarmerID
	Name     string `validate:"required,max=200"`
	Location string `validate:"max=200"`
	DealerID string `validate:"required"`

	// Claimed marks a self-registered farmer; dealer-added farmers start as
	// placeholders until claimed with their farmer code.
	Claimed bool
}

// OrderDraft is the input to CreateOrder. Exactly one of FarmerID and
// NewFarmer must be set.
type OrderDraft struct {
	FarmerID  FarmerID
	NewFarmer *FarmerDraft
	DealerID  string      `validate:"required"`
	Items     []OrderItem `validate:"required,min=1,dive"`
}

// PaymentDraft is an upfront payment recorded with an order.
type PaymentDraft struct {
	Amount          decimal.Decimal `validate:"gt=0"`
	Method          string          `validate:"required"`
	ReferenceNumber string
	Remarks         string
}

// =============================================================================
// CREATE
// =============================================================================

// CreateOrder inserts a Pending order, materializing a new farmer and
// recording an upfront payment in the same unit when supplied.
func (e *Engine) CreateOrder(ctx context.Context, d OrderDraft, payment *PaymentDraft) (Order, error) {
	if err := validateStruct(d); err != nil {
		return Order{}, err
	}
	if (d.FarmerID == "") == (d.NewFarmer == nil) {
		return Order{}, &ValidationError{Field: "FarmerID", Reason: "exactly one of FarmerID or NewFarmer is required"}
	}
	if d.NewFarmer != nil {
		if err := validateStruct(*d.NewFarmer); err != nil {
			return Order{}, err
		}
		if d.NewFarmer.DealerID != d.DealerID {
			return Order{}, &ValidationError{Field: "NewFarmer.DealerID", Reason: "must match the order's dealer"}
		}
	}
	if payment != nil {
		if err := validateStruct(*payment); err != nil {
			return Order{}, err
		}
	}

	now := e.now()
	order := Order{
		ID:        OrderID(e.newID()),
		FarmerID:  d.FarmerID,
		DealerID:  d.DealerID,
		Items:     append([]OrderItem(nil), d.Items...),
		Status:    OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	total := decimal.Zero
	for _, it := range order.Items {
		total = total.Add(it.LineTotal())
	}
	order.TotalAmount = total

	var newFarmer *Farmer
	if d.NewFarmer != nil {
		f := e.farmerFromDraft(*d.NewFarmer)
		newFarmer = &f
		order.FarmerID = f.ID
		order.FarmerName = f.Name
	}
	var paymentTx *Transaction
	if payment != nil {
		paymentTx = &Transaction{
			ID:              TransactionID(e.newID()),
			Date:            now,
			Description:     "Payment for order " + string(order.ID),
			Amount:          payment.Amount.Neg(),
			Status:          StatusPaid,
			UserID:          string(order.FarmerID),
			DealerID:        d.DealerID,
			OrderID:         order.ID,
			PaymentMethod:   payment.Method,
			ReferenceNumber: nullable(payment.ReferenceNumber),
			Remarks:         nullable(payment.Remarks),
			AffectsBalance:  string(order.FarmerID) != d.DealerID,
			CreatedAt:       now,
		}
	}

	var created Order
	err := e.atomic(ctx, opCreateOrder, func(u *Unit) error {
		o := order

		// Reads
		if newFarmer == nil {
			f, err := u.Farmer(ctx, o.FarmerID)
			if err != nil {
				return err
			}
			if f.DealerID != o.DealerID {
				return &ValidationError{Field: "FarmerID", Reason: fmt.Sprintf("farmer %s belongs to another dealer", f.ID)}
			}
			o.FarmerName = f.Name
		}

		// Writes
		if newFarmer != nil {
			if err := u.InsertFarmer(ctx, *newFarmer); err != nil {
				return err
			}
		}
		if err := u.InsertOrder(ctx, o); err != nil {
			return err
		}
		if paymentTx != nil {
			p := *paymentTx
			p.UserName = o.FarmerName
			if err := u.InsertTransaction(ctx, p); err != nil {
				return err
			}
			if p.AffectsBalance {
				if err := u.AdjustOutstanding(ctx, o.FarmerID, p.Amount); err != nil {
					return err
				}
			}
		}
		u.Emit(e.event(EventOrderSubmitted, Notification{
			UserID:   string(o.FarmerID),
			Title:    "Order submitted",
			Message:  fmt.Sprintf("Your order for %s (total %s) was submitted.", o.Summary(), o.TotalAmount.StringFixed(2)),
			Category: "order",
			Link:     "/orders/" + string(o.ID),
		}))
		created = o
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return created, nil
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

// UpdateOrderStatus moves the order to next. Acceptance applies the balance
// and inventory effects; all other transitions are pure status writes.
func (e *Engine) UpdateOrderStatus(ctx context.Context, id OrderID, next OrderStatus) (Order, error) {
	var result Order
	err := e.atomic(ctx, opUpdateOrderStatus, func(u *Unit) error {
		o, err := u.Order(ctx, id)
		if err != nil {
			return err
		}
		if !o.Status.CanTransitionTo(next) {
			return &InvalidStateError{Kind: "order", ID: string(id), From: string(o.Status), To: string(next)}
		}
		now := e.now()

		if next == OrderAccepted {
			if err := e.acceptOrder(ctx, u, o, now); err != nil {
				return err
			}
		} else if err := u.SetOrderStatus(ctx, id, next, now); err != nil {
			return err
		}

		o.Status = next
		o.UpdatedAt = now
		u.Emit(e.event(EventOrderStatus, Notification{
			UserID:   string(o.FarmerID),
			Title:    "Order " + strings.ToLower(string(next)),
			Message:  fmt.Sprintf("Your order %s is now %s.", o.ID, next),
			Category: "order",
			Link:     "/orders/" + string(o.ID),
		}))
		result = o
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return result, nil
}

func (e *Engine) acceptOrder(ctx context.Context, u *Unit, o Order, now time.Time) error {
	// Reads: farmer first, then every referenced item.
	if _, err := u.Farmer(ctx, o.FarmerID); err != nil {
		return err
	}
	requested := make(map[ItemID]decimal.Decimal)
	var itemOrder []ItemID
	for _, it := range o.Items {
		if _, seen := requested[it.ItemID]; !seen {
			itemOrder = append(itemOrder, it.ItemID)
		}
		requested[it.ItemID] = requested[it.ItemID].Add(it.Quantity)
	}
	cogs := decimal.Zero
	for _, id := range itemOrder {
		item, err := u.InventoryItem(ctx, id)
		if err != nil {
			return err
		}
		want := requested[id]
		if item.Quantity.LessThan(want) {
			return &InsufficientStockError{ItemID: id, ItemName: item.Name, Available: item.Quantity, Requested: want}
		}
		cogs = cogs.Add(item.PurchasePrice.Mul(want))
	}

	// Writes
	if err := u.SetOrderStatus(ctx, o.ID, OrderAccepted, now); err != nil {
		return err
	}
	t := Transaction{
		ID:                TransactionID(e.newID()),
		Date:              now,
		Description:       "Order " + string(o.ID) + " accepted",
		Amount:            o.TotalAmount,
		Status:            StatusPending,
		UserID:            string(o.FarmerID),
		UserName:          o.FarmerName,
		DealerID:          o.DealerID,
		InventoryItemName: o.Summary(),
		CostOfGoodsSold:   cogs,
		OrderID:           o.ID,
		PaymentMethod:     MethodCredit,
		AffectsBalance:    string(o.FarmerID) != o.DealerID,
		CreatedAt:         now,
	}
	if err := u.InsertTransaction(ctx, t); err != nil {
		return err
	}
	if t.AffectsBalance {
		if err := u.AdjustOutstanding(ctx, o.FarmerID, o.TotalAmount); err != nil {
			return err
		}
	}
	for _, id := range itemOrder {
		if err := u.AdjustQuantity(ctx, id, requested[id].Neg()); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// CANCEL
// =============================================================================

// DeleteOrder cancels a Pending order. Any other status fails with
// ErrInvalidState and leaves the order untouched.
func (e *Engine) DeleteOrder(ctx context.Context, id OrderID) error {
	return e.atomic(ctx, opDeleteOrder, func(u *Unit) error {
		o, err := u.Order(ctx, id)
		if err != nil {
			return err
		}
		if o.Status != OrderPending {
			return &InvalidStateError{
				Kind:   "order",
				ID:     string(id),
				From:   string(o.Status),
				Reason: "only Pending orders may be cancelled",
			}
		}
		return u.DeleteOrder(ctx, id)
	})
}
