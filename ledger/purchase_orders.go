/*
purchase_orders.go - Purchase-order manager

PURPOSE:
  A dealer restock is one atomic unit: the PurchaseOrder correlation record,
  one InventoryItem per line, one business-expense transaction per
  additional cost and one aggregate supplier payment. None of these touch a
  farmer balance.

DELETION:
  The inverse unit removes the PurchaseOrder, every InventoryItem and every
  Transaction that references it. Transactions created here never affect a
  balance; a transaction linked to the purchase order by hand that does is
  reversed so balances keep matching the surviving history.
*/
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	opCreatePurchaseOrder = "create_purchase_order"
	opDeletePurchaseOrder = "delete_purchase_order"
)

// PurchaseLine becomes one InventoryItem.
type PurchaseLine struct {
	Name          string          `validate:"required,max=200"`
	Category      string          `validate:"max=100"`
	Quantity      decimal.Decimal `validate:"gt=0"`
	Unit          string
	PurchasePrice decimal.Decimal `validate:"gte=0"`
	SalesPrice    decimal.Decimal `validate:"gte=0"`
	GSTRate       decimal.Decimal `validate:"gte=0"`
}

// CostLine is an additional cost (transport, labour) recorded as expense.
type CostLine struct {
	Description string          `validate:"required,max=500"`
	Amount      decimal.Decimal `validate:"gt=0"`
}

// SupplierPayment is what the dealer paid the supplier up front.
type SupplierPayment struct {
	Amount          decimal.Decimal `validate:"gte=0"`
	Method          string          `validate:"required"`
	ReferenceNumber string
}

type PurchaseOrderDraft struct {
	OwnerID        string `validate:"required"`
	OrderDate      time.Time
	PurchaseSource string
	SupplierID     string
	SupplierName   string

	Items           []PurchaseLine `validate:"required,min=1,dive"`
	AdditionalCosts []CostLine     `validate:"dive"`
	Payment         *SupplierPayment
}

// CreatePurchaseOrder records a restock and returns the correlation record.
func (e *Engine) CreatePurchaseOrder(ctx context.Context, d PurchaseOrderDraft) (PurchaseOrder, error) {
	if err := validateStruct(d); err != nil {
		return PurchaseOrder{}, err
	}
	if d.Payment != nil {
		if err := validateStruct(*d.Payment); err != nil {
			return PurchaseOrder{}, err
		}
	}

	now := e.now()
	orderDate := d.OrderDate
	if orderDate.IsZero() {
		orderDate = now
	}
	po := PurchaseOrder{
		ID:             PurchaseOrderID(e.newID()),
		OwnerID:        d.OwnerID,
		OrderDate:      orderDate,
		PurchaseSource: d.PurchaseSource,
		SupplierID:     d.SupplierID,
		SupplierName:   d.SupplierName,
		ItemCount:      len(d.Items),
		CreatedAt:      now,
	}

	items := make([]InventoryItem, 0, len(d.Items))
	for _, line := range d.Items {
		items = append(items, InventoryItem{
			ID:               ItemID(e.newID()),
			Name:             strings.TrimSpace(line.Name),
			Category:         line.Category,
			Quantity:         line.Quantity,
			OriginalQuantity: line.Quantity,
			Unit:             line.Unit,
			PurchasePrice:    line.PurchasePrice,
			SalesPrice:       line.SalesPrice,
			GSTRate:          line.GSTRate,
			OwnerID:          d.OwnerID,
			PurchaseOrderID:  po.ID,
			CreatedAt:        now,
		})
	}

	var txs []Transaction
	for _, c := range d.AdditionalCosts {
		txs = append(txs, Transaction{
			ID:                TransactionID(e.newID()),
			Date:              orderDate,
			Description:       c.Description,
			Amount:            c.Amount.Abs().Neg(),
			Status:            StatusPaid,
			UserID:            d.OwnerID,
			DealerID:          d.OwnerID,
			PurchaseOrderID:   po.ID,
			IsBusinessExpense: true,
			CreatedAt:         now,
		})
	}
	if p := d.Payment; p != nil && !strings.EqualFold(p.Method, MethodCredit) && !p.Amount.IsZero() {
		userID := d.SupplierID
		if userID == "" {
			userID = d.OwnerID
		}
		desc := "Payment to supplier"
		if d.SupplierName != "" {
			desc += " " + d.SupplierName
		}
		txs = append(txs, Transaction{
			ID:                TransactionID(e.newID()),
			Date:              orderDate,
			Description:       desc,
			Amount:            p.Amount.Abs().Neg(),
			Status:            StatusPaid,
			UserID:            userID,
			UserName:          d.SupplierName,
			DealerID:          d.OwnerID,
			PurchaseOrderID:   po.ID,
			SupplierID:        d.SupplierID,
			PaymentMethod:     p.Method,
			ReferenceNumber:   nullable(p.ReferenceNumber),
			IsBusinessExpense: true,
			CreatedAt:         now,
		})
	}

	err := e.atomic(ctx, opCreatePurchaseOrder, func(u *Unit) error {
		if err := u.InsertPurchaseOrder(ctx, po); err != nil {
			return err
		}
		for _, item := range items {
			if err := u.InsertInventoryItem(ctx, item); err != nil {
				return err
			}
		}
		for _, t := range txs {
			if err := u.InsertTransaction(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

// DeletePurchaseOrder removes the purchase order and everything correlated
// with it in one unit.
func (e *Engine) DeletePurchaseOrder(ctx context.Context, id PurchaseOrderID) error {
	return e.atomic(ctx, opDeletePurchaseOrder, func(u *Unit) error {
		if _, err := u.PurchaseOrder(ctx, id); err != nil {
			return err
		}
		items, err := u.InventoryByPurchaseOrder(ctx, id)
		if err != nil {
			return err
		}
		txs, err := u.TransactionsByPurchaseOrder(ctx, id)
		if err != nil {
			return err
		}
		reversals := make(map[FarmerID]decimal.Decimal)
		for _, t := range txs {
			if !t.AffectsBalance {
				continue
			}
			fid := FarmerID(t.UserID)
			if _, seen := reversals[fid]; !seen {
				if _, err := u.Farmer(ctx, fid); err != nil {
					return err
				}
			}
			reversals[fid] = reversals[fid].Sub(t.Amount)
		}

		for _, t := range txs {
			if err := u.DeleteTransaction(ctx, t.ID); err != nil {
				return err
			}
		}
		for fid, delta := range reversals {
			if err := u.AdjustOutstanding(ctx, fid, delta); err != nil {
				return err
			}
		}
		for _, item := range items {
			if err := u.DeleteInventoryItem(ctx, item.ID); err != nil {
				return err
			}
		}
		return u.DeletePurchaseOrder(ctx, id)
	})
}
