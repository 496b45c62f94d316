/*
Package ledger provides the balance and inventory consistency engine.

PURPOSE:
  A dealer sells feed, chicks and medicine to a network of farmers and keeps
  one rolling signed balance per farmer. Every business event (payment, sale,
  order acceptance, restock) must move the farmer balance, the inventory
  quantities and the transaction history together or not at all. This
  package holds the records, the atomic mutation protocol and the lifecycle
  operations built on top of it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: a signed history record (+ debit, farmer owes more;
    - credit, farmer owes less)
  - Farmer: the aggregate carrying the materialized Outstanding balance
  - InventoryItem: a stock line with purchase/sales price
  - Order: a multi-line request from a farmer, with an explicit status
  - PurchaseOrder: correlation record for a dealer restock
  - Event: a post-commit notification stored in the outbox

DESIGN PRINCIPLES:
  1. Precision: money and quantities are decimal.Decimal, never float64
  2. Single writer: Outstanding and Quantity change only through the
     delta primitives of the atomic unit (unit.go)
  3. Fixed effects: whether a transaction moves a farmer balance is decided
     once at creation and persisted (AffectsBalance), so edits and deletes
     reverse exactly what was applied

SEE ALSO:
  - store.go: persistence interfaces
  - unit.go: atomic mutation protocol
  - transactions.go, orders.go, purchase_orders.go: lifecycle managers
*/
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	FarmerID        string
	ItemID          string
	TransactionID   string
	OrderID         string
	PurchaseOrderID string
	EventID         string
)

// =============================================================================
// TRANSACTION - Signed ledger record
// =============================================================================

type PaymentStatus string

const (
	StatusPaid    PaymentStatus = "Paid"
	StatusPending PaymentStatus = "Pending"
)

// Payment methods with special meaning to the engine. Anything else is
// stored as given.
const (
	MethodCredit = "Credit"
	MethodCash   = "Cash"
)

type Transaction struct {
	ID          TransactionID
	Date        time.Time
	Description string

	// Amount is signed: positive increases what the farmer owes,
	// negative decreases it.
	Amount decimal.Decimal
	Status PaymentStatus

	UserID   string
	UserName string
	DealerID string

	// Sale fields. CostOfGoodsSold is snapshotted when the sale is recorded.
	InventoryItemID   ItemID
	InventoryItemName string
	QuantitySold      decimal.Decimal
	CostOfGoodsSold   decimal.Decimal

	// Correlation
	PurchaseOrderID PurchaseOrderID
	OrderID         OrderID
	BatchID         string
	SupplierID      string

	PaymentMethod   string
	ReferenceNumber *string
	Remarks         *string

	IsBusinessExpense bool
	AffectsBalance    bool

	CreatedAt time.Time
}

// IsSale reports whether the transaction moved stock out of inventory.
func (t Transaction) IsSale() bool {
	return t.InventoryItemID != "" && t.QuantitySold.IsPositive()
}

// =============================================================================
// FARMER - Aggregate with the materialized balance
// =============================================================================

type Farmer struct {
	ID       FarmerID
	Name     string
	Location string
	DealerID string

	// Outstanding is positive when the farmer owes the dealer and negative
	// when the farmer holds credit.
	Outstanding decimal.Decimal

	FarmerCode    string
	IsPlaceholder bool
	ClaimedBy     string
	CreatedAt     time.Time
}

// =============================================================================
// INVENTORY
// =============================================================================

type InventoryItem struct {
	ID               ItemID
	Name             string
	Category         string
	Quantity         decimal.Decimal
	OriginalQuantity decimal.Decimal
	Unit             string
	PurchasePrice    decimal.Decimal
	SalesPrice       decimal.Decimal
	GSTRate          decimal.Decimal
	OwnerID          string
	PurchaseOrderID  PurchaseOrderID
	CreatedAt        time.Time
}

// =============================================================================
// ORDER
// =============================================================================

type OrderItem struct {
	ItemID         ItemID          `json:"item_id" validate:"required"`
	Name           string          `json:"name"`
	Quantity       decimal.Decimal `json:"quantity" validate:"gt=0"`
	Unit           string          `json:"unit"`
	Price          decimal.Decimal `json:"price" validate:"gte=0"`
	PurchaseSource string          `json:"purchase_source,omitempty"`
}

// LineTotal is quantity × price.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.Quantity.Mul(i.Price)
}

type Order struct {
	ID          OrderID
	FarmerID    FarmerID
	FarmerName  string
	DealerID    string
	Items       []OrderItem
	TotalAmount decimal.Decimal
	Status      OrderStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Summary renders the line items as "Layer feed x 10 bag, Vaccine x 2 vial".
func (o Order) Summary() string {
	parts := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		s := it.Name + " x " + it.Quantity.String()
		if it.Unit != "" {
			s += " " + it.Unit
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}

// =============================================================================
// PURCHASE ORDER
// =============================================================================

type PurchaseOrder struct {
	ID             PurchaseOrderID
	OwnerID        string
	OrderDate      time.Time
	PurchaseSource string
	SupplierID     string
	SupplierName   string
	ItemCount      int
	CreatedAt      time.Time
}

// =============================================================================
// PROFILES - Identity collaborator
// =============================================================================

type Role string

const (
	RoleFarmer   Role = "farmer"
	RoleDealer   Role = "dealer"
	RoleSupplier Role = "supplier"
)

type Profile struct {
	ID       string
	Name     string
	Role     Role
	DealerID string
}

// =============================================================================
// EVENTS - Outbox records for post-commit notification
// =============================================================================

type EventKind string

const (
	EventSaleRecorded    EventKind = "sale_recorded"
	EventPaymentRecorded EventKind = "payment_recorded"
	EventOrderSubmitted  EventKind = "order_submitted"
	EventOrderStatus     EventKind = "order_status_changed"
	EventFarmerClaimed   EventKind = "farmer_claimed"
)

// Notification is the payload handed to the notification collaborator.
type Notification struct {
	UserID   string
	Title    string
	Message  string
	Category string
	Link     string
}

type Event struct {
	ID   EventID
	Kind EventKind
	Notification

	CreatedAt    time.Time
	Attempts     int
	LastError    string
	DispatchedAt *time.Time
}

// InboxEntry is a delivered notification as shown to a user.
type InboxEntry struct {
	ID        string
	EventID   EventID
	Notification
	CreatedAt time.Time
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditReport compares the materialized balance with a full replay.
type AuditReport struct {
	FarmerID     FarmerID
	Materialized decimal.Decimal
	Replayed     decimal.Decimal
	Drift        decimal.Decimal
	Transactions int
}

// Consistent is true when the replay matches the materialized value.
func (r AuditReport) Consistent() bool {
	return r.Drift.IsZero()
}

func nullable(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
