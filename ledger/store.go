/*
store.go - Persistence interfaces for the consistency engine

PURPOSE:
  Defines the contract between the lifecycle managers and the backing store.
  The engine never touches a database directly; it asks a TxStore for one
  transactional view (Tx) per logical business event.

KEY INTERFACES:
  Tx:         Reads and version-guarded writes inside one atomic unit
  TxStore:    Runs a function against a fresh Tx, commit or rollback
  QueryStore: Read-only projections outside any unit (history, lists)
  Outbox:     Drains committed events for the notification dispatcher

OPTIMISTIC CONCURRENCY:
  Every read inside a Tx records the version of the document it returned.
  Every write is checked against that version (compare-and-swap). When a
  document changed underneath the unit, the store returns
  ErrConcurrentModification and commits nothing. The engine retries.

SHARED SCALARS:
  Farmer.Outstanding and InventoryItem.Quantity are the only shared mutable
  values. They change exclusively through AdjustOutstanding/AdjustQuantity,
  which apply a delta to the value read earlier in the same Tx. A store
  must reject a quantity that would fall below zero.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite via database/sql

SEE ALSO:
  - unit.go: wraps Tx and enforces read-before-write ordering
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TX - One atomic unit against the store
// =============================================================================

// Tx is the transactional view handed to an atomic unit. Reads return
// *NotFoundError (wrapping ErrNotFound) for missing documents.
type Tx interface {
	// Reads
	Farmer(ctx context.Context, id FarmerID) (Farmer, error)
	FarmerByCode(ctx context.Context, code string) (Farmer, error)
	InventoryItem(ctx context.Context, id ItemID) (InventoryItem, error)
	Transaction(ctx context.Context, id TransactionID) (Transaction, error)
	Order(ctx context.Context, id OrderID) (Order, error)
	PurchaseOrder(ctx context.Context, id PurchaseOrderID) (PurchaseOrder, error)
	InventoryByPurchaseOrder(ctx context.Context, id PurchaseOrderID) ([]InventoryItem, error)
	TransactionsByPurchaseOrder(ctx context.Context, id PurchaseOrderID) ([]Transaction, error)

	// Farmer writes
	InsertFarmer(ctx context.Context, f Farmer) error
	ClaimFarmer(ctx context.Context, id FarmerID, userID string) error
	AdjustOutstanding(ctx context.Context, id FarmerID, delta decimal.Decimal) error

	// Inventory writes
	InsertInventoryItem(ctx context.Context, item InventoryItem) error
	AdjustQuantity(ctx context.Context, id ItemID, delta decimal.Decimal) error
	DeleteInventoryItem(ctx context.Context, id ItemID) error

	// Transaction writes
	InsertTransaction(ctx context.Context, t Transaction) error
	ReplaceTransaction(ctx context.Context, t Transaction) error
	DeleteTransaction(ctx context.Context, id TransactionID) error

	// Order writes
	InsertOrder(ctx context.Context, o Order) error
	SetOrderStatus(ctx context.Context, id OrderID, status OrderStatus, at time.Time) error
	DeleteOrder(ctx context.Context, id OrderID) error

	// Purchase order writes
	InsertPurchaseOrder(ctx context.Context, po PurchaseOrder) error
	DeletePurchaseOrder(ctx context.Context, id PurchaseOrderID) error

	// AppendEvent stores an event in the outbox; it becomes visible to the
	// dispatcher only if the unit commits.
	AppendEvent(ctx context.Context, ev Event) error
}

// TxStore runs fn inside a single store transaction.
// If fn returns an error nothing is committed.
// If the commit detects a conflicting write, ErrConcurrentModification is returned.
type TxStore interface {
	RunInTx(ctx context.Context, fn func(Tx) error) error
}

// =============================================================================
// QUERY STORE - Read-only projections
// =============================================================================

// TransactionFilter selects transaction history. Exactly the non-empty
// fields are applied. Limit <= 0 means unbounded.
type TransactionFilter struct {
	UserID     string
	DealerID   string
	BatchID    string
	SupplierID string
	Limit      int
}

// OrderFilter selects orders.
type OrderFilter struct {
	DealerID string
	FarmerID FarmerID
	Status   OrderStatus
	Limit    int
}

// QueryStore serves the read side. Results are ordered newest first.
type QueryStore interface {
	GetFarmer(ctx context.Context, id FarmerID) (Farmer, error)
	FarmersByDealer(ctx context.Context, dealerID string) ([]Farmer, error)
	GetInventoryItem(ctx context.Context, id ItemID) (InventoryItem, error)
	InventoryByOwner(ctx context.Context, ownerID string) ([]InventoryItem, error)
	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)
	Transactions(ctx context.Context, f TransactionFilter) ([]Transaction, error)
	GetOrder(ctx context.Context, id OrderID) (Order, error)
	Orders(ctx context.Context, f OrderFilter) ([]Order, error)
	PurchaseOrdersByOwner(ctx context.Context, ownerID string) ([]PurchaseOrder, error)

	// Profile backs the identity collaborator. Farmers without an explicit
	// profile resolve to RoleFarmer.
	Profile(ctx context.Context, id string) (Profile, error)
	PutProfile(ctx context.Context, p Profile) error
}

// Store is everything the engine needs.
type Store interface {
	TxStore
	QueryStore
}

// =============================================================================
// OUTBOX - Consumed by the notification dispatcher
// =============================================================================

type Outbox interface {
	// PendingEvents returns undispatched events with fewer than maxAttempts
	// failed attempts, oldest first.
	PendingEvents(ctx context.Context, limit, maxAttempts int) ([]Event, error)
	MarkDispatched(ctx context.Context, id EventID, at time.Time) error
	MarkFailed(ctx context.Context, id EventID, reason string) error
}
