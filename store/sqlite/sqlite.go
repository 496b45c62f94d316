/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists farmers, inventory, transactions, orders, purchase orders,
  profiles, the notification outbox and the delivered-notification inbox.
  The same patterns carry over to PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  ledger.TxStore:    Atomic units (RunInTx)
  ledger.QueryStore: Read-side projections
  ledger.Outbox:     Pending notification events
  notify.Inbox:      Delivered notifications

OPTIMISTIC WRITES:
  Every mutable row carries a version column. Reads inside a unit remember
  the version they saw; every UPDATE and DELETE is guarded with
  "WHERE id = ? AND version = ?". Zero affected rows means another writer
  got there first and the unit fails with ledger.ErrConcurrentModification,
  which the engine retries with fresh reads.

  Outstanding and quantity are written as absolute values computed from
  the value read in the same unit plus the delta. The version guard makes
  that equivalent to an atomic increment.

KEY TABLES:
  farmers:          Farmer aggregate with materialized outstanding
  inventory_items:  Stock lines (quantity CHECK >= 0)
  transactions:     Signed history, affects_balance fixed at insert
  orders:           Farmer orders, line items as JSON
  purchase_orders:  Restock correlation records
  profiles:         Role lookup
  outbox_events:    Events waiting for delivery
  notifications:    Delivered events per user

DECIMALS AND TIME:
  Decimals are stored as TEXT via decimal.Decimal's driver.Valuer and
  sql.Scanner. Timestamps are fixed-width UTC text so lexical order is
  chronological order.

CONCURRENCY:
  One connection, guarded by sync.RWMutex. SQLite allows a single writer;
  the mutex keeps units from interleaving on the shared connection. With
  PostgreSQL the version guards alone would carry the load.

USAGE:
  store, err := sqlite.New("./data/flock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/flockledger/ledger"
)

var (
	_ ledger.Store  = (*Store)(nil)
	_ ledger.Outbox = (*Store)(nil)
)

// timeLayout is fixed width so that ORDER BY on the text column is
// chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A second connection to ":memory:" would be a different database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS farmers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		location TEXT,
		dealer_id TEXT NOT NULL,
		outstanding TEXT NOT NULL DEFAULT '0',
		farmer_code TEXT NOT NULL UNIQUE,
		is_placeholder INTEGER NOT NULL DEFAULT 1,
		claimed_by TEXT,
		created_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_farmers_dealer ON farmers(dealer_id);

	CREATE TABLE IF NOT EXISTS purchase_orders (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		order_date TEXT NOT NULL,
		purchase_source TEXT,
		supplier_id TEXT,
		supplier_name TEXT,
		item_count INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_purchase_orders_owner ON purchase_orders(owner_id, order_date);

	-- Stock must never go negative
	CREATE TABLE IF NOT EXISTS inventory_items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT,
		quantity TEXT NOT NULL CHECK (CAST(quantity AS REAL) >= 0),
		original_quantity TEXT NOT NULL,
		unit TEXT,
		purchase_price TEXT NOT NULL DEFAULT '0',
		sales_price TEXT NOT NULL DEFAULT '0',
		gst_rate TEXT NOT NULL DEFAULT '0',
		owner_id TEXT NOT NULL,
		purchase_order_id TEXT,
		created_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_inventory_owner ON inventory_items(owner_id);
	CREATE INDEX IF NOT EXISTS idx_inventory_po ON inventory_items(purchase_order_id);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		description TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		user_id TEXT NOT NULL,
		user_name TEXT,
		dealer_id TEXT NOT NULL,
		inventory_item_id TEXT,
		inventory_item_name TEXT,
		quantity_sold TEXT NOT NULL DEFAULT '0',
		cost_of_goods_sold TEXT NOT NULL DEFAULT '0',
		purchase_order_id TEXT,
		order_id TEXT,
		batch_id TEXT,
		supplier_id TEXT,
		payment_method TEXT,
		reference_number TEXT,
		remarks TEXT,
		is_business_expense INTEGER NOT NULL DEFAULT 0,
		affects_balance INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	-- History queries (newest first)
	CREATE INDEX IF NOT EXISTS idx_transactions_user_date ON transactions(user_id, date);
	CREATE INDEX IF NOT EXISTS idx_transactions_dealer_date ON transactions(dealer_id, date);
	CREATE INDEX IF NOT EXISTS idx_transactions_po ON transactions(purchase_order_id)
		WHERE purchase_order_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_batch ON transactions(batch_id)
		WHERE batch_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_supplier ON transactions(supplier_id)
		WHERE supplier_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		farmer_id TEXT NOT NULL,
		farmer_name TEXT,
		dealer_id TEXT NOT NULL,
		items_json TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_orders_dealer ON orders(dealer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_orders_farmer ON orders(farmer_id, created_at);

	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		name TEXT,
		role TEXT NOT NULL,
		dealer_id TEXT
	);

	-- Outbox: written in the same unit as the mutation that caused it
	CREATE TABLE IF NOT EXISTS outbox_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		category TEXT,
		link TEXT,
		created_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		dispatched_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events(seq)
		WHERE dispatched_at IS NULL;

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		category TEXT,
		link TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ATOMIC UNITS (ledger.TxStore)
// =============================================================================

// RunInTx runs fn inside a database transaction. Any error from fn, or a
// version guard that matched no row, rolls everything back.
func (s *Store) RunInTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &txStore{
		tx:          sqlTx,
		versions:    make(map[string]int64),
		outstanding: make(map[ledger.FarmerID]decimal.Decimal),
		quantity:    make(map[ledger.ItemID]decimal.Decimal),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if isBusy(err) {
			return fmt.Errorf("commit: %w", ledger.ErrConcurrentModification)
		}
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// txStore is the ledger.Tx view of one database transaction.
type txStore struct {
	tx *sql.Tx

	// versions maps "kind/id" to the version this unit last saw or wrote.
	versions map[string]int64

	outstanding map[ledger.FarmerID]decimal.Decimal
	quantity    map[ledger.ItemID]decimal.Decimal
}

func vkey(kind, id string) string { return kind + "/" + id }

func (ts *txStore) seen(kind, id string) (int64, bool) {
	v, ok := ts.versions[vkey(kind, id)]
	return v, ok
}

// guarded runs a version-guarded statement. query must end with
// "WHERE id = ? AND version = ?".
func (ts *txStore) guarded(ctx context.Context, kind, id, query string, args ...any) error {
	v, ok := ts.seen(kind, id)
	if !ok {
		return fmt.Errorf("write to unread %s %s: %w", kind, id, ledger.ErrConcurrentModification)
	}
	res, err := ts.tx.ExecContext(ctx, query, append(args, id, v)...)
	if err != nil {
		if isBusy(err) {
			return fmt.Errorf("%s %s: %w", kind, id, ledger.ErrConcurrentModification)
		}
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%s %s changed since read: %w", kind, id, ledger.ErrConcurrentModification)
	}
	ts.versions[vkey(kind, id)] = v + 1
	return nil
}

// ---- reads ----

func (ts *txStore) Farmer(ctx context.Context, id ledger.FarmerID) (ledger.Farmer, error) {
	return ts.farmerWhere(ctx, "id = ?", string(id), string(id))
}

func (ts *txStore) FarmerByCode(ctx context.Context, code string) (ledger.Farmer, error) {
	return ts.farmerWhere(ctx, "farmer_code = ?", strings.ToUpper(code), code)
}

func (ts *txStore) farmerWhere(ctx context.Context, where string, arg any, label string) (ledger.Farmer, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+farmerColumns+` FROM farmers WHERE `+where, arg)
	f, version, err := scanFarmer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Farmer{}, &ledger.NotFoundError{Kind: "farmer", ID: label}
	}
	if err != nil {
		return ledger.Farmer{}, err
	}
	ts.versions[vkey("farmer", string(f.ID))] = version
	ts.outstanding[f.ID] = f.Outstanding
	return f, nil
}

func (ts *txStore) InventoryItem(ctx context.Context, id ledger.ItemID) (ledger.InventoryItem, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM inventory_items WHERE id = ?`, id)
	item, version, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.InventoryItem{}, &ledger.NotFoundError{Kind: "inventory item", ID: string(id)}
	}
	if err != nil {
		return ledger.InventoryItem{}, err
	}
	ts.versions[vkey("item", string(id))] = version
	ts.quantity[id] = item.Quantity
	return item, nil
}

func (ts *txStore) Transaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	t, version, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, &ledger.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	ts.versions[vkey("transaction", string(id))] = version
	return t, nil
}

func (ts *txStore) Order(ctx context.Context, id ledger.OrderID) (ledger.Order, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, version, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Order{}, &ledger.NotFoundError{Kind: "order", ID: string(id)}
	}
	if err != nil {
		return ledger.Order{}, err
	}
	ts.versions[vkey("order", string(id))] = version
	return o, nil
}

func (ts *txStore) PurchaseOrder(ctx context.Context, id ledger.PurchaseOrderID) (ledger.PurchaseOrder, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id = ?`, id)
	po, version, err := scanPurchaseOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.PurchaseOrder{}, &ledger.NotFoundError{Kind: "purchase order", ID: string(id)}
	}
	if err != nil {
		return ledger.PurchaseOrder{}, err
	}
	ts.versions[vkey("purchase_order", string(id))] = version
	return po, nil
}

func (ts *txStore) InventoryByPurchaseOrder(ctx context.Context, id ledger.PurchaseOrderID) ([]ledger.InventoryItem, error) {
	rows, err := ts.tx.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM inventory_items WHERE purchase_order_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query inventory: %w", err)
	}
	defer rows.Close()

	var items []ledger.InventoryItem
	for rows.Next() {
		item, version, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		ts.versions[vkey("item", string(item.ID))] = version
		ts.quantity[item.ID] = item.Quantity
		items = append(items, item)
	}
	return items, rows.Err()
}

func (ts *txStore) TransactionsByPurchaseOrder(ctx context.Context, id ledger.PurchaseOrderID) ([]ledger.Transaction, error) {
	rows, err := ts.tx.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE purchase_order_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		t, version, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		ts.versions[vkey("transaction", string(t.ID))] = version
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// ---- writes ----

func (ts *txStore) insert(ctx context.Context, kind, id, query string, args ...any) error {
	if _, err := ts.tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%s %s: %w", kind, id, ledger.ErrDuplicate)
		}
		if isBusy(err) {
			return fmt.Errorf("%s %s: %w", kind, id, ledger.ErrConcurrentModification)
		}
		return fmt.Errorf("failed to insert %s: %w", kind, err)
	}
	ts.versions[vkey(kind, id)] = 1
	return nil
}

func (ts *txStore) InsertFarmer(ctx context.Context, f ledger.Farmer) error {
	err := ts.insert(ctx, "farmer", string(f.ID), `
		INSERT INTO farmers (id, name, location, dealer_id, outstanding, farmer_code,
		                     is_placeholder, claimed_by, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		f.ID, f.Name, nullString(f.Location), f.DealerID, f.Outstanding, f.FarmerCode,
		f.IsPlaceholder, nullString(f.ClaimedBy), formatTime(f.CreatedAt),
	)
	if err == nil {
		ts.outstanding[f.ID] = f.Outstanding
	}
	return err
}

func (ts *txStore) ClaimFarmer(ctx context.Context, id ledger.FarmerID, userID string) error {
	return ts.guarded(ctx, "farmer", string(id),
		`UPDATE farmers SET is_placeholder = 0, claimed_by = ?, version = version + 1 WHERE id = ? AND version = ?`,
		userID)
}

func (ts *txStore) AdjustOutstanding(ctx context.Context, id ledger.FarmerID, delta decimal.Decimal) error {
	cur, ok := ts.outstanding[id]
	if !ok {
		return fmt.Errorf("adjust outstanding of unread farmer %s: %w", id, ledger.ErrConcurrentModification)
	}
	next := cur.Add(delta)
	if err := ts.guarded(ctx, "farmer", string(id),
		`UPDATE farmers SET outstanding = ?, version = version + 1 WHERE id = ? AND version = ?`,
		next); err != nil {
		return err
	}
	ts.outstanding[id] = next
	return nil
}

func (ts *txStore) InsertInventoryItem(ctx context.Context, item ledger.InventoryItem) error {
	err := ts.insert(ctx, "item", string(item.ID), `
		INSERT INTO inventory_items (id, name, category, quantity, original_quantity, unit,
		                             purchase_price, sales_price, gst_rate, owner_id,
		                             purchase_order_id, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		item.ID, item.Name, nullString(item.Category), item.Quantity, item.OriginalQuantity,
		nullString(item.Unit), item.PurchasePrice, item.SalesPrice, item.GSTRate, item.OwnerID,
		nullString(string(item.PurchaseOrderID)), formatTime(item.CreatedAt),
	)
	if err == nil {
		ts.quantity[item.ID] = item.Quantity
	}
	return err
}

func (ts *txStore) AdjustQuantity(ctx context.Context, id ledger.ItemID, delta decimal.Decimal) error {
	cur, ok := ts.quantity[id]
	if !ok {
		return fmt.Errorf("adjust quantity of unread item %s: %w", id, ledger.ErrConcurrentModification)
	}
	next := cur.Add(delta)
	if next.IsNegative() {
		return &ledger.InsufficientStockError{ItemID: id, Available: cur, Requested: delta.Neg()}
	}
	if err := ts.guarded(ctx, "item", string(id),
		`UPDATE inventory_items SET quantity = ?, version = version + 1 WHERE id = ? AND version = ?`,
		next); err != nil {
		return err
	}
	ts.quantity[id] = next
	return nil
}

func (ts *txStore) DeleteInventoryItem(ctx context.Context, id ledger.ItemID) error {
	return ts.remove(ctx, "item", "inventory_items", string(id))
}

func (ts *txStore) InsertTransaction(ctx context.Context, t ledger.Transaction) error {
	return ts.insert(ctx, "transaction", string(t.ID),
		`INSERT INTO transactions (`+txInsertColumns+`, version) VALUES (`+placeholders(txInsertCount)+`, 1)`,
		transactionArgs(t)...)
}

func (ts *txStore) ReplaceTransaction(ctx context.Context, t ledger.Transaction) error {
	args := transactionArgs(t)[1:] // id goes into the guard
	return ts.guarded(ctx, "transaction", string(t.ID), `
		UPDATE transactions SET
			date = ?, description = ?, amount = ?, status = ?, user_id = ?, user_name = ?,
			dealer_id = ?, inventory_item_id = ?, inventory_item_name = ?, quantity_sold = ?,
			cost_of_goods_sold = ?, purchase_order_id = ?, order_id = ?, batch_id = ?,
			supplier_id = ?, payment_method = ?, reference_number = ?, remarks = ?,
			is_business_expense = ?, affects_balance = ?, created_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`, args...)
}

func (ts *txStore) DeleteTransaction(ctx context.Context, id ledger.TransactionID) error {
	return ts.remove(ctx, "transaction", "transactions", string(id))
}

func (ts *txStore) InsertOrder(ctx context.Context, o ledger.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("failed to encode order items: %w", err)
	}
	return ts.insert(ctx, "order", string(o.ID), `
		INSERT INTO orders (id, farmer_id, farmer_name, dealer_id, items_json, total_amount,
		                    status, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		o.ID, o.FarmerID, nullString(o.FarmerName), o.DealerID, string(itemsJSON), o.TotalAmount,
		o.Status, formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
}

func (ts *txStore) SetOrderStatus(ctx context.Context, id ledger.OrderID, status ledger.OrderStatus, at time.Time) error {
	return ts.guarded(ctx, "order", string(id),
		`UPDATE orders SET status = ?, updated_at = ?, version = version + 1 WHERE id = ? AND version = ?`,
		status, formatTime(at))
}

func (ts *txStore) DeleteOrder(ctx context.Context, id ledger.OrderID) error {
	return ts.remove(ctx, "order", "orders", string(id))
}

func (ts *txStore) InsertPurchaseOrder(ctx context.Context, po ledger.PurchaseOrder) error {
	return ts.insert(ctx, "purchase_order", string(po.ID), `
		INSERT INTO purchase_orders (id, owner_id, order_date, purchase_source, supplier_id,
		                             supplier_name, item_count, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		po.ID, po.OwnerID, formatTime(po.OrderDate), nullString(po.PurchaseSource),
		nullString(po.SupplierID), nullString(po.SupplierName), po.ItemCount, formatTime(po.CreatedAt),
	)
}

func (ts *txStore) DeletePurchaseOrder(ctx context.Context, id ledger.PurchaseOrderID) error {
	return ts.remove(ctx, "purchase_order", "purchase_orders", string(id))
}

// remove deletes a row, guarded by version when this unit has read it.
func (ts *txStore) remove(ctx context.Context, kind, table, id string) error {
	if _, ok := ts.seen(kind, id); ok {
		if err := ts.guarded(ctx, kind, id, `DELETE FROM `+table+` WHERE id = ? AND version = ?`); err != nil {
			return err
		}
		delete(ts.versions, vkey(kind, id))
		return nil
	}
	if _, err := ts.tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	return nil
}

func (ts *txStore) AppendEvent(ctx context.Context, ev ledger.Event) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, kind, user_id, title, message, category, link, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Kind, ev.UserID, ev.Title, ev.Message, nullString(ev.Category), nullString(ev.Link),
		formatTime(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// =============================================================================
// QUERY STORE (ledger.QueryStore)
// =============================================================================

func (s *Store) GetFarmer(ctx context.Context, id ledger.FarmerID) (ledger.Farmer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, _, err := scanFarmer(s.db.QueryRowContext(ctx, `SELECT `+farmerColumns+` FROM farmers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Farmer{}, &ledger.NotFoundError{Kind: "farmer", ID: string(id)}
	}
	return f, err
}

func (s *Store) FarmersByDealer(ctx context.Context, dealerID string) ([]ledger.Farmer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+farmerColumns+` FROM farmers WHERE dealer_id = ? ORDER BY name ASC`, dealerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query farmers: %w", err)
	}
	defer rows.Close()

	var farmers []ledger.Farmer
	for rows.Next() {
		f, _, err := scanFarmer(rows)
		if err != nil {
			return nil, err
		}
		farmers = append(farmers, f)
	}
	return farmers, rows.Err()
}

func (s *Store) GetInventoryItem(ctx context.Context, id ledger.ItemID) (ledger.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, _, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM inventory_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.InventoryItem{}, &ledger.NotFoundError{Kind: "inventory item", ID: string(id)}
	}
	return item, err
}

func (s *Store) InventoryByOwner(ctx context.Context, ownerID string) ([]ledger.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM inventory_items WHERE owner_id = ? ORDER BY created_at DESC, name ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query inventory: %w", err)
	}
	defer rows.Close()

	var items []ledger.InventoryItem
	for rows.Next() {
		item, _, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, _, err := scanTransaction(s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, &ledger.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	return t, err
}

func (s *Store) Transactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	for _, c := range []struct {
		column string
		value  string
	}{
		{"user_id", f.UserID},
		{"dealer_id", f.DealerID},
		{"batch_id", f.BatchID},
		{"supplier_id", f.SupplierID},
	} {
		if c.value != "" {
			where = append(where, c.column+" = ?")
			args = append(args, c.value)
		}
	}

	query := `SELECT ` + txColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY date DESC, created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		t, _, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *Store) GetOrder(ctx context.Context, id ledger.OrderID) (ledger.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, _, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Order{}, &ledger.NotFoundError{Kind: "order", ID: string(id)}
	}
	return o, err
}

func (s *Store) Orders(ctx context.Context, f ledger.OrderFilter) ([]ledger.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.DealerID != "" {
		where = append(where, "dealer_id = ?")
		args = append(args, f.DealerID)
	}
	if f.FarmerID != "" {
		where = append(where, "farmer_id = ?")
		args = append(args, f.FarmerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []ledger.Order
	for rows.Next() {
		o, _, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *Store) PurchaseOrdersByOwner(ctx context.Context, ownerID string) ([]ledger.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+poColumns+` FROM purchase_orders WHERE owner_id = ? ORDER BY order_date DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchase orders: %w", err)
	}
	defer rows.Close()

	var pos []ledger.PurchaseOrder
	for rows.Next() {
		po, _, err := scanPurchaseOrder(rows)
		if err != nil {
			return nil, err
		}
		pos = append(pos, po)
	}
	return pos, rows.Err()
}

// Profile resolves a role. Farmers without an explicit profile row resolve
// to RoleFarmer through the farmers table.
func (s *Store) Profile(ctx context.Context, id string) (ledger.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p        ledger.Profile
		name     sql.NullString
		dealerID sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, dealer_id FROM profiles WHERE id = ?`, id,
	).Scan(&p.ID, &name, &p.Role, &dealerID)
	if err == nil {
		p.Name = name.String
		p.DealerID = dealerID.String
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ledger.Profile{}, fmt.Errorf("failed to get profile: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT id, name, dealer_id FROM farmers WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.DealerID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Profile{}, &ledger.NotFoundError{Kind: "profile", ID: id}
	}
	if err != nil {
		return ledger.Profile{}, fmt.Errorf("failed to get profile: %w", err)
	}
	p.Role = ledger.RoleFarmer
	return p, nil
}

func (s *Store) PutProfile(ctx context.Context, p ledger.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, name, role, dealer_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			dealer_id = excluded.dealer_id
	`, p.ID, nullString(p.Name), p.Role, nullString(p.DealerID))
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// =============================================================================
// OUTBOX (ledger.Outbox) + INBOX
// =============================================================================

// PendingEvents returns undelivered events in commit order, skipping those
// that already failed maxAttempts times.
func (s *Store) PendingEvents(ctx context.Context, limit, maxAttempts int) ([]ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, kind, user_id, title, message, category, link, created_at, attempts, last_error
		FROM outbox_events
		WHERE dispatched_at IS NULL`
	var args []any
	if maxAttempts > 0 {
		query += ` AND attempts < ?`
		args = append(args, maxAttempts)
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		var (
			ev                        ledger.Event
			category, link, lastError sql.NullString
			createdAt                 string
		)
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.UserID, &ev.Title, &ev.Message,
			&category, &link, &createdAt, &ev.Attempts, &lastError); err != nil {
			return nil, err
		}
		ev.Category = category.String
		ev.Link = link.String
		ev.LastError = lastError.String
		ev.CreatedAt = parseTime(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) MarkDispatched(ctx context.Context, id ledger.EventID, at time.Time) error {
	return s.updateEvent(ctx,
		`UPDATE outbox_events SET dispatched_at = ? WHERE id = ?`, formatTime(at), id)
}

func (s *Store) MarkFailed(ctx context.Context, id ledger.EventID, reason string) error {
	return s.updateEvent(ctx,
		`UPDATE outbox_events SET attempts = attempts + 1, last_error = ? WHERE id = ?`, reason, id)
}

func (s *Store) updateEvent(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Kind: "event", ID: fmt.Sprint(args[len(args)-1])}
	}
	return nil
}

// SaveInboxEntry stores a delivered notification. Redelivery of the same
// event is a no-op.
func (s *Store) SaveInboxEntry(ctx context.Context, e ledger.InboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, event_id, user_id, title, message, category, link, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, e.ID, e.EventID, e.UserID, e.Title, e.Message, nullString(e.Category), nullString(e.Link),
		formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}

// Inbox returns the user's notifications, newest first.
func (s *Store) Inbox(ctx context.Context, userID string, limit int) ([]ledger.InboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, event_id, user_id, title, message, category, link, created_at
		FROM notifications WHERE user_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var entries []ledger.InboxEntry
	for rows.Next() {
		var (
			e              ledger.InboxEntry
			category, link sql.NullString
			createdAt      string
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.UserID, &e.Title, &e.Message,
			&category, &link, &createdAt); err != nil {
			return nil, err
		}
		e.Category = category.String
		e.Link = link.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// ROW MAPPING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

const farmerColumns = `id, name, location, dealer_id, outstanding, farmer_code,
	is_placeholder, claimed_by, created_at, version`

func scanFarmer(row scanner) (ledger.Farmer, int64, error) {
	var (
		f                   ledger.Farmer
		location, claimedBy sql.NullString
		createdAt           string
		version             int64
	)
	err := row.Scan(&f.ID, &f.Name, &location, &f.DealerID, &f.Outstanding, &f.FarmerCode,
		&f.IsPlaceholder, &claimedBy, &createdAt, &version)
	if err != nil {
		return ledger.Farmer{}, 0, err
	}
	f.Location = location.String
	f.ClaimedBy = claimedBy.String
	f.CreatedAt = parseTime(createdAt)
	return f, version, nil
}

const itemColumns = `id, name, category, quantity, original_quantity, unit, purchase_price,
	sales_price, gst_rate, owner_id, purchase_order_id, created_at, version`

func scanItem(row scanner) (ledger.InventoryItem, int64, error) {
	var (
		item                 ledger.InventoryItem
		category, unit, poID sql.NullString
		createdAt            string
		version              int64
	)
	err := row.Scan(&item.ID, &item.Name, &category, &item.Quantity, &item.OriginalQuantity, &unit,
		&item.PurchasePrice, &item.SalesPrice, &item.GSTRate, &item.OwnerID, &poID, &createdAt, &version)
	if err != nil {
		return ledger.InventoryItem{}, 0, err
	}
	item.Category = category.String
	item.Unit = unit.String
	item.PurchaseOrderID = ledger.PurchaseOrderID(poID.String)
	item.CreatedAt = parseTime(createdAt)
	return item, version, nil
}

const txInsertColumns = `id, date, description, amount, status, user_id, user_name, dealer_id,
	inventory_item_id, inventory_item_name, quantity_sold, cost_of_goods_sold,
	purchase_order_id, order_id, batch_id, supplier_id, payment_method,
	reference_number, remarks, is_business_expense, affects_balance, created_at`

const txInsertCount = 22

const txColumns = txInsertColumns + `, version`

func transactionArgs(t ledger.Transaction) []any {
	return []any{
		t.ID,
		formatTime(t.Date),
		t.Description,
		t.Amount,
		t.Status,
		t.UserID,
		nullString(t.UserName),
		t.DealerID,
		nullString(string(t.InventoryItemID)),
		nullString(t.InventoryItemName),
		t.QuantitySold,
		t.CostOfGoodsSold,
		nullString(string(t.PurchaseOrderID)),
		nullString(string(t.OrderID)),
		nullString(t.BatchID),
		nullString(t.SupplierID),
		nullString(t.PaymentMethod),
		nullPtr(t.ReferenceNumber),
		nullPtr(t.Remarks),
		t.IsBusinessExpense,
		t.AffectsBalance,
		formatTime(t.CreatedAt),
	}
}

func scanTransaction(row scanner) (ledger.Transaction, int64, error) {
	var (
		t                                         ledger.Transaction
		date, createdAt                           string
		userName, itemID, itemName, poID, orderID sql.NullString
		batchID, supplierID, method, ref, remarks sql.NullString
		version                                   int64
	)
	err := row.Scan(&t.ID, &date, &t.Description, &t.Amount, &t.Status, &t.UserID, &userName,
		&t.DealerID, &itemID, &itemName, &t.QuantitySold, &t.CostOfGoodsSold, &poID, &orderID,
		&batchID, &supplierID, &method, &ref, &remarks, &t.IsBusinessExpense, &t.AffectsBalance,
		&createdAt, &version)
	if err != nil {
		return ledger.Transaction{}, 0, err
	}
	t.Date = parseTime(date)
	t.CreatedAt = parseTime(createdAt)
	t.UserName = userName.String
	t.InventoryItemID = ledger.ItemID(itemID.String)
	t.InventoryItemName = itemName.String
	t.PurchaseOrderID = ledger.PurchaseOrderID(poID.String)
	t.OrderID = ledger.OrderID(orderID.String)
	t.BatchID = batchID.String
	t.SupplierID = supplierID.String
	t.PaymentMethod = method.String
	if ref.Valid {
		t.ReferenceNumber = &ref.String
	}
	if remarks.Valid {
		t.Remarks = &remarks.String
	}
	return t, version, nil
}

const orderColumns = `id, farmer_id, farmer_name, dealer_id, items_json, total_amount,
	status, created_at, updated_at, version`

func scanOrder(row scanner) (ledger.Order, int64, error) {
	var (
		o                               ledger.Order
		farmerName                      sql.NullString
		itemsJSON, createdAt, updatedAt string
		version                         int64
	)
	err := row.Scan(&o.ID, &o.FarmerID, &farmerName, &o.DealerID, &itemsJSON, &o.TotalAmount,
		&o.Status, &createdAt, &updatedAt, &version)
	if err != nil {
		return ledger.Order{}, 0, err
	}
	if err := json.Unmarshal([]byte(itemsJSON), &o.Items); err != nil {
		return ledger.Order{}, 0, fmt.Errorf("failed to decode order items: %w", err)
	}
	o.FarmerName = farmerName.String
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return o, version, nil
}

const poColumns = `id, owner_id, order_date, purchase_source, supplier_id, supplier_name,
	item_count, created_at, version`

func scanPurchaseOrder(row scanner) (ledger.PurchaseOrder, int64, error) {
	var (
		po                           ledger.PurchaseOrder
		source, supplierID, supplier sql.NullString
		orderDate, createdAt         string
		version                      int64
	)
	err := row.Scan(&po.ID, &po.OwnerID, &orderDate, &source, &supplierID, &supplier,
		&po.ItemCount, &createdAt, &version)
	if err != nil {
		return ledger.PurchaseOrder{}, 0, err
	}
	po.OrderDate = parseTime(orderDate)
	po.CreatedAt = parseTime(createdAt)
	po.PurchaseSource = source.String
	po.SupplierID = supplierID.String
	po.SupplierName = supplier.String
	return po, version, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isBusy(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked)
}
