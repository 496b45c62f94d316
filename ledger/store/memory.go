// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/flockledger/ledger"
)

var (
	_ ledger.Store  = (*Memory)(nil)
	_ ledger.Outbox = (*Memory)(nil)
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type versioned[T any] struct {
	doc     T
	version uint64
}

type state struct {
	farmers  map[ledger.FarmerID]versioned[ledger.Farmer]
	items    map[ledger.ItemID]versioned[ledger.InventoryItem]
	txs      map[ledger.TransactionID]versioned[ledger.Transaction]
	orders   map[ledger.OrderID]versioned[ledger.Order]
	pos      map[ledger.PurchaseOrderID]versioned[ledger.PurchaseOrder]
	events   []ledger.Event
	inbox    []ledger.InboxEntry
	profiles map[string]ledger.Profile
	clock    uint64
}

func newState() state {
	return state{
		farmers:  make(map[ledger.FarmerID]versioned[ledger.Farmer]),
		items:    make(map[ledger.ItemID]versioned[ledger.InventoryItem]),
		txs:      make(map[ledger.TransactionID]versioned[ledger.Transaction]),
		orders:   make(map[ledger.OrderID]versioned[ledger.Order]),
		pos:      make(map[ledger.PurchaseOrderID]versioned[ledger.PurchaseOrder]),
		profiles: make(map[string]ledger.Profile),
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.farmers {
		c.farmers[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.txs {
		c.txs[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.pos {
		c.pos[k] = v
	}
	for k, v := range s.profiles {
		c.profiles[k] = v
	}
	c.events = append([]ledger.Event(nil), s.events...)
	c.inbox = append([]ledger.InboxEntry(nil), s.inbox...)
	c.clock = s.clock
	return c
}

// Memory is a ledger.Store with optimistic commits: reads record document
// versions, writes are buffered and applied at commit only if every read
// version is still current.
type Memory struct {
	mu sync.RWMutex
	st state

	// BeforeCommit, when set, runs after the unit body and before the
	// commit lock is taken. Tests use it to inject a competing write.
	BeforeCommit func()
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type docKey struct {
	kind string
	id   string
}

type memTx struct {
	parent *Memory

	// reads holds the version observed for each document; 0 means absent.
	reads map[docKey]uint64

	// running values of the shared scalars, seeded by reads
	outstanding map[ledger.FarmerID]decimal.Decimal
	quantity    map[ledger.ItemID]decimal.Decimal

	ops []func(*state) error
}

// RunInTx runs fn against a buffered view and commits atomically.
func (m *Memory) RunInTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx := &memTx{
		parent:      m,
		reads:       make(map[docKey]uint64),
		outstanding: make(map[ledger.FarmerID]decimal.Decimal),
		quantity:    make(map[ledger.ItemID]decimal.Decimal),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.BeforeCommit != nil {
		m.BeforeCommit()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range tx.reads {
		if m.st.version(k) != v {
			return fmt.Errorf("%s %s: %w", k.kind, k.id, ledger.ErrConcurrentModification)
		}
	}

	// Apply to a copy; swap in only if every op succeeds.
	next := m.st.clone()
	for _, op := range tx.ops {
		if err := op(&next); err != nil {
			return err
		}
	}
	m.st = next
	return nil
}

func (s *state) version(k docKey) uint64 {
	switch k.kind {
	case "farmer":
		return s.farmers[ledger.FarmerID(k.id)].version
	case "item":
		return s.items[ledger.ItemID(k.id)].version
	case "transaction":
		return s.txs[ledger.TransactionID(k.id)].version
	case "order":
		return s.orders[ledger.OrderID(k.id)].version
	case "purchase_order":
		return s.pos[ledger.PurchaseOrderID(k.id)].version
	}
	return 0
}

func (s *state) tick() uint64 {
	s.clock++
	return s.clock
}

func (t *memTx) record(kind, id string, version uint64) {
	t.reads[docKey{kind: kind, id: id}] = version
}

func (t *memTx) known(kind, id string) bool {
	_, ok := t.reads[docKey{kind: kind, id: id}]
	return ok
}

// ---- reads ----

func (t *memTx) Farmer(_ context.Context, id ledger.FarmerID) (ledger.Farmer, error) {
	t.parent.mu.RLock()
	v, ok := t.parent.st.farmers[id]
	t.parent.mu.RUnlock()
	t.record("farmer", string(id), v.version)
	if !ok {
		return ledger.Farmer{}, &ledger.NotFoundError{Kind: "farmer", ID: string(id)}
	}
	t.outstanding[id] = v.doc.Outstanding
	return v.doc, nil
}

func (t *memTx) FarmerByCode(ctx context.Context, code string) (ledger.Farmer, error) {
	t.parent.mu.RLock()
	var id ledger.FarmerID
	for fid, v := range t.parent.st.farmers {
		if strings.EqualFold(v.doc.FarmerCode, code) {
			id = fid
			break
		}
	}
	t.parent.mu.RUnlock()
	if id == "" {
		return ledger.Farmer{}, &ledger.NotFoundError{Kind: "farmer code", ID: code}
	}
	return t.Farmer(ctx, id)
}

func (t *memTx) InventoryItem(_ context.Context, id ledger.ItemID) (ledger.InventoryItem, error) {
	t.parent.mu.RLock()
	v, ok := t.parent.st.items[id]
	t.parent.mu.RUnlock()
	t.record("item", string(id), v.version)
	if !ok {
		return ledger.InventoryItem{}, &ledger.NotFoundError{Kind: "inventory item", ID: string(id)}
	}
	t.quantity[id] = v.doc.Quantity
	return v.doc, nil
}

func (t *memTx) Transaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	t.parent.mu.RLock()
	v, ok := t.parent.st.txs[id]
	t.parent.mu.RUnlock()
	t.record("transaction", string(id), v.version)
	if !ok {
		return ledger.Transaction{}, &ledger.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	return v.doc, nil
}

func (t *memTx) Order(_ context.Context, id ledger.OrderID) (ledger.Order, error) {
	t.parent.mu.RLock()
	v, ok := t.parent.st.orders[id]
	t.parent.mu.RUnlock()
	t.record("order", string(id), v.version)
	if !ok {
		return ledger.Order{}, &ledger.NotFoundError{Kind: "order", ID: string(id)}
	}
	return cloneOrder(v.doc), nil
}

func (t *memTx) PurchaseOrder(_ context.Context, id ledger.PurchaseOrderID) (ledger.PurchaseOrder, error) {
	t.parent.mu.RLock()
	v, ok := t.parent.st.pos[id]
	t.parent.mu.RUnlock()
	t.record("purchase_order", string(id), v.version)
	if !ok {
		return ledger.PurchaseOrder{}, &ledger.NotFoundError{Kind: "purchase order", ID: string(id)}
	}
	return v.doc, nil
}

func (t *memTx) InventoryByPurchaseOrder(_ context.Context, id ledger.PurchaseOrderID) ([]ledger.InventoryItem, error) {
	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()
	var out []ledger.InventoryItem
	for iid, v := range t.parent.st.items {
		if v.doc.PurchaseOrderID == id {
			t.record("item", string(iid), v.version)
			t.quantity[iid] = v.doc.Quantity
			out = append(out, v.doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) TransactionsByPurchaseOrder(_ context.Context, id ledger.PurchaseOrderID) ([]ledger.Transaction, error) {
	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()
	var out []ledger.Transaction
	for tid, v := range t.parent.st.txs {
		if v.doc.PurchaseOrderID == id {
			t.record("transaction", string(tid), v.version)
			out = append(out, v.doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- writes ----

func (t *memTx) InsertFarmer(_ context.Context, f ledger.Farmer) error {
	// Farmer IDs can be caller-chosen, so report a collision up front
	// instead of as a version conflict.
	t.parent.mu.RLock()
	_, exists := t.parent.st.farmers[f.ID]
	t.parent.mu.RUnlock()
	if exists {
		return fmt.Errorf("farmer %s: %w", f.ID, ledger.ErrDuplicate)
	}
	t.record("farmer", string(f.ID), 0)
	t.outstanding[f.ID] = f.Outstanding
	t.ops = append(t.ops, func(s *state) error {
		if _, exists := s.farmers[f.ID]; exists {
			return fmt.Errorf("farmer %s: %w", f.ID, ledger.ErrDuplicate)
		}
		if f.FarmerCode != "" {
			for _, v := range s.farmers {
				if strings.EqualFold(v.doc.FarmerCode, f.FarmerCode) {
					return fmt.Errorf("farmer code %s: %w", f.FarmerCode, ledger.ErrDuplicate)
				}
			}
		}
		s.farmers[f.ID] = versioned[ledger.Farmer]{doc: f, version: s.tick()}
		return nil
	})
	return nil
}

func (t *memTx) ClaimFarmer(_ context.Context, id ledger.FarmerID, userID string) error {
	if !t.known("farmer", string(id)) {
		return fmt.Errorf("claim farmer %s without reading it: %w", id, ledger.ErrConcurrentModification)
	}
	t.ops = append(t.ops, func(s *state) error {
		v := s.farmers[id]
		v.doc.IsPlaceholder = false
		v.doc.ClaimedBy = userID
		v.version = s.tick()
		s.farmers[id] = v
		return nil
	})
	return nil
}

func (t *memTx) AdjustOutstanding(_ context.Context, id ledger.FarmerID, delta decimal.Decimal) error {
	cur, ok := t.outstanding[id]
	if !ok {
		return fmt.Errorf("adjust outstanding of unread farmer %s: %w", id, ledger.ErrConcurrentModification)
	}
	next := cur.Add(delta)
	t.outstanding[id] = next
	t.ops = append(t.ops, func(s *state) error {
		v, ok := s.farmers[id]
		if !ok {
			return &ledger.NotFoundError{Kind: "farmer", ID: string(id)}
		}
		v.doc.Outstanding = next
		v.version = s.tick()
		s.farmers[id] = v
		return nil
	})
	return nil
}

func (t *memTx) InsertInventoryItem(_ context.Context, item ledger.InventoryItem) error {
	t.record("item", string(item.ID), 0)
	t.quantity[item.ID] = item.Quantity
	t.ops = append(t.ops, func(s *state) error {
		if _, exists := s.items[item.ID]; exists {
			return fmt.Errorf("inventory item %s: %w", item.ID, ledger.ErrDuplicate)
		}
		s.items[item.ID] = versioned[ledger.InventoryItem]{doc: item, version: s.tick()}
		return nil
	})
	return nil
}

func (t *memTx) AdjustQuantity(_ context.Context, id ledger.ItemID, delta decimal.Decimal) error {
	cur, ok := t.quantity[id]
	if !ok {
		return fmt.Errorf("adjust quantity of unread item %s: %w", id, ledger.ErrConcurrentModification)
	}
	next := cur.Add(delta)
	if next.IsNegative() {
		return &ledger.InsufficientStockError{ItemID: id, Available: cur, Requested: delta.Neg()}
	}
	t.quantity[id] = next
	t.ops = append(t.ops, func(s *state) error {
		v, ok := s.items[id]
		if !ok {
			return &ledger.NotFoundError{Kind: "inventory item", ID: string(id)}
		}
		v.doc.Quantity = next
		v.version = s.tick()
		s.items[id] = v
		return nil
	})
	return nil
}

func (t *memTx) DeleteInventoryItem(_ context.Context, id ledger.ItemID) error {
	t.ops = append(t.ops, func(s *state) error {
		delete(s.items, id)
		return nil
	})
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, tx ledger.Transaction) error {
	t.record("transaction", string(tx.ID), 0)
	t.ops = append(t.ops, func(s *state) error {
		if _, exists := s.txs[tx.ID]; exists {
			return fmt.Errorf("transaction %s: %w", tx.ID, ledger.ErrDuplicate)
		}
		s.txs[tx.ID] = versioned[ledger.Transaction]{doc: tx, version: s.tick()}
		return nil
	})
	return nil
}

func (t *memTx) ReplaceTransaction(_ context.Context, tx ledger.Transaction) error {
	if !t.known("transaction", string(tx.ID)) {
		return fmt.Errorf("replace unread transaction %s: %w", tx.ID, ledger.ErrConcurrentModification)
	}
	t.ops = append(t.ops, func(s *state) error {
		if _, ok := s.txs[tx.ID]; !ok {
			return &ledger.NotFoundError{Kind: "transaction", ID: string(tx.ID)}
		}
		s.txs[tx.ID] = versioned[ledger.Transaction]{doc: tx, version: s.tick()}
		return nil
	})
	return nil
}

func (t *memTx) DeleteTransaction(_ context.Context, id ledger.TransactionID) error {
	t.ops = append(t.ops, func(s *state) error {
		delete(s.txs, id)
		return nil
	})
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o ledger.Order) error {
	t.record("order", string(o.ID), 0)
	o = cloneOrder(o)
	t.ops = append(t.ops, func(s *state) error {
		if _, exists := s.orders[o.ID]; exists {
			return fmt.Errorf("order %s: %w", o.ID, ledger.ErrDuplicate)
		}
		s.orders[o.ID] = versioned[ledger.Order]{doc: o, version: s.tick()}
		return nil
	})
	return nil
}

func (t *memTx) SetOrderStatus(_ context.Context, id ledger.OrderID, status ledger.OrderStatus, at time.Time) error {
	if !t.known("order", string(id)) {
		return fmt.Errorf("set status of unread order %s: %w", id, ledger.ErrConcurrentModification)
	}
	t.ops = append(t.ops, func(s *state) error {
		v, ok := s.orders[id]
		if !ok {
			return &ledger.NotFoundError{Kind: "order", ID: string(id)}
		}
		v.doc.Status = status
		v.doc.UpdatedAt = at
		v.version = s.tick()
		s.orders[id] = v
		return nil
	})
	return nil
}

func (t *memTx) DeleteOrder(_ context.Context, id ledger.OrderID) error {
	t.ops = append(t.ops, func(s *state) error {
		delete(s.orders, id)
		return nil
	})
	return nil
}

func (t *memTx) InsertPurchaseOrder(_ context.Context, po ledger.PurchaseOrder) error {
	t.record("purchase_order", string(po.ID), 0)
	t.ops = append(t.ops, func(s *state) error {
		if _, exists := s.pos[po.ID]; exists {
			return fmt.Errorf("purchase order %s: %w", po.ID, ledger.ErrDuplicate)
		}
		s.pos[po.ID] = versioned[ledger.PurchaseOrder]{doc: po, version: s.tick()}
		return nil
	})
	return nil
}

func (t *memTx) DeletePurchaseOrder(_ context.Context, id ledger.PurchaseOrderID) error {
	t.ops = append(t.ops, func(s *state) error {
		delete(s.pos, id)
		return nil
	})
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, ev ledger.Event) error {
	t.ops = append(t.ops, func(s *state) error {
		s.events = append(s.events, ev)
		return nil
	})
	return nil
}

func cloneOrder(o ledger.Order) ledger.Order {
	o.Items = append([]ledger.OrderItem(nil), o.Items...)
	return o
}

// =============================================================================
// QUERY STORE
// =============================================================================

func (m *Memory) GetFarmer(_ context.Context, id ledger.FarmerID) (ledger.Farmer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.st.farmers[id]
	if !ok {
		return ledger.Farmer{}, &ledger.NotFoundError{Kind: "farmer", ID: string(id)}
	}
	return v.doc, nil
}

func (m *Memory) FarmersByDealer(_ context.Context, dealerID string) ([]ledger.Farmer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Farmer
	for _, v := range m.st.farmers {
		if v.doc.DealerID == dealerID {
			out = append(out, v.doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) GetInventoryItem(_ context.Context, id ledger.ItemID) (ledger.InventoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.st.items[id]
	if !ok {
		return ledger.InventoryItem{}, &ledger.NotFoundError{Kind: "inventory item", ID: string(id)}
	}
	return v.doc, nil
}

func (m *Memory) InventoryByOwner(_ context.Context, ownerID string) ([]ledger.InventoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.InventoryItem
	for _, v := range m.st.items {
		if v.doc.OwnerID == ownerID {
			out = append(out, v.doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.st.txs[id]
	if !ok {
		return ledger.Transaction{}, &ledger.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	return v.doc, nil
}

func (m *Memory) Transactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Transaction
	for _, v := range m.st.txs {
		t := v.doc
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.DealerID != "" && t.DealerID != f.DealerID {
			continue
		}
		if f.BatchID != "" && t.BatchID != f.BatchID {
			continue
		}
		if f.SupplierID != "" && t.SupplierID != f.SupplierID {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) GetOrder(_ context.Context, id ledger.OrderID) (ledger.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.st.orders[id]
	if !ok {
		return ledger.Order{}, &ledger.NotFoundError{Kind: "order", ID: string(id)}
	}
	return cloneOrder(v.doc), nil
}

func (m *Memory) Orders(_ context.Context, f ledger.OrderFilter) ([]ledger.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Order
	for _, v := range m.st.orders {
		o := v.doc
		if f.DealerID != "" && o.DealerID != f.DealerID {
			continue
		}
		if f.FarmerID != "" && o.FarmerID != f.FarmerID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) PurchaseOrdersByOwner(_ context.Context, ownerID string) ([]ledger.PurchaseOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.PurchaseOrder
	for _, v := range m.st.pos {
		if v.doc.OwnerID == ownerID {
			out = append(out, v.doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderDate.After(out[j].OrderDate) })
	return out, nil
}

func (m *Memory) Profile(_ context.Context, id string) (ledger.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.st.profiles[id]; ok {
		return p, nil
	}
	if v, ok := m.st.farmers[ledger.FarmerID(id)]; ok {
		return ledger.Profile{ID: id, Name: v.doc.Name, Role: ledger.RoleFarmer, DealerID: v.doc.DealerID}, nil
	}
	return ledger.Profile{}, &ledger.NotFoundError{Kind: "profile", ID: id}
}

func (m *Memory) PutProfile(_ context.Context, p ledger.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.profiles[p.ID] = p
	return nil
}

// =============================================================================
// OUTBOX + INBOX
// =============================================================================

func (m *Memory) PendingEvents(_ context.Context, limit, maxAttempts int) ([]ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Event
	for _, ev := range m.st.events {
		if ev.DispatchedAt != nil || (maxAttempts > 0 && ev.Attempts >= maxAttempts) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkDispatched(_ context.Context, id ledger.EventID, at time.Time) error {
	return m.updateEvent(id, func(ev *ledger.Event) {
		ev.DispatchedAt = &at
	})
}

func (m *Memory) MarkFailed(_ context.Context, id ledger.EventID, reason string) error {
	return m.updateEvent(id, func(ev *ledger.Event) {
		ev.Attempts++
		ev.LastError = reason
	})
}

func (m *Memory) updateEvent(id ledger.EventID, fn func(*ledger.Event)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.st.events {
		if m.st.events[i].ID == id {
			fn(&m.st.events[i])
			return nil
		}
	}
	return &ledger.NotFoundError{Kind: "event", ID: string(id)}
}

// Events returns a copy of the outbox, oldest first.
func (m *Memory) Events() []ledger.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.Event(nil), m.st.events...)
}

func (m *Memory) SaveInboxEntry(_ context.Context, e ledger.InboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.st.inbox {
		if existing.EventID == e.EventID {
			return nil
		}
	}
	m.st.inbox = append(m.st.inbox, e)
	return nil
}

func (m *Memory) Inbox(_ context.Context, userID string, limit int) ([]ledger.InboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.InboxEntry
	for i := len(m.st.inbox) - 1; i >= 0; i-- {
		if m.st.inbox[i].UserID == userID {
			out = append(out, m.st.inbox[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
