/*
engine_test.go - Lifecycle tests for the consistency engine

Tests for:
- Sale, payment and expense creation with their balance/inventory effects
- Edit and delete reversal
- Order state machine, acceptance effects applied once, cancellation
- Purchase-order create/delete
- Farmer claim
- Conflict retry and retry exhaustion
- Balance conservation over random operation sequences
*/
package ledger_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/flockledger/ledger"
	"github.com/warp/flockledger/ledger/store"
)

// =============================================================================
// FIXTURE
// =============================================================================

const dealerID = "dealer-1"

type captureObserver struct {
	mu      sync.Mutex
	retries map[string]int
	errs    map[string][]error
}

func (c *captureObserver) ObserveOperation(op string, _ time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[op] = append(c.errs[op], err)
}

func (c *captureObserver) ObserveRetry(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries[op]++
}

type fixture struct {
	ctx      context.Context
	mem      *store.Memory
	engine   *ledger.Engine
	observer *captureObserver
	logs     *test.Hook
}

func newFixture(t *testing.T, opts ...ledger.Option) *fixture {
	t.Helper()

	var (
		mu    sync.Mutex
		clock = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	observer := &captureObserver{retries: map[string]int{}, errs: map[string][]error{}}

	mem := store.NewMemory()
	base := []ledger.Option{
		ledger.WithClock(now),
		ledger.WithLogger(logger),
		ledger.WithObserver(observer),
	}
	return &fixture{
		ctx:      context.Background(),
		mem:      mem,
		engine:   ledger.NewEngine(mem, append(base, opts...)...),
		observer: observer,
		logs:     hook,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

// restock creates one inventory line through a purchase order.
func (f *fixture) restock(t *testing.T, name, qty, purchasePrice string) ledger.InventoryItem {
	t.Helper()
	po, err := f.engine.CreatePurchaseOrder(f.ctx, ledger.PurchaseOrderDraft{
		OwnerID: dealerID,
		Items: []ledger.PurchaseLine{{
			Name:          name,
			Quantity:      dec(qty),
			Unit:          "bag",
			PurchasePrice: dec(purchasePrice),
			SalesPrice:    dec(purchasePrice).Mul(dec("2")),
		}},
	})
	require.NoError(t, err)

	items, err := f.engine.InventoryByOwner(f.ctx, dealerID)
	require.NoError(t, err)
	for _, it := range items {
		if it.PurchaseOrderID == po.ID {
			return it
		}
	}
	t.Fatalf("restocked item %s not found", name)
	return ledger.InventoryItem{}
}

func (f *fixture) farmer(t *testing.T, name string) ledger.Farmer {
	t.Helper()
	farmer, err := f.engine.CreateFarmer(f.ctx, ledger.FarmerDraft{Name: name, DealerID: dealerID})
	require.NoError(t, err)
	return farmer
}

func (f *fixture) outstanding(t *testing.T, id ledger.FarmerID) decimal.Decimal {
	t.Helper()
	farmer, err := f.engine.Farmer(f.ctx, id)
	require.NoError(t, err)
	return farmer.Outstanding
}

func (f *fixture) quantity(t *testing.T, id ledger.ItemID) decimal.Decimal {
	t.Helper()
	item, err := f.mem.GetInventoryItem(f.ctx, id)
	require.NoError(t, err)
	return item.Quantity
}

func (f *fixture) payment(farmer ledger.FarmerID, amount string) ledger.TransactionDraft {
	return ledger.TransactionDraft{
		Description:   "Payment",
		Amount:        dec(amount),
		UserID:        string(farmer),
		DealerID:      dealerID,
		PaymentMethod: ledger.MethodCash,
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestCreateTransaction_Sale(t *testing.T) {
	// GIVEN: a farmer with nothing owed and 10 units at purchase price 50
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	item := f.restock(t, "Layer feed", "10", "50")

	// WHEN: 5 units are sold for 500
	tx, err := f.engine.CreateTransaction(f.ctx, ledger.TransactionDraft{
		Description:     "Feed sale",
		Amount:          dec("500"),
		UserID:          string(farmer.ID),
		DealerID:        dealerID,
		InventoryItemID: item.ID,
		QuantitySold:    dec("5"),
	})
	require.NoError(t, err)

	// THEN: balance, stock and COGS all moved together
	assertDecimal(t, "500", f.outstanding(t, farmer.ID))
	assertDecimal(t, "5", f.quantity(t, item.ID))
	assertDecimal(t, "250", tx.CostOfGoodsSold)
	assert.True(t, tx.AffectsBalance)
	assert.Equal(t, ledger.StatusPaid, tx.Status)
	assert.Equal(t, "Layer feed", tx.InventoryItemName)
	assert.Nil(t, tx.ReferenceNumber)
	assert.Nil(t, tx.Remarks)

	stored, err := f.mem.GetTransaction(f.ctx, tx.ID)
	require.NoError(t, err)
	assertDecimal(t, "250", stored.CostOfGoodsSold)

	events := f.mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventSaleRecorded, events[0].Kind)
	assert.Equal(t, string(farmer.ID), events[0].UserID)
}

func TestCreateTransaction_InsufficientStock(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	item := f.restock(t, "Layer feed", "10", "50")

	_, err := f.engine.CreateTransaction(f.ctx, ledger.TransactionDraft{
		Description:     "Too much feed",
		Amount:          dec("2000"),
		UserID:          string(farmer.ID),
		DealerID:        dealerID,
		InventoryItemID: item.ID,
		QuantitySold:    dec("20"),
	})

	require.ErrorIs(t, err, ledger.ErrInsufficientStock)
	var stockErr *ledger.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assertDecimal(t, "10", stockErr.Available)
	assertDecimal(t, "20", stockErr.Requested)

	assertDecimal(t, "0", f.outstanding(t, farmer.ID))
	assertDecimal(t, "10", f.quantity(t, item.ID))
	txs, err := f.engine.AllTransactionsForUser(f.ctx, string(farmer.ID))
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Empty(t, f.mem.Events())
}

func TestCreateTransaction_Expense(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")

	tx, err := f.engine.CreateTransaction(f.ctx, ledger.TransactionDraft{
		Description:       "Lorry hire",
		Amount:            dec("-2000"),
		UserID:            dealerID,
		DealerID:          dealerID,
		IsBusinessExpense: true,
	})
	require.NoError(t, err)
	assert.False(t, tx.AffectsBalance)

	assertDecimal(t, "0", f.outstanding(t, farmer.ID))
	history, err := f.engine.TransactionsByDealer(f.ctx, dealerID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, tx.ID, history[0].ID)
	assert.Empty(t, f.mem.Events())
}

func TestCreateTransaction_NonFarmerCounterparty(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.PutProfile(f.ctx, ledger.Profile{ID: "supplier-9", Name: "Hatchery", Role: ledger.RoleSupplier}))

	tx, err := f.engine.CreateTransaction(f.ctx, ledger.TransactionDraft{
		Description: "Advance to hatchery",
		Amount:      dec("-1000"),
		UserID:      "supplier-9",
		DealerID:    dealerID,
	})
	require.NoError(t, err)
	assert.False(t, tx.AffectsBalance)
	assert.Equal(t, "Hatchery", tx.UserName)
}

func TestCreateTransaction_UnknownFarmer(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CreateTransaction(f.ctx, f.payment("ghost", "-100"))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCreateTransaction_Validation(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")

	tests := []struct {
		name  string
		draft ledger.TransactionDraft
	}{
		{"missing description", ledger.TransactionDraft{Amount: dec("10"), UserID: string(farmer.ID), DealerID: dealerID}},
		{"zero amount", ledger.TransactionDraft{Description: "x", UserID: string(farmer.ID), DealerID: dealerID}},
		{"missing dealer", ledger.TransactionDraft{Description: "x", Amount: dec("10"), UserID: string(farmer.ID)}},
		{"bad status", ledger.TransactionDraft{Description: "x", Amount: dec("10"), UserID: string(farmer.ID), DealerID: dealerID, Status: "Overdue"}},
		{"quantity without item", ledger.TransactionDraft{Description: "x", Amount: dec("10"), UserID: string(farmer.ID), DealerID: dealerID, QuantitySold: dec("1")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreateTransaction(f.ctx, tt.draft)
			assert.ErrorIs(t, err, ledger.ErrValidation)
			assert.True(t, ledger.IsClientError(err))
		})
	}
}

func TestDeleteTransaction_ReversesEffects(t *testing.T) {
	// GIVEN: a farmer already owing 120 and 10 units in stock
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	item := f.restock(t, "Layer feed", "10", "50")
	_, err := f.engine.CreateTransaction(f.ctx, f.payment(farmer.ID, "120"))
	require.NoError(t, err)

	// WHEN: a sale is created and then deleted
	sale, err := f.engine.CreateTransaction(f.ctx, ledger.TransactionDraft{
		Description:     "Feed sale",
		Amount:          dec("300"),
		UserID:          string(farmer.ID),
		DealerID:        dealerID,
		InventoryItemID: item.ID,
		QuantitySold:    dec("3"),
	})
	require.NoError(t, err)
	assertDecimal(t, "420", f.outstanding(t, farmer.ID))
	assertDecimal(t, "7", f.quantity(t, item.ID))

	require.NoError(t, f.engine.DeleteTransaction(f.ctx, sale.ID))

	// THEN: both scalars are back to their pre-create values
	assertDecimal(t, "120", f.outstanding(t, farmer.ID))
	assertDecimal(t, "10", f.quantity(t, item.ID))
	_, err = f.mem.GetTransaction(f.ctx, sale.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestDeleteTransaction_ItemGoneSkipsRestock(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	item := f.restock(t, "Layer feed", "10", "50")
	sale, err := f.engine.CreateTransaction(f.ctx, ledger.TransactionDraft{
		Description:     "Feed sale",
		Amount:          dec("200"),
		UserID:          string(farmer.ID),
		DealerID:        dealerID,
		InventoryItemID: item.ID,
		QuantitySold:    dec("2"),
	})
	require.NoError(t, err)

	// Removing the purchase order removes the item but not the sale.
	require.NoError(t, f.engine.DeletePurchaseOrder(f.ctx, item.PurchaseOrderID))

	require.NoError(t, f.engine.DeleteTransaction(f.ctx, sale.ID))
	assertDecimal(t, "0", f.outstanding(t, farmer.ID))

	var warned bool
	for _, entry := range f.logs.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "inventory item gone, skipping restock" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestDeleteTransaction_NotFound(t *testing.T) {
	f := newFixture(t)
	err := f.engine.DeleteTransaction(f.ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestUpdateTransaction_AppliesAmountDelta(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	tx, err := f.engine.CreateTransaction(f.ctx, f.payment(farmer.ID, "500"))
	require.NoError(t, err)

	newAmount := dec("800")
	updated, err := f.engine.UpdateTransaction(f.ctx, tx.ID, ledger.TransactionPatch{Amount: &newAmount})
	require.NoError(t, err)
	assertDecimal(t, "800", updated.Amount)
	assertDecimal(t, "800", f.outstanding(t, farmer.ID))

	desc := "Corrected"
	_, err = f.engine.UpdateTransaction(f.ctx, tx.ID, ledger.TransactionPatch{Description: &desc})
	require.NoError(t, err)
	assertDecimal(t, "800", f.outstanding(t, farmer.ID))

	lower := dec("-50")
	_, err = f.engine.UpdateTransaction(f.ctx, tx.ID, ledger.TransactionPatch{Amount: &lower})
	require.NoError(t, err)
	assertDecimal(t, "-50", f.outstanding(t, farmer.ID))
}

func TestUpdateTransaction_DoesNotTouchInventory(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	item := f.restock(t, "Layer feed", "10", "50")
	sale, err := f.engine.CreateTransaction(f.ctx, ledger.TransactionDraft{
		Description:     "Feed sale",
		Amount:          dec("400"),
		UserID:          string(farmer.ID),
		DealerID:        dealerID,
		InventoryItemID: item.ID,
		QuantitySold:    dec("4"),
	})
	require.NoError(t, err)

	qty := dec("9")
	updated, err := f.engine.UpdateTransaction(f.ctx, sale.ID, ledger.TransactionPatch{QuantitySold: &qty})
	require.NoError(t, err)
	assertDecimal(t, "9", updated.QuantitySold)
	assertDecimal(t, "6", f.quantity(t, item.ID))
	assertDecimal(t, "400", f.outstanding(t, farmer.ID))
}

func TestUpdateTransaction_RejectsNegativeQuantity(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	item := f.restock(t, "Layer feed", "10", "50")
	sale, err := f.engine.CreateTransaction(f.ctx, ledger.TransactionDraft{
		Description:     "Feed sale",
		Amount:          dec("400"),
		UserID:          string(farmer.ID),
		DealerID:        dealerID,
		InventoryItemID: item.ID,
		QuantitySold:    dec("4"),
	})
	require.NoError(t, err)

	qty := dec("-4")
	_, err = f.engine.UpdateTransaction(f.ctx, sale.ID, ledger.TransactionPatch{QuantitySold: &qty})
	require.ErrorIs(t, err, ledger.ErrValidation)

	// The sale is still a sale, so deleting it restocks.
	require.NoError(t, f.engine.DeleteTransaction(f.ctx, sale.ID))
	assertDecimal(t, "10", f.quantity(t, item.ID))
	assertDecimal(t, "0", f.outstanding(t, farmer.ID))
}

// =============================================================================
// ORDERS
// =============================================================================

func (f *fixture) order(t *testing.T, farmer ledger.FarmerID, item ledger.InventoryItem, qty, price string) ledger.Order {
	t.Helper()
	o, err := f.engine.CreateOrder(f.ctx, ledger.OrderDraft{
		FarmerID: farmer,
		DealerID: dealerID,
		Items: []ledger.OrderItem{
			{ItemID: item.ID, Name: item.Name, Quantity: dec(qty), Unit: item.Unit, Price: dec(price)},
		},
	}, nil)
	require.NoError(t, err)
	return o
}

func TestOrder_AcceptAppliesEffectsOnce(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	item := f.restock(t, "Layer feed", "10", "50")
	o := f.order(t, farmer.ID, item, "3", "100")

	assert.Equal(t, ledger.OrderPending, o.Status)
	assertDecimal(t, "300", o.TotalAmount)
	assertDecimal(t, "0", f.outstanding(t, farmer.ID))
	assertDecimal(t, "10", f.quantity(t, item.ID))

	accepted, err := f.engine.UpdateOrderStatus(f.ctx, o.ID, ledger.OrderAccepted)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderAccepted, accepted.Status)
	assertDecimal(t, "300", f.outstanding(t, farmer.ID))
	assertDecimal(t, "7", f.quantity(t, item.ID))

	txs, err := f.engine.AllTransactionsForUser(f.ctx, string(farmer.ID))
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, o.ID, txs[0].OrderID)
	assert.Equal(t, ledger.StatusPending, txs[0].Status)
	assert.Equal(t, ledger.MethodCredit, txs[0].PaymentMethod)
	assertDecimal(t, "150", txs[0].CostOfGoodsSold)
	assert.Equal(t, "Layer feed x 3 bag", txs[0].InventoryItemName)

	// Second accept finds the order no longer Pending.
	_, err = f.engine.UpdateOrderStatus(f.ctx, o.ID, ledger.OrderAccepted)
	require.ErrorIs(t, err, ledger.ErrInvalidState)
	assertDecimal(t, "300", f.outstanding(t, farmer.ID))
	assertDecimal(t, "7", f.quantity(t, item.ID))
}

func TestOrder_AcceptAggregatesRepeatedItem(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	item := f.restock(t, "Layer feed", "10", "50")

	o, err := f.engine.CreateOrder(f.ctx, ledger.OrderDraft{
		FarmerID: farmer.ID,
		DealerID: dealerID,
		Items: []ledger.OrderItem{
			{ItemID: item.ID, Name: item.Name, Quantity: dec("6"), Price: dec("100")},
			{ItemID: item.ID, Name: item.Name, Quantity: dec("6"), Price: dec("100")},
		},
	}, nil)
	require.NoError(t, err)

	// 12 requested in total against 10 in stock.
	_, err = f.engine.UpdateOrderStatus(f.ctx, o.ID, ledger.OrderAccepted)
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)
	assertDecimal(t, "10", f.quantity(t, item.ID))
}

func TestOrder_AcceptInsufficientStock(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	item := f.restock(t, "Layer feed", "5", "50")
	o := f.order(t, farmer.ID, item, "20", "100")

	_, err := f.engine.UpdateOrderStatus(f.ctx, o.ID, ledger.OrderAccepted)
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)

	stored, err := f.engine.Order(f.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderPending, stored.Status)
	assertDecimal(t, "5", f.quantity(t, item.ID))
	assertDecimal(t, "0", f.outstanding(t, farmer.ID))
}

func TestOrder_CancelAfterAcceptRejected(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	item := f.restock(t, "Layer feed", "10", "50")
	o := f.order(t, farmer.ID, item, "2", "100")
	_, err := f.engine.UpdateOrderStatus(f.ctx, o.ID, ledger.OrderAccepted)
	require.NoError(t, err)

	err = f.engine.DeleteOrder(f.ctx, o.ID)
	require.ErrorIs(t, err, ledger.ErrInvalidState)

	stored, err := f.engine.Order(f.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderAccepted, stored.Status)
	assertDecimal(t, "8", f.quantity(t, item.ID))
	assertDecimal(t, "200", f.outstanding(t, farmer.ID))
}

func TestOrder_CancelPending(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	item := f.restock(t, "Layer feed", "10", "50")
	o := f.order(t, farmer.ID, item, "2", "100")

	require.NoError(t, f.engine.DeleteOrder(f.ctx, o.ID))

	_, err := f.engine.Order(f.ctx, o.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assertDecimal(t, "10", f.quantity(t, item.ID))
}

func TestOrderStatus_Transitions(t *testing.T) {
	all := []ledger.OrderStatus{
		ledger.OrderPending, ledger.OrderAccepted, ledger.OrderRejected, ledger.OrderShipped, ledger.OrderCompleted,
	}
	allowed := map[[2]ledger.OrderStatus]bool{
		{ledger.OrderPending, ledger.OrderAccepted}:  true,
		{ledger.OrderPending, ledger.OrderRejected}:  true,
		{ledger.OrderAccepted, ledger.OrderShipped}:  true,
		{ledger.OrderShipped, ledger.OrderCompleted}: true,
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]ledger.OrderStatus{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
	assert.True(t, ledger.OrderRejected.Terminal())
	assert.True(t, ledger.OrderCompleted.Terminal())
	assert.False(t, ledger.OrderAccepted.Terminal())
}

func TestOrder_FullLifecycle(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	item := f.restock(t, "Layer feed", "10", "50")
	o := f.order(t, farmer.ID, item, "1", "100")

	for _, next := range []ledger.OrderStatus{ledger.OrderAccepted, ledger.OrderShipped, ledger.OrderCompleted} {
		got, err := f.engine.UpdateOrderStatus(f.ctx, o.ID, next)
		require.NoError(t, err)
		assert.Equal(t, next, got.Status)
	}

	_, err := f.engine.UpdateOrderStatus(f.ctx, o.ID, ledger.OrderShipped)
	var stateErr *ledger.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, string(ledger.OrderCompleted), stateErr.From)

	// Only acceptance moved the balance.
	assertDecimal(t, "100", f.outstanding(t, farmer.ID))
	assertDecimal(t, "9", f.quantity(t, item.ID))
}

func TestOrder_RejectHasNoEffects(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	item := f.restock(t, "Layer feed", "10", "50")
	o := f.order(t, farmer.ID, item, "4", "100")

	_, err := f.engine.UpdateOrderStatus(f.ctx, o.ID, ledger.OrderRejected)
	require.NoError(t, err)
	assertDecimal(t, "0", f.outstanding(t, farmer.ID))
	assertDecimal(t, "10", f.quantity(t, item.ID))

	_, err = f.engine.UpdateOrderStatus(f.ctx, o.ID, ledger.OrderAccepted)
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}

func TestCreateOrder_NewFarmerWithPayment(t *testing.T) {
	f := newFixture(t)
	item := f.restock(t, "Layer feed", "10", "50")

	o, err := f.engine.CreateOrder(f.ctx, ledger.OrderDraft{
		NewFarmer: &ledger.FarmerDraft{Name: "Meena", DealerID: dealerID},
		DealerID:  dealerID,
		Items:     []ledger.OrderItem{{ItemID: item.ID, Name: item.Name, Quantity: dec("3"), Price: dec("100")}},
	}, &ledger.PaymentDraft{Amount: dec("100"), Method: ledger.MethodCash, ReferenceNumber: "  "})
	require.NoError(t, err)
	assert.Equal(t, "Meena", o.FarmerName)

	farmer, err := f.engine.Farmer(f.ctx, o.FarmerID)
	require.NoError(t, err)
	assert.True(t, farmer.IsPlaceholder)
	assertDecimal(t, "-100", farmer.Outstanding)

	txs, err := f.engine.AllTransactionsForUser(f.ctx, string(o.FarmerID))
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, o.ID, txs[0].OrderID)
	assert.Nil(t, txs[0].ReferenceNumber)

	// Payment credit plus acceptance debit nets to what is still owed.
	_, err = f.engine.UpdateOrderStatus(f.ctx, o.ID, ledger.OrderAccepted)
	require.NoError(t, err)
	assertDecimal(t, "200", f.outstanding(t, o.FarmerID))
}

func TestCreateOrder_Validation(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	item := f.restock(t, "Layer feed", "10", "50")
	line := []ledger.OrderItem{{ItemID: item.ID, Quantity: dec("1"), Price: dec("10")}}

	tests := []struct {
		name  string
		draft ledger.OrderDraft
	}{
		{"no farmer", ledger.OrderDraft{DealerID: dealerID, Items: line}},
		{"both farmers", ledger.OrderDraft{FarmerID: farmer.ID, NewFarmer: &ledger.FarmerDraft{Name: "x", DealerID: dealerID}, DealerID: dealerID, Items: line}},
		{"no items", ledger.OrderDraft{FarmerID: farmer.ID, DealerID: dealerID}},
		{"zero quantity", ledger.OrderDraft{FarmerID: farmer.ID, DealerID: dealerID, Items: []ledger.OrderItem{{ItemID: item.ID, Price: dec("10")}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreateOrder(f.ctx, tt.draft, nil)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestCreateOrder_RejectsOtherDealersFarmer(t *testing.T) {
	f := newFixture(t)
	item := f.restock(t, "Layer feed", "10", "50")
	other, err := f.engine.CreateFarmer(f.ctx, ledger.FarmerDraft{Name: "Elsewhere", DealerID: "dealer-2"})
	require.NoError(t, err)
	line := []ledger.OrderItem{{ItemID: item.ID, Quantity: dec("1"), Price: dec("60")}}

	_, err = f.engine.CreateOrder(f.ctx, ledger.OrderDraft{FarmerID: other.ID, DealerID: dealerID, Items: line},
		&ledger.PaymentDraft{Amount: dec("60"), Method: ledger.MethodCash})
	require.ErrorIs(t, err, ledger.ErrValidation)
	assertDecimal(t, "0", f.outstanding(t, other.ID))

	_, err = f.engine.CreateOrder(f.ctx, ledger.OrderDraft{
		NewFarmer: &ledger.FarmerDraft{Name: "Stray", DealerID: "dealer-2"},
		DealerID:  dealerID,
		Items:     line,
	}, nil)
	require.ErrorIs(t, err, ledger.ErrValidation)

	orders, err := f.engine.OrdersByDealer(f.ctx, dealerID)
	require.NoError(t, err)
	assert.Empty(t, orders)
	farmers, err := f.engine.FarmersByDealer(f.ctx, "dealer-2")
	require.NoError(t, err)
	assert.Len(t, farmers, 1)
}

func TestParseOrderStatus(t *testing.T) {
	s, err := ledger.ParseOrderStatus("shipped")
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderShipped, s)

	_, err = ledger.ParseOrderStatus("lost")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// PURCHASE ORDERS
// =============================================================================

func TestPurchaseOrder_CreateAndDelete(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")

	po, err := f.engine.CreatePurchaseOrder(f.ctx, ledger.PurchaseOrderDraft{
		OwnerID:      dealerID,
		SupplierID:   "supplier-9",
		SupplierName: "Hatchery",
		Items: []ledger.PurchaseLine{
			{Name: "Layer feed", Quantity: dec("40"), PurchasePrice: dec("1450"), SalesPrice: dec("1600")},
			{Name: "Chicks", Quantity: dec("500"), PurchasePrice: dec("38"), SalesPrice: dec("45")},
		},
		AdditionalCosts: []ledger.CostLine{{Description: "Transport", Amount: dec("2500")}},
		Payment:         &ledger.SupplierPayment{Amount: dec("77000"), Method: ledger.MethodCash, ReferenceNumber: "UTR-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, po.ItemCount)

	items, err := f.engine.InventoryByOwner(f.ctx, dealerID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.True(t, it.Quantity.Equal(it.OriginalQuantity))
		assert.Equal(t, po.ID, it.PurchaseOrderID)
	}

	txs, err := f.engine.TransactionsByDealer(f.ctx, dealerID, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	for _, tx := range txs {
		assert.True(t, tx.IsBusinessExpense)
		assert.False(t, tx.AffectsBalance)
		assert.True(t, tx.Amount.IsNegative())
	}
	bySupplier, err := f.engine.TransactionsBySupplier(f.ctx, "supplier-9")
	require.NoError(t, err)
	require.Len(t, bySupplier, 1)
	assertDecimal(t, "-77000", bySupplier[0].Amount)
	assertDecimal(t, "0", f.outstanding(t, farmer.ID))

	require.NoError(t, f.engine.DeletePurchaseOrder(f.ctx, po.ID))

	items, err = f.engine.InventoryByOwner(f.ctx, dealerID)
	require.NoError(t, err)
	assert.Empty(t, items)
	txs, err = f.engine.TransactionsByDealer(f.ctx, dealerID, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
	pos, err := f.engine.PurchaseOrdersByOwner(f.ctx, dealerID)
	require.NoError(t, err)
	assert.Empty(t, pos)
}

func TestPurchaseOrder_CreditPaymentSkipped(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CreatePurchaseOrder(f.ctx, ledger.PurchaseOrderDraft{
		OwnerID: dealerID,
		Items:   []ledger.PurchaseLine{{Name: "Feed", Quantity: dec("1"), PurchasePrice: dec("10")}},
		Payment: &ledger.SupplierPayment{Amount: dec("10"), Method: ledger.MethodCredit},
	})
	require.NoError(t, err)

	txs, err := f.engine.TransactionsByDealer(f.ctx, dealerID, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestPurchaseOrder_DeleteReversesLinkedFarmerTransactions(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	item := f.restock(t, "Feed", "10", "50")

	_, err := f.engine.CreateTransaction(f.ctx, ledger.TransactionDraft{
		Description:     "Linked sale",
		Amount:          dec("250"),
		UserID:          string(farmer.ID),
		DealerID:        dealerID,
		PurchaseOrderID: item.PurchaseOrderID,
	})
	require.NoError(t, err)
	assertDecimal(t, "250", f.outstanding(t, farmer.ID))

	require.NoError(t, f.engine.DeletePurchaseOrder(f.ctx, item.PurchaseOrderID))
	assertDecimal(t, "0", f.outstanding(t, farmer.ID))
}

// =============================================================================
// FARMERS
// =============================================================================

func TestClaimFarmer(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	require.True(t, farmer.IsPlaceholder)
	require.NotEmpty(t, farmer.FarmerCode)

	claimed, err := f.engine.ClaimFarmer(f.ctx, " "+farmer.FarmerCode+" ", "user-77")
	require.NoError(t, err)
	assert.False(t, claimed.IsPlaceholder)
	assert.Equal(t, "user-77", claimed.ClaimedBy)

	stored, err := f.engine.Farmer(f.ctx, farmer.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsPlaceholder)

	_, err = f.engine.ClaimFarmer(f.ctx, farmer.FarmerCode, "user-78")
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	_, err = f.engine.ClaimFarmer(f.ctx, "NOPE", "user-78")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	events := f.mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventFarmerClaimed, events[0].Kind)
	assert.Equal(t, dealerID, events[0].UserID)
}

// =============================================================================
// QUERIES + AUDIT
// =============================================================================

func TestTransactionsByUser_NewestFirstWithLimit(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	var ids []ledger.TransactionID
	for _, amt := range []string{"10", "20", "30"} {
		tx, err := f.engine.CreateTransaction(f.ctx, f.payment(farmer.ID, amt))
		require.NoError(t, err)
		ids = append(ids, tx.ID)
	}

	page, err := f.engine.TransactionsByUser(f.ctx, string(farmer.ID), 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)

	all, err := f.engine.AllTransactionsForUser(f.ctx, string(farmer.ID))
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAuditFarmer_DetectsDrift(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")
	_, err := f.engine.CreateTransaction(f.ctx, f.payment(farmer.ID, "100"))
	require.NoError(t, err)

	report, err := f.engine.AuditFarmer(f.ctx, farmer.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent())

	// Out-of-band write that bypasses the transaction history.
	require.NoError(t, f.mem.RunInTx(f.ctx, func(tx ledger.Tx) error {
		if _, err := tx.Farmer(f.ctx, farmer.ID); err != nil {
			return err
		}
		return tx.AdjustOutstanding(f.ctx, farmer.ID, dec("15"))
	}))

	report, err = f.engine.AuditFarmer(f.ctx, farmer.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	assertDecimal(t, "15", report.Drift)
	assertDecimal(t, "100", report.Replayed)
}

// =============================================================================
// ATOMIC UNIT
// =============================================================================

func TestUnit_ReadAfterWriteAborts(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")

	err := f.mem.RunInTx(f.ctx, func(tx ledger.Tx) error {
		u := ledger.NewUnit(tx)
		if err := u.InsertFarmer(f.ctx, ledger.Farmer{ID: "f-new", Name: "New", DealerID: dealerID, FarmerCode: "NEWCODE1"}); err != nil {
			return err
		}
		assert.True(t, u.Writing())
		_, err := u.Farmer(f.ctx, farmer.ID)
		return err
	})
	require.ErrorIs(t, err, ledger.ErrReadAfterWrite)

	_, err = f.engine.Farmer(f.ctx, "f-new")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestAtomic_RetriesOnConflict(t *testing.T) {
	f := newFixture(t)
	farmer := f.farmer(t, "Ravi")

	// The first commit attempt loses a race with a competing payment.
	fired := false
	f.mem.BeforeCommit = func() {
		if fired {
			return
		}
		fired = true
		_, err := f.engine.CreateTransaction(f.ctx, f.payment(farmer.ID, "-50"))
		require.NoError(t, err)
	}

	_, err := f.engine.CreateTransaction(f.ctx, f.payment(farmer.ID, "-100"))
	require.NoError(t, err)

	assertDecimal(t, "-150", f.outstanding(t, farmer.ID))
	assert.Equal(t, 1, f.observer.retries["create_transaction"])
	txs, err := f.engine.AllTransactionsForUser(f.ctx, string(farmer.ID))
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestAtomic_RetriesExhausted(t *testing.T) {
	f := newFixture(t, ledger.WithMaxCommitAttempts(3))
	farmer := f.farmer(t, "Ravi")

	// Every attempt loses the race.
	inHook := false
	competing := 0
	f.mem.BeforeCommit = func() {
		if inHook {
			return
		}
		inHook = true
		defer func() { inHook = false }()
		competing++
		_, err := f.engine.CreateTransaction(f.ctx, f.payment(farmer.ID, "-50"))
		require.NoError(t, err)
	}

	_, err := f.engine.CreateTransaction(f.ctx, f.payment(farmer.ID, "-100"))
	require.ErrorIs(t, err, ledger.ErrRetriesExhausted)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.True(t, ledger.IsRetryable(err))

	assert.Equal(t, 3, competing)
	assertDecimal(t, "-150", f.outstanding(t, farmer.ID))
}

func TestAtomic_ConcurrentSalesDoNotOversell(t *testing.T) {
	// A failed attempt implies another sale committed, and at most ten can,
	// so with more attempts than units nobody runs out of retries.
	f := newFixture(t, ledger.WithMaxCommitAttempts(20))
	farmer := f.farmer(t, "Ravi")
	item := f.restock(t, "Layer feed", "10", "50")

	const buyers = 40
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		sold     int
		shortage int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.CreateTransaction(f.ctx, ledger.TransactionDraft{
				Description:     "Feed sale",
				Amount:          dec("1"),
				UserID:          string(farmer.ID),
				DealerID:        dealerID,
				InventoryItemID: item.ID,
				QuantitySold:    dec("1"),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sold++
			case errors.Is(err, ledger.ErrInsufficientStock):
				shortage++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, sold)
	assert.Equal(t, buyers-10, shortage)
	assertDecimal(t, "0", f.quantity(t, item.ID))
	assertDecimal(t, "10", f.outstanding(t, farmer.ID))

	report, err := f.engine.AuditFarmer(f.ctx, farmer.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, 10, report.Transactions)
}

// =============================================================================
// PROPERTIES
// =============================================================================

// Outstanding always equals the sum of the farmer's surviving
// balance-affecting transactions.
func TestBalanceConservation_RandomSequences(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(42))

	farmers := []ledger.Farmer{f.farmer(t, "A"), f.farmer(t, "B"), f.farmer(t, "C")}
	item := f.restock(t, "Feed", "100000", "5")

	var live []ledger.TransactionID
	for step := 0; step < 300; step++ {
		switch op := rng.Intn(10); {
		case op < 5 || len(live) == 0:
			farmer := farmers[rng.Intn(len(farmers))]
			draft := f.payment(farmer.ID, decimal.NewFromInt(int64(rng.Intn(999)-499)).String())
			if draft.Amount.IsZero() {
				draft.Amount = dec("1")
			}
			switch rng.Intn(4) {
			case 0:
				draft.UserID = dealerID
				draft.IsBusinessExpense = true
			case 1:
				draft.InventoryItemID = item.ID
				draft.QuantitySold = decimal.NewFromInt(int64(rng.Intn(5) + 1))
			}
			tx, err := f.engine.CreateTransaction(f.ctx, draft)
			require.NoError(t, err, "step %d", step)
			live = append(live, tx.ID)
		case op < 8:
			id := live[rng.Intn(len(live))]
			amount := decimal.NewFromInt(int64(rng.Intn(999) + 1))
			_, err := f.engine.UpdateTransaction(f.ctx, id, ledger.TransactionPatch{Amount: &amount})
			require.NoError(t, err, "step %d", step)
		default:
			i := rng.Intn(len(live))
			require.NoError(t, f.engine.DeleteTransaction(f.ctx, live[i]), "step %d", step)
			live = append(live[:i], live[i+1:]...)
		}

		for _, farmer := range farmers {
			report, err := f.engine.AuditFarmer(f.ctx, farmer.ID)
			require.NoError(t, err)
			require.True(t, report.Consistent(), "step %d farmer %s drift %s", step, farmer.Name, report.Drift)
		}
		require.False(t, f.quantity(t, item.ID).IsNegative())
	}
}
