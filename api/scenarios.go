/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Seeds a dealer network with realistic data through the engine itself,
	so every seeded record went through the same atomic units, balance rules
	and outbox as live traffic.

AVAILABLE SCENARIOS:

	village-dealer:   Restock, two farmers, a cash payment and a credit sale
	order-cycle:      Order with partial payment taken through to Completed
	supplier-credit:  Restock on supplier credit with transport cost

HOW SCENARIOS WORK:
 1. Pick the dealer ID (request value or a fresh one)
 2. Register dealer/supplier profiles
 3. Restock through a purchase order
 4. Add farmers and drive transactions/orders through the engine

Scenarios never delete anything; loading twice under the same dealer adds
a second copy of the data.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "order-cycle"}

SEE ALSO:
  - handlers.go: Handler and helpers
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/flockledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "village-dealer",
		Name:        "Village Dealer",
		Description: "Feed and chick restock, two farmers, one cash payment and one credit sale",
	},
	{
		ID:          "order-cycle",
		Name:        "Order Cycle",
		Description: "Farmer order with upfront payment, accepted, shipped and completed",
	},
	{
		ID:          "supplier-credit",
		Name:        "Supplier Credit",
		Description: "Restock bought on supplier credit with a transport cost expense",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	dealerID := strings.TrimSpace(req.DealerID)
	if dealerID == "" {
		dealerID = "dealer-" + uuid.NewString()[:8]
	}

	ctx := r.Context()
	var err error
	switch req.ScenarioID {
	case "village-dealer":
		err = h.loadVillageDealerScenario(ctx, dealerID)
	case "order-cycle":
		err = h.loadOrderCycleScenario(ctx, dealerID)
	case "supplier-credit":
		err = h.loadSupplierCreditScenario(ctx, dealerID)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}
	if err != nil {
		h.writeEngineError(w, r, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "loaded",
		"scenario":  req.ScenarioID,
		"dealer_id": dealerID,
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func mustDec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// restock registers the dealer and records a two-line purchase order.
func (h *Handler) restock(ctx context.Context, dealerID string, payment *ledger.SupplierPayment) (map[string]ledger.InventoryItem, error) {
	if err := h.Engine.PutProfile(ctx, ledger.Profile{ID: dealerID, Name: "Demo Dealer", Role: ledger.RoleDealer}); err != nil {
		return nil, err
	}
	supplierID := dealerID + "-supplier"
	if err := h.Engine.PutProfile(ctx, ledger.Profile{ID: supplierID, Name: "Hatchery Co", Role: ledger.RoleSupplier}); err != nil {
		return nil, err
	}

	draft := ledger.PurchaseOrderDraft{
		OwnerID:        dealerID,
		PurchaseSource: "Hatchery Co",
		SupplierID:     supplierID,
		SupplierName:   "Hatchery Co",
		Items: []ledger.PurchaseLine{
			{Name: "Layer feed", Category: "Feed", Quantity: mustDec("40"), Unit: "bag", PurchasePrice: mustDec("1450"), SalesPrice: mustDec("1600")},
			{Name: "Day-old chicks", Category: "Chicks", Quantity: mustDec("500"), Unit: "pcs", PurchasePrice: mustDec("38"), SalesPrice: mustDec("45")},
		},
		Payment: payment,
	}
	if _, err := h.Engine.CreatePurchaseOrder(ctx, draft); err != nil {
		return nil, err
	}

	items, err := h.Engine.InventoryByOwner(ctx, dealerID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]ledger.InventoryItem, len(items))
	for _, it := range items {
		byName[it.Name] = it
	}
	return byName, nil
}

func (h *Handler) loadVillageDealerScenario(ctx context.Context, dealerID string) error {
	items, err := h.restock(ctx, dealerID, &ledger.SupplierPayment{Amount: mustDec("77000"), Method: ledger.MethodCash})
	if err != nil {
		return err
	}

	ravi, err := h.Engine.CreateFarmer(ctx, ledger.FarmerDraft{Name: "Ravi Kumar", Location: "Kothur", DealerID: dealerID})
	if err != nil {
		return err
	}
	meena, err := h.Engine.CreateFarmer(ctx, ledger.FarmerDraft{Name: "Meena Devi", Location: "Shadnagar", DealerID: dealerID})
	if err != nil {
		return err
	}

	feed := items["Layer feed"]
	chicks := items["Day-old chicks"]

	steps := []ledger.TransactionDraft{
		{
			Description:     "Layer feed on credit",
			Amount:          mustDec("16000"),
			Status:          ledger.StatusPending,
			UserID:          string(ravi.ID),
			DealerID:        dealerID,
			InventoryItemID: feed.ID,
			QuantitySold:    mustDec("10"),
			PaymentMethod:   ledger.MethodCredit,
			BatchID:         "batch-2024-a",
		},
		{
			Description:   "Cash payment",
			Amount:        mustDec("-6000"),
			UserID:        string(ravi.ID),
			DealerID:      dealerID,
			PaymentMethod: ledger.MethodCash,
		},
		{
			Description:     "Chicks for new shed",
			Amount:          mustDec("9000"),
			Status:          ledger.StatusPending,
			UserID:          string(meena.ID),
			DealerID:        dealerID,
			InventoryItemID: chicks.ID,
			QuantitySold:    mustDec("200"),
			PaymentMethod:   ledger.MethodCredit,
			BatchID:         "batch-2024-b",
		},
	}
	for _, s := range steps {
		if _, err := h.Engine.CreateTransaction(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadOrderCycleScenario(ctx context.Context, dealerID string) error {
	items, err := h.restock(ctx, dealerID, &ledger.SupplierPayment{Amount: mustDec("77000"), Method: ledger.MethodCash})
	if err != nil {
		return err
	}
	feed := items["Layer feed"]
	chicks := items["Day-old chicks"]

	order, err := h.Engine.CreateOrder(ctx, ledger.OrderDraft{
		NewFarmer: &ledger.FarmerDraft{Name: "Suresh Reddy", Location: "Amangal", DealerID: dealerID},
		DealerID:  dealerID,
		Items: []ledger.OrderItem{
			{ItemID: feed.ID, Name: feed.Name, Quantity: mustDec("5"), Unit: feed.Unit, Price: feed.SalesPrice},
			{ItemID: chicks.ID, Name: chicks.Name, Quantity: mustDec("100"), Unit: chicks.Unit, Price: chicks.SalesPrice},
		},
	}, &ledger.PaymentDraft{Amount: mustDec("5000"), Method: ledger.MethodCash})
	if err != nil {
		return err
	}

	for _, next := range []ledger.OrderStatus{ledger.OrderAccepted, ledger.OrderShipped, ledger.OrderCompleted} {
		if _, err := h.Engine.UpdateOrderStatus(ctx, order.ID, next); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadSupplierCreditScenario(ctx context.Context, dealerID string) error {
	if err := h.Engine.PutProfile(ctx, ledger.Profile{ID: dealerID, Name: "Demo Dealer", Role: ledger.RoleDealer}); err != nil {
		return err
	}
	supplierID := dealerID + "-mill"
	if err := h.Engine.PutProfile(ctx, ledger.Profile{ID: supplierID, Name: "Deccan Feed Mill", Role: ledger.RoleSupplier}); err != nil {
		return err
	}
	_, err := h.Engine.CreatePurchaseOrder(ctx, ledger.PurchaseOrderDraft{
		OwnerID:        dealerID,
		PurchaseSource: "Deccan Feed Mill",
		SupplierID:     supplierID,
		SupplierName:   "Deccan Feed Mill",
		Items: []ledger.PurchaseLine{
			{Name: "Broiler starter", Category: "Feed", Quantity: mustDec("60"), Unit: "bag", PurchasePrice: mustDec("1500"), SalesPrice: mustDec("1680")},
		},
		AdditionalCosts: []ledger.CostLine{
			{Description: "Lorry transport", Amount: mustDec("2500")},
		},
		Payment: &ledger.SupplierPayment{Amount: mustDec("90000"), Method: ledger.MethodCredit},
	})
	return err
}
