package ledger

import "context"

// Default page sizes for history queries. Full history goes through
// AllTransactionsForUser.
const (
	DefaultUserHistoryLimit   = 50
	DefaultDealerHistoryLimit = 100
)

func limitOr(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

// TransactionsByUser returns the newest transactions where the user is the
// counterpart, capped at limit (DefaultUserHistoryLimit when <= 0).
func (e *Engine) TransactionsByUser(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	return e.store.Transactions(ctx, TransactionFilter{UserID: userID, Limit: limitOr(limit, DefaultUserHistoryLimit)})
}

// AllTransactionsForUser is the unbounded history for a user.
func (e *Engine) AllTransactionsForUser(ctx context.Context, userID string) ([]Transaction, error) {
	return e.store.Transactions(ctx, TransactionFilter{UserID: userID})
}

// TransactionsByDealer returns the dealer's history, capped at limit
// (DefaultDealerHistoryLimit when <= 0).
func (e *Engine) TransactionsByDealer(ctx context.Context, dealerID string, limit int) ([]Transaction, error) {
	return e.store.Transactions(ctx, TransactionFilter{DealerID: dealerID, Limit: limitOr(limit, DefaultDealerHistoryLimit)})
}

func (e *Engine) TransactionsByBatch(ctx context.Context, batchID string) ([]Transaction, error) {
	return e.store.Transactions(ctx, TransactionFilter{BatchID: batchID})
}

func (e *Engine) TransactionsBySupplier(ctx context.Context, supplierID string) ([]Transaction, error) {
	return e.store.Transactions(ctx, TransactionFilter{SupplierID: supplierID})
}

func (e *Engine) Farmer(ctx context.Context, id FarmerID) (Farmer, error) {
	return e.store.GetFarmer(ctx, id)
}

func (e *Engine) FarmersByDealer(ctx context.Context, dealerID string) ([]Farmer, error) {
	return e.store.FarmersByDealer(ctx, dealerID)
}

func (e *Engine) InventoryByOwner(ctx context.Context, ownerID string) ([]InventoryItem, error) {
	return e.store.InventoryByOwner(ctx, ownerID)
}

func (e *Engine) Order(ctx context.Context, id OrderID) (Order, error) {
	return e.store.GetOrder(ctx, id)
}

func (e *Engine) OrdersByDealer(ctx context.Context, dealerID string) ([]Order, error) {
	return e.store.Orders(ctx, OrderFilter{DealerID: dealerID})
}

func (e *Engine) OrdersByFarmer(ctx context.Context, farmerID FarmerID) ([]Order, error) {
	return e.store.Orders(ctx, OrderFilter{FarmerID: farmerID})
}

func (e *Engine) PurchaseOrdersByOwner(ctx context.Context, ownerID string) ([]PurchaseOrder, error) {
	return e.store.PurchaseOrdersByOwner(ctx, ownerID)
}

// PutProfile registers a dealer, supplier or farmer identity.
func (e *Engine) PutProfile(ctx context.Context, p Profile) error {
	if p.ID == "" {
		return &ValidationError{Field: "ID", Reason: "required"}
	}
	switch p.Role {
	case RoleFarmer, RoleDealer, RoleSupplier:
	default:
		return &ValidationError{Field: "Role", Reason: "must be farmer, dealer or supplier"}
	}
	return e.store.PutProfile(ctx, p)
}
