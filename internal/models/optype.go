package models

// Operation types the bridge knows how to drive against the remote system.
// The catalog is fixed; unknown types are rejected at enqueue.
const (
	OpPlaceOrder    = "order.place"
	OpFetchDocument = "document.fetch"
	OpSyncOrders    = "sync.orders"
	OpSyncCustomers = "sync.customers"
	OpSyncProducts  = "sync.products"
	OpSyncPrices    = "sync.prices"
)

// opRanks maps each type to its dispatch rank. Lower rank dispatches first.
// Order placement outranks document fetches, which outrank reference-data
// refreshes. Rank never preempts a running job.
var opRanks = map[string]int{
	OpPlaceOrder:    0,
	OpFetchDocument: 1,
	OpSyncOrders:    2,
	OpSyncCustomers: 3,
	OpSyncProducts:  3,
	OpSyncPrices:    4,
}

// DefaultRank is assigned to sync refreshes; waiting jobs below it count as
// "prioritized" on the dashboard.
const DefaultRank = 2

// RankOf returns the dispatch rank for a known type.
func RankOf(opType string) (int, bool) {
	r, ok := opRanks[opType]
	return r, ok
}

// KnownType reports whether the type is part of the operation catalog.
func KnownType(opType string) bool {
	_, ok := opRanks[opType]
	return ok
}

// SyncTypes lists the refresh operations the auto-sync scheduler may drive.
func SyncTypes() []string {
	return []string{OpSyncOrders, OpSyncCustomers, OpSyncProducts, OpSyncPrices}
}
