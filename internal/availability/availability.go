// Package availability derives the customer-facing stock status label from
// raw quantities and per-product thresholds. It is pure: no I/O, no clock,
// deterministic for identical inputs.
package availability

// Status is the derived classification shown to catalog consumers.
type Status string

const (
	InStock    Status = "IN_STOCK"
	LowStock   Status = "LOW_STOCK"
	OutOfStock Status = "OUT_OF_STOCK"
	PreOrder   Status = "PRE_ORDER"
	BackOrder  Status = "BACK_ORDER"
)

// Input carries everything Classify needs. A LowStockThreshold <= 0 means the
// threshold is not set and the LOW_STOCK rule is skipped.
type Input struct {
	QuantityOnHand      int
	ReservedQuantity    int
	LowStockThreshold   int
	OutOfStockThreshold int
	Preorder            bool
	Backorder           bool
}

// Classify evaluates the availability rules in order: sold out first (with
// the preorder/backorder overrides), then low stock, then in stock.
func Classify(in Input) Status {
	available := in.QuantityOnHand - in.ReservedQuantity

	if available <= in.OutOfStockThreshold {
		switch {
		case in.Preorder:
			return PreOrder
		case in.Backorder:
			return BackOrder
		default:
			return OutOfStock
		}
	}

	if in.LowStockThreshold > 0 && in.QuantityOnHand <= in.LowStockThreshold {
		return LowStock
	}

	return InStock
}
