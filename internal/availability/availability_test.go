package availability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want Status
	}{
		{
			name: "plenty on hand",
			in:   Input{QuantityOnHand: 100},
			want: InStock,
		},
		{
			name: "low stock at threshold",
			in:   Input{QuantityOnHand: 5, LowStockThreshold: 5},
			want: LowStock,
		},
		{
			name: "low stock below threshold",
			in:   Input{QuantityOnHand: 4, LowStockThreshold: 5},
			want: LowStock,
		},
		{
			name: "threshold not set skips low stock rule",
			in:   Input{QuantityOnHand: 1},
			want: InStock,
		},
		{
			name: "out of stock at zero",
			in:   Input{QuantityOnHand: 0, LowStockThreshold: 5},
			want: OutOfStock,
		},
		{
			name: "reservations exhaust availability",
			in:   Input{QuantityOnHand: 3, ReservedQuantity: 3},
			want: OutOfStock,
		},
		{
			name: "custom out of stock threshold",
			in:   Input{QuantityOnHand: 2, OutOfStockThreshold: 2},
			want: OutOfStock,
		},
		{
			name: "preorder overrides out of stock",
			in:   Input{QuantityOnHand: 0, Preorder: true},
			want: PreOrder,
		},
		{
			name: "backorder overrides out of stock",
			in:   Input{QuantityOnHand: 0, Backorder: true},
			want: BackOrder,
		},
		{
			name: "preorder wins over backorder",
			in:   Input{QuantityOnHand: 0, Preorder: true, Backorder: true},
			want: PreOrder,
		},
		{
			name: "preorder flag irrelevant while stocked",
			in:   Input{QuantityOnHand: 10, Preorder: true},
			want: InStock,
		},
		{
			name: "reserved stock counts against low threshold on hand only",
			in:   Input{QuantityOnHand: 10, ReservedQuantity: 8, LowStockThreshold: 5},
			want: InStock,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.in))
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	in := Input{QuantityOnHand: 7, ReservedQuantity: 2, LowStockThreshold: 10}
	first := Classify(in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Classify(in))
	}
}
