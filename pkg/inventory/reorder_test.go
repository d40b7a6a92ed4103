package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name          string
		current       int64
		reorderPoint  *int64
		wantSignal    bool
		wantDeficit   int64
		wantSuggested int64
	}{
		{"above reorder point", 11, nil, false, 0, 0},
		{"at reorder point", 10, nil, true, 0, 11},
		{"below reorder point", 4, nil, true, 6, 16},
		{"negative stock", -2, int64Ptr(5), true, 7, 12},
		{"product override", 20, int64Ptr(25), true, 5, 30},
		{"zero reorder point with zero stock", 0, int64Ptr(0), true, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			product := Product{ID: "A", SKU: "SKU-A", ReorderPoint: tt.reorderPoint}
			signal := Evaluate(InventorySnapshot{ProductID: "A", CurrentStock: tt.current}, product, 10)

			if !tt.wantSignal {
				assert.Nil(t, signal)
				return
			}
			require.NotNil(t, signal)
			assert.Equal(t, "SKU-A", signal.SKU)
			assert.Equal(t, tt.current, signal.CurrentStock)
			assert.Equal(t, tt.wantDeficit, signal.Deficit)
			assert.Equal(t, tt.wantSuggested, signal.SuggestedQuantity)
		})
	}
}

func TestEvaluate_IgnoresAllocations(t *testing.T) {
	// 発注点は引当ではなく物理在庫で判定
	snapshot := InventorySnapshot{ProductID: "A", CurrentStock: 15, AllocatedStock: 14, AvailableStock: 1}
	assert.Nil(t, Evaluate(snapshot, Product{ID: "A"}, 10))
}
