package inventory_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/shopquoter/pkg/inventory"
)

func reorderAt(p inventory.Product, rp int64) inventory.Product {
	p.ReorderPoint = &rp
	return p
}

func newManager(t *testing.T, publisher inventory.EventPublisher, products ...inventory.Product) (*inventory.Manager, *prometheus.Registry) {
	t.Helper()
	store := newStore(t, products...)
	reg := prometheus.NewRegistry()
	manager := inventory.NewManager(store, store, publisher, zap.NewNop(), nil, inventory.NewMetrics(reg))
	return manager, reg
}

func TestManager_AllocateAndRelease(t *testing.T) {
	manager, _ := newManager(t, nil, product("A"))
	ctx := context.Background()

	_, err := manager.Append(ctx, receipt("A", 10))
	require.NoError(t, err)

	m, err := manager.Allocate(ctx, "A", 4, "SO-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-4), m.Quantity)
	assert.Equal(t, inventory.MovementTypeAllocation, m.Type)

	snapshot, err := manager.GetSnapshot(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(10), snapshot.CurrentStock)
	assert.Equal(t, int64(4), snapshot.AllocatedStock)
	assert.Equal(t, int64(6), snapshot.AvailableStock)

	_, err = manager.ReleaseAllocation(ctx, "A", 5, "SO-1")
	assert.ErrorIs(t, err, inventory.ErrInsufficientAllocation)

	m, err = manager.ReleaseAllocation(ctx, "A", 4, "SO-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), m.Quantity)

	snapshot, err = manager.GetSnapshot(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snapshot.AllocatedStock)
	assert.Equal(t, int64(10), snapshot.AvailableStock)

	_, err = manager.Allocate(ctx, "A", -1, "SO-2")
	assert.ErrorIs(t, err, inventory.ErrInvalidQuantity)
}

func TestManager_Fulfil(t *testing.T) {
	manager, _ := newManager(t, nil, product("A"))
	ctx := context.Background()

	_, err := manager.Append(ctx, receipt("A", 10))
	require.NoError(t, err)
	_, err = manager.Allocate(ctx, "A", 4, "SO-1")
	require.NoError(t, err)

	movements, err := manager.Fulfil(ctx, "A", 3, "SO-1")
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, int64(3), movements[0].Quantity)
	assert.Equal(t, int64(-3), movements[1].Quantity)

	snapshot, err := manager.GetSnapshot(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(7), snapshot.CurrentStock)
	assert.Equal(t, int64(1), snapshot.AllocatedStock)
	assert.Equal(t, int64(6), snapshot.AvailableStock)

	// 引当を超える出荷はどちらの移動も記録しない
	_, err = manager.Fulfil(ctx, "A", 2, "SO-1")
	assert.ErrorIs(t, err, inventory.ErrInsufficientAllocation)

	after, err := manager.GetSnapshot(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, snapshot.CurrentStock, after.CurrentStock)
	assert.Equal(t, snapshot.Sequence, after.Sequence)
}

func TestManager_Adjust(t *testing.T) {
	manager, _ := newManager(t, nil, product("A"))
	ctx := context.Background()

	_, err := manager.Adjust(ctx, "A", -2, "")
	assert.Equal(t, inventory.KindValidation, inventory.KindOf(err))

	m, err := manager.Adjust(ctx, "A", -2, "damaged")
	require.NoError(t, err)
	require.NotNil(t, m.Reason)
	assert.Equal(t, "damaged", *m.Reason)

	// 物理在庫は負になり得る
	snapshot, err := manager.GetSnapshot(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(-2), snapshot.CurrentStock)
	assert.Equal(t, int64(0), snapshot.AvailableStock)
}

func TestManager_GetSnapshot(t *testing.T) {
	manager, _ := newManager(t, nil, reorderAt(product("A"), 3), product("B"))
	ctx := context.Background()

	snapshot, err := manager.GetSnapshot(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snapshot.CurrentStock)
	assert.Equal(t, int64(3), snapshot.ReorderPoint)
	assert.Nil(t, snapshot.LastRestockedAt)

	_, err = manager.Append(ctx, receipt("B", 1))
	require.NoError(t, err)
	snapshot, err = manager.GetSnapshot(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, int64(10), snapshot.ReorderPoint, "既定の発注点")
	assert.NotNil(t, snapshot.LastRestockedAt)

	_, err = manager.GetSnapshot(ctx, "missing")
	assert.Equal(t, inventory.KindNotFound, inventory.KindOf(err))
}

func TestManager_LowStockAlert(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("PublishStockChanged", mock.Anything, mock.Anything).Return(nil)
	publisher.On("PublishLowStockAlert", mock.Anything, mock.MatchedBy(func(e inventory.LowStockAlertEvent) bool {
		return e.ProductID == "A" && e.CurrentStock == 4 && e.ReorderPoint == 5 && e.Deficit == 1
	})).Return(nil).Once()

	manager, reg := newManager(t, publisher, reorderAt(product("A"), 5))
	ctx := context.Background()

	// 入荷ではアラートを出さない
	_, err := manager.Append(ctx, receipt("A", 8))
	require.NoError(t, err)
	publisher.AssertNotCalled(t, "PublishLowStockAlert", mock.Anything, mock.Anything)

	_, err = manager.Adjust(ctx, "A", -4, "cycle count")
	require.NoError(t, err)

	publisher.AssertExpectations(t)
	publisher.AssertNumberOfCalls(t, "PublishStockChanged", 2)
	assert.Equal(t, 1.0, counterValue(t, reg, "shopquoter_reorder_signals_total"))
}

func TestManager_ScanReorder(t *testing.T) {
	inactive := reorderAt(product("D"), 5)
	inactive.Status = inventory.ProductStatusInactive

	manager, _ := newManager(t, nil,
		reorderAt(product("A"), 5),
		product("B"),
		reorderAt(product("C"), 5),
		inactive,
	)
	ctx := context.Background()

	_, err := manager.Append(ctx, receipt("B", 7))
	require.NoError(t, err)
	_, err = manager.Append(ctx, receipt("C", 20))
	require.NoError(t, err)

	signals, err := manager.ScanReorder(ctx)
	require.NoError(t, err)
	require.Len(t, signals, 2)

	assert.Equal(t, "A", signals[0].ProductID)
	assert.Equal(t, int64(5), signals[0].Deficit)
	assert.Equal(t, int64(10), signals[0].SuggestedQuantity)

	assert.Equal(t, "B", signals[1].ProductID)
	assert.Equal(t, int64(3), signals[1].Deficit)
	assert.Equal(t, int64(13), signals[1].SuggestedQuantity)

	signal, err := manager.EvaluateReorder(ctx, "C")
	require.NoError(t, err)
	assert.Nil(t, signal)
}

func TestManager_GetValuation(t *testing.T) {
	manager, _ := newManager(t, nil, product("A"))
	ctx := context.Background()

	_, err := manager.Append(ctx, receipt("A", 12))
	require.NoError(t, err)

	valuation, err := manager.GetValuation(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(12), valuation.CurrentStock)
	assert.True(t, valuation.StockValue.Equal(decimal.RequireFromString("30.00")), valuation.StockValue.String())
	assert.True(t, valuation.RetailValue.Equal(decimal.RequireFromString("48.00")), valuation.RetailValue.String())
	assert.True(t, valuation.MarginPercent.Equal(decimal.RequireFromString("37.5")), valuation.MarginPercent.String())
}

func TestManager_GetAuditTrail(t *testing.T) {
	manager, _ := newManager(t, nil, product("A"))
	ctx := context.Background()

	_, err := manager.Append(ctx, receipt("A", 5))
	require.NoError(t, err)
	_, err = manager.Adjust(ctx, "A", -1, "damaged")
	require.NoError(t, err)

	now := time.Now().UTC()

	trail, err := manager.GetAuditTrail(ctx, "A", now.Add(-time.Hour), time.Time{})
	require.NoError(t, err)
	assert.Len(t, trail.Movements, 2)
	assert.Equal(t, int64(5), trail.Totals[inventory.MovementTypeReceipt])
	assert.Equal(t, int64(-1), trail.Totals[inventory.MovementTypeAdjustment])

	trail, err = manager.GetAuditTrail(ctx, "A", now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, trail.Movements)

	_, err = manager.GetAuditTrail(ctx, "A", now, now.Add(-time.Minute))
	assert.Equal(t, inventory.KindValidation, inventory.KindOf(err))
}

func TestManager_GetMovementsByReference(t *testing.T) {
	manager, _ := newManager(t, nil, product("A"))
	ctx := context.Background()

	_, err := manager.Append(ctx, receipt("A", 10))
	require.NoError(t, err)
	_, err = manager.Allocate(ctx, "A", 4, "SO-1")
	require.NoError(t, err)
	_, err = manager.Allocate(ctx, "A", 2, "SO-2")
	require.NoError(t, err)
	_, err = manager.ReleaseAllocation(ctx, "A", 4, "SO-1")
	require.NoError(t, err)

	movements, err := manager.GetMovementsByReference(ctx, "A", "SO-1")
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, int64(-4), movements[0].Quantity)
	assert.Equal(t, int64(4), movements[1].Quantity)

	movements, err = manager.GetMovementsByReference(ctx, "A", "SO-9")
	require.NoError(t, err)
	assert.Empty(t, movements)

	_, err = manager.GetMovementsByReference(ctx, "A", "")
	assert.Equal(t, inventory.KindValidation, inventory.KindOf(err))

	_, err = manager.GetMovementsByReference(ctx, "missing", "SO-1")
	assert.Equal(t, inventory.KindNotFound, inventory.KindOf(err))
}

func TestManager_ListMovements(t *testing.T) {
	manager, _ := newManager(t, nil, product("A"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := manager.Append(ctx, receipt("A", 1))
		require.NoError(t, err)
	}

	page, err := manager.ListMovements(ctx, "A", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Movements, 2)
	assert.Equal(t, int64(2), page.Movements[0].Sequence)
	assert.False(t, page.HasMore)

	_, err = manager.ListMovements(ctx, "missing", 0, 10)
	assert.Equal(t, inventory.KindNotFound, inventory.KindOf(err))
}
