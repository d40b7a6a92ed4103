package inventory

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceHistory serves a fixed history and counts reads
type sliceHistory struct {
	movements map[string][]StockMovement
	reads     int
}

func (h *sliceHistory) ReadAll(ctx context.Context, productID string) ([]StockMovement, error) {
	h.reads++
	out := make([]StockMovement, len(h.movements[productID]))
	copy(out, h.movements[productID])
	return out, nil
}

func (h *sliceHistory) add(m StockMovement) StockMovement {
	if h.movements == nil {
		h.movements = make(map[string][]StockMovement)
	}
	m.Sequence = int64(len(h.movements[m.ProductID]) + 1)
	h.movements[m.ProductID] = append(h.movements[m.ProductID], m)
	return m
}

func mv(productID string, t MovementType, qty int64) StockMovement {
	return StockMovement{ID: NewMovementID(), ProductID: productID, Type: t, Quantity: qty, CreatedAt: time.Now()}
}

func TestFold(t *testing.T) {
	h := &sliceHistory{}
	h.add(mv("A", MovementTypeReceipt, 10))
	h.add(mv("A", MovementTypeAllocation, -4))
	h.add(mv("A", MovementTypeAdjustment, -1))
	h.add(mv("A", MovementTypeReturn, 2))
	h.add(mv("A", MovementTypeAllocation, 1))

	s, err := Fold("A", h.movements["A"])
	require.NoError(t, err)

	assert.Equal(t, int64(11), s.CurrentStock)
	assert.Equal(t, int64(3), s.AllocatedStock)
	assert.Equal(t, int64(8), s.AvailableStock)
	assert.Equal(t, int64(5), s.Sequence)
	assert.False(t, s.OverAllocated)
	require.NotNil(t, s.LastRestockedAt)
}

func TestFold_OverAllocationClampsAvailable(t *testing.T) {
	s, err := Fold("A", []StockMovement{
		{ProductID: "A", Type: MovementTypeReceipt, Quantity: 2, Sequence: 1},
		{ProductID: "A", Type: MovementTypeAllocation, Quantity: -5, Sequence: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(0), s.AvailableStock)
	assert.Equal(t, int64(-3), s.NetAvailable)
	assert.True(t, s.OverAllocated)
}

func TestFold_Empty(t *testing.T) {
	s, err := Fold("A", nil)
	require.NoError(t, err)
	assert.Equal(t, InventorySnapshot{ProductID: "A"}, s)
}

func TestFold_RejectsForeignMovement(t *testing.T) {
	var s InventorySnapshot
	assert.NotPanics(t, func() {
		var err error
		s, err = Fold("A", []StockMovement{
			{ProductID: "A", Type: MovementTypeReceipt, Quantity: 3, Sequence: 1},
			{ID: "m-2", ProductID: "B", Type: MovementTypeReceipt, Quantity: 1, Sequence: 1},
		})
		assert.Equal(t, KindState, KindOf(err))
		assert.Contains(t, err.Error(), "m-2")
	})
	assert.Equal(t, InventorySnapshot{}, s)
}

func TestProjector_ForeignMovementFailsProject(t *testing.T) {
	h := &sliceHistory{movements: map[string][]StockMovement{
		"A": {{ID: "m-1", ProductID: "B", Type: MovementTypeReceipt, Quantity: 1, Sequence: 1}},
	}}
	p := NewProjector(h, ProjectionIncremental, nil, nil)

	_, err := p.Project(context.Background(), "A")
	assert.Equal(t, KindState, KindOf(err))
}

func TestProjector_IncrementalUsesCache(t *testing.T) {
	h := &sliceHistory{}
	p := NewProjector(h, ProjectionIncremental, nil, nil)
	ctx := context.Background()

	p.Observe(h.add(mv("A", MovementTypeReceipt, 5)))
	s, err := p.Project(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(5), s.CurrentStock)
	assert.Equal(t, 1, h.reads)

	p.Observe(h.add(mv("A", MovementTypeReceipt, 3)))
	s, err = p.Project(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(8), s.CurrentStock)
	assert.Equal(t, 1, h.reads, "キャッシュヒット時は台帳を読まない")
}

func TestProjector_ObserveSkipsDuplicatesAndDropsOnGap(t *testing.T) {
	h := &sliceHistory{}
	p := NewProjector(h, ProjectionIncremental, nil, nil)
	ctx := context.Background()

	first := h.add(mv("A", MovementTypeReceipt, 5))
	_, err := p.Project(ctx, "A")
	require.NoError(t, err)

	// 既に集計済みの移動は無視
	p.Observe(first)
	s, _ := p.Project(ctx, "A")
	assert.Equal(t, int64(5), s.CurrentStock)

	// 欠番があればキャッシュを破棄して再集計
	h.add(mv("A", MovementTypeReceipt, 1))
	third := h.add(mv("A", MovementTypeReceipt, 1))
	p.Observe(third)

	reads := h.reads
	s, err = p.Project(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(7), s.CurrentStock)
	assert.Equal(t, reads+1, h.reads)
}

func TestProjector_DoesNotCacheOutdatedFold(t *testing.T) {
	h := &sliceHistory{}
	p := NewProjector(h, ProjectionIncremental, nil, nil)

	m1 := h.add(mv("A", MovementTypeReceipt, 5))
	m2 := h.add(mv("A", MovementTypeReceipt, 5))
	p.Observe(m1)
	p.Observe(m2)

	// 読み出し中に追記された状況を再現
	stale, err := Fold("A", []StockMovement{m1})
	require.NoError(t, err)
	p.store(stale)

	s, err := p.Project(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, int64(10), s.CurrentStock)
}

func TestProjector_LazyAlwaysFolds(t *testing.T) {
	h := &sliceHistory{}
	p := NewProjector(h, ProjectionLazy, nil, nil)
	h.add(mv("A", MovementTypeReceipt, 5))

	for i := 0; i < 3; i++ {
		_, err := p.Project(context.Background(), "A")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, h.reads)
}

func TestProjector_InvalidStrategyDefaultsToIncremental(t *testing.T) {
	p := NewProjector(&sliceHistory{}, "eager", nil, nil)
	assert.Equal(t, ProjectionIncremental, p.Strategy())
}

func TestProjector_Invalidate(t *testing.T) {
	h := &sliceHistory{}
	p := NewProjector(h, ProjectionIncremental, nil, nil)
	h.add(mv("A", MovementTypeReceipt, 5))

	_, _ = p.Project(context.Background(), "A")
	p.Invalidate("A")
	_, _ = p.Project(context.Background(), "A")
	assert.Equal(t, 2, h.reads)
}

// 増分方式と全件集計が任意の移動列で一致し、利用可能数は負にならない
func TestProjector_StrategiesAgree(t *testing.T) {
	types := []MovementType{MovementTypeReceipt, MovementTypeAllocation, MovementTypeReturn, MovementTypeAdjustment}
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 50; run++ {
		h := &sliceHistory{}
		incremental := NewProjector(h, ProjectionIncremental, nil, nil)
		lazy := NewProjector(h, ProjectionLazy, nil, nil)
		ctx := context.Background()

		// 最初の読み出しでキャッシュを作成
		_, err := incremental.Project(ctx, "P")
		require.NoError(t, err)

		for i := 0; i < 40; i++ {
			typ := types[rng.Intn(len(types))]
			qty := int64(rng.Intn(20) + 1)
			if (typ == MovementTypeAllocation || typ == MovementTypeAdjustment) && rng.Intn(2) == 0 {
				qty = -qty
			}
			incremental.Observe(h.add(mv("P", typ, qty)))

			a, err := incremental.Project(ctx, "P")
			require.NoError(t, err)
			b, err := lazy.Project(ctx, "P")
			require.NoError(t, err)

			assert.Equal(t, b.CurrentStock, a.CurrentStock)
			assert.Equal(t, b.AllocatedStock, a.AllocatedStock)
			assert.Equal(t, b.AvailableStock, a.AvailableStock)
			assert.Equal(t, b.Sequence, a.Sequence)
			assert.GreaterOrEqual(t, a.AvailableStock, int64(0))
		}
	}
}
