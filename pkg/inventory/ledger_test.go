package inventory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/shopquoter/pkg/inventory"
	"github.com/nemonet1337/shopquoter/pkg/inventory/storage"
)

// MockPublisher はテスト用のEventPublisherモック
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishStockChanged(ctx context.Context, event inventory.StockChangedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockPublisher) PublishLowStockAlert(ctx context.Context, event inventory.LowStockAlertEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// recorder collects observed movements
type recorder struct {
	mu   sync.Mutex
	seen []inventory.StockMovement
}

func (r *recorder) Observe(m inventory.StockMovement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, m)
}

func newStore(t *testing.T, products ...inventory.Product) *storage.MemoryStorage {
	t.Helper()
	store := storage.NewMemoryStorage(zap.NewNop())
	for _, p := range products {
		require.NoError(t, store.PutProduct(p))
	}
	return store
}

// lockOrderStorage records the product lists each transaction locks
type lockOrderStorage struct {
	*storage.MemoryStorage
	mu    sync.Mutex
	calls [][]string
}

func (s *lockOrderStorage) RunInTx(ctx context.Context, fn func(tx inventory.MovementTx) error) error {
	return s.MemoryStorage.RunInTx(ctx, func(tx inventory.MovementTx) error {
		return fn(&lockOrderTx{MovementTx: tx, s: s})
	})
}

type lockOrderTx struct {
	inventory.MovementTx
	s *lockOrderStorage
}

func (tx *lockOrderTx) LockProducts(ctx context.Context, productIDs []string) error {
	tx.s.mu.Lock()
	tx.s.calls = append(tx.s.calls, append([]string(nil), productIDs...))
	tx.s.mu.Unlock()
	return tx.MovementTx.LockProducts(ctx, productIDs)
}

func product(id string) inventory.Product {
	return inventory.Product{
		ID:        id,
		SKU:       "SKU-" + id,
		Name:      "Product " + id,
		CostPrice: decimal.RequireFromString("2.50"),
		BasePrice: decimal.RequireFromString("4.00"),
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func receipt(productID string, qty int64) inventory.StockMovementInput {
	return inventory.StockMovementInput{ProductID: productID, Type: inventory.MovementTypeReceipt, Quantity: qty}
}

func TestLedger_AppendAssignsSequence(t *testing.T) {
	store := newStore(t, product("A"), product("B"))
	fixed := time.Date(2024, 4, 1, 9, 0, 0, 0, time.FixedZone("JST", 9*60*60))
	ledger := inventory.NewLedger(store, store, zap.NewNop(), nil, inventory.WithClock(func() time.Time { return fixed }))
	ctx := inventory.WithUser(context.Background(), "clerk-1")

	for i := 1; i <= 3; i++ {
		m, err := ledger.Append(ctx, receipt("A", 1))
		require.NoError(t, err)
		assert.Equal(t, int64(i), m.Sequence)
		assert.Equal(t, "clerk-1", m.CreatedBy)
		assert.NotEmpty(t, m.ID)
		assert.True(t, m.CreatedAt.Equal(fixed))
		assert.Equal(t, time.UTC, m.CreatedAt.Location())
	}

	// 商品ごとに独立した連番
	m, err := ledger.Append(context.Background(), receipt("B", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Sequence)
	assert.Equal(t, "system", m.CreatedBy)
}

func TestLedger_RejectsBeforeWriting(t *testing.T) {
	store := newStore(t, product("A"))
	ledger := inventory.NewLedger(store, store, zap.NewNop(), nil)
	ctx := context.Background()

	_, err := ledger.Append(ctx, receipt("missing", 1))
	assert.ErrorIs(t, err, inventory.ErrUnknownProduct)
	assert.Equal(t, inventory.KindValidation, inventory.KindOf(err))

	_, err = ledger.Append(ctx, receipt("A", 0))
	assert.ErrorIs(t, err, inventory.ErrInvalidQuantity)

	_, err = ledger.Append(ctx, inventory.StockMovementInput{ProductID: "A", Type: "transfer", Quantity: 1})
	assert.ErrorIs(t, err, inventory.ErrInvalidMovementType)

	all, err := ledger.ReadAll(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestLedger_Idempotency(t *testing.T) {
	store := newStore(t, product("A"))
	obs := &recorder{}
	ledger := inventory.NewLedger(store, store, zap.NewNop(), nil)
	ledger.Subscribe(obs)
	ctx := context.Background()

	input := receipt("A", 5)
	input.IdempotencyKey = inventory.StringPtr("delivery-42")

	first, err := ledger.Append(ctx, input)
	require.NoError(t, err)
	second, err := ledger.Append(ctx, input)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, obs.seen, 1, "再送は通知しない")

	all, err := ledger.ReadAll(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	input.Quantity = 6
	_, err = ledger.Append(ctx, input)
	assert.ErrorIs(t, err, inventory.ErrIdempotencyConflict)
	assert.Equal(t, inventory.KindConflict, inventory.KindOf(err))
}

func TestLedger_Allocations(t *testing.T) {
	store := newStore(t, product("A"))
	reg := prometheus.NewRegistry()
	ledger := inventory.NewLedger(store, store, zap.NewNop(), nil, inventory.WithMetrics(inventory.NewMetrics(reg)))
	ctx := context.Background()

	_, err := ledger.Append(ctx, receipt("A", 3))
	require.NoError(t, err)

	// 利用可能数を超える引当は警告のみ
	_, err = ledger.Append(ctx, inventory.StockMovementInput{ProductID: "A", Type: inventory.MovementTypeAllocation, Quantity: -5})
	require.NoError(t, err)
	assert.Equal(t, 1.0, counterValue(t, reg, "shopquoter_ledger_over_allocations_total"))

	// 引当量を超える解除は拒否
	_, err = ledger.Append(ctx, inventory.StockMovementInput{ProductID: "A", Type: inventory.MovementTypeAllocation, Quantity: 6})
	assert.ErrorIs(t, err, inventory.ErrInsufficientAllocation)
	assert.Equal(t, 1.0, counterValue(t, reg, "shopquoter_ledger_append_failures_total"))

	_, err = ledger.Append(ctx, inventory.StockMovementInput{ProductID: "A", Type: inventory.MovementTypeAllocation, Quantity: 5})
	require.NoError(t, err)
	assert.Equal(t, 3.0, counterValue(t, reg, "shopquoter_ledger_movements_appended_total"))
}

func TestLedger_AppendBatchIsAtomic(t *testing.T) {
	store := newStore(t, product("A"), product("B"))
	ledger := inventory.NewLedger(store, store, zap.NewNop(), nil)
	ctx := context.Background()

	_, err := ledger.AppendBatch(ctx, []inventory.StockMovementInput{
		receipt("B", 4),
		{ProductID: "A", Type: inventory.MovementTypeAllocation, Quantity: 1}, // 引当なしの解除
	})
	assert.ErrorIs(t, err, inventory.ErrInsufficientAllocation)

	all, err := ledger.ReadAll(ctx, "B")
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = ledger.AppendBatch(ctx, nil)
	assert.Equal(t, inventory.KindValidation, inventory.KindOf(err))

	movements, err := ledger.AppendBatch(ctx, []inventory.StockMovementInput{receipt("A", 1), receipt("A", 2), receipt("B", 3)})
	require.NoError(t, err)
	require.Len(t, movements, 3)
	assert.Equal(t, int64(2), movements[1].Sequence)
	assert.Equal(t, int64(1), movements[2].Sequence)
}

// 同一商品への並行追記は線形化され、連番に欠番がない
// 商品ロックは入力順ではなくソート順に1回で取得する
func TestLedger_AppendBatchLocksProductsInOrder(t *testing.T) {
	store := &lockOrderStorage{MemoryStorage: newStore(t, product("A"), product("B"), product("C"))}
	ledger := inventory.NewLedger(store, store, zap.NewNop(), nil)
	ctx := context.Background()

	_, err := ledger.AppendBatch(ctx, []inventory.StockMovementInput{
		receipt("C", 1), receipt("A", 1), receipt("B", 1), receipt("A", 2),
	})
	require.NoError(t, err)

	_, err = ledger.Append(ctx, receipt("B", 1))
	require.NoError(t, err)

	require.Len(t, store.calls, 2)
	assert.Equal(t, []string{"A", "B", "C"}, store.calls[0])
	assert.Equal(t, []string{"B"}, store.calls[1])
}

func TestLedger_ConcurrentAppendsAreLinearized(t *testing.T) {
	store := newStore(t, product("A"))
	ledger := inventory.NewLedger(store, store, zap.NewNop(), nil)
	projector := inventory.NewProjector(ledger, inventory.ProjectionIncremental, nil, nil)
	ledger.Subscribe(projector)
	ctx := context.Background()

	_, err := projector.Project(ctx, "A")
	require.NoError(t, err)

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Append(ctx, receipt("A", 2))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := ledger.ReadAll(ctx, "A")
	require.NoError(t, err)
	require.Len(t, all, workers)
	for i, m := range all {
		assert.Equal(t, int64(i+1), m.Sequence)
	}

	snapshot, err := projector.Project(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(2*workers), snapshot.CurrentStock)
	folded, err := inventory.Fold("A", all)
	require.NoError(t, err)
	assert.Equal(t, folded.CurrentStock, snapshot.CurrentStock)
}

func TestLedger_TimeoutOnLockContention(t *testing.T) {
	store := newStore(t, product("A"))
	ledger := inventory.NewLedger(store, store, zap.NewNop(), nil)

	unlock, err := ledger.Locks().Lock(context.Background(), "A")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = ledger.Append(ctx, receipt("A", 1))
	require.Error(t, err)
	assert.True(t, inventory.IsTimeout(err))
	assert.Equal(t, inventory.KindInfrastructure, inventory.KindOf(err))
}

func TestLedger_DefaultOperationTimeout(t *testing.T) {
	store := newStore(t, product("A"))
	config := inventory.DefaultConfig()
	config.OperationTimeout = 20 * time.Millisecond
	ledger := inventory.NewLedger(store, store, zap.NewNop(), config)

	unlock, err := ledger.Locks().Lock(context.Background(), "A")
	require.NoError(t, err)
	defer unlock()

	// 期限なしのコンテキストでも既定のタイムアウトが適用される
	_, err = ledger.Append(context.Background(), receipt("A", 1))
	assert.True(t, inventory.IsTimeout(err))
}

func TestLedger_ListByProductPages(t *testing.T) {
	store := newStore(t, product("A"))
	ledger := inventory.NewLedger(store, store, zap.NewNop(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := ledger.Append(ctx, receipt("A", int64(i+1)))
		require.NoError(t, err)
	}

	var (
		cursor inventory.Cursor
		seen   []int64
	)
	for {
		page, err := ledger.ListByProduct(ctx, "A", cursor, 2)
		require.NoError(t, err)
		for _, m := range page.Movements {
			seen = append(seen, m.Quantity)
		}
		if !page.HasMore {
			break
		}
		cursor = page.Next
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seen)

	// 末尾のカーソルからは空のページ
	page, err := ledger.ListByProduct(ctx, "A", 5, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Movements)
	assert.Equal(t, inventory.Cursor(5), page.Next)

	_, err = ledger.ListByProduct(ctx, "A", -1, 2)
	assert.Equal(t, inventory.KindValidation, inventory.KindOf(err))
}

func TestLedger_PublishFailureDoesNotUndoWrite(t *testing.T) {
	store := newStore(t, product("A"))
	publisher := new(MockPublisher)
	publisher.On("PublishStockChanged", mock.Anything, mock.MatchedBy(func(e inventory.StockChangedEvent) bool {
		return e.ProductID == "A" && e.Quantity == 7 && e.Sequence == 1
	})).Return(errors.New("broker down")).Once()

	ledger := inventory.NewLedger(store, store, zap.NewNop(), nil, inventory.WithPublisher(publisher))

	m, err := ledger.Append(context.Background(), receipt("A", 7))
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Sequence)
	publisher.AssertExpectations(t)

	all, err := ledger.ReadAll(context.Background(), "A")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLedger_ClosedStorage(t *testing.T) {
	store := newStore(t, product("A"))
	ledger := inventory.NewLedger(store, store, zap.NewNop(), nil)
	require.NoError(t, store.Close())

	_, err := ledger.Append(context.Background(), receipt("A", 1))
	assert.ErrorIs(t, err, inventory.ErrStorageUnavailable)
	assert.Equal(t, inventory.KindInfrastructure, inventory.KindOf(err))
}
