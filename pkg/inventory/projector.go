package inventory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ProjectionStrategy selects how snapshots are derived from the ledger
// スナップショットの算出方式
type ProjectionStrategy string

const (
	// ProjectionLazy folds the full history on every read
	ProjectionLazy ProjectionStrategy = "lazy"
	// ProjectionIncremental keeps running totals updated on every append
	ProjectionIncremental ProjectionStrategy = "incremental"
)

// IsValid reports whether the strategy is known
func (s ProjectionStrategy) IsValid() bool {
	return s == ProjectionLazy || s == ProjectionIncremental
}

// HistoryReader is the part of the ledger the projector folds over
type HistoryReader interface {
	ReadAll(ctx context.Context, productID string) ([]StockMovement, error)
}

// Projector derives inventory snapshots from the ledger
// 台帳から在庫スナップショットを導出
type Projector struct {
	ledger   HistoryReader
	strategy ProjectionStrategy
	logger   *zap.Logger
	metrics  *Metrics

	mu    sync.RWMutex
	cache map[string]InventorySnapshot
	// seen is the highest sequence observed per product, cached or not
	seen map[string]int64
}

var _ MovementObserver = (*Projector)(nil)

// NewProjector creates a projector. With the incremental strategy it must be
// subscribed to the ledger it reads.
// 新しいプロジェクターを作成
func NewProjector(ledger HistoryReader, strategy ProjectionStrategy, logger *zap.Logger, metrics *Metrics) *Projector {
	if !strategy.IsValid() {
		strategy = ProjectionIncremental
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{
		ledger:   ledger,
		strategy: strategy,
		logger:   logger,
		metrics:  metrics,
		cache:    make(map[string]InventorySnapshot),
		seen:     make(map[string]int64),
	}
}

// Strategy returns the configured projection strategy
func (p *Projector) Strategy() ProjectionStrategy {
	return p.strategy
}

// Project returns the current snapshot of a product
// 商品の在庫スナップショットを取得
func (p *Projector) Project(ctx context.Context, productID string) (*InventorySnapshot, error) {
	if err := ValidateProductID(productID); err != nil {
		return nil, err
	}

	if p.strategy == ProjectionIncremental {
		p.mu.RLock()
		snapshot, ok := p.cache[productID]
		p.mu.RUnlock()
		p.metrics.cacheLookup(ok)
		if ok {
			return &snapshot, nil
		}
	}

	movements, err := p.ledger.ReadAll(ctx, productID)
	if err != nil {
		return nil, err
	}
	snapshot, err := Fold(productID, movements)
	if err != nil {
		p.logger.Error("在庫スナップショットの集計に失敗しました", zap.String("product_id", productID), zap.Error(err))
		return nil, err
	}

	if p.strategy == ProjectionIncremental {
		p.store(snapshot)
	}
	return &snapshot, nil
}

// Observe applies a committed movement to the cached running totals.
// Movements already folded are skipped; a gap drops the entry so the next read refolds.
// コミット済みの在庫移動をキャッシュに反映
func (p *Projector) Observe(m StockMovement) {
	if p.strategy != ProjectionIncremental {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if m.Sequence > p.seen[m.ProductID] {
		p.seen[m.ProductID] = m.Sequence
	}

	snapshot, ok := p.cache[m.ProductID]
	if !ok {
		// 未キャッシュの商品は次回読み出し時に再集計
		return
	}
	switch {
	case m.Sequence <= snapshot.Sequence:
		return
	case m.Sequence == snapshot.Sequence+1:
		snapshot.apply(m)
		p.cache[m.ProductID] = snapshot
	default:
		p.logger.Warn("在庫移動の連番に欠番があるためキャッシュを破棄",
			zap.String("product_id", m.ProductID),
			zap.Int64("cached_sequence", snapshot.Sequence),
			zap.Int64("movement_sequence", m.Sequence),
		)
		delete(p.cache, m.ProductID)
	}
}

// Invalidate drops the cached snapshot of a product
// キャッシュを破棄
func (p *Projector) Invalidate(productID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, productID)
}

// store keeps a freshly folded snapshot unless it is already outdated
func (p *Projector) store(snapshot InventorySnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// 読み出し中に追記された場合は古い集計をキャッシュしない
	if snapshot.Sequence < p.seen[snapshot.ProductID] {
		return
	}
	if cached, ok := p.cache[snapshot.ProductID]; ok && cached.Sequence >= snapshot.Sequence {
		return
	}
	p.cache[snapshot.ProductID] = snapshot
}

// Fold computes a snapshot from a product's full movement history.
// A movement of another product is rejected as a state error.
// 全履歴から在庫スナップショットを算出
func Fold(productID string, movements []StockMovement) (InventorySnapshot, error) {
	snapshot := InventorySnapshot{ProductID: productID}
	for _, m := range movements {
		if m.ProductID != productID {
			return InventorySnapshot{}, NewStateError("fold", m.ProductID,
				fmt.Sprintf("在庫移動 %s は商品 %s のものではありません", m.ID, productID), nil)
		}
		snapshot.apply(m)
	}
	snapshot.recalculate()
	return snapshot, nil
}
