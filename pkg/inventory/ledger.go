package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxPageSize = 1000

// Ledger is the append-only log of stock movements and the source of truth for
// every quantity. Appends for one product are serialized; different products
// proceed in parallel.
// 在庫移動の追記専用台帳
type Ledger struct {
	storage   Storage          // ストレージ層
	products  ProductDirectory // 商品マスタ
	locks     *KeyedLocker     // 商品単位ロック
	publisher EventPublisher   // イベント発行者
	logger    *zap.Logger      // ログ
	metrics   *Metrics         // メトリクス
	config    *Config          // 設定
	now       func() time.Time

	observerMu sync.RWMutex
	observers  []MovementObserver
}

// LedgerOption configures optional ledger collaborators
type LedgerOption func(*Ledger)

// WithPublisher sets the event publisher
func WithPublisher(p EventPublisher) LedgerOption {
	return func(l *Ledger) { l.publisher = p }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *Metrics) LedgerOption {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a new movement ledger
// 新しい在庫台帳を作成
func NewLedger(storage Storage, products ProductDirectory, logger *zap.Logger, config *Config, opts ...LedgerOption) *Ledger {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		storage:  storage,
		products: products,
		locks:    NewKeyedLocker("product"),
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe registers an observer notified after every committed append
// 追記後に通知するオブザーバーを登録
func (l *Ledger) Subscribe(o MovementObserver) {
	l.observerMu.Lock()
	defer l.observerMu.Unlock()
	l.observers = append(l.observers, o)
}

// Locks exposes the per-product locker to callers that append inside their own transaction
func (l *Ledger) Locks() *KeyedLocker {
	return l.locks
}

// Append validates and records one movement
// 在庫移動を1件記録
func (l *Ledger) Append(ctx context.Context, input StockMovementInput) (*StockMovement, error) {
	movements, err := l.AppendBatch(ctx, []StockMovementInput{input})
	if err != nil {
		return nil, err
	}
	return &movements[0], nil
}

// AppendBatch records several movements atomically. Either all are written or none.
// 複数の在庫移動をアトミックに記録
func (l *Ledger) AppendBatch(ctx context.Context, inputs []StockMovementInput) ([]StockMovement, error) {
	if len(inputs) == 0 {
		return nil, NewValidationError("movements", "在庫移動が指定されていません", "0", ErrInvalidQuantity)
	}

	ctx, cancel := l.WithTimeout(ctx)
	defer cancel()

	productIDs := make([]string, 0, len(inputs))
	for _, input := range inputs {
		if err := l.ValidateInput(ctx, input); err != nil {
			l.metrics.appendFailed(err)
			return nil, err
		}
		productIDs = append(productIDs, input.ProductID)
	}

	started := time.Now()
	unlock, err := l.locks.LockAll(ctx, productIDs)
	if err != nil {
		l.metrics.appendFailed(err)
		return nil, err
	}
	l.metrics.ObserveLockWait("append", time.Since(started).Seconds())

	var committed, fresh []StockMovement
	err = l.storage.RunInTx(ctx, func(tx MovementTx) error {
		committed, fresh = committed[:0], fresh[:0]
		if err := tx.LockProducts(ctx, SortedUnique(productIDs)); err != nil {
			return err
		}
		for _, input := range inputs {
			movement, replayed, err := l.appendInTx(ctx, tx, input)
			if err != nil {
				return err
			}
			committed = append(committed, *movement)
			if !replayed {
				fresh = append(fresh, *movement)
			}
		}
		return nil
	})
	if err != nil {
		unlock()
		err = WrapStorage("append_movement", "在庫移動の記録に失敗しました", err)
		l.metrics.appendFailed(err)
		l.logger.Error("在庫移動の記録に失敗しました", zap.Strings("product_ids", productIDs), zap.Error(err))
		return nil, err
	}

	// 同じ商品ロックの範囲内でスナップショットを更新
	l.NotifyObservers(fresh)
	unlock()

	l.PublishEvents(ctx, fresh)
	return committed, nil
}

// AppendInTx writes one movement inside a transaction owned by the caller.
// The caller must hold the product lock and call NotifyObservers after commit.
// 呼び出し元のトランザクション内で在庫移動を記録
func (l *Ledger) AppendInTx(ctx context.Context, tx MovementTx, input StockMovementInput) (*StockMovement, error) {
	movement, _, err := l.appendInTx(ctx, tx, input)
	return movement, err
}

func (l *Ledger) appendInTx(ctx context.Context, tx MovementTx, input StockMovementInput) (*StockMovement, bool, error) {
	if err := ValidateMovementInput(input); err != nil {
		return nil, false, err
	}

	if input.IdempotencyKey != nil {
		existing, err := tx.FindMovementByIdempotencyKey(ctx, *input.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			if existing.ProductID != input.ProductID || existing.Type != input.Type || existing.Quantity != input.Quantity {
				return nil, false, NewConcurrencyError("append_movement", *input.IdempotencyKey,
					"冪等キーが別の在庫移動で使用されています", ErrIdempotencyConflict)
			}
			l.logger.Info("冪等キーにより既存の在庫移動を返却",
				zap.String("movement_id", existing.ID),
				zap.String("idempotency_key", *input.IdempotencyKey),
			)
			return existing, true, nil
		}
	}

	totals, err := tx.MovementTotals(ctx, input.ProductID)
	if err != nil {
		return nil, false, err
	}

	if input.Type == MovementTypeAllocation {
		allocatedAfter := totals.Allocated - input.Quantity
		if allocatedAfter < 0 {
			return nil, false, NewValidationError("quantity", "引当解除数量が引当数量を超えています",
				fmt.Sprintf("%d > %d", input.Quantity, totals.Allocated), ErrInsufficientAllocation)
		}
		if input.Quantity < 0 && totals.Current-allocatedAfter < 0 {
			// 引当超過は警告のみ（エラーにはしない）
			l.metrics.overAllocated()
			l.logger.Warn("利用可能在庫を超える引当",
				zap.String("product_id", input.ProductID),
				zap.Int64("current_stock", totals.Current),
				zap.Int64("allocated_stock", allocatedAfter),
			)
		}
	}

	movement := &StockMovement{
		ID:             NewMovementID(),
		ProductID:      input.ProductID,
		Sequence:       totals.Sequence + 1,
		Type:           input.Type,
		Quantity:       input.Quantity,
		Reason:         input.Reason,
		ReferenceID:    input.ReferenceID,
		IdempotencyKey: input.IdempotencyKey,
		CreatedAt:      l.now().UTC(),
		CreatedBy:      UserFromContext(ctx),
	}
	if err := tx.InsertMovement(ctx, movement); err != nil {
		return nil, false, err
	}
	return movement, false, nil
}

// ValidateInput checks an input and its product before any lock or write
// 書き込み前に入力と商品の存在を検証
func (l *Ledger) ValidateInput(ctx context.Context, input StockMovementInput) error {
	if err := ValidateMovementInput(input); err != nil {
		return err
	}
	if _, err := l.products.GetProduct(ctx, input.ProductID); err != nil {
		if KindOf(err) == KindNotFound {
			return NewValidationError("product_id", "商品が見つかりません", input.ProductID, ErrUnknownProduct)
		}
		return WrapStorage("get_product", "商品取得に失敗しました", err)
	}
	return nil
}

// NotifyObservers hands committed movements to the subscribed observers
// コミット済みの在庫移動をオブザーバーに通知
func (l *Ledger) NotifyObservers(movements []StockMovement) {
	l.observerMu.RLock()
	observers := l.observers
	l.observerMu.RUnlock()

	for _, m := range movements {
		l.metrics.movementAppended(m.Type)
		for _, o := range observers {
			o.Observe(m)
		}
	}
}

// PublishEvents logs committed movements and publishes them. Failures are logged only.
// イベント発行（失敗はログのみ）
func (l *Ledger) PublishEvents(ctx context.Context, movements []StockMovement) {
	for _, m := range movements {
		l.logger.Info("在庫移動記録完了",
			zap.String("movement_id", m.ID),
			zap.String("product_id", m.ProductID),
			zap.String("type", string(m.Type)),
			zap.Int64("quantity", m.Quantity),
			zap.Int64("sequence", m.Sequence),
			zap.String("reference_id", deref(m.ReferenceID)),
		)

		if l.publisher == nil {
			continue
		}
		event := StockChangedEvent{
			MovementID:   m.ID,
			ProductID:    m.ProductID,
			MovementType: m.Type,
			Quantity:     m.Quantity,
			ReferenceID:  deref(m.ReferenceID),
			Sequence:     m.Sequence,
			Timestamp:    m.CreatedAt,
			UserID:       m.CreatedBy,
		}
		if err := l.publisher.PublishStockChanged(ctx, event); err != nil {
			l.logger.Error("イベント発行に失敗しました", zap.String("movement_id", m.ID), zap.Error(err))
		}
	}
}

// ListByProduct returns the movements after since in chronological order
// 商品の在庫移動を時系列で取得
func (l *Ledger) ListByProduct(ctx context.Context, productID string, since Cursor, limit int) (*MovementPage, error) {
	if err := ValidateProductID(productID); err != nil {
		return nil, err
	}
	if since < 0 {
		return nil, NewValidationError("since", "カーソルは0以上である必要があります", fmt.Sprintf("%d", since), nil)
	}
	if limit <= 0 {
		limit = l.config.HistoryPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	ctx, cancel := l.WithTimeout(ctx)
	defer cancel()

	// 次ページの有無を判定するため1件多く取得
	movements, err := l.storage.ListMovements(ctx, productID, since, limit+1)
	if err != nil {
		return nil, WrapStorage("list_movements", "在庫移動の取得に失敗しました", err)
	}

	page := &MovementPage{ProductID: productID, Next: since}
	if len(movements) > limit {
		movements = movements[:limit]
		page.HasMore = true
	}
	page.Movements = movements
	if n := len(movements); n > 0 {
		page.Next = Cursor(movements[n-1].Sequence)
	}
	return page, nil
}

// ListByReference returns the movements of a product posted against referenceID
// 参照IDに紐づく在庫移動を取得
func (l *Ledger) ListByReference(ctx context.Context, productID, referenceID string) ([]StockMovement, error) {
	ctx, cancel := l.WithTimeout(ctx)
	defer cancel()

	movements, err := l.storage.ListMovementsByReference(ctx, productID, referenceID)
	if err != nil {
		return nil, WrapStorage("list_movements_by_reference", "在庫移動の取得に失敗しました", err)
	}
	return movements, nil
}

// ReadAll returns the full history of a product by following the cursor
// カーソルをたどって全履歴を取得
func (l *Ledger) ReadAll(ctx context.Context, productID string) ([]StockMovement, error) {
	var (
		all    []StockMovement
		cursor Cursor
	)
	for {
		page, err := l.ListByProduct(ctx, productID, cursor, maxPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Movements...)
		if !page.HasMore {
			return all, nil
		}
		cursor = page.Next
	}
}

// WithTimeout applies the configured operation timeout when ctx has no deadline
// 期限未設定のコンテキストに既定のタイムアウトを設定
func (l *Ledger) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return withOperationTimeout(ctx, l.config.OperationTimeout)
}

func withOperationTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

type contextKey string

const userIDKey contextKey = "user_id"

// WithUser returns a context carrying the acting user's ID
// コンテキストにユーザーIDを設定
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserFromContext extracts user ID from context
// コンテキストからユーザーIDを取得
func UserFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(userIDKey).(string); ok && userID != "" {
		return userID
	}
	return "system"
}
