package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/shopquoter/pkg/inventory"
	"github.com/nemonet1337/shopquoter/pkg/purchasing"
)

// PoolConfig holds connection pool settings
// 接続プール設定
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (p PoolConfig) withDefaults() PoolConfig {
	if p.MaxOpenConns <= 0 {
		p.MaxOpenConns = 25
	}
	if p.MaxIdleConns <= 0 {
		p.MaxIdleConns = 10
	}
	if p.ConnMaxLifetime <= 0 {
		p.ConnMaxLifetime = 5 * time.Minute
	}
	return p
}

// PostgreSQLStorage implements the ledger and purchasing storage on PostgreSQL
// PostgreSQLを使用したストレージの実装
type PostgreSQLStorage struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var (
	_ inventory.Storage            = (*PostgreSQLStorage)(nil)
	_ inventory.ProductDirectory   = (*PostgreSQLStorage)(nil)
	_ purchasing.Storage           = (*PostgreSQLStorage)(nil)
	_ purchasing.SupplierDirectory = (*PostgreSQLStorage)(nil)
)

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(ctx context.Context, dsn string, pool PoolConfig, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	pool = pool.withDefaults()
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	return NewPostgreSQLStorageFromDB(db, logger), nil
}

// NewPostgreSQLStorageFromDB wraps an existing connection
func NewPostgreSQLStorageFromDB(db *sqlx.DB, logger *zap.Logger) *PostgreSQLStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgreSQLStorage{db: db, logger: logger}
}

const movementColumns = `id, product_id, sequence, movement_type, quantity, reason, reference_id,
	idempotency_key, created_at, created_by`

// ListMovements implements inventory.MovementReader
// 商品の在庫移動を連番順に取得
func (s *PostgreSQLStorage) ListMovements(ctx context.Context, productID string, after inventory.Cursor, limit int) ([]inventory.StockMovement, error) {
	query := `SELECT ` + movementColumns + `
		FROM stock_movements
		WHERE product_id = $1 AND sequence > $2
		ORDER BY sequence
		LIMIT $3`

	movements := make([]inventory.StockMovement, 0)
	if err := s.db.SelectContext(ctx, &movements, query, productID, int64(after), limit); err != nil {
		return nil, translate("list_movements", "在庫移動の取得に失敗しました", err)
	}
	return movements, nil
}

// ListMovementsByReference implements inventory.MovementReader
// 参照IDに紐づく在庫移動を取得
func (s *PostgreSQLStorage) ListMovementsByReference(ctx context.Context, productID, referenceID string) ([]inventory.StockMovement, error) {
	query := `SELECT ` + movementColumns + `
		FROM stock_movements
		WHERE product_id = $1 AND reference_id = $2
		ORDER BY sequence`

	movements := make([]inventory.StockMovement, 0)
	if err := s.db.SelectContext(ctx, &movements, query, productID, referenceID); err != nil {
		return nil, translate("list_movements_by_reference", "在庫移動の取得に失敗しました", err)
	}
	return movements, nil
}

// RunInTx implements inventory.Storage
func (s *PostgreSQLStorage) RunInTx(ctx context.Context, fn func(tx inventory.MovementTx) error) error {
	return s.run(ctx, func(tx *pgTx) error { return fn(tx) })
}

// RunPurchasingTx implements purchasing.Storage
func (s *PostgreSQLStorage) RunPurchasingTx(ctx context.Context, fn func(tx purchasing.Tx) error) error {
	return s.run(ctx, func(tx *pgTx) error { return fn(tx) })
}

func (s *PostgreSQLStorage) run(ctx context.Context, fn func(tx *pgTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return translate("begin", "トランザクション開始に失敗しました", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return translate("commit", "トランザクションコミットに失敗しました", err)
	}
	return nil
}

// GetProduct implements inventory.ProductDirectory
func (s *PostgreSQLStorage) GetProduct(ctx context.Context, productID string) (*inventory.Product, error) {
	query := `SELECT id, sku, name, cost_price, base_price, reorder_point, status, created_at, updated_at
		FROM products WHERE id = $1`

	var p inventory.Product
	if err := s.db.GetContext(ctx, &p, query, productID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.NewNotFoundError("product", productID, nil)
		}
		return nil, translate("get_product", "商品取得に失敗しました", err)
	}
	return &p, nil
}

// GetProductBySKU implements inventory.ProductDirectory
func (s *PostgreSQLStorage) GetProductBySKU(ctx context.Context, sku string) (*inventory.Product, error) {
	query := `SELECT id, sku, name, cost_price, base_price, reorder_point, status, created_at, updated_at
		FROM products WHERE sku = $1`

	var p inventory.Product
	if err := s.db.GetContext(ctx, &p, query, sku); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.NewNotFoundError("product", sku, nil)
		}
		return nil, translate("get_product_by_sku", "商品取得に失敗しました", err)
	}
	return &p, nil
}

// ListActiveProducts implements inventory.ProductDirectory
func (s *PostgreSQLStorage) ListActiveProducts(ctx context.Context) ([]inventory.Product, error) {
	query := `SELECT id, sku, name, cost_price, base_price, reorder_point, status, created_at, updated_at
		FROM products WHERE status = $1 ORDER BY id`

	products := make([]inventory.Product, 0)
	if err := s.db.SelectContext(ctx, &products, query, inventory.ProductStatusActive); err != nil {
		return nil, translate("list_active_products", "商品一覧の取得に失敗しました", err)
	}
	return products, nil
}

// GetSupplier implements purchasing.SupplierDirectory
func (s *PostgreSQLStorage) GetSupplier(ctx context.Context, id string) (*purchasing.Supplier, error) {
	var sup purchasing.Supplier
	if err := s.db.GetContext(ctx, &sup, `SELECT id, name, status FROM suppliers WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.NewNotFoundError("supplier", id, nil)
		}
		return nil, translate("get_supplier", "仕入先取得に失敗しました", err)
	}
	return &sup, nil
}

const orderColumns = `id, number, ref, supplier_id, status, tax_rate, expected_delivery_date, notes,
	version, first_received_at, created_at, updated_at, created_by`

const lineColumns = `id, purchase_order_id, product_id, quantity_ordered, quantity_received, unit_cost, created_at`

// GetPurchaseOrder implements purchasing.Storage
// 発注書を取得
func (s *PostgreSQLStorage) GetPurchaseOrder(ctx context.Context, id string) (*purchasing.PurchaseOrder, error) {
	return getPurchaseOrder(ctx, s.db, id, false)
}

// ListPurchaseOrders implements purchasing.Storage
// 発注書一覧を取得
func (s *PostgreSQLStorage) ListPurchaseOrders(ctx context.Context, filter purchasing.ListFilter) ([]purchasing.PurchaseOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM purchase_orders
		WHERE ($1::text = '' OR supplier_id = $1) AND ($2::text = '' OR status = $2)
		ORDER BY number DESC
		LIMIT $3 OFFSET $4`

	orders := make([]purchasing.PurchaseOrder, 0)
	err := s.db.SelectContext(ctx, &orders, query, filter.SupplierID, string(filter.Status), filter.Limit, filter.Offset)
	if err != nil {
		return nil, translate("list_purchase_orders", "発注書一覧の取得に失敗しました", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, len(orders))
	byID := make(map[string]int, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
		byID[orders[i].ID] = i
		orders[i].Lines = make([]purchasing.Line, 0)
	}

	lines := make([]purchasing.Line, 0)
	lq := `SELECT ` + lineColumns + ` FROM purchase_order_lines
		WHERE purchase_order_id = ANY($1) ORDER BY purchase_order_id, position`
	if err := s.db.SelectContext(ctx, &lines, lq, pq.Array(ids)); err != nil {
		return nil, translate("list_purchase_order_lines", "発注明細の取得に失敗しました", err)
	}
	for _, l := range lines {
		i := byID[l.PurchaseOrderID]
		orders[i].Lines = append(orders[i].Lines, l)
	}
	return orders, nil
}

// Ping checks database connectivity
// データベース接続をチェック
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return translate("ping", "データベースに接続できません", err)
	}
	return nil
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}

// pgTx is one database transaction
type pgTx struct {
	tx     *sqlx.Tx
	locked map[string]bool
}

// LockProducts implements inventory.MovementTx with transaction-scoped advisory locks
// 商品ロックをソート順に取得
func (t *pgTx) LockProducts(ctx context.Context, productIDs []string) error {
	for _, id := range inventory.SortedUnique(productIDs) {
		if err := t.lockProduct(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// lockProduct serializes ledger writers of one product across processes until the transaction ends
func (t *pgTx) lockProduct(ctx context.Context, productID string) error {
	if t.locked[productID] {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, productID); err != nil {
		return translate("lock_product", "商品ロックの取得に失敗しました", err)
	}
	if t.locked == nil {
		t.locked = make(map[string]bool)
	}
	t.locked[productID] = true
	return nil
}

func (t *pgTx) MovementTotals(ctx context.Context, productID string) (inventory.MovementTotals, error) {
	if err := t.lockProduct(ctx, productID); err != nil {
		return inventory.MovementTotals{}, err
	}

	query := `SELECT
			COALESCE(SUM(quantity) FILTER (WHERE movement_type <> 'allocation'), 0) AS current,
			COALESCE(-SUM(quantity) FILTER (WHERE movement_type = 'allocation'), 0) AS allocated,
			COALESCE(MAX(sequence), 0) AS sequence
		FROM stock_movements WHERE product_id = $1`

	var row struct {
		Current   int64 `db:"current"`
		Allocated int64 `db:"allocated"`
		Sequence  int64 `db:"sequence"`
	}
	if err := t.tx.GetContext(ctx, &row, query, productID); err != nil {
		return inventory.MovementTotals{}, translate("movement_totals", "在庫集計に失敗しました", err)
	}
	return inventory.MovementTotals{Current: row.Current, Allocated: row.Allocated, Sequence: row.Sequence}, nil
}

func (t *pgTx) InsertMovement(ctx context.Context, m *inventory.StockMovement) error {
	query := `INSERT INTO stock_movements (` + movementColumns + `)
		VALUES (:id, :product_id, :sequence, :movement_type, :quantity, :reason, :reference_id,
			:idempotency_key, :created_at, :created_by)`

	if _, err := t.tx.NamedExecContext(ctx, query, m); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if pqErr.Constraint == "stock_movements_idempotency_key_key" {
				return inventory.NewConcurrencyError("insert_movement", m.ProductID, "冪等キーが重複しています", inventory.ErrIdempotencyConflict)
			}
			return inventory.NewConcurrencyError("insert_movement", m.ProductID, "連番が重複しています", inventory.ErrVersionMismatch)
		}
		return translate("insert_movement", "在庫移動の記録に失敗しました", err)
	}
	return nil
}

func (t *pgTx) FindMovementByIdempotencyKey(ctx context.Context, key string) (*inventory.StockMovement, error) {
	query := `SELECT ` + movementColumns + ` FROM stock_movements WHERE idempotency_key = $1`

	var m inventory.StockMovement
	if err := t.tx.GetContext(ctx, &m, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, translate("find_movement_by_idempotency_key", "在庫移動の取得に失敗しました", err)
	}
	return &m, nil
}

func (t *pgTx) GetPurchaseOrderForUpdate(ctx context.Context, id string) (*purchasing.PurchaseOrder, error) {
	return getPurchaseOrder(ctx, t.tx, id, true)
}

func (t *pgTx) InsertPurchaseOrder(ctx context.Context, po *purchasing.PurchaseOrder) error {
	query := `INSERT INTO purchase_orders (` + orderColumns + `)
		VALUES (:id, :number, :ref, :supplier_id, :status, :tax_rate, :expected_delivery_date, :notes,
			:version, :first_received_at, :created_at, :updated_at, :created_by)`

	if _, err := t.tx.NamedExecContext(ctx, query, po); err != nil {
		return translate("insert_purchase_order", "発注書の作成に失敗しました", err)
	}
	return t.insertLines(ctx, po)
}

func (t *pgTx) UpdatePurchaseOrder(ctx context.Context, po *purchasing.PurchaseOrder, expectedVersion int64) error {
	query := `UPDATE purchase_orders
		SET status = $2, expected_delivery_date = $3, notes = $4, version = $5,
			first_received_at = $6, updated_at = $7
		WHERE id = $1 AND version = $8`

	result, err := t.tx.ExecContext(ctx, query,
		po.ID,
		po.Status,
		po.ExpectedDeliveryDate,
		po.Notes,
		expectedVersion+1,
		po.FirstReceivedAt,
		po.UpdatedAt,
		expectedVersion, // 楽観的ロックのための前バージョン
	)
	if err != nil {
		return translate("update_purchase_order", "発注書の更新に失敗しました", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return translate("update_purchase_order", "更新行数の取得に失敗しました", err)
	}
	if rowsAffected == 0 {
		return inventory.NewConcurrencyError("update_purchase_order", po.ID, "発注書が他のユーザーによって更新されています", inventory.ErrVersionMismatch)
	}

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM purchase_order_lines WHERE purchase_order_id = $1`, po.ID); err != nil {
		return translate("delete_purchase_order_lines", "発注明細の更新に失敗しました", err)
	}
	if err := t.insertLines(ctx, po); err != nil {
		return err
	}
	po.Version = expectedVersion + 1
	return nil
}

func (t *pgTx) NextPurchaseOrderNumber(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.GetContext(ctx, &n, `SELECT nextval('purchase_order_number_seq')`); err != nil {
		return 0, translate("next_purchase_order_number", "発注番号の採番に失敗しました", err)
	}
	return n, nil
}

func (t *pgTx) insertLines(ctx context.Context, po *purchasing.PurchaseOrder) error {
	query := `INSERT INTO purchase_order_lines (` + lineColumns + `, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	for i, l := range po.Lines {
		_, err := t.tx.ExecContext(ctx, query,
			l.ID, po.ID, l.ProductID, l.QuantityOrdered, l.QuantityReceived, l.UnitCost, l.CreatedAt, i)
		if err != nil {
			return translate("insert_purchase_order_line", "発注明細の登録に失敗しました", err)
		}
	}
	return nil
}

// getPurchaseOrder reads an order and its lines, optionally locking the order row
func getPurchaseOrder(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*purchasing.PurchaseOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM purchase_orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var po purchasing.PurchaseOrder
	if err := sqlx.GetContext(ctx, q, &po, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.NewNotFoundError("purchase_order", id, nil)
		}
		return nil, translate("get_purchase_order", "発注書の取得に失敗しました", err)
	}

	po.Lines = make([]purchasing.Line, 0)
	lq := `SELECT ` + lineColumns + ` FROM purchase_order_lines WHERE purchase_order_id = $1 ORDER BY position`
	if err := sqlx.SelectContext(ctx, q, &po.Lines, lq, id); err != nil {
		return nil, translate("get_purchase_order_lines", "発注明細の取得に失敗しました", err)
	}
	return &po, nil
}

// translate maps driver errors onto the inventory error taxonomy
// ドライバーエラーを分類済みエラーに変換
func translate(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return inventory.NewTimeoutError(operation, "postgres")
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return inventory.NewConcurrencyError(operation, pqErr.Table, message, inventory.ErrVersionMismatch)
		case "57014": // query_canceled (statement_timeout)
			return inventory.NewTimeoutError(operation, "postgres")
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.Canceled) {
		return inventory.NewStorageError(operation, message, fmt.Errorf("%w: %v", inventory.ErrStorageUnavailable, err))
	}
	return inventory.NewStorageError(operation, message, err)
}
