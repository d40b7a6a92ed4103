package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nemonet1337/shopquoter/pkg/inventory"
	"github.com/nemonet1337/shopquoter/pkg/purchasing"
)

// MemoryStorage keeps the ledger, purchase orders and directories in process memory.
// Transactions stage their writes and take the write lock only to validate and apply
// them at commit, so readers and transactions on other products are not blocked.
// インメモリストレージ（開発・テスト用）
type MemoryStorage struct {
	mu          sync.RWMutex
	movements   map[string][]inventory.StockMovement
	totals      map[string]inventory.MovementTotals
	idempotency map[string]inventory.StockMovement
	orders      map[string]*purchasing.PurchaseOrder
	poNumber    int64
	closed      bool

	// ディレクトリはトランザクションとは別のロックで保護
	dirMu     sync.RWMutex
	products  map[string]inventory.Product
	skus      map[string]string
	suppliers map[string]purchasing.Supplier

	logger *zap.Logger
}

var (
	_ inventory.Storage            = (*MemoryStorage)(nil)
	_ inventory.ProductDirectory   = (*MemoryStorage)(nil)
	_ purchasing.Storage           = (*MemoryStorage)(nil)
	_ purchasing.SupplierDirectory = (*MemoryStorage)(nil)
)

// NewMemoryStorage creates an empty in-memory storage
// 新しいインメモリストレージを作成
func NewMemoryStorage(logger *zap.Logger) *MemoryStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStorage{
		movements:   make(map[string][]inventory.StockMovement),
		totals:      make(map[string]inventory.MovementTotals),
		idempotency: make(map[string]inventory.StockMovement),
		orders:      make(map[string]*purchasing.PurchaseOrder),
		products:    make(map[string]inventory.Product),
		skus:        make(map[string]string),
		suppliers:   make(map[string]purchasing.Supplier),
		logger:      logger,
	}
}

// PutProduct adds or replaces a product in the directory
// 商品を登録
func (s *MemoryStorage) PutProduct(p inventory.Product) error {
	if err := inventory.ValidateProductID(p.ID); err != nil {
		return err
	}
	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	if owner, ok := s.skus[p.SKU]; ok && p.SKU != "" && owner != p.ID {
		return inventory.NewValidationError("sku", "SKUが重複しています", p.SKU, nil)
	}
	if old, ok := s.products[p.ID]; ok {
		delete(s.skus, old.SKU)
	}
	if p.Status == "" {
		p.Status = inventory.ProductStatusActive
	}
	s.products[p.ID] = p
	if p.SKU != "" {
		s.skus[p.SKU] = p.ID
	}
	return nil
}

// PutSupplier adds or replaces a supplier in the directory
// 仕入先を登録
func (s *MemoryStorage) PutSupplier(sup purchasing.Supplier) error {
	if err := inventory.ValidateSupplierID(sup.ID); err != nil {
		return err
	}
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	if sup.Status == "" {
		sup.Status = "active"
	}
	s.suppliers[sup.ID] = sup
	return nil
}

// GetProduct implements inventory.ProductDirectory
func (s *MemoryStorage) GetProduct(ctx context.Context, productID string) (*inventory.Product, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, inventory.NewNotFoundError("product", productID, nil)
	}
	return &p, nil
}

// GetProductBySKU implements inventory.ProductDirectory
func (s *MemoryStorage) GetProductBySKU(ctx context.Context, sku string) (*inventory.Product, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	id, ok := s.skus[sku]
	if !ok {
		return nil, inventory.NewNotFoundError("product", sku, nil)
	}
	p := s.products[id]
	return &p, nil
}

// ListActiveProducts implements inventory.ProductDirectory
func (s *MemoryStorage) ListActiveProducts(ctx context.Context) ([]inventory.Product, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	products := make([]inventory.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.IsActive() {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

// GetSupplier implements purchasing.SupplierDirectory
func (s *MemoryStorage) GetSupplier(ctx context.Context, id string) (*purchasing.Supplier, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	sup, ok := s.suppliers[id]
	if !ok {
		return nil, inventory.NewNotFoundError("supplier", id, nil)
	}
	return &sup, nil
}

// ListMovements implements inventory.MovementReader
func (s *MemoryStorage) ListMovements(ctx context.Context, productID string, after inventory.Cursor, limit int) ([]inventory.StockMovement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, inventory.NewStorageError("list_movements", "ストレージは閉じられています", inventory.ErrStorageUnavailable)
	}

	all := s.movements[productID]
	// 連番は1から欠番なしのため、カーソル位置をそのまま添字に使える
	start := int(after)
	if start > len(all) {
		start = len(all)
	}
	end := len(all)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]inventory.StockMovement, end-start)
	copy(out, all[start:end])
	return out, nil
}

// ListMovementsByReference implements inventory.MovementReader
func (s *MemoryStorage) ListMovementsByReference(ctx context.Context, productID, referenceID string) ([]inventory.StockMovement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, inventory.NewStorageError("list_movements_by_reference", "ストレージは閉じられています", inventory.ErrStorageUnavailable)
	}

	matched := make([]inventory.StockMovement, 0)
	for _, m := range s.movements[productID] {
		if m.ReferenceID != nil && *m.ReferenceID == referenceID {
			matched = append(matched, m)
		}
	}
	return matched, nil
}

// RunInTx implements inventory.Storage
func (s *MemoryStorage) RunInTx(ctx context.Context, fn func(tx inventory.MovementTx) error) error {
	return s.run(ctx, func(tx *memoryTx) error { return fn(tx) })
}

// RunPurchasingTx implements purchasing.Storage
func (s *MemoryStorage) RunPurchasingTx(ctx context.Context, fn func(tx purchasing.Tx) error) error {
	return s.run(ctx, func(tx *memoryTx) error { return fn(tx) })
}

func (s *MemoryStorage) run(ctx context.Context, fn func(tx *memoryTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.checkOpen("begin"); err != nil {
		return err
	}

	tx := &memoryTx{
		s:          s,
		stagedKeys: make(map[string]inventory.StockMovement),
		orders:     make(map[string]*purchasing.PurchaseOrder),
		versions:   make(map[string]int64),
	}
	if err := fn(tx); err != nil {
		return err
	}
	// コミット直前に期限を確認
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemoryStorage) checkOpen(operation string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return inventory.NewStorageError(operation, "ストレージは閉じられています", inventory.ErrStorageUnavailable)
	}
	return nil
}

// GetPurchaseOrder implements purchasing.Storage
func (s *MemoryStorage) GetPurchaseOrder(ctx context.Context, id string) (*purchasing.PurchaseOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	po, ok := s.orders[id]
	if !ok {
		return nil, inventory.NewNotFoundError("purchase_order", id, nil)
	}
	return po.Clone(), nil
}

// ListPurchaseOrders implements purchasing.Storage. Newest orders come first.
func (s *MemoryStorage) ListPurchaseOrders(ctx context.Context, filter purchasing.ListFilter) ([]purchasing.PurchaseOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]purchasing.PurchaseOrder, 0)
	for _, po := range s.orders {
		if filter.SupplierID != "" && po.SupplierID != filter.SupplierID {
			continue
		}
		if filter.Status != "" && po.Status != filter.Status {
			continue
		}
		matched = append(matched, *po.Clone())
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Number > matched[j].Number })

	if filter.Offset >= len(matched) {
		return []purchasing.PurchaseOrder{}, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Ping reports whether the storage is open
func (s *MemoryStorage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return inventory.NewStorageError("ping", "ストレージは閉じられています", inventory.ErrStorageUnavailable)
	}
	return nil
}

// Close marks the storage closed; later calls fail as unavailable
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// memoryTx reads committed state under short read locks and stages its writes.
// commit re-checks them against whatever was committed in the meantime.
type memoryTx struct {
	s          *MemoryStorage
	staged     []inventory.StockMovement
	stagedKeys map[string]inventory.StockMovement
	orders     map[string]*purchasing.PurchaseOrder
	// versions holds the committed version each order was read at; 0 marks an insert
	versions map[string]int64
}

// LockProducts is a no-op: in-process writers are serialized by the ledger's product
// locks and commit rejects stale sequences
func (tx *memoryTx) LockProducts(ctx context.Context, productIDs []string) error {
	return nil
}

func (tx *memoryTx) MovementTotals(ctx context.Context, productID string) (inventory.MovementTotals, error) {
	tx.s.mu.RLock()
	totals := tx.s.totals[productID]
	tx.s.mu.RUnlock()

	for _, m := range tx.staged {
		if m.ProductID == productID {
			totals = addMovement(totals, m)
		}
	}
	return totals, nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, m *inventory.StockMovement) error {
	totals, _ := tx.MovementTotals(ctx, m.ProductID)
	if m.Sequence != totals.Sequence+1 {
		return sequenceMismatch(m.ProductID, totals.Sequence+1, m.Sequence)
	}
	if m.IdempotencyKey != nil {
		if existing, _ := tx.FindMovementByIdempotencyKey(ctx, *m.IdempotencyKey); existing != nil {
			return duplicateKey(*m.IdempotencyKey)
		}
		tx.stagedKeys[*m.IdempotencyKey] = *m
	}
	tx.staged = append(tx.staged, *m)
	return nil
}

func (tx *memoryTx) FindMovementByIdempotencyKey(ctx context.Context, key string) (*inventory.StockMovement, error) {
	if m, ok := tx.stagedKeys[key]; ok {
		return &m, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	if m, ok := tx.s.idempotency[key]; ok {
		return &m, nil
	}
	return nil, nil
}

// GetPurchaseOrderForUpdate records the version read; commit fails if it changed
func (tx *memoryTx) GetPurchaseOrderForUpdate(ctx context.Context, id string) (*purchasing.PurchaseOrder, error) {
	if po, ok := tx.orders[id]; ok {
		return po.Clone(), nil
	}
	tx.s.mu.RLock()
	po, ok := tx.s.orders[id]
	if ok {
		po = po.Clone()
	}
	tx.s.mu.RUnlock()
	if !ok {
		return nil, inventory.NewNotFoundError("purchase_order", id, nil)
	}
	if _, read := tx.versions[id]; !read {
		tx.versions[id] = po.Version
	}
	return po, nil
}

func (tx *memoryTx) InsertPurchaseOrder(ctx context.Context, po *purchasing.PurchaseOrder) error {
	if _, ok := tx.orders[po.ID]; ok {
		return orderExists(po.ID)
	}
	tx.s.mu.RLock()
	_, exists := tx.s.orders[po.ID]
	tx.s.mu.RUnlock()
	if exists {
		return orderExists(po.ID)
	}
	tx.orders[po.ID] = po.Clone()
	tx.versions[po.ID] = 0
	return nil
}

func (tx *memoryTx) UpdatePurchaseOrder(ctx context.Context, po *purchasing.PurchaseOrder, expectedVersion int64) error {
	current, err := tx.GetPurchaseOrderForUpdate(ctx, po.ID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return versionMismatch(po.ID, expectedVersion, current.Version)
	}
	po.Version = expectedVersion + 1
	tx.orders[po.ID] = po.Clone()
	return nil
}

// NextPurchaseOrderNumber draws from the storage counter directly, so a rolled-back
// draft leaves a gap in the numbering
func (tx *memoryTx) NextPurchaseOrderNumber(ctx context.Context) (int64, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	tx.s.poNumber++
	return tx.s.poNumber, nil
}

func (tx *memoryTx) commit() error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return inventory.NewStorageError("commit", "ストレージは閉じられています", inventory.ErrStorageUnavailable)
	}

	// 並行してコミットされた内容との競合を確認
	last := make(map[string]int64)
	for _, m := range tx.staged {
		seq, ok := last[m.ProductID]
		if !ok {
			seq = s.totals[m.ProductID].Sequence
		}
		if m.Sequence != seq+1 {
			return sequenceMismatch(m.ProductID, seq+1, m.Sequence)
		}
		last[m.ProductID] = m.Sequence
	}
	for key := range tx.stagedKeys {
		if _, ok := s.idempotency[key]; ok {
			return duplicateKey(key)
		}
	}
	for id := range tx.orders {
		read := tx.versions[id]
		current, exists := s.orders[id]
		switch {
		case read == 0 && exists:
			return orderExists(id)
		case read != 0 && !exists:
			return inventory.NewNotFoundError("purchase_order", id, nil)
		case read != 0 && current.Version != read:
			return versionMismatch(id, read, current.Version)
		}
	}

	for _, m := range tx.staged {
		s.movements[m.ProductID] = append(s.movements[m.ProductID], m)
		s.totals[m.ProductID] = addMovement(s.totals[m.ProductID], m)
	}
	for k, m := range tx.stagedKeys {
		s.idempotency[k] = m
	}
	for id, po := range tx.orders {
		s.orders[id] = po
	}
	return nil
}

func sequenceMismatch(productID string, expected, actual int64) error {
	return inventory.NewConcurrencyError("insert_movement", productID,
		fmt.Sprintf("連番が一致しません (期待値: %d, 実際: %d)", expected, actual), inventory.ErrVersionMismatch)
}

func duplicateKey(key string) error {
	return inventory.NewConcurrencyError("insert_movement", key, "冪等キーが重複しています", inventory.ErrIdempotencyConflict)
}

func orderExists(id string) error {
	return inventory.NewConcurrencyError("insert_purchase_order", id, "発注書は既に存在します", inventory.ErrVersionMismatch)
}

func versionMismatch(id string, expected, actual int64) error {
	return inventory.NewConcurrencyError("update_purchase_order", id,
		fmt.Sprintf("バージョンが一致しません (期待値: %d, 実際: %d)", expected, actual), inventory.ErrVersionMismatch)
}

func addMovement(t inventory.MovementTotals, m inventory.StockMovement) inventory.MovementTotals {
	if m.Type == inventory.MovementTypeAllocation {
		t.Allocated -= m.Quantity
	} else {
		t.Current += m.Quantity
	}
	t.Sequence = m.Sequence
	return t
}
