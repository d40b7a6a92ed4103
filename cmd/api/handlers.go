package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nemonet1337/shopquoter/pkg/inventory"
	"github.com/nemonet1337/shopquoter/pkg/purchasing"
)

// Pinger reports storage health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handlers for the inventory and purchasing API
// 在庫・発注API用のHTTPハンドラーを保持
type Handlers struct {
	manager    inventory.InventoryManager
	engine     *purchasing.Engine
	reconciler *purchasing.Reconciler
	storage    Pinger
	logger     *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(manager inventory.InventoryManager, engine *purchasing.Engine, reconciler *purchasing.Reconciler, storage Pinger, logger *zap.Logger) *Handlers {
	return &Handlers{
		manager:    manager,
		engine:     engine,
		reconciler: reconciler,
		storage:    storage,
		logger:     logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success       bool        `json:"success"`
	Data          interface{} `json:"data,omitempty"`
	Error         string      `json:"error,omitempty"`
	Kind          string      `json:"kind,omitempty"`
	CurrentStatus string      `json:"current_status,omitempty"`
}

// FulfilRequest represents a request to ship allocated stock
// 出荷リクエストを表現
type FulfilRequest struct {
	Quantity    int64  `json:"quantity"`
	ReferenceID string `json:"reference_id"`
}

// TransitionRequest represents a purchase order action
// 発注書の状態遷移リクエスト
type TransitionRequest struct {
	Action purchasing.Action `json:"action"`
}

// ReceiveRequest represents a delivery against a purchase order
// 入荷リクエスト
type ReceiveRequest struct {
	Receipts []purchasing.ReceiptInput `json:"receipts"`
}

// DraftFromSignalRequest asks for a draft covering a product's reorder signal
type DraftFromSignalRequest struct {
	SupplierID string `json:"supplier_id"`
	ProductID  string `json:"product_id"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.storage.Ping(r.Context()); err != nil {
		h.logger.Warn("ヘルスチェック失敗", zap.Error(err))
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	h.send(w, code, APIResponse{
		Success: code == http.StatusOK,
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
			"service":   "shopquoter",
		},
	})
}

// 在庫

// AppendMovement handles stock movement requests
// 在庫移動リクエストを処理
func (h *Handlers) AppendMovement(w http.ResponseWriter, r *http.Request) {
	var req inventory.StockMovementInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	movement, err := h.manager.Append(r.Context(), req)
	if err != nil {
		h.sendFailure(w, err, http.StatusBadRequest)
		return
	}
	h.sendCreated(w, movement)
}

// Fulfil handles shipment of allocated stock
// 引当済み在庫の出荷を処理
func (h *Handlers) Fulfil(w http.ResponseWriter, r *http.Request) {
	var req FulfilRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	movements, err := h.manager.Fulfil(r.Context(), mux.Vars(r)["productId"], req.Quantity, req.ReferenceID)
	if err != nil {
		h.sendFailure(w, err, http.StatusBadRequest)
		return
	}
	h.sendCreated(w, movements)
}

// GetSnapshot handles snapshot requests
// 在庫スナップショット取得リクエストを処理
func (h *Handlers) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.manager.GetSnapshot(r.Context(), mux.Vars(r)["productId"])
	if err != nil {
		h.sendFailure(w, err, http.StatusBadRequest)
		return
	}
	h.sendSuccess(w, snapshot)
}

// ListMovements handles movement history requests
// 在庫移動履歴の取得リクエストを処理
func (h *Handlers) ListMovements(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	since, err := parseInt(query.Get("since"), 0)
	if err != nil || since < 0 {
		h.sendError(w, http.StatusBadRequest, "無効なカーソルです")
		return
	}
	limit, err := parseInt(query.Get("limit"), 0)
	if err != nil || limit < 0 {
		h.sendError(w, http.StatusBadRequest, "無効な件数です")
		return
	}

	page, err := h.manager.ListMovements(r.Context(), mux.Vars(r)["productId"], inventory.Cursor(since), int(limit))
	if err != nil {
		h.sendFailure(w, err, http.StatusBadRequest)
		return
	}
	h.sendSuccess(w, page)
}

// GetHistory handles audit trail requests
// 監査証跡の取得リクエストを処理
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	productID := mux.Vars(r)["productId"]

	// 参照ID指定時は該当する移動のみ返す
	if reference := query.Get("reference"); reference != "" {
		movements, err := h.manager.GetMovementsByReference(r.Context(), productID, reference)
		if err != nil {
			h.sendFailure(w, err, http.StatusBadRequest)
			return
		}
		h.sendSuccess(w, movements)
		return
	}

	from, err := parseTime(query.Get("from"))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "無効な開始日時です")
		return
	}
	to, err := parseTime(query.Get("to"))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "無効な終了日時です")
		return
	}

	trail, err := h.manager.GetAuditTrail(r.Context(), productID, from, to)
	if err != nil {
		h.sendFailure(w, err, http.StatusBadRequest)
		return
	}
	h.sendSuccess(w, trail)
}

// GetValuation handles valuation requests
// 在庫評価の取得リクエストを処理
func (h *Handlers) GetValuation(w http.ResponseWriter, r *http.Request) {
	valuation, err := h.manager.GetValuation(r.Context(), mux.Vars(r)["productId"])
	if err != nil {
		h.sendFailure(w, err, http.StatusBadRequest)
		return
	}
	h.sendSuccess(w, valuation)
}

// GetReorderSignals handles reorder scan requests
// 発注点スキャンリクエストを処理
func (h *Handlers) GetReorderSignals(w http.ResponseWriter, r *http.Request) {
	signals, err := h.manager.ScanReorder(r.Context())
	if err != nil {
		h.sendFailure(w, err, http.StatusBadRequest)
		return
	}
	h.sendSuccess(w, signals)
}

// 発注書

// CreatePurchaseOrder handles draft creation
// 発注書下書きの作成リクエストを処理
func (h *Handlers) CreatePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req purchasing.DraftInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	po, err := h.engine.CreateDraft(r.Context(), req)
	if err != nil {
		h.sendFailure(w, err, http.StatusUnprocessableEntity)
		return
	}
	h.sendCreated(w, po)
}

// DraftFromSignal drafts an order for a product that is at or below its reorder point
// 発注点シグナルから発注書を作成
func (h *Handlers) DraftFromSignal(w http.ResponseWriter, r *http.Request) {
	var req DraftFromSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	signal, err := h.manager.EvaluateReorder(r.Context(), req.ProductID)
	if err != nil {
		h.sendFailure(w, err, http.StatusUnprocessableEntity)
		return
	}
	if signal == nil {
		h.sendFailure(w, inventory.NewStateError("reorder", "above_reorder_point", "在庫は発注点を上回っています", nil), http.StatusUnprocessableEntity)
		return
	}

	po, err := h.engine.DraftFromSignal(r.Context(), req.SupplierID, *signal)
	if err != nil {
		h.sendFailure(w, err, http.StatusUnprocessableEntity)
		return
	}
	h.sendCreated(w, po)
}

// ListPurchaseOrders handles order listing
// 発注書一覧の取得リクエストを処理
func (h *Handlers) ListPurchaseOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit, err := parseInt(query.Get("limit"), 0)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "無効な件数です")
		return
	}
	offset, err := parseInt(query.Get("offset"), 0)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なオフセットです")
		return
	}

	orders, err := h.engine.List(r.Context(), purchasing.ListFilter{
		SupplierID: query.Get("supplier_id"),
		Status:     purchasing.Status(query.Get("status")),
		Limit:      int(limit),
		Offset:     int(offset),
	})
	if err != nil {
		h.sendFailure(w, err, http.StatusUnprocessableEntity)
		return
	}
	h.sendSuccess(w, orders)
}

// GetPurchaseOrder handles order lookups; the body carries subtotal, tax and total
// 発注書取得リクエストを処理
func (h *Handlers) GetPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	po, err := h.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.sendFailure(w, err, http.StatusUnprocessableEntity)
		return
	}
	h.sendSuccess(w, po)
}

// UpdatePurchaseOrder handles changes to the delivery date and notes
// 発注書の付帯情報の更新リクエストを処理
func (h *Handlers) UpdatePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req purchasing.DetailsInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	po, err := h.engine.UpdateDetails(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.sendFailure(w, err, http.StatusUnprocessableEntity)
		return
	}
	h.sendSuccess(w, po)
}

// AddLine handles line additions to a draft
// 明細追加リクエストを処理
func (h *Handlers) AddLine(w http.ResponseWriter, r *http.Request) {
	var req purchasing.LineInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	po, err := h.engine.AddLine(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.sendFailure(w, err, http.StatusUnprocessableEntity)
		return
	}
	h.sendSuccess(w, po)
}

// RemoveLine handles line removal from a draft
// 明細削除リクエストを処理
func (h *Handlers) RemoveLine(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	po, err := h.engine.RemoveLine(r.Context(), vars["id"], vars["lineId"])
	if err != nil {
		h.sendFailure(w, err, http.StatusUnprocessableEntity)
		return
	}
	h.sendSuccess(w, po)
}

// TransitionPurchaseOrder handles send, acknowledge and cancel
// 発注書の状態遷移リクエストを処理
func (h *Handlers) TransitionPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	po, err := h.engine.Transition(r.Context(), mux.Vars(r)["id"], req.Action)
	if err != nil {
		h.sendFailure(w, err, http.StatusUnprocessableEntity)
		return
	}
	h.sendSuccess(w, po)
}

// ReceivePurchaseOrder handles deliveries
// 入荷リクエストを処理
func (h *Handlers) ReceivePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req ReceiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	result, err := h.reconciler.Receive(r.Context(), mux.Vars(r)["id"], req.Receipts)
	if err != nil {
		h.sendFailure(w, err, http.StatusUnprocessableEntity)
		return
	}
	h.sendSuccess(w, result)
}

// ヘルパーメソッド

// statusFor maps an error kind onto an HTTP status; validationStatus differs per route group
// エラー分類からHTTPステータスを決定
func statusFor(err error, validationStatus int) int {
	switch inventory.KindOf(err) {
	case inventory.KindValidation:
		return validationStatus
	case inventory.KindNotFound:
		return http.StatusNotFound
	case inventory.KindState, inventory.KindConflict:
		return http.StatusConflict
	case inventory.KindInfrastructure:
		if inventory.IsTimeout(err) {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// sendFailure sends an error response classified by the error taxonomy
// 分類済みエラーのレスポンスを送信
func (h *Handlers) sendFailure(w http.ResponseWriter, err error, validationStatus int) {
	code := statusFor(err, validationStatus)
	kind := inventory.KindOf(err)

	response := APIResponse{
		Success: false,
		Error:   err.Error(),
		Kind:    string(kind),
	}
	if current, ok := inventory.CurrentState(err); ok {
		response.CurrentStatus = current
	}

	if code >= http.StatusInternalServerError {
		h.logger.Error("リクエスト処理に失敗しました", zap.String("kind", string(kind)), zap.Error(err))
		if kind == inventory.KindUnknown {
			response.Error = "内部エラーが発生しました"
		}
	}
	h.send(w, code, response)
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	h.send(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func (h *Handlers) sendCreated(w http.ResponseWriter, data interface{}) {
	h.send(w, http.StatusCreated, APIResponse{Success: true, Data: data})
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string) {
	h.send(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
		Kind:    string(inventory.KindValidation),
	})
}

func (h *Handlers) send(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}

func parseInt(v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
