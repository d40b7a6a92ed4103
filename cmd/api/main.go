package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nemonet1337/shopquoter/internal/config"
	"github.com/nemonet1337/shopquoter/internal/logger"
	"github.com/nemonet1337/shopquoter/pkg/events"
	"github.com/nemonet1337/shopquoter/pkg/inventory"
	"github.com/nemonet1337/shopquoter/pkg/inventory/storage"
	"github.com/nemonet1337/shopquoter/pkg/purchasing"
)

// backend is what both storage drivers provide
type backend interface {
	inventory.Storage
	inventory.ProductDirectory
	purchasing.Storage
	purchasing.SupplierDirectory
}

func main() {
	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	// ログ設定
	zl, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("ストレージ初期化に失敗しました", zap.Error(err))
	}
	defer store.Close()

	publisher, closePublisher, err := openPublisher(cfg, zl)
	if err != nil {
		zl.Fatal("イベントパブリッシャー初期化に失敗しました", zap.Error(err))
	}
	defer closePublisher()

	// メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// 在庫マネージャー・発注エンジン初期化
	manager := inventory.NewManager(store, store, publisher, zl, cfg.InventoryEngine(), inventory.NewMetrics(registry))
	poMetrics := purchasing.NewMetrics(registry)
	engine := purchasing.NewEngine(store, store, store, publisher, zl, cfg.PurchasingEngine(), poMetrics)
	reconciler := purchasing.NewReconciler(store, manager.Ledger(), engine, zl, poMetrics)

	// HTTPハンドラー設定
	handlers := NewHandlers(manager, engine, reconciler, store, zl)
	router := setupRouter(handlers, routerOptions{
		cors:     cfg.API.EnableCORS,
		registry: registry,
		metrics:  cfg.API.EnableMetrics,
	})

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	go func() {
		zl.Info("在庫・発注APIサーバーを開始します",
			zap.Int("port", cfg.API.Port),
			zap.String("storage", cfg.Inventory.StorageDriver),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	<-ctx.Done()
	zl.Info("サーバーをシャットダウンしています...")

	// グレースフルシャットダウン
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	zl.Info("サーバーが正常に停止しました")
}

// openStorage selects the storage driver from configuration
// 設定に従ってストレージを初期化
func openStorage(ctx context.Context, cfg *config.Config, zl *zap.Logger) (backend, error) {
	switch cfg.Inventory.StorageDriver {
	case config.DriverPostgres:
		zl.Info("データベースに接続中",
			zap.String("host", cfg.Database.Host),
			zap.Int("port", cfg.Database.Port),
			zap.String("dbname", cfg.Database.DBName),
		)
		return storage.NewPostgreSQLStorage(ctx, cfg.DSN(), storage.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, zl)
	default:
		mem := storage.NewMemoryStorage(zl)
		if cfg.Inventory.FixturesFile != "" {
			if err := mem.LoadFixturesFile(cfg.Inventory.FixturesFile); err != nil {
				return nil, err
			}
		}
		return mem, nil
	}
}

// openPublisher returns the log publisher, fanned out to RabbitMQ when enabled
// イベントパブリッシャーを初期化
func openPublisher(cfg *config.Config, zl *zap.Logger) (events.Publisher, func(), error) {
	logPublisher := events.NewLogPublisher(zl)
	if !cfg.Events.Enabled {
		return logPublisher, func() {}, nil
	}

	rabbit, err := events.NewRabbitMQPublisher(cfg.RabbitMQ(), zl)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := rabbit.Close(); err != nil {
			zl.Warn("RabbitMQ切断に失敗しました", zap.Error(err))
		}
	}
	return events.Fanout{logPublisher, rabbit}, closeFn, nil
}

type routerOptions struct {
	cors     bool
	metrics  bool
	registry *prometheus.Registry
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, opts routerOptions) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if opts.metrics && opts.registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(opts.registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	// 在庫
	router.HandleFunc("/inventory/movements", handlers.AppendMovement).Methods("POST")
	router.HandleFunc("/inventory/reorder-signals", handlers.GetReorderSignals).Methods("GET")
	router.HandleFunc("/inventory/{productId}/snapshot", handlers.GetSnapshot).Methods("GET")
	router.HandleFunc("/inventory/{productId}/movements", handlers.ListMovements).Methods("GET")
	router.HandleFunc("/inventory/{productId}/history", handlers.GetHistory).Methods("GET")
	router.HandleFunc("/inventory/{productId}/valuation", handlers.GetValuation).Methods("GET")
	router.HandleFunc("/inventory/{productId}/fulfil", handlers.Fulfil).Methods("POST")

	// 発注書
	router.HandleFunc("/purchase-orders", handlers.CreatePurchaseOrder).Methods("POST")
	router.HandleFunc("/purchase-orders", handlers.ListPurchaseOrders).Methods("GET")
	router.HandleFunc("/purchase-orders/from-signal", handlers.DraftFromSignal).Methods("POST")
	router.HandleFunc("/purchase-orders/{id}", handlers.GetPurchaseOrder).Methods("GET")
	router.HandleFunc("/purchase-orders/{id}", handlers.UpdatePurchaseOrder).Methods("PATCH")
	router.HandleFunc("/purchase-orders/{id}/lines", handlers.AddLine).Methods("POST")
	router.HandleFunc("/purchase-orders/{id}/lines/{lineId}", handlers.RemoveLine).Methods("DELETE")
	router.HandleFunc("/purchase-orders/{id}/transition", handlers.TransitionPurchaseOrder).Methods("POST")
	router.HandleFunc("/purchase-orders/{id}/receive", handlers.ReceivePurchaseOrder).Methods("POST")

	// CORS設定（プリフライトはどのパスでも受け付ける）
	if opts.cors {
		router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
		router.Use(corsMiddleware)
	}

	// 操作ユーザー
	router.Use(userMiddleware)

	// ログ機能
	router.Use(loggingMiddleware(handlers.logger))

	if opts.registry != nil {
		router.Use(newHTTPMetrics(opts.registry).middleware)
	}

	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// userMiddleware records the calling user from X-User-ID on the request context
// リクエストの操作ユーザーをコンテキストに設定
func userMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := r.Header.Get("X-User-ID"); user != "" {
			r = r.WithContext(inventory.WithUser(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging and metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			// リクエスト処理
			next.ServeHTTP(rec, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.Int("status", rec.status),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type httpMetrics struct {
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	return &httpMetrics{
		duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shopquoter",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
}

func (m *httpMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.duration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	})
}
