package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/shopquoter/internal/config"
	"github.com/nemonet1337/shopquoter/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	zl, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer zl.Sync()

	zl.Info("shopquoter マイグレーション実行ツール")

	ctx := context.Background()

	// データベース接続
	zl.Info("データベースに接続中",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("dbname", cfg.Database.DBName),
	)
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN())
	if err != nil {
		zl.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer db.Close()

	zl.Info("データベース接続が確立されました")

	// マイグレーションディレクトリの確認
	migrationDir := "migrations"
	if len(os.Args) > 1 {
		migrationDir = os.Args[1]
	}

	if _, err := os.Stat(migrationDir); os.IsNotExist(err) {
		zl.Fatal("マイグレーションディレクトリが見つかりません", zap.String("dir", migrationDir))
	}

	m := &migrator{db: db, logger: zl}

	// マイグレーション履歴テーブルの作成
	if err := m.createMigrationTable(ctx); err != nil {
		zl.Fatal("マイグレーション履歴テーブル作成に失敗しました", zap.Error(err))
	}

	// マイグレーション実行
	if err := m.run(ctx, migrationDir); err != nil {
		zl.Fatal("マイグレーション実行に失敗しました", zap.Error(err))
	}

	zl.Info("すべてのマイグレーションが完了しました")
}

type migrator struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// appliedMigration is one row of schema_migrations
type appliedMigration struct {
	Filename string `db:"filename"`
	Checksum string `db:"checksum"`
}

// createMigrationTable マイグレーション履歴テーブルを作成
func (m *migrator) createMigrationTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			filename VARCHAR(255) NOT NULL UNIQUE,
			executed_at TIMESTAMP NOT NULL DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		)`

	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("マイグレーション履歴テーブル作成エラー: %w", err)
	}

	m.logger.Info("マイグレーション履歴テーブルを確認/作成しました")
	return nil
}

// run マイグレーションを実行
func (m *migrator) run(ctx context.Context, migrationDir string) error {
	// .sqlファイルを取得
	files, err := filepath.Glob(filepath.Join(migrationDir, "*.sql"))
	if err != nil {
		return fmt.Errorf("マイグレーションファイル検索エラー: %w", err)
	}

	if len(files) == 0 {
		m.logger.Warn("マイグレーションファイルが見つかりません", zap.String("dir", migrationDir))
		return nil
	}

	// ファイル名でソート
	sort.Strings(files)

	// 実行済みマイグレーションを取得
	applied := make([]appliedMigration, 0)
	if err := m.db.SelectContext(ctx, &applied, "SELECT filename, checksum FROM schema_migrations"); err != nil {
		return fmt.Errorf("実行済みマイグレーション取得エラー: %w", err)
	}
	executed := make(map[string]string, len(applied))
	for _, a := range applied {
		executed[a.Filename] = a.Checksum
	}

	// 各マイグレーションファイルを処理
	for _, file := range files {
		filename := filepath.Base(file)

		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("ファイル読み込みエラー %s: %w", filename, err)
		}
		checksum := calculateChecksum(content)

		// 既に実行済みかチェック
		if previous, ok := executed[filename]; ok {
			if previous != checksum {
				return fmt.Errorf("実行済みマイグレーション %s が変更されています", filename)
			}
			m.logger.Info("スキップ (実行済み)", zap.String("file", filename))
			continue
		}

		m.logger.Info("実行中", zap.String("file", filename))
		if err := m.apply(ctx, filename, string(content), checksum); err != nil {
			return err
		}
		m.logger.Info("完了", zap.String("file", filename), zap.String("checksum", checksum))
	}

	return nil
}

// apply runs one migration file and records it in the same transaction
func (m *migrator) apply(ctx context.Context, filename, content, checksum string) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始エラー %s: %w", filename, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, content); err != nil {
		return fmt.Errorf("マイグレーション実行エラー %s: %w", filename, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)",
		filename, checksum,
	); err != nil {
		return fmt.Errorf("マイグレーション履歴記録エラー %s: %w", filename, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションコミットエラー %s: %w", filename, err)
	}
	return nil
}

// calculateChecksum ファイル内容のSHA-256チェックサムを計算
func calculateChecksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
