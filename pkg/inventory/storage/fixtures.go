package storage

import (
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/nemonet1337/shopquoter/pkg/inventory"
	"github.com/nemonet1337/shopquoter/pkg/purchasing"
)

// Fixtures seeds the product and supplier directories of a memory storage
// ディレクトリの初期データ
type Fixtures struct {
	Products []struct {
		ID           string `yaml:"id"`
		SKU          string `yaml:"sku"`
		Name         string `yaml:"name"`
		CostPrice    string `yaml:"cost_price"`
		BasePrice    string `yaml:"base_price"`
		ReorderPoint *int64 `yaml:"reorder_point"`
		Status       string `yaml:"status"`
	} `yaml:"products"`
	Suppliers []struct {
		ID     string `yaml:"id"`
		Name   string `yaml:"name"`
		Status string `yaml:"status"`
	} `yaml:"suppliers"`
}

// LoadFixturesFile reads a YAML fixtures file into s
// YAMLファイルから初期データを読み込む
func (s *MemoryStorage) LoadFixturesFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("初期データファイルを開けません: %w", err)
	}
	defer f.Close()
	return s.LoadFixtures(f)
}

// LoadFixtures decodes YAML fixtures from r into s
func (s *MemoryStorage) LoadFixtures(r io.Reader) error {
	var fx Fixtures
	if err := yaml.NewDecoder(r).Decode(&fx); err != nil {
		return fmt.Errorf("初期データの解析に失敗しました: %w", err)
	}

	for _, p := range fx.Products {
		cost, err := parseMoney(p.CostPrice)
		if err != nil {
			return fmt.Errorf("商品 %s の原価が不正です: %w", p.ID, err)
		}
		base, err := parseMoney(p.BasePrice)
		if err != nil {
			return fmt.Errorf("商品 %s の販売価格が不正です: %w", p.ID, err)
		}
		err = s.PutProduct(inventory.Product{
			ID:           p.ID,
			SKU:          p.SKU,
			Name:         p.Name,
			CostPrice:    cost,
			BasePrice:    base,
			ReorderPoint: p.ReorderPoint,
			Status:       inventory.ProductStatus(p.Status),
		})
		if err != nil {
			return err
		}
	}
	for _, sup := range fx.Suppliers {
		if err := s.PutSupplier(purchasing.Supplier{ID: sup.ID, Name: sup.Name, Status: sup.Status}); err != nil {
			return err
		}
	}

	s.logger.Info("初期データ読み込み完了",
		zap.Int("products", len(fx.Products)),
		zap.Int("suppliers", len(fx.Suppliers)),
	)
	return nil
}

func parseMoney(v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(v)
}
