package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/shopquoter/pkg/inventory"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	inv := cfg.InventoryEngine()
	assert.Equal(t, int64(10), inv.DefaultReorderPoint)
	assert.Equal(t, inventory.ProjectionIncremental, inv.ProjectionStrategy)
	assert.Equal(t, 5*time.Second, inv.OperationTimeout)

	po := cfg.PurchasingEngine()
	assert.Equal(t, "0.15", po.TaxRate.String())
	assert.Equal(t, "PO", po.RefPrefix)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
api:
  port: 9090
inventory:
  projection_strategy: lazy
  operation_timeout: 2s
purchasing:
  tax_rate: "0.08"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PURCHASING_REF_PREFIX", "PUR")
	t.Setenv("API_PORT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "lazy", cfg.Inventory.ProjectionStrategy)
	assert.Equal(t, 2*time.Second, cfg.Inventory.OperationTimeout)
	assert.Equal(t, "0.08", cfg.Purchasing.TaxRate)
	assert.Equal(t, "PUR", cfg.Purchasing.RefPrefix)
	// ファイルに無い項目は既定値のまま
	assert.Equal(t, int64(10), cfg.Inventory.DefaultReorderPoint)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.Inventory.StorageDriver = "sqlite" }},
		{"postgres without host", func(c *Config) {
			c.Inventory.StorageDriver = DriverPostgres
			c.Database.Host = ""
		}},
		{"bad api port", func(c *Config) { c.API.Port = 70000 }},
		{"negative reorder point", func(c *Config) { c.Inventory.DefaultReorderPoint = -1 }},
		{"unknown strategy", func(c *Config) { c.Inventory.ProjectionStrategy = "eager" }},
		{"tax rate not a number", func(c *Config) { c.Purchasing.TaxRate = "fifteen" }},
		{"tax rate of one", func(c *Config) { c.Purchasing.TaxRate = "1" }},
		{"events without url", func(c *Config) {
			c.Events.Enabled = true
			c.Events.RabbitMQURL = ""
		}},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDSN(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "host=localhost port=5432 user=shopquoter password=password dbname=shopquoter sslmode=disable", cfg.DSN())
}
