package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	// 2x leverage, wad scaled.
	defaultTargetLeverage = "2000000000000000000"
	// 1:1 collateral/debt price, wad scaled.
	defaultCollateralPrice = "1000000000000000000"
	// 1e24: one million tokens at 18 decimals.
	defaultPoolLiquidity = "1000000000000000000000000"

	defaultAccount    = "0x1000000000000000000000000000000000000001"
	defaultCollateral = "0x2000000000000000000000000000000000000002"
	defaultDebt       = "0x3000000000000000000000000000000000000003"
	defaultFlash      = "0x4000000000000000000000000000000000000004"
)

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Vault: VaultConfig{
			Account:         defaultAccount,
			CollateralAsset: defaultCollateral,
			DebtAsset:       defaultDebt,
		},
		Market: MarketConfig{
			FlashAddress: defaultFlash,
		},
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("config: create directory for %s: %w", path, err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("config: write default %s: %w", path, err)
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: encode default %s: %w", path, err)
	}
	return cfg, nil
}
