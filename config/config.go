package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Config is the daemon configuration decoded from TOML.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Environment   string `toml:"Environment"`
	LogFile       string `toml:"LogFile"`

	Vault  VaultConfig  `toml:"vault"`
	Market MarketConfig `toml:"market"`
	API    APIConfig    `toml:"api"`
}

// VaultConfig fixes the engine parameters.
type VaultConfig struct {
	Account         string `toml:"Account"`
	CollateralAsset string `toml:"CollateralAsset"`
	DebtAsset       string `toml:"DebtAsset"`
	// TargetLeverage is a decimal string scaled by 1e18, e.g. "2000000000000000000"
	// for 2x.
	TargetLeverage string `toml:"TargetLeverage"`
	ToleranceBps   uint64 `toml:"ToleranceBps"`
	SlippageBps    uint64 `toml:"SlippageBps"`
}

// MarketConfig parameterizes the simulated money markets the daemon runs
// against when no live backend is wired.
type MarketConfig struct {
	FlashAddress    string `toml:"FlashAddress"`
	MaxBorrowLTVBps uint64 `toml:"MaxBorrowLTVBps"`
	SwapFeeBps      uint64 `toml:"SwapFeeBps"`
	// CollateralPrice is the wad-scaled debt units per collateral unit seeded
	// into the static quoter.
	CollateralPrice string `toml:"CollateralPrice"`
	DebtLiquidity   string `toml:"DebtLiquidity"`
	FlashLiquidity  string `toml:"FlashLiquidity"`
}

// APIConfig controls the HTTP surface.
type APIConfig struct {
	APITokens       []string `toml:"APITokens"`
	JWTSecret       string   `toml:"JWTSecret"`
	JWTIssuer       string   `toml:"JWTIssuer"`
	ReadRPM         float64  `toml:"ReadRPM"`
	ReadBurst       int      `toml:"ReadBurst"`
	WriteRPM        float64  `toml:"WriteRPM"`
	WriteBurst      int      `toml:"WriteBurst"`
	LogRequests     bool     `toml:"LogRequests"`
	ReadTimeoutSec  int      `toml:"ReadTimeoutSec"`
	WriteTimeoutSec int      `toml:"WriteTimeoutSec"`
}

// Load reads the configuration at path, creating a commented default when the
// file does not exist yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8545"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./loopvault-data"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "dev"
	}
	if c.Vault.TargetLeverage == "" {
		c.Vault.TargetLeverage = defaultTargetLeverage
	}
	if c.Market.MaxBorrowLTVBps == 0 {
		c.Market.MaxBorrowLTVBps = 8_000
	}
	if c.Market.CollateralPrice == "" {
		c.Market.CollateralPrice = defaultCollateralPrice
	}
	if c.Market.DebtLiquidity == "" {
		c.Market.DebtLiquidity = defaultPoolLiquidity
	}
	if c.Market.FlashLiquidity == "" {
		c.Market.FlashLiquidity = defaultPoolLiquidity
	}
	if c.API.ReadRPM == 0 {
		c.API.ReadRPM = 600
	}
	if c.API.ReadBurst == 0 {
		c.API.ReadBurst = 30
	}
	if c.API.WriteRPM == 0 {
		c.API.WriteRPM = 120
	}
	if c.API.WriteBurst == 0 {
		c.API.WriteBurst = 10
	}
	if c.API.ReadTimeoutSec == 0 {
		c.API.ReadTimeoutSec = 10
	}
	if c.API.WriteTimeoutSec == 0 {
		c.API.WriteTimeoutSec = 30
	}
}

// Validate checks the address and amount fields decode.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"vault.Account":         c.Vault.Account,
		"vault.CollateralAsset": c.Vault.CollateralAsset,
		"vault.DebtAsset":       c.Vault.DebtAsset,
		"market.FlashAddress":   c.Market.FlashAddress,
	} {
		if !common.IsHexAddress(raw) {
			return fmt.Errorf("config: %s is not a hex address: %q", name, raw)
		}
	}
	for name, raw := range map[string]string{
		"vault.TargetLeverage":   c.Vault.TargetLeverage,
		"market.CollateralPrice": c.Market.CollateralPrice,
		"market.DebtLiquidity":   c.Market.DebtLiquidity,
		"market.FlashLiquidity":  c.Market.FlashLiquidity,
	} {
		if _, err := parseWei(raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if c.Market.MaxBorrowLTVBps == 0 || c.Market.MaxBorrowLTVBps >= 10_000 {
		return fmt.Errorf("config: market.MaxBorrowLTVBps %d out of range (0, 10000)", c.Market.MaxBorrowLTVBps)
	}
	if c.Vault.ToleranceBps >= 10_000 || c.Vault.SlippageBps >= 10_000 {
		return fmt.Errorf("config: vault basis point settings must be below 10000")
	}
	return nil
}

// TargetLeverageWad decodes the wad-scaled leverage target. Call Validate
// first; an invalid string returns an error here too.
func (c *Config) TargetLeverageWad() (*big.Int, error) {
	return parseWei(c.Vault.TargetLeverage)
}

// CollateralPriceWad decodes the seeded oracle price.
func (c *Config) CollateralPriceWad() (*big.Int, error) {
	return parseWei(c.Market.CollateralPrice)
}

// DebtLiquidityWei decodes the simulated debt pool depth.
func (c *Config) DebtLiquidityWei() (*big.Int, error) {
	return parseWei(c.Market.DebtLiquidity)
}

// FlashLiquidityWei decodes the simulated flash pool depth.
func (c *Config) FlashLiquidityWei() (*big.Int, error) {
	return parseWei(c.Market.FlashLiquidity)
}

func parseWei(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty amount")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}
