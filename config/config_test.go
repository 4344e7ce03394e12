package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loopvault.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
ListenAddress = ":9090"
DataDir = "/tmp/loopvault-test"

[vault]
Account = "0x1000000000000000000000000000000000000001"
CollateralAsset = "0x2000000000000000000000000000000000000002"
DebtAsset = "0x3000000000000000000000000000000000000003"
TargetLeverage = "3000000000000000000"
ToleranceBps = 50
SlippageBps = 75

[market]
FlashAddress = "0x4000000000000000000000000000000000000004"
MaxBorrowLTVBps = 7500
CollateralPrice = "2000000000000000000"

[api]
APITokens = ["secret-token"]
WriteRPM = 60.0
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9090" {
		t.Fatalf("listen = %q, want :9090", cfg.ListenAddress)
	}
	if cfg.Vault.ToleranceBps != 50 {
		t.Fatalf("tolerance = %d, want 50", cfg.Vault.ToleranceBps)
	}
	target, err := cfg.TargetLeverageWad()
	if err != nil {
		t.Fatalf("target leverage: %v", err)
	}
	want, _ := new(big.Int).SetString("3000000000000000000", 10)
	if target.Cmp(want) != 0 {
		t.Fatalf("target = %s, want %s", target, want)
	}
	// Unset fields take defaults.
	if cfg.API.ReadRPM != 600 {
		t.Fatalf("read rpm = %v, want default 600", cfg.API.ReadRPM)
	}
	if cfg.API.WriteRPM != 60 {
		t.Fatalf("write rpm = %v, want 60", cfg.API.WriteRPM)
	}
	if cfg.Market.DebtLiquidity == "" {
		t.Fatalf("debt liquidity default not applied")
	}
}

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh", "loopvault.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	// The generated file loads back cleanly.
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload default: %v", err)
	}
	if reloaded.Vault.Account != cfg.Vault.Account {
		t.Fatalf("reloaded account = %q, want %q", reloaded.Vault.Account, cfg.Vault.Account)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	if _, err := Load(writeConfig(t, validConfig+"\nBogusKey = true\n")); err == nil {
		t.Fatalf("unknown key accepted")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, validConfig))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		return cfg
	}

	cfg := base()
	cfg.Vault.Account = "not-an-address"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("bad address accepted")
	}

	cfg = base()
	cfg.Vault.TargetLeverage = "-5"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("negative leverage accepted")
	}

	cfg = base()
	cfg.Market.MaxBorrowLTVBps = 10_000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("LTV of 100%% accepted")
	}

	cfg = base()
	cfg.Vault.SlippageBps = 10_000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("slippage of 100%% accepted")
	}
}
