package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"loopvault/config"
	"loopvault/native/market"
	"loopvault/native/pricing"
	"loopvault/native/shares"
	"loopvault/native/vault"
	"loopvault/observability/logging"
	"loopvault/rpc"
	"loopvault/rpc/middleware"
	"loopvault/storage"
)

const (
	collateralSymbol = "COLL"
	debtSymbol       = "DEBT"
	denomSymbol      = "USD"
)

func main() {
	configPath := flag.String("config", "./loopvault.toml", "path to the TOML configuration")
	listen := flag.String("listen", "", "override the configured listen address")
	memory := flag.Bool("memory", false, "keep the share ledger in memory instead of LevelDB")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.ListenAddress = *listen
	}

	logger := logging.SetupWithOptions("loopvaultd", cfg.Environment, logging.Options{File: cfg.LogFile})

	var db storage.Database
	if *memory {
		db = storage.NewMemDB()
	} else {
		ldb, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
		if err != nil {
			logger.Error("open ledger database", "error", err)
			os.Exit(1)
		}
		db = ldb
	}
	defer db.Close()

	engine, sim, ledger, err := buildEngine(cfg, db, logger)
	if err != nil {
		logger.Error("assemble vault", "error", err)
		os.Exit(1)
	}

	server := rpc.NewServer(rpc.Config{
		Listen:       cfg.ListenAddress,
		ReadTimeout:  time.Duration(cfg.API.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.API.WriteTimeoutSec) * time.Second,
		Auth: middleware.AuthConfig{
			APITokens: cfg.API.APITokens,
			JWTSecret: cfg.API.JWTSecret,
			JWTIssuer: cfg.API.JWTIssuer,
		},
		RateLimits: map[string]middleware.RateLimit{
			"read":  {RequestsPerMinute: cfg.API.ReadRPM, Burst: cfg.API.ReadBurst},
			"write": {RequestsPerMinute: cfg.API.WriteRPM, Burst: cfg.API.WriteBurst},
		},
		Observability: middleware.ObservabilityConfig{
			ServiceName: "loopvaultd",
			LogRequests: cfg.API.LogRequests,
		},
		// The simulated bank credits the engine account so the collateral
		// market pull succeeds, mirroring an on-chain token transfer.
		StageDeposit: func(assets *big.Int, _ common.Address) error {
			sim.Fund(common.HexToAddress(cfg.Vault.CollateralAsset), common.HexToAddress(cfg.Vault.Account), assets)
			return nil
		},
	}, engine, ledger, logger)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.Handler(),
		ReadTimeout:  time.Duration(cfg.API.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.API.WriteTimeoutSec) * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.ListenAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", "error", err)
			os.Exit(1)
		}
	}
}

func buildEngine(cfg *config.Config, db storage.Database, logger *slog.Logger) (*vault.Engine, *market.Sim, *shares.Ledger, error) {
	price, err := cfg.CollateralPriceWad()
	if err != nil {
		return nil, nil, nil, err
	}
	target, err := cfg.TargetLeverageWad()
	if err != nil {
		return nil, nil, nil, err
	}
	debtLiquidity, err := cfg.DebtLiquidityWei()
	if err != nil {
		return nil, nil, nil, err
	}
	flashLiquidity, err := cfg.FlashLiquidityWei()
	if err != nil {
		return nil, nil, nil, err
	}

	account := common.HexToAddress(cfg.Vault.Account)
	collateralAsset := common.HexToAddress(cfg.Vault.CollateralAsset)
	debtAsset := common.HexToAddress(cfg.Vault.DebtAsset)

	sim, err := market.NewSim(market.SimConfig{
		Account:         account,
		CollateralAsset: collateralAsset,
		DebtAsset:       debtAsset,
		FlashAddress:    common.HexToAddress(cfg.Market.FlashAddress),
		MaxBorrowLTVBps: cfg.Market.MaxBorrowLTVBps,
		SwapFeeBps:      cfg.Market.SwapFeeBps,
		RateWad:         price,
		DebtLiquidity:   debtLiquidity,
		FlashLiquidity:  flashLiquidity,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	quoter := pricing.NewStaticQuoter("config")
	quoter.SetRate(collateralSymbol, denomSymbol, new(big.Rat).SetFrac(price, wad()))
	quoter.SetRate(debtSymbol, denomSymbol, big.NewRat(1, 1))
	oracle, err := pricing.NewCrossRate(quoter, collateralSymbol, debtSymbol, denomSymbol, 0)
	if err != nil {
		return nil, nil, nil, err
	}

	ledger, err := shares.NewLedger(db)
	if err != nil {
		return nil, nil, nil, err
	}

	engine, err := vault.New(vault.Config{
		Account:         account,
		CollateralAsset: collateralAsset,
		DebtAsset:       debtAsset,
		TargetLeverage:  target,
		ToleranceBps:    cfg.Vault.ToleranceBps,
		SlippageBps:     cfg.Vault.SlippageBps,
	}, vault.Markets{
		Collateral: sim,
		Debt:       sim,
		Flash:      sim,
		Swap:       sim,
		Oracle:     oracle,
		Funds:      sim,
		Journal:    sim,
	}, ledger, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return engine, sim, ledger, nil
}

func wad() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
}
