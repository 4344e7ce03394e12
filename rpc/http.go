package rpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"loopvault/native/vault"
	"loopvault/rpc/middleware"
)

// Vault is the engine surface the API serves. Satisfied by *vault.Engine.
type Vault interface {
	Snapshot() (*vault.VaultState, error)
	TotalAssets() (*big.Int, error)
	TargetLeverage() *big.Int
	MaxLeverage() *big.Int
	Deposit(assets *big.Int, receiver common.Address) (*big.Int, error)
	Mint(sharesOut *big.Int, receiver common.Address) (*big.Int, error)
	Withdraw(assets *big.Int, receiver, owner common.Address) (*big.Int, error)
	Redeem(sharesIn *big.Int, receiver, owner common.Address) (*big.Int, error)
	Rebalance() error
}

// Shares is the ledger read surface the API serves.
type Shares interface {
	Total() *big.Int
	BalanceOf(addr common.Address) *big.Int
}

// Config wires the HTTP server.
type Config struct {
	Listen        string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	Auth          middleware.AuthConfig
	RateLimits    map[string]middleware.RateLimit
	Observability middleware.ObservabilityConfig

	// StageDeposit, when set, moves assets of the collateral token into the
	// vault's custody before the engine pulls them. Simulated backends use it
	// to credit the engine account; on-chain backends settle transfers out of
	// band and leave it nil.
	StageDeposit func(assets *big.Int, from common.Address) error
}

// Server exposes the vault over JSON HTTP.
type Server struct {
	cfg    Config
	vault  Vault
	shares Shares
	logger *slog.Logger
	obs    *middleware.Observability
	router chi.Router
}

func NewServer(cfg Config, v Vault, shares Shares, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		vault:  v,
		shares: shares,
		logger: logger.With("component", "rpc"),
		obs:    middleware.NewObservability(cfg.Observability, logger),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the assembled route tree.
func (s *Server) Handler() http.Handler { return s.router }

// Observability exposes the instrumentation so the daemon can attach the
// engine collectors to the same registry.
func (s *Server) Observability() *middleware.Observability { return s.obs }

// ListenAndServe blocks serving the API until the server is shut down.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("api listening", "addr", s.cfg.Listen)
	return srv.ListenAndServe()
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	limiter := middleware.NewRateLimiter(s.cfg.RateLimits, s.logger)
	auth := middleware.NewAuthenticator(s.cfg.Auth, s.logger)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())

	r.Route("/v1/vault", func(r chi.Router) {
		r.With(s.obs.Middleware("vault_state"), limiter.Middleware("read")).
			Get("/state", s.handleState)
		r.With(s.obs.Middleware("vault_assets"), limiter.Middleware("read")).
			Get("/assets", s.handleAssets)
		r.With(s.obs.Middleware("vault_shares"), limiter.Middleware("read")).
			Get("/shares/{address}", s.handleShareBalance)
		r.With(s.obs.Middleware("vault_deposit"), limiter.Middleware("write")).
			Post("/deposit", s.handleDeposit)
		r.With(s.obs.Middleware("vault_mint"), limiter.Middleware("write")).
			Post("/mint", s.handleMint)
		r.With(s.obs.Middleware("vault_withdraw"), limiter.Middleware("write")).
			Post("/withdraw", s.handleWithdraw)
		r.With(s.obs.Middleware("vault_redeem"), limiter.Middleware("write")).
			Post("/redeem", s.handleRedeem)
		r.With(s.obs.Middleware("vault_rebalance"), limiter.Middleware("write"), auth.Middleware()).
			Post("/rebalance", s.handleRebalance)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stateResponse struct {
	Collateral      string `json:"collateral"`
	Debt            string `json:"debt"`
	CollateralPrice string `json:"collateralPrice"`
	AssetsValue     string `json:"assetsValue"`
	EquityValue     string `json:"equityValue"`
	Leverage        string `json:"leverage"`
	TargetLeverage  string `json:"targetLeverage"`
	MaxLeverage     string `json:"maxLeverage"`
	Empty           bool   `json:"empty"`
	Underwater      bool   `json:"underwater"`
	TotalShares     string `json:"totalShares"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	state, err := s.vault.Snapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		Collateral:      state.Collateral.String(),
		Debt:            state.Debt.String(),
		CollateralPrice: state.CollateralPrice.String(),
		AssetsValue:     state.AssetsValue.String(),
		EquityValue:     state.EquityValue.String(),
		Leverage:        state.Leverage.String(),
		TargetLeverage:  s.vault.TargetLeverage().String(),
		MaxLeverage:     s.vault.MaxLeverage().String(),
		Empty:           state.Empty(),
		Underwater:      state.Underwater(),
		TotalShares:     s.shares.Total().String(),
	})
}

func (s *Server) handleAssets(w http.ResponseWriter, _ *http.Request) {
	nav, err := s.vault.TotalAssets()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"totalAssets": nav.String()})
}

func (s *Server) handleShareBalance(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		s.writeBadRequest(w, "invalid address")
		return
	}
	addr := common.HexToAddress(raw)
	writeJSON(w, http.StatusOK, map[string]string{
		"address": addr.Hex(),
		"shares":  s.shares.BalanceOf(addr).String(),
		"total":   s.shares.Total().String(),
	})
}

type depositRequest struct {
	Assets   string `json:"assets"`
	Receiver string `json:"receiver"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeBadRequest(w, err.Error())
		return
	}
	assets, ok := parseAmount(req.Assets)
	if !ok {
		s.writeBadRequest(w, "invalid assets amount")
		return
	}
	receiver, ok := parseAddress(req.Receiver)
	if !ok {
		s.writeBadRequest(w, "invalid receiver address")
		return
	}
	if s.cfg.StageDeposit != nil {
		if err := s.cfg.StageDeposit(assets, receiver); err != nil {
			s.writeError(w, err)
			return
		}
	}
	shares, err := s.vault.Deposit(assets, receiver)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"assets": assets.String(),
		"shares": shares.String(),
	})
}

type mintRequest struct {
	Shares   string `json:"shares"`
	Receiver string `json:"receiver"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeBadRequest(w, err.Error())
		return
	}
	shares, ok := parseAmount(req.Shares)
	if !ok {
		s.writeBadRequest(w, "invalid shares amount")
		return
	}
	receiver, ok := parseAddress(req.Receiver)
	if !ok {
		s.writeBadRequest(w, "invalid receiver address")
		return
	}
	assets, err := s.vault.Mint(shares, receiver)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"assets": assets.String(),
		"shares": shares.String(),
	})
}

type withdrawRequest struct {
	Assets   string `json:"assets,omitempty"`
	Shares   string `json:"shares,omitempty"`
	Receiver string `json:"receiver"`
	Owner    string `json:"owner"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeBadRequest(w, err.Error())
		return
	}
	assets, ok := parseAmount(req.Assets)
	if !ok {
		s.writeBadRequest(w, "invalid assets amount")
		return
	}
	receiver, owner, ok := parseParties(req.Receiver, req.Owner)
	if !ok {
		s.writeBadRequest(w, "invalid receiver or owner address")
		return
	}
	burned, err := s.vault.Withdraw(assets, receiver, owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"assets": assets.String(),
		"shares": burned.String(),
	})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeBadRequest(w, err.Error())
		return
	}
	shares, ok := parseAmount(req.Shares)
	if !ok {
		s.writeBadRequest(w, "invalid shares amount")
		return
	}
	receiver, owner, ok := parseParties(req.Receiver, req.Owner)
	if !ok {
		s.writeBadRequest(w, "invalid receiver or owner address")
		return
	}
	released, err := s.vault.Redeem(shares, receiver, owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"assets": released.String(),
		"shares": shares.String(),
	})
}

func (s *Server) handleRebalance(w http.ResponseWriter, _ *http.Request) {
	if err := s.vault.Rebalance(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebalanced"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// statusForError maps engine sentinels onto HTTP statuses. Caller mistakes are
// 4xx; market conditions the caller cannot fix right now are 409 or 503.
func statusForError(err error) int {
	switch {
	case errors.Is(err, vault.ErrZeroAmount),
		errors.Is(err, vault.ErrZeroAddress),
		errors.Is(err, vault.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrInsufficientShares),
		errors.Is(err, vault.ErrNoShares):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vault.ErrInsolvent),
		errors.Is(err, vault.ErrSlippage):
		return http.StatusConflict
	case errors.Is(err, vault.ErrInvalidPrice):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func parseAmount(raw string) (*big.Int, bool) {
	if raw == "" {
		return nil, false
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, false
	}
	return value, true
}

func parseAddress(raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseParties(receiverRaw, ownerRaw string) (receiver, owner common.Address, ok bool) {
	receiver, ok = parseAddress(receiverRaw)
	if !ok {
		return common.Address{}, common.Address{}, false
	}
	owner, ok = parseAddress(ownerRaw)
	if !ok {
		return common.Address{}, common.Address{}, false
	}
	return receiver, owner, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
