package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"loopvault/native/vault"
	"loopvault/rpc/middleware"
)

var (
	testReceiver = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	testOwner    = common.HexToAddress("0xbbbb000000000000000000000000000000000002")
)

func wadTimes(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

// stubVault answers with canned values and records the last mutation.
type stubVault struct {
	state       *vault.VaultState
	stateErr    error
	depositOut  *big.Int
	depositErr  error
	rebalanced  int
	lastAssets  *big.Int
	lastReceive common.Address
}

func (s *stubVault) Snapshot() (*vault.VaultState, error) {
	if s.stateErr != nil {
		return nil, s.stateErr
	}
	return s.state, nil
}

func (s *stubVault) TotalAssets() (*big.Int, error) {
	if s.stateErr != nil {
		return nil, s.stateErr
	}
	return wadTimes(2), nil
}

func (s *stubVault) TargetLeverage() *big.Int { return wadTimes(2) }
func (s *stubVault) MaxLeverage() *big.Int    { return wadTimes(5) }

func (s *stubVault) Deposit(assets *big.Int, receiver common.Address) (*big.Int, error) {
	if s.depositErr != nil {
		return nil, s.depositErr
	}
	s.lastAssets = assets
	s.lastReceive = receiver
	return s.depositOut, nil
}

func (s *stubVault) Mint(sharesOut *big.Int, receiver common.Address) (*big.Int, error) {
	return sharesOut, nil
}

func (s *stubVault) Withdraw(assets *big.Int, _, _ common.Address) (*big.Int, error) {
	return assets, nil
}

func (s *stubVault) Redeem(sharesIn *big.Int, _, _ common.Address) (*big.Int, error) {
	return sharesIn, nil
}

func (s *stubVault) Rebalance() error {
	s.rebalanced++
	return nil
}

type stubShares struct{}

func (stubShares) Total() *big.Int                   { return wadTimes(2) }
func (stubShares) BalanceOf(common.Address) *big.Int { return wadTimes(1) }

func leveredState() *vault.VaultState {
	return &vault.VaultState{
		Collateral:      wadTimes(4),
		Debt:            wadTimes(4),
		CollateralPrice: wadTimes(2),
		AssetsValue:     wadTimes(8),
		EquityValue:     wadTimes(4),
		Leverage:        wadTimes(2),
	}
}

func newTestServer(t *testing.T, v *stubVault, mutate func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Listen: ":0",
		Auth:   middleware.AuthConfig{APITokens: []string{"test-token"}},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewServer(cfg, v, stubShares{}, nil)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	srv := newTestServer(t, &stubVault{state: leveredState()}, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStateEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubVault{state: leveredState()}, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/vault/state", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp stateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, wadTimes(4).String(), resp.Collateral)
	require.Equal(t, wadTimes(2).String(), resp.Leverage)
	require.Equal(t, wadTimes(2).String(), resp.TargetLeverage)
	require.False(t, resp.Underwater)
	require.Equal(t, wadTimes(2).String(), resp.TotalShares)
}

func TestDepositEndpoint(t *testing.T) {
	v := &stubVault{state: leveredState(), depositOut: wadTimes(2)}
	var staged *big.Int
	srv := newTestServer(t, v, func(cfg *Config) {
		cfg.StageDeposit = func(assets *big.Int, _ common.Address) error {
			staged = assets
			return nil
		}
	})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/vault/deposit", map[string]string{
		"assets":   wadTimes(2).String(),
		"receiver": testReceiver.Hex(),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, wadTimes(2), staged)
	require.Equal(t, wadTimes(2), v.lastAssets)
	require.Equal(t, testReceiver, v.lastReceive)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, wadTimes(2).String(), resp["shares"])
}

func TestDepositRejectsBadPayloads(t *testing.T) {
	srv := newTestServer(t, &stubVault{state: leveredState()}, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/vault/deposit", map[string]string{
		"assets":   "not-a-number",
		"receiver": testReceiver.Hex(),
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/vault/deposit", map[string]string{
		"assets":   "100",
		"receiver": "0xnope",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/vault/deposit", map[string]string{
		"assets":   "100",
		"receiver": testReceiver.Hex(),
		"bogus":    "field",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorTranslation(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{vault.ErrZeroAmount, http.StatusBadRequest},
		{vault.ErrZeroAddress, http.StatusBadRequest},
		{vault.ErrNoShares, http.StatusUnprocessableEntity},
		{vault.ErrInsufficientShares, http.StatusUnprocessableEntity},
		{vault.ErrInsolvent, http.StatusConflict},
		{vault.ErrSlippage, http.StatusConflict},
		{vault.ErrInvalidPrice, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		v := &stubVault{state: leveredState(), depositErr: tc.err}
		srv := newTestServer(t, v, nil)
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/vault/deposit", map[string]string{
			"assets":   "100",
			"receiver": testReceiver.Hex(),
		}, nil)
		require.Equal(t, tc.status, rec.Code, "error %v", tc.err)
	}
}

func TestRebalanceRequiresCredential(t *testing.T) {
	v := &stubVault{state: leveredState()}
	srv := newTestServer(t, v, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/vault/rebalance", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Zero(t, v.rebalanced)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/vault/rebalance", nil, map[string]string{
		"Authorization": "Bearer test-token",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, v.rebalanced)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/vault/rebalance", nil, map[string]string{
		"Authorization": "Bearer wrong-token",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRebalanceAcceptsJWT(t *testing.T) {
	const secret = "jwt-secret"
	v := &stubVault{state: leveredState()}
	srv := newTestServer(t, v, func(cfg *Config) {
		cfg.Auth = middleware.AuthConfig{JWTSecret: secret, JWTIssuer: "loopvault-ops"}
	})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "loopvault-ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/vault/rebalance", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Wrong issuer is rejected.
	bad := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	badSigned, err := bad.SignedString([]byte(secret))
	require.NoError(t, err)
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/vault/rebalance", nil, map[string]string{
		"Authorization": "Bearer " + badSigned,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWriteRouteRateLimit(t *testing.T) {
	v := &stubVault{state: leveredState(), depositOut: big.NewInt(1)}
	srv := newTestServer(t, v, func(cfg *Config) {
		cfg.RateLimits = map[string]middleware.RateLimit{
			"write": {RequestsPerMinute: 1, Burst: 1},
		}
	})
	body := map[string]string{"assets": "100", "receiver": testReceiver.Hex()}

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/vault/deposit", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/vault/deposit", body, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestShareBalanceEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubVault{state: leveredState()}, nil)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/vault/shares/"+testOwner.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, wadTimes(1).String(), resp["shares"])

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/vault/shares/garbage", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
