package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig describes the credentials accepted on privileged routes. Static
// tokens and JWT verification can be enabled independently; a request passes
// when either accepts it.
type AuthConfig struct {
	// APITokens are opaque bearer tokens compared in constant time.
	APITokens []string
	// JWTSecret enables HS256 verification of bearer tokens when non-empty.
	JWTSecret string
	// JWTIssuer, when set, must match the token's iss claim.
	JWTIssuer string
}

// Authenticator guards privileged routes.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{cfg: cfg, logger: logger}
}

// Enabled reports whether any credential source is configured. Routes guarded
// by a disabled authenticator reject everything.
func (a *Authenticator) Enabled() bool {
	return len(a.cfg.APITokens) > 0 || a.cfg.JWTSecret != ""
}

// Middleware rejects requests lacking an acceptable bearer credential.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				a.deny(w, r, "missing bearer token")
				return
			}
			if a.matchesStaticToken(token) {
				next.ServeHTTP(w, r)
				return
			}
			if a.cfg.JWTSecret != "" {
				if err := a.verifyJWT(token); err == nil {
					next.ServeHTTP(w, r)
					return
				} else {
					a.deny(w, r, err.Error())
					return
				}
			}
			a.deny(w, r, "unrecognized credential")
		})
	}
}

func (a *Authenticator) matchesStaticToken(token string) bool {
	for _, candidate := range a.cfg.APITokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

func (a *Authenticator) verifyJWT(token string) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	claims := jwt.MapClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return jwt.ErrTokenUnverifiable
	}
	if a.cfg.JWTIssuer != "" {
		issuer, err := claims.GetIssuer()
		if err != nil || issuer != a.cfg.JWTIssuer {
			return jwt.ErrTokenInvalidIssuer
		}
	}
	return nil
}

func (a *Authenticator) deny(w http.ResponseWriter, r *http.Request, reason string) {
	a.logger.Warn("request rejected", "path", r.URL.Path, "reason", reason)
	w.Header().Set("WWW-Authenticate", `Bearer realm="loopvault"`)
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
