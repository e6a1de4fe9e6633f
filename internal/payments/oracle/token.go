package oracle

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 5 * time.Minute

// TokenConfig configures the service token.
type TokenConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// TokenSource signs and caches the service token presented to the backend.
type TokenSource struct {
	cfg          TokenConfig
	now          func() time.Time
	refreshSkew  time.Duration
	mu           sync.Mutex
	cachedToken  string
	cachedExpiry time.Time
}

// NewTokenSource creates a token source with a 30s refresh skew.
func NewTokenSource(cfg TokenConfig) *TokenSource {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTokenTTL
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		cfg.Issuer = "evmarket-web"
	}
	return &TokenSource{
		cfg:         cfg,
		now:         time.Now,
		refreshSkew: 30 * time.Second,
	}
}

// Token returns a cached token, re-signing it shortly before expiry. An empty
// secret disables authentication and yields "".
func (ts *TokenSource) Token() (string, error) {
	if ts == nil || strings.TrimSpace(ts.cfg.Secret) == "" {
		return "", nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	if ts.cachedToken != "" && now.Before(ts.cachedExpiry.Add(-ts.refreshSkew)) {
		return ts.cachedToken, nil
	}

	expiry := now.Add(ts.cfg.TTL)
	claims := jwt.RegisteredClaims{
		Issuer:    ts.cfg.Issuer,
		Subject:   "payment-callback",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiry),
	}
	if aud := strings.TrimSpace(ts.cfg.Audience); aud != "" {
		claims.Audience = jwt.ClaimStrings{aud}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(ts.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign backend token: %w", err)
	}
	ts.cachedToken = signed
	ts.cachedExpiry = expiry
	return signed, nil
}
