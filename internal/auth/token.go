package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"scenegen/internal/domain"
	"scenegen/internal/infra"
)

const (
	DefaultTTL = 30 * time.Minute
	// notBeforeSkew backdates nbf so a verifier with a slightly slow clock
	// still accepts a freshly issued token.
	notBeforeSkew = 5 * time.Second
)

// Credentials identify one provider account.
type Credentials struct {
	AccessKey string
	SecretKey string
	TTL       time.Duration
}

// Options configures a TokenManager.
type Options struct {
	Logger *infra.Logger
	Now    func() time.Time
}

// TokenManager hands out signed provider tokens. There is one cached token
// per access key and it is replaced wholesale when verification fails.
type TokenManager struct {
	mu     sync.Mutex
	tokens map[string]domain.AuthToken
	flight singleflight.Group
	now    func() time.Time
	logger *infra.Logger
}

// NewTokenManager returns an empty token cache; Options.Now defaults to time.Now.
func NewTokenManager(opts Options) *TokenManager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &TokenManager{
		tokens: make(map[string]domain.AuthToken),
		now:    now,
		logger: infra.LoggerOrDiscard(opts.Logger),
	}
}

// EnsureFresh returns the cached token when it still verifies against the
// secret, and signs a new one otherwise. Concurrent callers with the same
// access key share a single regeneration.
func (m *TokenManager) EnsureFresh(ctx context.Context, creds Credentials) (domain.AuthToken, error) {
	if creds.AccessKey == "" || creds.SecretKey == "" {
		return domain.AuthToken{}, domain.ErrMissingSecret
	}
	if tok, ok := m.cachedValid(creds); ok {
		return tok, nil
	}

	ch := m.flight.DoChan(creds.AccessKey, func() (any, error) {
		// Another caller may have refreshed while this one waited for the flight.
		if tok, ok := m.cachedValid(creds); ok {
			return tok, nil
		}
		tok, err := m.issue(creds)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.tokens[creds.AccessKey] = tok
		m.mu.Unlock()
		m.logger.Info().
			Time("expires_at", tok.ExpiresAt).
			Msg("auth: issued provider token")
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return domain.AuthToken{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.AuthToken{}, res.Err
		}
		return res.Val.(domain.AuthToken), nil
	}
}

// Invalidate drops the cached token if it is still the one the caller saw
// rejected. A token already replaced by a concurrent refresh is kept.
func (m *TokenManager) Invalidate(creds Credentials, rejected domain.AuthToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.tokens[creds.AccessKey]; ok && cur.Value == rejected.Value {
		delete(m.tokens, creds.AccessKey)
	}
}

func (m *TokenManager) cachedValid(creds Credentials) (domain.AuthToken, bool) {
	m.mu.Lock()
	tok, ok := m.tokens[creds.AccessKey]
	m.mu.Unlock()
	if !ok {
		return domain.AuthToken{}, false
	}
	if err := m.verify(tok.Value, creds); err != nil {
		m.logger.Debug().Err(err).Msg("auth: cached token rejected")
		return domain.AuthToken{}, false
	}
	if tok.Expired(m.now()) {
		return domain.AuthToken{}, false
	}
	return tok, true
}

func (m *TokenManager) issue(creds Credentials) (domain.AuthToken, error) {
	ttl := creds.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.now()
	exp := jwt.NewNumericDate(now.Add(ttl))
	claims := jwt.RegisteredClaims{
		Issuer:    creds.AccessKey,
		ExpiresAt: exp,
		NotBefore: jwt.NewNumericDate(now.Add(-notBeforeSkew)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(creds.SecretKey))
	if err != nil {
		return domain.AuthToken{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return domain.AuthToken{Value: signed, IssuedAt: now, ExpiresAt: exp.Time}, nil
}

func (m *TokenManager) verify(value string, creds Credentials) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		value,
		claims,
		func(*jwt.Token) (any, error) { return []byte(creds.SecretKey), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(creds.AccessKey),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	return err
}
