// Package sessions implements login, logout, and token validation on top of
// the account registry. Tokens are HS256 JWTs that are additionally tracked
// in a server-side store, so logout revokes a token before its signed
// expiry is reached.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/medledger/backend/internal/accounts"
	"go.uber.org/zap"
)

const (
	defaultTokenTTL = 30 * time.Minute
	tokenIssuer     = "medledger-auth"
)

var (
	// ErrInvalidCredentials indicates an unknown email or a wrong password.
	// Deliberately indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("sessions: invalid credentials")
	// ErrUserInactive indicates a login against a deactivated account.
	ErrUserInactive = errors.New("sessions: user inactive")
)

// ManagerConfig describes the dependencies of the session manager.
type ManagerConfig struct {
	Accounts      *accounts.Service
	Store         Store
	SigningSecret []byte
	TokenTTL      time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Manager issues and validates session tokens.
type Manager struct {
	accounts      *accounts.Service
	store         Store
	signingSecret []byte
	tokenTTL      time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

// NewManager constructs the session manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("sessions: account service required")
	}
	if len(cfg.SigningSecret) == 0 {
		return nil, fmt.Errorf("sessions: signing secret required")
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		accounts:      cfg.Accounts,
		store:         store,
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		tokenTTL:      ttl,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Login verifies the credentials and issues a fresh token.
func (m *Manager) Login(ctx context.Context, email, password string) (*accounts.User, string, error) {
	user, err := m.accounts.GetByEmail(ctx, email)
	if errors.Is(err, accounts.ErrUserNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", err
	}
	if !accounts.VerifyPassword(password, user.PasswordHash) {
		return nil, "", ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, "", ErrUserInactive
	}

	now := m.clock().UTC()
	expiresAt := now.Add(m.tokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   user.UserID,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingSecret)
	if err != nil {
		return nil, "", err
	}

	m.store.Put(token, user.UserID, expiresAt)
	m.logger.Info("session opened",
		zap.String("user_id", user.UserID), zap.Time("expires_at", expiresAt))
	return user, token, nil
}

// Validate returns the user bound to the token, or ok=false for unknown,
// expired, revoked, or malformed tokens. Bad tokens never produce an error;
// a non-nil error reports a storage fault only.
func (m *Manager) Validate(ctx context.Context, token string) (*accounts.User, bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, false, nil
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm %s", t.Method.Alg())
			}
			return m.signingSecret, nil
		},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(m.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || parsed == nil || !parsed.Valid {
		return nil, false, nil
	}

	userID, live := m.store.Get(token, m.clock().UTC())
	if !live || userID != claims.Subject {
		return nil, false, nil
	}

	user, err := m.accounts.GetByID(ctx, userID)
	if errors.Is(err, accounts.ErrUserNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !user.IsActive {
		return nil, false, nil
	}
	return user, true, nil
}

// Logout invalidates the token immediately. Idempotent.
func (m *Manager) Logout(token string) {
	m.store.Delete(strings.TrimSpace(token))
}
