package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims carried by both token kinds. The session ID binds every token to
// its owning session so revocation is enforceable.
type Claims struct {
	SessionID      string `json:"sid"`
	OrganizationID int64  `json:"org"`
	TokenType      string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256-signed token pairs.
type TokenManager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenManager constructs a TokenManager.
func NewTokenManager(secret string, accessTTL, refreshTTL time.Duration) *TokenManager {
	return &TokenManager{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// IssuePair mints a new access/refresh pair bound to the session.
func (m *TokenManager) IssuePair(userID, orgID int64, sessionID string) (TokenPair, error) {
	now := time.Now().UTC()
	accessExp := now.Add(m.accessTTL)
	refreshExp := now.Add(m.refreshTTL)

	access, err := m.sign(userID, orgID, sessionID, tokenTypeAccess, now, accessExp)
	if err != nil {
		return TokenPair{}, fmt.Errorf("session: sign access token: %w", err)
	}
	refresh, err := m.sign(userID, orgID, sessionID, tokenTypeRefresh, now, refreshExp)
	if err != nil {
		return TokenPair{}, fmt.Errorf("session: sign refresh token: %w", err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (m *TokenManager) sign(userID, orgID int64, sessionID, typ string, now, exp time.Time) (string, error) {
	claims := Claims{
		SessionID:      sessionID,
		OrganizationID: orgID,
		TokenType:      typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// VerifyAccess parses and validates an access token.
func (m *TokenManager) VerifyAccess(raw string) (*Claims, error) {
	return m.verify(raw, tokenTypeAccess)
}

// VerifyRefresh parses and validates a refresh token.
func (m *TokenManager) VerifyRefresh(raw string) (*Claims, error) {
	return m.verify(raw, tokenTypeRefresh)
}

func (m *TokenManager) verify(raw, wantType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, shared.ErrUnauthorized
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TokenType != wantType || claims.SessionID == "" {
		return nil, shared.ErrUnauthorized
	}
	return claims, nil
}

// UserID returns the numeric subject claim.
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, shared.ErrUnauthorized
	}
	return id, nil
}

// HashToken derives the storage/blacklist hash of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
