package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"gravityauth.org/internal/ids"
)

const (
	defaultAccessTTL  = 60 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultResetTTL   = 15 * time.Minute
)

// RefreshRecord is the durable counterpart of a signed refresh token.
// Only the hash of the token material is stored.
type RefreshRecord struct {
	ID        string
	Subject   string
	Family    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	Revoked   bool
}

// RecordStore persists refresh-token records.
type RecordStore interface {
	Create(ctx context.Context, rec *RefreshRecord) error
}

// Pair is an access/refresh token pair returned to an authenticated caller.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessTokenID    string
	RefreshTokenID   string
	Family           string
	ExpiresIn        int64
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Issuer mints access/refresh pairs and purpose-scoped reset tokens.
type Issuer struct {
	codec      *Codec
	records    RecordStore
	accessTTL  time.Duration
	refreshTTL time.Duration
	resetTTL   time.Duration
	now        func() time.Time
}

// IssuerOption configures Issuer behavior.
type IssuerOption func(*Issuer)

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.refreshTTL = ttl
		}
	}
}

// WithResetTTL configures password-reset token lifetime.
func WithResetTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.resetTTL = ttl
		}
	}
}

// WithIssuerClock overrides the time source (useful for tests).
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an Issuer bound to a codec and a refresh-record store.
func NewIssuer(codec *Codec, records RecordStore, opts ...IssuerOption) (*Issuer, error) {
	if codec == nil {
		return nil, errors.New("token: codec is required")
	}
	if records == nil {
		return nil, errors.New("token: record store is required")
	}
	i := &Issuer{
		codec:      codec,
		records:    records,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		resetTTL:   defaultResetTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// AccessTTL reports the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// RefreshTTL reports the configured refresh token lifetime.
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

// IssuePair mints a fresh access/refresh pair for the subject. An empty
// family starts a new token family; otherwise the new refresh token joins
// the caller's existing family. The durable refresh record is persisted
// before the pair is returned.
func (i *Issuer) IssuePair(ctx context.Context, subject, role, family string) (Pair, error) {
	if subject == "" {
		return Pair{}, errors.New("token: subject is required")
	}
	if family == "" {
		family = ids.New()
	}
	now := i.now().UTC()
	accessExp := now.Add(i.accessTTL)
	refreshExp := now.Add(i.refreshTTL)

	accessID := uuid.NewString()
	refreshID := uuid.NewString()

	access, err := i.codec.Encode(&Claims{
		Role:      role,
		Family:    family,
		TokenType: TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        accessID,
		},
	})
	if err != nil {
		return Pair{}, fmt.Errorf("issue access token: %w", err)
	}

	refresh, err := i.codec.Encode(&Claims{
		Family:    family,
		TokenType: TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
			ID:        refreshID,
		},
	})
	if err != nil {
		return Pair{}, fmt.Errorf("issue refresh token: %w", err)
	}

	rec := &RefreshRecord{
		ID:        refreshID,
		Subject:   subject,
		Family:    family,
		TokenHash: Hash(refresh),
		ExpiresAt: refreshExp,
		CreatedAt: now,
	}
	if err := i.records.Create(ctx, rec); err != nil {
		return Pair{}, fmt.Errorf("persist refresh record: %w", err)
	}

	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessTokenID:    accessID,
		RefreshTokenID:   refreshID,
		Family:           family,
		ExpiresIn:        int64(i.accessTTL.Seconds()),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// IssueReset mints a short-lived, purpose-scoped password reset token.
func (i *Issuer) IssueReset(subject string) (string, error) {
	if subject == "" {
		return "", errors.New("token: subject is required")
	}
	now := i.now().UTC()
	return i.codec.Encode(&Claims{
		TokenType: TypeReset,
		Purpose:   ResetPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.resetTTL)),
			ID:        uuid.NewString(),
		},
	})
}

// Hash returns the hex-encoded SHA-256 digest of raw token material.
// Durable storage never sees the token itself.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
