package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gravityauth.org/internal/blacklist"
	"gravityauth.org/internal/obs"
	"gravityauth.org/internal/token"
)

const (
	defaultOpTimeout  = 3 * time.Second
	familyKeyPrefix   = "fam:"
	minPasswordLength = 8
)

// dummyHash is a syntactically valid Argon2id hash that matches no password.
// Lookups for unknown emails verify against it so both failure paths cost a
// hash computation.
const dummyHash = "$argon2id$v=19$m=65536,t=2,p=1$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Service implements the token lifecycle: credential verification, pair
// issuance, refresh rotation with reuse detection, revocation and RBAC
// authorization. It holds no mutable state; every method is safe for
// arbitrarily many concurrent callers.
type Service struct {
	store     Store
	codec     *token.Codec
	issuer    *token.Issuer
	revoked   blacklist.Store
	opTimeout time.Duration
	now       func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithOpTimeout bounds every external storage call.
func WithOpTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the auth core.
func NewService(store Store, codec *token.Codec, issuer *token.Issuer, revoked blacklist.Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if codec == nil || issuer == nil {
		return nil, errors.New("auth: codec and issuer are required")
	}
	if revoked == nil {
		return nil, errors.New("auth: revocation store is required")
	}
	s := &Service{
		store:     store,
		codec:     codec,
		issuer:    issuer,
		revoked:   revoked,
		opTimeout: defaultOpTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsureBuiltins seeds the built-in roles.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.store.Roles().Ensure(ctx, BuiltinRoles)
}

// Login verifies credentials and issues a fresh token pair with a new family.
func (s *Service) Login(ctx context.Context, email, secret string) (token.Pair, *User, error) {
	user, err := s.verifyCredentials(ctx, email, secret)
	if err != nil {
		obs.LoginsTotal.WithLabelValues("failure").Inc()
		return token.Pair{}, nil, err
	}

	pair, err := s.issuePair(ctx, user.ID, user.RoleName, "")
	if err != nil {
		obs.LoginsTotal.WithLabelValues("failure").Inc()
		return token.Pair{}, nil, err
	}

	// Last-login bookkeeping is best effort; a write failure must not fail
	// an otherwise valid login.
	func() {
		tctx, cancel := s.bound(ctx)
		defer cancel()
		if err := s.store.Users().TouchLastLogin(tctx, user.ID); err != nil {
			obs.LogEvent("warn", "last_login_update_failed", map[string]any{"user_id": user.ID, "error": err.Error()})
		}
	}()

	obs.LoginsTotal.WithLabelValues("success").Inc()
	return pair, user, nil
}

// verifyCredentials is the credential verifier: normalized-email lookup,
// active check and constant-time hash comparison. Every failure collapses
// into ErrAuthenticationFailed.
func (s *Service) verifyCredentials(ctx context.Context, email, secret string) (*User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || secret == "" {
		return nil, ErrAuthenticationFailed
	}

	fctx, cancel := s.bound(ctx)
	defer cancel()
	user, err := s.store.Users().FindByEmail(fctx, email)
	switch {
	case errors.Is(err, ErrNotFound):
		// Burn a hash computation so "no such user" is not observably
		// faster than "wrong secret".
		_, _ = VerifyPassword(dummyHash, secret)
		return nil, ErrAuthenticationFailed
	case err != nil:
		return nil, upstream(err)
	}

	ok, err := VerifyPassword(user.PasswordHash, secret)
	if err != nil || !ok {
		return nil, ErrAuthenticationFailed
	}
	if !user.Active {
		return nil, ErrAuthenticationFailed
	}
	return user, nil
}

// Refresh rotates a refresh token: the consumed token is durably revoked
// before the replacement pair is returned, and replay of a superseded token
// revokes the entire family.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (token.Pair, error) {
	claims, err := s.codec.Decode(refreshToken)
	if err != nil {
		obs.RotationsTotal.WithLabelValues("invalid").Inc()
		if errors.Is(err, token.ErrExpired) {
			return token.Pair{}, ErrTokenExpired
		}
		return token.Pair{}, ErrInvalidToken
	}
	if claims.TokenType != token.TypeRefresh {
		obs.RotationsTotal.WithLabelValues("invalid").Inc()
		return token.Pair{}, ErrInvalidToken
	}

	// The durable record is the replay authority. It must be consulted
	// before any blacklist short-circuit: a consumed token has to surface
	// as reuse and kill its family, not as an ordinary revocation.
	fctx, cancel := s.bound(ctx)
	rec, err := s.store.RefreshTokens().FindByHash(fctx, token.Hash(refreshToken))
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		obs.RotationsTotal.WithLabelValues("revoked").Inc()
		return token.Pair{}, ErrTokenRevoked
	case err != nil:
		return token.Pair{}, upstream(err)
	}
	if s.now().After(rec.ExpiresAt) {
		obs.RotationsTotal.WithLabelValues("expired").Inc()
		return token.Pair{}, ErrTokenExpired
	}

	if rec.Revoked {
		// A consumed token is being replayed: security event. Kill the
		// whole family before reporting, no matter what the caller does
		// with the error.
		s.revokeFamily(ctx, rec)
		obs.RotationsTotal.WithLabelValues("reuse").Inc()
		obs.ReuseDetectedTotal.Inc()
		obs.LogEvent("warn", "token_reuse_detected", map[string]any{
			"family":  rec.Family,
			"subject": rec.Subject,
		})
		return token.Pair{}, ErrTokenReuseDetected
	}

	// The family key covers revocations whose record update did not land.
	if err := s.requireNotRevoked(ctx, claims.ID, claims.Family); err != nil {
		obs.RotationsTotal.WithLabelValues("revoked").Inc()
		return token.Pair{}, err
	}

	// Resolve the subject before consuming the token so an upstream outage
	// leaves the token usable for a retry.
	uctx, cancel := s.bound(ctx)
	user, err := s.store.Users().FindByID(uctx, rec.Subject)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		obs.RotationsTotal.WithLabelValues("invalid").Inc()
		return token.Pair{}, ErrInvalidToken
	case err != nil:
		return token.Pair{}, upstream(err)
	}
	if !user.Active {
		obs.RotationsTotal.WithLabelValues("invalid").Inc()
		return token.Pair{}, ErrInvalidToken
	}

	// Single-winner gate: the conditional update consumes the record only
	// if it is still the live token of its family.
	cctx, cancel := s.bound(ctx)
	won, err := s.store.RefreshTokens().RevokeIfLatest(cctx, rec.Family, rec.ID)
	cancel()
	if err != nil {
		return token.Pair{}, upstream(err)
	}
	if !won {
		obs.RotationsTotal.WithLabelValues("revoked").Inc()
		return token.Pair{}, ErrTokenRevoked
	}

	pair, err := s.issuePair(ctx, user.ID, user.RoleName, rec.Family)
	if err != nil {
		return token.Pair{}, err
	}
	obs.RotationsTotal.WithLabelValues("success").Inc()
	return pair, nil
}

// Logout inserts the access token's id into the revocation store with TTL
// equal to its remaining lifetime.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	claims, err := s.codec.Decode(accessToken)
	if err != nil {
		return ErrInvalidToken
	}
	if claims.TokenType != token.TypeAccess || claims.ExpiresAt == nil {
		return ErrInvalidToken
	}
	ttl := claims.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	bctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.revoked.Put(bctx, claims.ID, ttl); err != nil {
		return upstream(err)
	}
	obs.RevocationsTotal.Inc()
	return nil
}

// Authorize validates an access token and checks the snapshotted role against
// the required permission. Pure read plus one revocation-store round-trip.
func (s *Service) Authorize(ctx context.Context, accessToken, requiredPermission string) (Identity, error) {
	claims, err := s.codec.Decode(accessToken)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrExpired):
			return Identity{}, unauthenticated(ErrTokenExpired)
		case errors.Is(err, token.ErrInvalidSignature):
			return Identity{}, unauthenticated(ErrInvalidSignature)
		default:
			return Identity{}, unauthenticated(ErrInvalidToken)
		}
	}
	if claims.TokenType != token.TypeAccess {
		return Identity{}, unauthenticated(ErrInvalidToken)
	}

	if err := s.requireNotRevoked(ctx, claims.ID, claims.Family); err != nil {
		if errors.Is(err, ErrTokenRevoked) {
			return Identity{}, unauthenticated(ErrTokenRevoked)
		}
		return Identity{}, err
	}

	id := Identity{
		Subject: claims.Subject,
		Role:    claims.Role,
		TokenID: claims.ID,
		Family:  claims.Family,
	}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}

	if requiredPermission == "" || claims.Role == AdminRole {
		return id, nil
	}

	rctx, cancel := s.bound(ctx)
	defer cancel()
	role, err := s.store.Roles().FindByName(rctx, claims.Role)
	switch {
	case errors.Is(err, ErrNotFound):
		return Identity{}, ErrForbidden
	case err != nil:
		return Identity{}, upstream(err)
	}
	if !role.HasPermission(requiredPermission) {
		return Identity{}, ErrForbidden
	}
	return id, nil
}

// RequestPasswordReset issues a short-lived, purpose-scoped reset token for
// the account behind email. Unknown or inactive accounts fail generically.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", ErrAuthenticationFailed
	}
	fctx, cancel := s.bound(ctx)
	defer cancel()
	user, err := s.store.Users().FindByEmail(fctx, email)
	switch {
	case errors.Is(err, ErrNotFound):
		return "", ErrAuthenticationFailed
	case err != nil:
		return "", upstream(err)
	}
	if !user.Active {
		return "", ErrAuthenticationFailed
	}
	reset, err := s.issuer.IssueReset(user.ID)
	if err != nil {
		return "", fmt.Errorf("issue reset token: %w", err)
	}
	return reset, nil
}

// ConfirmPasswordReset consumes a reset token and applies the new secret.
// The token is invalidated at consumption time: even if the password write
// below fails, the same reset link can never be presented again.
func (s *Service) ConfirmPasswordReset(ctx context.Context, resetToken, newSecret string) error {
	subject, err := s.consumeResetToken(ctx, resetToken)
	if err != nil {
		return err
	}
	if len(newSecret) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	hash, err := HashPassword(newSecret)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	uctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.store.Users().UpdatePassword(uctx, subject, hash); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrAuthenticationFailed
		}
		return upstream(err)
	}
	return nil
}

// consumeResetToken validates a reset token and marks it used before
// returning, enforcing single use.
func (s *Service) consumeResetToken(ctx context.Context, resetToken string) (string, error) {
	claims, err := s.codec.Decode(resetToken)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrInvalidToken
	}
	if claims.TokenType != token.TypeReset || claims.Purpose != token.ResetPurpose {
		return "", ErrInvalidToken
	}

	ectx, cancel := s.bound(ctx)
	used, err := s.revoked.Exists(ectx, claims.ID)
	cancel()
	if err != nil {
		return "", upstream(err)
	}
	if used {
		return "", ErrInvalidToken
	}

	ttl := time.Duration(0)
	if claims.ExpiresAt != nil {
		ttl = claims.ExpiresAt.Sub(s.now())
	}
	pctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.revoked.Put(pctx, claims.ID, ttl); err != nil {
		// Without the consumption marker the token would stay replayable,
		// so the whole operation fails closed.
		return "", upstream(err)
	}
	obs.ResetConsumedTotal.Inc()
	return claims.Subject, nil
}

// Register creates a user with the default role.
func (s *Service) Register(ctx context.Context, email, secret, roleName string) (*User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if len(secret) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	if roleName == "" {
		roleName = DefaultRole
	}

	ectx, cancel := s.bound(ctx)
	_, err := s.store.Users().FindByEmail(ectx, email)
	cancel()
	switch {
	case err == nil:
		return nil, ErrAlreadyExists
	case !errors.Is(err, ErrNotFound):
		return nil, upstream(err)
	}

	hash, err := HashPassword(secret)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &User{
		Email:        email,
		PasswordHash: hash,
		Active:       true,
		RoleName:     roleName,
	}
	cctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.store.Users().Create(cctx, user); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, ErrAlreadyExists
		}
		return nil, upstream(err)
	}
	return user, nil
}

// ChangePassword verifies the old secret and applies the new one.
func (s *Service) ChangePassword(ctx context.Context, userID, oldSecret, newSecret string) error {
	if len(newSecret) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	fctx, cancel := s.bound(ctx)
	user, err := s.store.Users().FindByID(fctx, userID)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case err != nil:
		return upstream(err)
	}
	ok, err := VerifyPassword(user.PasswordHash, oldSecret)
	if err != nil || !ok {
		return ErrAuthenticationFailed
	}
	hash, err := HashPassword(newSecret)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	uctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.store.Users().UpdatePassword(uctx, user.ID, hash); err != nil {
		return upstream(err)
	}
	return nil
}

func (s *Service) issuePair(ctx context.Context, subject, role, family string) (token.Pair, error) {
	ictx, cancel := s.bound(ctx)
	defer cancel()
	pair, err := s.issuer.IssuePair(ictx, subject, role, family)
	if err != nil {
		return token.Pair{}, upstream(err)
	}
	return pair, nil
}

// requireNotRevoked checks both the token id and its family key. Any store
// failure denies access: the blacklist is a security dependency, not a cache.
func (s *Service) requireNotRevoked(ctx context.Context, tokenID, family string) error {
	bctx, cancel := s.bound(ctx)
	defer cancel()
	revoked, err := s.revoked.Exists(bctx, tokenID)
	if err != nil {
		return upstream(err)
	}
	if revoked {
		return ErrTokenRevoked
	}
	if family != "" {
		revoked, err = s.revoked.Exists(bctx, familyKeyPrefix+family)
		if err != nil {
			return upstream(err)
		}
		if revoked {
			return ErrTokenRevoked
		}
	}
	return nil
}

// revokeFamily kills every token descended from one login: the durable
// records are marked revoked and the family key is blacklisted for the full
// refresh lifetime, which covers all outstanding access tokens too.
func (s *Service) revokeFamily(ctx context.Context, rec *token.RefreshRecord) {
	bctx, cancel := s.bound(ctx)
	if err := s.revoked.Put(bctx, familyKeyPrefix+rec.Family, s.issuer.RefreshTTL()); err != nil {
		obs.LogEvent("error", "family_blacklist_failed", map[string]any{"family": rec.Family, "error": err.Error()})
	}
	cancel()

	rctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.store.RefreshTokens().RevokeFamily(rctx, rec.Family); err != nil {
		obs.LogEvent("error", "family_revoke_failed", map[string]any{"family": rec.Family, "error": err.Error()})
	}
	obs.RevocationsTotal.Inc()
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func unauthenticated(cause error) error {
	return fmt.Errorf("%w: %w", ErrUnauthenticated, cause)
}

func upstream(err error) error {
	if errors.Is(err, ErrUpstreamUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}
