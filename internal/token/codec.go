package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the token_type claim. Verification rejects a token
// presented for a purpose other than the one it was issued for.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
	TypeReset   = "reset"
)

// ResetPurpose marks password-reset tokens.
const ResetPurpose = "password-reset"

var (
	// ErrMalformed indicates the token is structurally invalid.
	ErrMalformed = errors.New("token: malformed token")
	// ErrInvalidSignature indicates the signature matched none of the trusted keys.
	ErrInvalidSignature = errors.New("token: invalid signature")
	// ErrExpired indicates the token is past its expiry, beyond the allowed leeway.
	ErrExpired = errors.New("token: token expired")
)

const defaultLeeway = 30 * time.Second

// Claims is the signed payload shared by access, refresh and reset tokens.
type Claims struct {
	Role      string `json:"role,omitempty"`
	Family    string `json:"fam,omitempty"`
	TokenType string `json:"token_type"`
	Purpose   string `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

// Codec encodes and verifies compact JWTs (HS256). The first key signs,
// every listed key verifies, so a key rotation can keep older tokens valid
// by appending the retiring key to the trusted list.
type Codec struct {
	keys   [][]byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec)

// WithIssuer sets the iss claim stamped on issued tokens and required on verify.
func WithIssuer(issuer string) CodecOption {
	return func(c *Codec) {
		c.issuer = strings.TrimSpace(issuer)
	}
}

// WithLeeway overrides the clock-skew allowance applied on verification.
func WithLeeway(d time.Duration) CodecOption {
	return func(c *Codec) {
		if d >= 0 {
			c.leeway = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec constructs a Codec from an ordered list of signing keys.
func NewCodec(keys []string, opts ...CodecOption) (*Codec, error) {
	c := &Codec{
		leeway: defaultLeeway,
		now:    time.Now,
	}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		c.keys = append(c.keys, []byte(k))
	}
	if len(c.keys) == 0 {
		return nil, errors.New("token: at least one signing key is required")
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Encode signs the claims with the active (first) key.
func (c *Codec) Encode(claims *Claims) (string, error) {
	if claims == nil {
		return "", errors.New("token: claims are required")
	}
	if c.issuer != "" && claims.Issuer == "" {
		claims.Issuer = c.issuer
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(c.keys[0])
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Decode verifies the token against every trusted key and returns its claims.
// Expiry and malformed-structure failures are terminal; only signature
// mismatches fall through to the next key.
func (c *Codec) Decode(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformed
	}

	var lastErr error
	for _, key := range c.keys {
		claims, err := c.decodeWith(raw, key)
		if err == nil {
			return claims, nil
		}
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrMalformed
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			lastErr = ErrInvalidSignature
		default:
			lastErr = ErrInvalidSignature
		}
	}
	if lastErr == nil {
		lastErr = ErrInvalidSignature
	}
	return nil, lastErr
}

func (c *Codec) decodeWith(raw string, key []byte) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(c.leeway),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, jwt.ErrTokenMalformed
	}
	return claims, nil
}
