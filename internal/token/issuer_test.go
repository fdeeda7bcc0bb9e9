package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordSink struct {
	mu      sync.Mutex
	records []*RefreshRecord
	fail    error
}

func (r *recordSink) Create(ctx context.Context, rec *RefreshRecord) error {
	if r.fail != nil {
		return r.fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.records = append(r.records, &cp)
	return nil
}

func newTestIssuer(t *testing.T, sink *recordSink, opts ...IssuerOption) *Issuer {
	t.Helper()
	codec, err := NewCodec([]string{"test-key"})
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	iss, err := NewIssuer(codec, sink, opts...)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return iss
}

func TestIssuePairPersistsHashedRecord(t *testing.T) {
	sink := &recordSink{}
	iss := newTestIssuer(t, sink)

	pair, err := iss.IssuePair(context.Background(), "user-1", "user", "")
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("empty tokens in pair")
	}
	if pair.AccessToken == pair.RefreshToken {
		t.Fatal("access and refresh tokens are identical")
	}
	if pair.Family == "" {
		t.Fatal("empty family on new login")
	}

	if len(sink.records) != 1 {
		t.Fatalf("records persisted = %d, want 1", len(sink.records))
	}
	rec := sink.records[0]
	if rec.TokenHash != Hash(pair.RefreshToken) {
		t.Error("stored hash does not match refresh token")
	}
	if rec.TokenHash == pair.RefreshToken {
		t.Error("raw token material stored")
	}
	if rec.Subject != "user-1" || rec.Family != pair.Family || rec.ID != pair.RefreshTokenID {
		t.Errorf("record fields: %+v", rec)
	}
	if rec.Revoked {
		t.Error("fresh record marked revoked")
	}
}

func TestIssuePairKeepsFamily(t *testing.T) {
	sink := &recordSink{}
	iss := newTestIssuer(t, sink)

	first, err := iss.IssuePair(context.Background(), "user-1", "user", "")
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	second, err := iss.IssuePair(context.Background(), "user-1", "user", first.Family)
	if err != nil {
		t.Fatalf("IssuePair in family: %v", err)
	}
	if second.Family != first.Family {
		t.Errorf("family changed on rotation: %q -> %q", first.Family, second.Family)
	}

	third, err := iss.IssuePair(context.Background(), "user-1", "user", "")
	if err != nil {
		t.Fatalf("IssuePair new login: %v", err)
	}
	if third.Family == first.Family {
		t.Error("new login reused the old family")
	}
}

func TestIssuePairFailsWhenStoreFails(t *testing.T) {
	sink := &recordSink{fail: errors.New("db down")}
	iss := newTestIssuer(t, sink)

	if _, err := iss.IssuePair(context.Background(), "user-1", "user", ""); err == nil {
		t.Fatal("IssuePair succeeded without a persisted record")
	}
}

func TestIssuePairTTLs(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sink := &recordSink{}
	iss := newTestIssuer(t, sink,
		WithAccessTTL(15*time.Minute),
		WithRefreshTTL(48*time.Hour),
		WithIssuerClock(func() time.Time { return now }),
	)

	pair, err := iss.IssuePair(context.Background(), "user-1", "user", "")
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if pair.ExpiresIn != int64((15 * time.Minute).Seconds()) {
		t.Errorf("ExpiresIn = %d", pair.ExpiresIn)
	}
	if !pair.AccessExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Errorf("AccessExpiresAt = %v", pair.AccessExpiresAt)
	}
	if !pair.RefreshExpiresAt.Equal(now.Add(48 * time.Hour)) {
		t.Errorf("RefreshExpiresAt = %v", pair.RefreshExpiresAt)
	}
	if !sink.records[0].ExpiresAt.Equal(pair.RefreshExpiresAt) {
		t.Error("record expiry does not match refresh expiry")
	}
}

func TestIssueResetClaims(t *testing.T) {
	sink := &recordSink{}
	iss := newTestIssuer(t, sink)

	raw, err := iss.IssueReset("user-1")
	if err != nil {
		t.Fatalf("IssueReset: %v", err)
	}
	claims, err := iss.codec.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if claims.TokenType != TypeReset {
		t.Errorf("token type = %q, want %q", claims.TokenType, TypeReset)
	}
	if claims.Purpose != ResetPurpose {
		t.Errorf("purpose = %q, want %q", claims.Purpose, ResetPurpose)
	}
	if claims.Subject != "user-1" || claims.ID == "" {
		t.Errorf("claims: %+v", claims)
	}
	if len(sink.records) != 0 {
		t.Error("reset token produced a refresh record")
	}
}
