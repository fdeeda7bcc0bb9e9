package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"gravityauth.org/internal/auth"
	"gravityauth.org/internal/blacklist"
	"gravityauth.org/internal/ids"
	"gravityauth.org/internal/token"
)

// Minimal in-memory auth.Store so the handlers run over the real service.
type stubStore struct {
	mu     sync.Mutex
	users  map[string]*auth.User
	emails map[string]*auth.User
	roles  map[string]*auth.Role
	toks   map[string]*token.RefreshRecord
}

func newStubStore() *stubStore {
	return &stubStore{
		users:  map[string]*auth.User{},
		emails: map[string]*auth.User{},
		roles:  map[string]*auth.Role{},
		toks:   map[string]*token.RefreshRecord{},
	}
}

func (s *stubStore) Users() auth.UserStore                 { return (*stubUsers)(s) }
func (s *stubStore) Roles() auth.RoleStore                 { return (*stubRoles)(s) }
func (s *stubStore) RefreshTokens() auth.RefreshTokenStore { return (*stubTokens)(s) }

type stubUsers stubStore

func (s *stubUsers) Create(ctx context.Context, u *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.emails[u.Email]; ok {
		return auth.ErrAlreadyExists
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	cp := *u
	s.users[u.ID] = &cp
	s.emails[u.Email] = &cp
	return nil
}

func (s *stubUsers) FindByID(ctx context.Context, id string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, auth.ErrNotFound
}

func (s *stubUsers) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.emails[email]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, auth.ErrNotFound
}

func (s *stubUsers) UpdatePassword(ctx context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (s *stubUsers) TouchLastLogin(ctx context.Context, userID string) error { return nil }

type stubRoles stubStore

func (s *stubRoles) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.roles[name]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, auth.ErrNotFound
}

func (s *stubRoles) Ensure(ctx context.Context, roles []auth.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range roles {
		if _, ok := s.roles[r.Name]; !ok {
			cp := r
			s.roles[r.Name] = &cp
		}
	}
	return nil
}

type stubTokens stubStore

func (s *stubTokens) Create(ctx context.Context, rec *token.RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.toks[rec.TokenHash] = &cp
	return nil
}

func (s *stubTokens) FindByHash(ctx context.Context, hash string) (*token.RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.toks[hash]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, auth.ErrNotFound
}

func (s *stubTokens) RevokeIfLatest(ctx context.Context, familyID, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.toks {
		if rec.Family == familyID && rec.ID == tokenID && !rec.Revoked {
			rec.Revoked = true
			return true, nil
		}
	}
	return false, nil
}

func (s *stubTokens) RevokeFamily(ctx context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.toks {
		if rec.Family == familyID {
			rec.Revoked = true
		}
	}
	return nil
}

func newTestAPI(t *testing.T, opts ...Option) (*API, *stubStore) {
	t.Helper()
	store := newStubStore()
	codec, err := token.NewCodec([]string{"handler-test-key"}, token.WithIssuer("gravityauth"))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	issuer, err := token.NewIssuer(codec, store.RefreshTokens())
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	svc, err := auth.NewService(store, codec, issuer, blacklist.NewMemory())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	opts = append([]Option{WithLoginRateLimit(100, 100)}, opts...)
	return New(svc, ReadyProbe{}, "test", opts...), store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func registerAndLogin(t *testing.T, h http.Handler, email, password string) tokenResponse {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/v1/auth/register", map[string]string{
		"email": email, "password": password,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register = %d: %s", rec.Code, rec.Body)
	}
	rec = doJSON(t, h, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": email, "password": password,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", rec.Code, rec.Body)
	}
	var resp tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp
}

func bearer(tok string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + tok}}
}

func TestHealthz(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status"`) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestOpenAPIServed(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodGet, "/openapi.yaml", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("openapi = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "openapi:") {
		t.Error("response does not look like an OpenAPI document")
	}
}

func TestRegisterLoginMe(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	pair := registerAndLogin(t, h, "alice@example.com", "password123")
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.TokenType != "bearer" {
		t.Fatalf("token response: %+v", pair)
	}

	rec := doJSON(t, h, http.MethodGet, "/v1/auth/me", nil, bearer(pair.AccessToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("me = %d: %s", rec.Code, rec.Body)
	}
	var me struct {
		Subject string `json:"subject"`
		Role    string `json:"role"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.Subject == "" || me.Role != auth.DefaultRole {
		t.Errorf("me = %+v", me)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()
	registerAndLogin(t, h, "alice@example.com", "password123")

	rec := doJSON(t, h, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "alice@example.com", "password": "wrong",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid credentials") {
		t.Errorf("body = %s", rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "request_id") {
		t.Errorf("error body missing request_id: %s", rec.Body)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()
	registerAndLogin(t, h, "alice@example.com", "password123")

	rec := doJSON(t, h, http.MethodPost, "/v1/auth/register", map[string]string{
		"email": "alice@example.com", "password": "password123",
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register = %d: %s", rec.Code, rec.Body)
	}
}

func TestRefreshEndpointRotates(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()
	pair := registerAndLogin(t, h, "alice@example.com", "password123")

	rec := doJSON(t, h, http.MethodPost, "/v1/auth/refresh", map[string]string{
		"refresh_token": pair.RefreshToken,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh = %d: %s", rec.Code, rec.Body)
	}
	var next tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &next); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Error("refresh token not rotated")
	}

	// Replaying the consumed token is rejected.
	rec = doJSON(t, h, http.MethodPost, "/v1/auth/refresh", map[string]string{
		"refresh_token": pair.RefreshToken,
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed refresh = %d: %s", rec.Code, rec.Body)
	}
}

func TestLogoutEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()
	pair := registerAndLogin(t, h, "alice@example.com", "password123")

	rec := doJSON(t, h, http.MethodPost, "/v1/auth/logout", nil, bearer(pair.AccessToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("logout = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/auth/me", nil, bearer(pair.AccessToken))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("me after logout = %d", rec.Code)
	}
}

func TestLogoutWithoutToken(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/auth/logout", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("logout without token = %d", rec.Code)
	}
}

func TestPasswordResetEndpoints(t *testing.T) {
	var delivered string
	api, _ := newTestAPI(t, WithResetTokenDelivery(func(ctx context.Context, email, token string) {
		delivered = token
	}))
	h := api.Handler()
	registerAndLogin(t, h, "alice@example.com", "oldpassword")

	rec := doJSON(t, h, http.MethodPost, "/v1/auth/password/forgot", map[string]string{
		"email": "alice@example.com",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("forgot = %d: %s", rec.Code, rec.Body)
	}
	if delivered == "" {
		t.Fatal("no reset token delivered")
	}
	if strings.Contains(rec.Body.String(), delivered) {
		t.Fatal("reset token leaked into the response body")
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/auth/password/reset", map[string]string{
		"token": delivered, "new_password": "newpassword",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset = %d: %s", rec.Code, rec.Body)
	}

	// Token is single use.
	rec = doJSON(t, h, http.MethodPost, "/v1/auth/password/reset", map[string]string{
		"token": delivered, "new_password": "anotherpassword",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("reused reset token = %d: %s", rec.Code, rec.Body)
	}

	// New password works, old does not.
	rec = doJSON(t, h, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "alice@example.com", "password": "newpassword",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login with new password = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "alice@example.com", "password": "oldpassword",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("login with old password = %d", rec.Code)
	}
}

func TestForgotUnknownEmailLooksIdentical(t *testing.T) {
	api, _ := newTestAPI(t, WithResetTokenDelivery(func(ctx context.Context, email, token string) {}))
	h := api.Handler()
	registerAndLogin(t, h, "alice@example.com", "password123")

	known := doJSON(t, h, http.MethodPost, "/v1/auth/password/forgot", map[string]string{
		"email": "alice@example.com",
	}, nil)
	unknown := doJSON(t, h, http.MethodPost, "/v1/auth/password/forgot", map[string]string{
		"email": "nobody@example.com",
	}, nil)
	if known.Code != http.StatusOK || unknown.Code != http.StatusOK {
		t.Fatalf("forgot = %d / %d", known.Code, unknown.Code)
	}
	// An attacker probing for accounts must not be able to tell the two
	// responses apart.
	if known.Body.String() != unknown.Body.String() {
		t.Errorf("response bodies differ:\nknown:   %s\nunknown: %s", known.Body, unknown.Body)
	}
}

func TestChangePasswordEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()
	pair := registerAndLogin(t, h, "alice@example.com", "oldpassword")

	rec := doJSON(t, h, http.MethodPost, "/v1/auth/password/change", map[string]string{
		"old_password": "oldpassword", "new_password": "newpassword",
	}, bearer(pair.AccessToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("change = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "alice@example.com", "password": "newpassword",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login after change = %d", rec.Code)
	}
}

func TestChangePasswordRequiresAuth(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/auth/password/change", map[string]string{
		"old_password": "a", "new_password": "newpassword",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("change without token = %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodGet, "/v1/auth/login", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET login = %d", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Errorf("Allow = %q", rec.Header().Get("Allow"))
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "a@b.c", "password": "x", "extra": "nope",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field = %d", rec.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	api, _ := newTestAPI(t)
	huge := fmt.Sprintf(`{"email":%q,"password":"x"}`, strings.Repeat("a", maxBodyBytes+1))
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(huge))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized body = %d", rec.Code)
	}
}
