package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"gravityauth.org/internal/auth"
)

const authHeader = "Authorization"

var errMissingBearer = errors.New("missing bearer token")

// extractBearerToken pulls the raw token out of an Authorization header.
// The scheme comparison is case-insensitive per RFC 7235.
func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errMissingBearer
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("malformed authorization header")
	}
	raw := strings.TrimSpace(parts[1])
	if raw == "" {
		return "", errMissingBearer
	}
	return raw, nil
}

// authorize resolves the caller's identity from the bearer token and checks
// the required permission. On success it returns the request with the
// identity attached to its context; on failure it writes the error response
// and returns ok=false so handlers just bail out.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, permission string) (auth.Identity, *http.Request, bool) {
	raw, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return auth.Identity{}, r, false
	}
	id, err := a.svc.Authorize(r.Context(), raw, permission)
	if err != nil {
		writeAuthError(w, r, err)
		return auth.Identity{}, r, false
	}
	ctx := auth.ContextWithIdentity(r.Context(), id)
	ctx = auth.ContextWithToken(ctx, raw)
	return id, r.WithContext(ctx), true
}

func errorsIsReuse(err error) bool {
	return errors.Is(err, auth.ErrTokenReuseDetected)
}

func errorsIsAuthFailure(err error) bool {
	return errors.Is(err, auth.ErrAuthenticationFailed)
}
