// Package auth resolves an inbound bearer token to a configured user and
// enforces that user's allowed_models list.
//
// Grounded on the teacher's extractClientAPIKey/parseBearerToken helpers in
// proxy/gateway.go, pulled into their own package because spec.md gives
// authentication its own error buckets (AuthFailed, ModelNotAllowed)
// distinct from provider/backend failures.
package auth

import (
	"errors"
	"strings"

	"github.com/berryapi/gateway/internal/config"
)

// ErrAuthFailed is returned when the Authorization header is missing,
// malformed, or does not match any enabled user's token.
var ErrAuthFailed = errors.New("auth: invalid or missing bearer token")

// ErrModelNotAllowed is returned when the authenticated user's
// allowed_models list is non-empty and does not contain the requested
// logical model.
var ErrModelNotAllowed = errors.New("auth: model not allowed for this user")

// Authenticator resolves bearer tokens against the configured user table.
type Authenticator struct {
	cfg *config.Config
}

// New creates an Authenticator bound to the given configuration snapshot.
func New(cfg *config.Config) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Authenticate extracts the bearer token from an "Authorization" header
// value and resolves it to an enabled config.User.
func (a *Authenticator) Authenticate(authorizationHeader string) (config.User, error) {
	token := ParseBearerToken(authorizationHeader)
	if token == "" {
		return config.User{}, ErrAuthFailed
	}
	user, ok := a.cfg.UserByToken(token)
	if !ok {
		return config.User{}, ErrAuthFailed
	}
	return user, nil
}

// Authorize checks that user may address logicalModel, per its
// allowed_models list (empty list means all models).
func Authorize(user config.User, logicalModel string) error {
	if !user.AllowsModel(logicalModel) {
		return ErrModelNotAllowed
	}
	return nil
}

// ParseBearerToken extracts the token from a "Bearer <token>" header value.
// Returns "" if the header is empty or not a well-formed bearer credential.
func ParseBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	token := strings.TrimSpace(parts[1])
	return token
}
