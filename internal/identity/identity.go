// Package identity resolves who is calling and decides whether a chat
// turn may reach the model.
package identity

import (
	"context"
	"errors"
	"net/http"

	"github.com/abdul-hamid-achik/blog/internal/observability"
	"github.com/abdul-hamid-achik/blog/internal/store"
)

// Identity is either a verified user or an anonymous browser session.
// The two never share counters.
type Identity struct {
	UserID    string
	Email     string
	SessionID string
	// Blocked mirrors the account flag of a verified user.
	Blocked bool
}

func Anonymous(sessionID string) Identity {
	return Identity{SessionID: sessionID}
}

func (i Identity) Verified() bool {
	return i.UserID != ""
}

// Key is the identity used for rate limits and block entries.
func (i Identity) Key() string {
	if i.Verified() {
		return i.UserID
	}
	return "session-" + i.SessionID
}

type UserLoader interface {
	GetUser(ctx context.Context, userID string) (*store.User, error)
}

type Resolver struct {
	cookies *CookieCodec
	users   UserLoader
}

func NewResolver(cookies *CookieCodec, users UserLoader) *Resolver {
	return &Resolver{cookies: cookies, users: users}
}

// Resolve upgrades the anonymous session to the verified user when a
// valid cookie names an existing account. Any failure keeps the caller
// anonymous.
func (r *Resolver) Resolve(req *http.Request, sessionID string) Identity {
	userID, ok := r.cookies.UserIDFromRequest(req)
	if !ok {
		return Anonymous(sessionID)
	}
	user, err := r.users.GetUser(req.Context(), userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			observability.LoggerFromContext(req.Context()).Error("load verified user failed", "error", err)
		}
		return Anonymous(sessionID)
	}
	return Identity{
		UserID:    user.ID,
		Email:     user.Email,
		SessionID: sessionID,
		Blocked:   user.Blocked,
	}
}
