package identity

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const CookieName = "chat-auth"

var ErrInvalidCredential = errors.New("identity: invalid session credential")

type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
}

// CookieCodec signs and reads the verified-user session cookie.
type CookieCodec struct {
	key    []byte
	maxAge time.Duration
	secure bool
	now    func() time.Time
}

func NewCookieCodec(key []byte, maxAge time.Duration, secure bool) *CookieCodec {
	return &CookieCodec{key: key, maxAge: maxAge, secure: secure, now: time.Now}
}

func (c *CookieCodec) Issue(userID string) (*http.Cookie, error) {
	if userID == "" {
		return nil, errors.New("identity: user id is required")
	}
	now := c.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.maxAge)),
		},
		UserID: userID,
	})
	signed, err := token.SignedString(c.key)
	if err != nil {
		return nil, fmt.Errorf("sign session cookie: %w", err)
	}
	return c.cookie(signed, int(c.maxAge/time.Second)), nil
}

// Clear returns a cookie that removes the session credential.
func (c *CookieCodec) Clear() *http.Cookie {
	return c.cookie("", -1)
}

func (c *CookieCodec) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (c *CookieCodec) Parse(value string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(value, claims, func(t *jwt.Token) (any, error) {
		return c.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(c.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid || claims.UserID == "" {
		return "", ErrInvalidCredential
	}
	return claims.UserID, nil
}

// UserIDFromRequest returns the verified user id carried by r, if any.
func (c *CookieCodec) UserIDFromRequest(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	userID, err := c.Parse(cookie.Value)
	if err != nil {
		return "", false
	}
	return userID, true
}
