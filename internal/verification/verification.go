// Package verification issues magic links and redeems them into verified
// accounts.
package verification

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/blog/internal/observability"
	"github.com/abdul-hamid-achik/blog/internal/ratelimit"
	"github.com/abdul-hamid-achik/blog/internal/secrets"
	"github.com/abdul-hamid-achik/blog/internal/store"
)

var (
	ErrInvalidEmail     = errors.New("verification: invalid email address")
	ErrIssueRateLimited = errors.New("verification: too many links requested for this address")
	// ErrTokenInvalid does not say whether the token was unknown, expired
	// or already used.
	ErrTokenInvalid = errors.New("verification: token is invalid")
)

// Deliverer hands a verification link to the mail pipeline.
type Deliverer interface {
	Deliver(ctx context.Context, email string, link string) error
}

type TokenStore interface {
	CreateVerificationToken(ctx context.Context, token store.VerificationToken) error
	ConsumeVerificationToken(ctx context.Context, token string, now time.Time) (string, error)
	UpsertUserByEmail(ctx context.Context, email string, verifiedAt time.Time) (store.User, error)
}

type emailInput struct {
	Email string `validate:"required,email,max=254"`
}

type Issuer struct {
	tokens    TokenStore
	limiter   ratelimit.Checker
	deliverer Deliverer
	validate  *validator.Validate
	hashKey   []byte
	appURL    string
	ttl       time.Duration
	metrics   *observability.Metrics
	now       func() time.Time
	newToken  func() string
}

type IssuerConfig struct {
	AppURL string
	TTL    time.Duration
	// HashKey keys the fingerprint used for rate-limit keys and logs.
	HashKey []byte
}

func NewIssuer(tokens TokenStore, limiter ratelimit.Checker, deliverer Deliverer, cfg IssuerConfig, metrics *observability.Metrics) *Issuer {
	return &Issuer{
		tokens:    tokens,
		limiter:   limiter,
		deliverer: deliverer,
		validate:  validator.New(),
		hashKey:   cfg.HashKey,
		appURL:    strings.TrimRight(cfg.AppURL, "/"),
		ttl:       cfg.TTL,
		metrics:   metrics,
		now:       time.Now,
		newToken:  uuid.NewString,
	}
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Issue creates a single-use token for email and hands its link to the
// deliverer. The token itself is never returned or logged.
func (i *Issuer) Issue(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if err := i.validate.Struct(emailInput{Email: email}); err != nil {
		i.metrics.Verification("issue", "invalid_email")
		return ErrInvalidEmail
	}
	fingerprint := secrets.Fingerprint(i.hashKey, email)
	logger := observability.LoggerFromContext(ctx).With("email_hash", fingerprint)

	result, err := i.limiter.Check(ctx, ratelimit.ChannelMagicLink, fingerprint)
	if err != nil {
		return fmt.Errorf("check magic link budget: %w", err)
	}
	if !result.Allowed {
		logger.Warn("magic link issuance rate limited")
		i.metrics.Verification("issue", "rate_limited")
		return ErrIssueRateLimited
	}

	token := i.newToken()
	now := i.now()
	if err := i.tokens.CreateVerificationToken(ctx, store.VerificationToken{
		Token:     token,
		Email:     email,
		ExpiresAt: now.Add(i.ttl),
		CreatedAt: now,
	}); err != nil {
		i.metrics.Verification("issue", "error")
		return fmt.Errorf("create verification token: %w", err)
	}

	if err := i.deliverer.Deliver(ctx, email, i.Link(token)); err != nil {
		logger.Error("verification delivery failed", "error", err)
		i.metrics.Verification("issue", "delivery_failed")
		return fmt.Errorf("deliver verification email: %w", err)
	}
	logger.Info("verification link issued")
	i.metrics.Verification("issue", "ok")
	return nil
}

func (i *Issuer) Link(token string) string {
	return i.appURL + "/api/auth/verify?token=" + url.QueryEscape(token)
}

type Redeemer struct {
	tokens  TokenStore
	metrics *observability.Metrics
	now     func() time.Time
}

func NewRedeemer(tokens TokenStore, metrics *observability.Metrics) *Redeemer {
	return &Redeemer{tokens: tokens, metrics: metrics, now: time.Now}
}

// Redeem consumes token and returns the account it verifies. Creating the
// account is idempotent, so a returning address keeps its user id.
func (r *Redeemer) Redeem(ctx context.Context, token string) (store.User, error) {
	if strings.TrimSpace(token) == "" {
		r.metrics.Verification("redeem", "invalid")
		return store.User{}, ErrTokenInvalid
	}
	now := r.now()
	email, err := r.tokens.ConsumeVerificationToken(ctx, token, now)
	if err != nil {
		if errors.Is(err, store.ErrTokenNotRedeemable) {
			r.metrics.Verification("redeem", "invalid")
			return store.User{}, ErrTokenInvalid
		}
		r.metrics.Verification("redeem", "error")
		return store.User{}, fmt.Errorf("consume verification token: %w", err)
	}
	user, err := r.tokens.UpsertUserByEmail(ctx, email, now)
	if err != nil {
		r.metrics.Verification("redeem", "error")
		return store.User{}, fmt.Errorf("upsert verified user: %w", err)
	}
	r.metrics.Verification("redeem", "ok")
	return user, nil
}
