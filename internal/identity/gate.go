package identity

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/blog/internal/kv"
	"github.com/abdul-hamid-achik/blog/internal/observability"
	"github.com/abdul-hamid-achik/blog/internal/ratelimit"
)

type Outcome string

const (
	Proceed             Outcome = "proceed"
	RequireVerification Outcome = "require_verification"
	VerificationSent    Outcome = "verification_sent"
	VerificationFailed  Outcome = "verification_failed"
	Denied              Outcome = "denied"
)

type DenyReason string

const (
	DenyBlocked     DenyReason = "blocked"
	DenyRateLimited DenyReason = "rate_limited"
)

const (
	VerificationPrompt        = "You've used all your free messages. Reply with your email address and I'll send you a link to keep chatting."
	VerificationSentMessage   = "Check your email! I sent you a verification link. Click it to continue our conversation."
	VerificationFailedMessage = "I couldn't send the verification email. Please try again in a moment."
)

const (
	quotaPrefix = "quota:"
	// quotaTTL bounds how long a reservation counter outlives the turns it
	// counts. An expired counter is reseeded from the stored messages.
	quotaTTL = 24 * time.Hour
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// LooksLikeEmail reports whether a chat message is an email address and
// nothing else.
func LooksLikeEmail(message string) bool {
	return emailPattern.MatchString(strings.TrimSpace(message))
}

type Decision struct {
	Outcome    Outcome
	Reason     DenyReason
	RetryAfter time.Duration
	// Message is the canned reply for outcomes that bypass the model.
	Message string
	Used    int
	Limit   int
}

type BlockChecker interface {
	IsBlocked(ctx context.Context, identity string) (bool, error)
}

type MessageCounter interface {
	CountUserMessages(ctx context.Context, sessionID string) (int, error)
}

// VerificationStarter issues a magic link for email.
type VerificationStarter interface {
	Issue(ctx context.Context, email string) error
}

type Request struct {
	Identity Identity
	IP       string
	Message  string
	Channel  ratelimit.Channel
}

// Gate is the admission pipeline. Checks run cheapest first: block
// entries, then the rate limit, then the free message reservation, then
// email capture.
type Gate struct {
	blocks       BlockChecker
	limiter      ratelimit.Checker
	counter      MessageCounter
	reservations kv.Store
	verification VerificationStarter
	freeLimit    int
	metrics      *observability.Metrics
}

func NewGate(blocks BlockChecker, limiter ratelimit.Checker, counter MessageCounter, reservations kv.Store, verification VerificationStarter, freeLimit int, metrics *observability.Metrics) *Gate {
	return &Gate{
		blocks:       blocks,
		limiter:      limiter,
		counter:      counter,
		reservations: reservations,
		verification: verification,
		freeLimit:    freeLimit,
		metrics:      metrics,
	}
}

// Blocked reports whether the caller, its account or its IP is blocked.
// It runs before moderation so a blocked caller never earns strikes.
func (g *Gate) Blocked(ctx context.Context, req Request) bool {
	if !g.blocked(ctx, req) {
		return false
	}
	g.metrics.Admission(string(DenyBlocked))
	return true
}

func (g *Gate) Admit(ctx context.Context, req Request) (Decision, error) {
	decision, err := g.admit(ctx, req)
	if err == nil {
		label := string(decision.Outcome)
		if decision.Outcome == Denied {
			label = string(decision.Reason)
		}
		g.metrics.Admission(label)
	}
	return decision, err
}

func (g *Gate) admit(ctx context.Context, req Request) (Decision, error) {
	logger := observability.LoggerFromContext(ctx)
	key := req.Identity.Key()

	if g.blocked(ctx, req) {
		return Decision{Outcome: Denied, Reason: DenyBlocked}, nil
	}

	result, err := g.limiter.Check(ctx, req.Channel, key)
	if err != nil {
		return Decision{}, err
	}
	if !result.Allowed {
		return Decision{Outcome: Denied, Reason: DenyRateLimited, RetryAfter: result.RetryAfter}, nil
	}

	if req.Identity.Verified() {
		return Decision{Outcome: Proceed}, nil
	}

	used, ok := g.reserve(ctx, req.Identity.SessionID)
	if ok {
		return Decision{Outcome: Proceed, Used: used, Limit: g.freeLimit}, nil
	}

	if LooksLikeEmail(req.Message) {
		if err := g.verification.Issue(ctx, strings.TrimSpace(req.Message)); err != nil {
			logger.Warn("verification from chat failed", "error", err)
			return Decision{Outcome: VerificationFailed, Message: VerificationFailedMessage, Used: used, Limit: g.freeLimit}, nil
		}
		return Decision{Outcome: VerificationSent, Message: VerificationSentMessage, Used: used, Limit: g.freeLimit}, nil
	}
	return Decision{Outcome: RequireVerification, Message: VerificationPrompt, Used: used, Limit: g.freeLimit}, nil
}

func (g *Gate) blocked(ctx context.Context, req Request) bool {
	return req.Identity.Blocked || g.isBlocked(ctx, req.IP) || g.isBlocked(ctx, req.Identity.Key())
}

// reserve claims one free message for sessionID and reports the number
// used before it. The counter lives in the shared store so concurrent
// turns for one session cannot all pass on the same stale count. It is
// seeded from the stored messages the first time a session is seen. Any
// failure counts as an exhausted quota.
func (g *Gate) reserve(ctx context.Context, sessionID string) (int, bool) {
	logger := observability.LoggerFromContext(ctx)
	key := quotaPrefix + sessionID

	seeded, err := g.reservations.Exists(ctx, key)
	if err != nil {
		logger.Error("free message reservation unavailable, treating quota as exhausted", "error", err)
		return g.freeLimit, false
	}
	if !seeded {
		stored, err := g.counter.CountUserMessages(ctx, sessionID)
		if err != nil {
			logger.Error("count free messages failed, treating quota as exhausted", "error", err)
			return g.freeLimit, false
		}
		if _, err := g.reservations.SetNX(ctx, key, strconv.Itoa(stored), quotaTTL); err != nil {
			logger.Error("seed free message reservation failed, treating quota as exhausted", "error", err)
			return g.freeLimit, false
		}
	}

	claimed, err := g.reservations.IncrWithTTL(ctx, key, quotaTTL)
	if err != nil {
		logger.Error("free message reservation failed, treating quota as exhausted", "error", err)
		return g.freeLimit, false
	}
	if claimed <= int64(g.freeLimit) {
		return int(claimed) - 1, true
	}
	if _, err := g.reservations.Decr(ctx, key); err != nil {
		logger.Warn("release free message reservation failed", "error", err)
	}
	return int(claimed) - 1, false
}

// isBlocked fails open: an unreachable registry never denies.
func (g *Gate) isBlocked(ctx context.Context, identity string) bool {
	if identity == "" {
		return false
	}
	blocked, err := g.blocks.IsBlocked(ctx, identity)
	if err != nil {
		observability.LoggerFromContext(ctx).Error("block registry unavailable, allowing", "error", err)
		return false
	}
	return blocked
}
