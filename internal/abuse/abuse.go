// Package abuse holds the block registry and the strike based escalator
// that feeds it.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abdul-hamid-achik/blog/internal/kv"
	"github.com/abdul-hamid-achik/blog/internal/observability"
)

const (
	blockedPrefix = "blocked:"
	strikesPrefix = "abuse:strikes:"
)

// Registry records blocked identities. An identity is a user id, an
// anonymous session key or an IP address.
type Registry struct {
	store kv.Store
}

func NewRegistry(store kv.Store) *Registry {
	return &Registry{store: store}
}

func (r *Registry) IsBlocked(ctx context.Context, identity string) (bool, error) {
	if identity == "" {
		return false, nil
	}
	return r.store.Exists(ctx, blockedPrefix+identity)
}

// Block marks identity as blocked. A ttl of zero blocks until Unblock.
func (r *Registry) Block(ctx context.Context, identity string, ttl time.Duration) error {
	if identity == "" {
		return errors.New("abuse: identity is required")
	}
	if ttl < 0 {
		return fmt.Errorf("abuse: negative block duration %s", ttl)
	}
	return r.store.SetWithTTL(ctx, blockedPrefix+identity, "1", ttl)
}

// BlockIfAbsent blocks identity for ttl unless a block entry already
// exists, and reports whether it wrote one. An existing entry keeps its
// own expiry.
func (r *Registry) BlockIfAbsent(ctx context.Context, identity string, ttl time.Duration) (bool, error) {
	if identity == "" {
		return false, errors.New("abuse: identity is required")
	}
	if ttl < 0 {
		return false, fmt.Errorf("abuse: negative block duration %s", ttl)
	}
	return r.store.SetNX(ctx, blockedPrefix+identity, "1", ttl)
}

func (r *Registry) Unblock(ctx context.Context, identity string) error {
	return r.store.Delete(ctx, blockedPrefix+identity)
}

// Status describes a block entry.
type Status struct {
	Blocked   bool
	Permanent bool
	Remaining time.Duration
}

func (r *Registry) Status(ctx context.Context, identity string) (Status, error) {
	ttl, err := r.store.TTL(ctx, blockedPrefix+identity)
	if errors.Is(err, kv.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return Status{Blocked: true, Permanent: ttl == 0, Remaining: ttl}, nil
}

// Escalator counts moderation strikes per IP inside a rolling window and
// issues a temporary block once the threshold is reached.
type Escalator struct {
	store     kv.Store
	registry  *Registry
	threshold int64
	window    time.Duration
	blockFor  time.Duration
	metrics   *observability.Metrics
}

type EscalatorConfig struct {
	Threshold int
	Window    time.Duration
	BlockFor  time.Duration
}

func NewEscalator(store kv.Store, registry *Registry, cfg EscalatorConfig, metrics *observability.Metrics) *Escalator {
	return &Escalator{
		store:     store,
		registry:  registry,
		threshold: int64(cfg.Threshold),
		window:    cfg.Window,
		blockFor:  cfg.BlockFor,
		metrics:   metrics,
	}
}

// Strike records one abuse signal for ip and reports whether ip is
// blocked once the strike is counted. The window starts at the first
// strike and is not extended by later ones. Reaching the threshold never
// replaces an existing block entry, so an operator's permanent block
// stays permanent.
func (e *Escalator) Strike(ctx context.Context, ip string) (bool, error) {
	if ip == "" {
		return false, nil
	}
	count, err := e.store.IncrWithTTL(ctx, strikesPrefix+ip, e.window)
	if err != nil {
		return false, fmt.Errorf("record strike: %w", err)
	}
	if count < e.threshold {
		return false, nil
	}
	placed, err := e.registry.BlockIfAbsent(ctx, ip, e.blockFor)
	if err != nil {
		return false, fmt.Errorf("block after strikes: %w", err)
	}
	if err := e.store.Delete(ctx, strikesPrefix+ip); err != nil {
		observability.LoggerFromContext(ctx).Warn("strike counter reset failed", "error", err)
	}
	if !placed {
		return true, nil
	}
	e.metrics.AbuseBlock()
	observability.LoggerFromContext(ctx).Warn("ip blocked after repeated moderation blocks", "strikes", count, "block_for", e.blockFor.String())
	return true, nil
}

func (e *Escalator) Strikes(ctx context.Context, ip string) (int64, error) {
	return e.store.GetInt(ctx, strikesPrefix+ip)
}

// Reset clears the strike counter for ip.
func (e *Escalator) Reset(ctx context.Context, ip string) error {
	return e.store.Delete(ctx, strikesPrefix+ip)
}
