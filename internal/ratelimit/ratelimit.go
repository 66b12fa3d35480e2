// Package ratelimit gates outbound sends with counters kept in a shared store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrInvalidAddress is returned when an identifier cannot be derived from an
// address. It is a validation failure, not a rate-limit decision.
var ErrInvalidAddress = errors.New("ratelimit: invalid email address format")

// Strategy selects the dimension a send is limited on.
type Strategy int

const (
	ByDomain Strategy = iota + 1
	ByRecipient
)

// String returns the key segment for the strategy.
func (s Strategy) String() string {
	switch s {
	case ByDomain:
		return "DOMAIN"
	case ByRecipient:
		return "RECIPIENT"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy maps a config value ("domain", "recipient") to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "domain":
		return ByDomain, nil
	case "recipient", "receiver":
		return ByRecipient, nil
	default:
		return 0, fmt.Errorf("ratelimit: unknown strategy %q", name)
	}
}

// Identifier extracts the limited identifier from an address.
func (s Strategy) Identifier(address string) (string, error) {
	address = strings.TrimSpace(address)
	switch s {
	case ByDomain:
		parts := strings.SplitN(address, "@", 2)
		if len(parts) != 2 || parts[1] == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
		}
		return strings.ToLower(parts[1]), nil
	case ByRecipient:
		if address == "" {
			return "", fmt.Errorf("%w: empty address", ErrInvalidAddress)
		}
		return strings.ToLower(address), nil
	default:
		return "", fmt.Errorf("ratelimit: unsupported strategy %s", s)
	}
}

// Scope is a strategy paired with the identifier it was applied to.
type Scope struct {
	Strategy   Strategy
	Identifier string
}

// Key returns the counter key. Concurrent callers for the same scope always
// contend on the same key.
func (s Scope) Key() string {
	return "ratelimit:" + s.Strategy.String() + ":" + s.Identifier
}

func (s Scope) String() string {
	return s.Strategy.String() + ":" + s.Identifier
}

// Policy is the ceiling allowed within a window.
type Policy struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// Decision is the outcome of a single counter check.
type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Store is a shared counter store. Allow must increment and compare
// atomically.
type Store interface {
	Allow(ctx context.Context, key string, policy Policy) (Decision, error)
}

// ExceededError reports which scope denied the request.
type ExceededError struct {
	Scope      Scope
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (%d per %s)", e.Scope, e.Limit, e.Window)
}

// Limiter answers whether an action may proceed now.
type Limiter struct {
	store  Store
	policy Policy
}

// NewLimiter creates a Limiter backed by store.
func NewLimiter(store Store, policy Policy) *Limiter {
	if policy.Limit <= 0 {
		policy.Limit = 10
	}
	if policy.Window <= 0 {
		policy.Window = time.Second
	}
	return &Limiter{store: store, policy: policy}
}

// Policy returns the limiter's effective policy.
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Check derives the identifier for address and consumes one unit of its
// budget. It returns *ExceededError when the ceiling is exceeded.
func (l *Limiter) Check(ctx context.Context, strategy Strategy, address string) error {
	id, err := strategy.Identifier(address)
	if err != nil {
		return err
	}
	return l.check(ctx, Scope{Strategy: strategy, Identifier: id})
}

// CheckRecipients checks every address independently and fails if any check
// fails. Identifiers are derived for all addresses before any counter is
// touched, so a malformed address never consumes budget. Duplicate addresses
// issue duplicate checks. Increments made before a denial are kept.
func (l *Limiter) CheckRecipients(ctx context.Context, strategy Strategy, addresses []string) error {
	scopes := make([]Scope, 0, len(addresses))
	for _, addr := range addresses {
		id, err := strategy.Identifier(addr)
		if err != nil {
			return err
		}
		scopes = append(scopes, Scope{Strategy: strategy, Identifier: id})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, scope := range scopes {
		g.Go(func() error {
			return l.check(gctx, scope)
		})
	}
	return g.Wait()
}

func (l *Limiter) check(ctx context.Context, scope Scope) error {
	strategy := scope.Strategy.String()
	decision, err := l.store.Allow(ctx, scope.Key(), l.policy)
	if err != nil {
		checksTotal.WithLabelValues(strategy, "error").Inc()
		return fmt.Errorf("check rate limit %s: %w", scope, err)
	}
	if !decision.Allowed {
		checksTotal.WithLabelValues(strategy, "denied").Inc()
		return &ExceededError{
			Scope:      scope,
			Limit:      l.policy.Limit,
			Window:     l.policy.Window,
			RetryAfter: decision.RetryAfter,
		}
	}
	checksTotal.WithLabelValues(strategy, "allowed").Inc()
	return nil
}
