package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/qwenbridge/qwenbridge/internal/config"
	"github.com/qwenbridge/qwenbridge/internal/qwen"
)

const (
	// degradeThreshold and quarantineThreshold are the consecutive-failure
	// counts at which an identity transitions state.
	degradeThreshold    = 1
	quarantineThreshold = 3

	// quarantineCooldown is how long a quarantined identity stays skipped
	// before selection considers it again.
	quarantineCooldown = 10 * time.Minute

	// expiryWarnWindow is how far ahead of token expiry the refresh
	// scheduler starts exchanging.
	expiryWarnWindow = 7 * 24 * time.Hour
)

// TokenRefresher exchanges a cookie for a fresh bearer token. The pool never
// performs the HTTP transaction itself.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, cookie string) (string, error)
}

// Pool is the shared registry of identities. A single mutex guards the
// ordered slice, the index map, and the selection cursor; it is never held
// across I/O.
type Pool struct {
	mu          sync.Mutex
	identities  []*Identity
	byID        map[string]*Identity
	cursor      int
	initialized bool

	refresher TokenRefresher
	logger    *zap.Logger
}

// NewPool creates an empty pool.
func NewPool(refresher TokenRefresher, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		byID:      make(map[string]*Identity),
		refresher: refresher,
		logger:    logger,
	}
}

// Initialize loads credential pairs into the pool. Identities with a missing
// or expired token go through a cookie exchange before being admitted; the
// outcome is recorded in their health state. Calling Initialize twice is a
// no-op.
func (p *Pool) Initialize(ctx context.Context, pairs []config.CredentialPair) {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return
	}
	p.initialized = true
	p.mu.Unlock()

	for i, pair := range pairs {
		id := &Identity{
			id:     fmt.Sprintf("identity-%d", i+1),
			token:  pair.Token,
			cookie: pair.Cookie,
			health: Healthy,
		}
		if pair.Token == "" || qwen.TokenExpired(pair.Token) {
			if pair.Cookie == "" || p.refresher == nil {
				id.health = Quarantined
				id.quarantinedAt = time.Now()
				id.needsRefresh = true
			} else if token, err := p.exchange(ctx, pair.Cookie); err != nil {
				p.logger.Warn("identity admission exchange failed",
					zap.String("identity", id.id), zap.Error(err))
				id.health = Quarantined
				id.quarantinedAt = time.Now()
				id.needsRefresh = true
				id.refreshFailures++
			} else {
				id.token = token
				id.lastRefresh = time.Now()
			}
		}
		p.mu.Lock()
		p.identities = append(p.identities, id)
		p.byID[id.id] = id
		p.mu.Unlock()
		p.logger.Info("identity admitted",
			zap.String("identity", id.id),
			zap.String("health", id.health.String()),
		)
	}
}

// Acquire returns an identity for use by a request, or false when no
// identity is selectable. Selection is round-robin over non-quarantined
// identities, healthy before degraded, least-recently-used first with pool
// order breaking ties. Acquire never blocks on I/O and never waits.
func (p *Pool) Acquire() (Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := p.selectLocked(Healthy)
	if best == nil {
		best = p.selectLocked(Degraded)
	}
	if best == nil {
		return Lease{}, false
	}
	best.lastUsed = time.Now()
	return Lease{ID: best.id, Creds: qwen.Credentials{Token: best.token, Cookie: best.cookie}}, true
}

// AcquireHealthy returns a healthy identity, or false when none exists.
// Best-effort jobs (chat cleanup) use this instead of Acquire so they skip
// entirely rather than fall back to a degraded identity.
func (p *Pool) AcquireHealthy() (Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := p.selectLocked(Healthy)
	if best == nil {
		return Lease{}, false
	}
	best.lastUsed = time.Now()
	return Lease{ID: best.id, Creds: qwen.Credentials{Token: best.token, Cookie: best.cookie}}, true
}

// selectLocked picks the least-recently-used identity at the given health
// level, scanning from the cursor so equal candidates rotate. Quarantined
// identities whose cool-down has passed are considered degraded.
func (p *Pool) selectLocked(level Health) *Identity {
	n := len(p.identities)
	var best *Identity
	for off := 0; off < n; off++ {
		cand := p.identities[(p.cursor+off)%n]
		h := cand.health
		if h == Quarantined && time.Since(cand.quarantinedAt) >= quarantineCooldown {
			h = Degraded
		}
		if h != level {
			continue
		}
		if best == nil || cand.lastUsed.Before(best.lastUsed) {
			best = cand
		}
	}
	if best != nil {
		p.cursor = (p.cursor + 1) % n
	}
	return best
}

// MarkSuccess records a successful request for the identity.
func (p *Pool) MarkSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ident, ok := p.byID[id]
	if !ok {
		return
	}
	ident.consecutiveFailures = 0
	ident.health = Healthy
	ident.lastSuccess = time.Now()
}

// MarkFailure records a failed request. authSignal marks failures where the
// upstream rejected the credentials outright; those quarantine immediately
// and flag the identity for refresh.
func (p *Pool) MarkFailure(id string, authSignal bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ident, ok := p.byID[id]
	if !ok {
		return
	}
	ident.consecutiveFailures++
	ident.lastFailure = time.Now()
	switch {
	case authSignal:
		ident.health = Quarantined
		ident.quarantinedAt = time.Now()
		ident.needsRefresh = true
	case ident.consecutiveFailures >= quarantineThreshold:
		ident.health = Quarantined
		ident.quarantinedAt = time.Now()
	case ident.consecutiveFailures >= degradeThreshold:
		ident.health = Degraded
	}
	p.logger.Warn("identity failure recorded",
		zap.String("identity", id),
		zap.Int("consecutive_failures", ident.consecutiveFailures),
		zap.String("health", ident.health.String()),
		zap.Bool("auth_signal", authSignal),
	)
}

// Selectable reports whether any identity is currently selectable.
func (p *Pool) Selectable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ident := range p.identities {
		if ident.health != Quarantined || time.Since(ident.quarantinedAt) >= quarantineCooldown {
			return true
		}
	}
	return false
}

// Size returns the number of identities in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.identities)
}

// Status returns aggregate counts for observability.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{Total: len(p.identities)}
	for _, ident := range p.identities {
		switch ident.health {
		case Healthy:
			st.Healthy++
		case Degraded:
			st.Degraded++
		case Quarantined:
			st.Quarantined++
		}
		if exp, ok := qwen.TokenExpiry(ident.token); ok {
			if st.NearestExpiry == nil || exp.Before(*st.NearestExpiry) {
				e := exp
				st.NearestExpiry = &e
			}
		}
	}
	return st
}

// RefreshExpired exchanges new tokens for every identity whose token is
// expired, expiring within the warning window, or flagged after an auth
// failure. The pool lock is held only for the short per-identity updates,
// never across the exchange itself. Returns how many identities were
// refreshed successfully.
func (p *Pool) RefreshExpired(ctx context.Context) int {
	type candidate struct {
		id     string
		cookie string
	}
	p.mu.Lock()
	var cands []candidate
	for _, ident := range p.identities {
		if ident.cookie == "" {
			continue
		}
		if ident.needsRefresh || qwen.TokenExpired(ident.token) || qwen.TokenExpiresWithin(ident.token, expiryWarnWindow) {
			cands = append(cands, candidate{id: ident.id, cookie: ident.cookie})
		}
	}
	p.mu.Unlock()

	refreshed := 0
	for _, cand := range cands {
		token, err := p.exchange(ctx, cand.cookie)

		p.mu.Lock()
		ident, ok := p.byID[cand.id]
		if !ok {
			p.mu.Unlock()
			continue
		}
		if err != nil {
			ident.refreshFailures++
			p.mu.Unlock()
			p.logger.Warn("token refresh failed",
				zap.String("identity", cand.id), zap.Error(err))
			continue
		}
		ident.token = token
		ident.lastRefresh = time.Now()
		ident.needsRefresh = false
		ident.consecutiveFailures = 0
		ident.health = Healthy
		p.mu.Unlock()
		refreshed++
		p.logger.Info("token refreshed", zap.String("identity", cand.id))
	}
	return refreshed
}

// exchange runs one cookie→token exchange with capped exponential backoff.
func (p *Pool) exchange(ctx context.Context, cookie string) (string, error) {
	if p.refresher == nil {
		return "", fmt.Errorf("no token refresher configured")
	}
	var token string
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		t, err := p.refresher.RefreshToken(ctx, cookie)
		if err != nil {
			return retry.RetryableError(err)
		}
		token = t
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}
