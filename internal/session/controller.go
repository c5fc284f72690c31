package session

import (
	"context"
	"sync"
	"time"
)

// Credential is the authentication material for one session: the cookie
// header sent with every request plus the descriptor whose query parameters
// belong to that cookie. A credential is immutable once supplied; rotation
// replaces the whole value.
type Credential struct {
	CookieHeader string
	Descriptor   *Descriptor
	IssuedAt     time.Time
}

// Controller owns the live credential. It is the single piece of shared
// mutable state crossing workers: transfers read it, the operator-facing
// surface replaces it. Readers always observe a complete credential, never a
// torn update.
type Controller struct {
	warnAfter time.Duration

	mu      sync.RWMutex
	current *Credential

	refreshed chan *Credential
}

// NewController starts with the initial operator-supplied credential.
// warnAfter is the advisory age threshold for expiry warnings; zero disables
// the warning.
func NewController(initial *Credential, warnAfter time.Duration) *Controller {
	return &Controller{
		warnAfter: warnAfter,
		current:   initial,
		refreshed: make(chan *Credential),
	}
}

// Current returns the live credential.
func (c *Controller) Current() *Credential {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.current
}

// Supply replaces the live credential and wakes one waiter, if any. A supplied
// credential without a descriptor inherits the current one, so a bare cookie
// paste keeps the existing URL template.
func (c *Controller) Supply(cred *Credential) {
	c.mu.Lock()

	if cred.Descriptor == nil && c.current != nil {
		cred.Descriptor = c.current.Descriptor
	}

	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = time.Now()
	}

	c.current = cred
	c.mu.Unlock()

	select {
	case c.refreshed <- cred:
	default:
	}
}

// WaitForRefresh blocks until a credential newer than stale is live. If the
// credential was already rotated between the failure and this call, it
// returns immediately.
func (c *Controller) WaitForRefresh(ctx context.Context, stale *Credential) (*Credential, error) {
	if cur := c.Current(); cur != stale {
		return cur, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case cred := <-c.refreshed:
		return cred, nil
	}
}

// Age is the time since the live credential was issued.
func (c *Controller) Age() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current == nil {
		return 0
	}

	return time.Since(c.current.IssuedAt)
}

// Expiring reports whether the live credential has crossed the advisory age
// threshold. This is a warning signal only; the pool pauses on actual
// rejection, not on age.
func (c *Controller) Expiring() bool {
	if c.warnAfter <= 0 {
		return false
	}

	return c.Age() > c.warnAfter
}
