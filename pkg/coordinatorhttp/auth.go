package coordinatorhttp

import (
	"github.com/rhuss/sandboxd/pkg/auth"
	"github.com/rhuss/sandboxd/pkg/auth/apikey"
)

// NewAPIKeyChain builds an AuthChain that accepts any of the given bearer
// tokens, rejecting every other request. This is the coordinator's only
// host-facing authentication mode: a static pre-shared secret, suitable
// as defense in depth for a listener that would otherwise be wide open,
// not a general identity system for the host application.
func NewAPIKeyChain(keys []apikey.RawKeyEntry) *auth.AuthChain {
	return &auth.AuthChain{
		Authenticators:  []auth.Authenticator{apikey.New(keys)},
		DefaultDecision: auth.No,
	}
}

// RequireAuth installs an authentication chain in front of every route;
// no route is exempt. Without a chain installed, Handler serves all
// routes unauthenticated, matching a Coordinator run behind a trusted
// proxy or on a loopback address.
func (a *Adapter) RequireAuth(chain *auth.AuthChain) *Adapter {
	a.authChain = chain
	return a
}

// RequireRateLimit installs a per-subject rate limiter, enforced only
// once a request has already passed RequireAuth's chain. Has no effect
// if RequireAuth was never called, since there would be no identity to
// key the limiter on.
func (a *Adapter) RequireRateLimit(limiter auth.RateLimiter) *Adapter {
	a.rateLimiter = limiter
	return a
}
