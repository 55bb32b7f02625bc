// Package auth gates connect frames: none/token/password modes, an
// optional Tailscale bypass, and per-IP brute-force cooldown.
package auth

import (
	"crypto/subtle"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wingman-ai/gateway/internal/config"
	"github.com/wingman-ai/gateway/internal/gatewayerr"
)

// Credentials is what a connect frame's auth payload carries.
type Credentials struct {
	Token          string
	Password       string
	TailscaleIdent string // non-empty when the transport identified a tailnet peer
}

// Authenticator checks connect-frame credentials against the configured
// auth mode and enforces a per-source-IP brute-force cooldown.
type Authenticator struct {
	mode           config.AuthMode
	token          string
	password       string
	allowTailscale bool

	mu            sync.Mutex
	runtimeTokens map[string]struct{}

	cooldown *cooldownTracker
}

// New constructs an Authenticator from gateway auth configuration.
func New(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		mode:           cfg.Mode,
		token:          cfg.Token,
		password:       cfg.Password,
		allowTailscale: cfg.AllowTailscale,
		cooldown:       newCooldownTracker(10, time.Minute),
	}
}

// AddToken registers an additional valid token at runtime, on top of the
// one seeded from configuration.
func (a *Authenticator) AddToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runtimeTokens == nil {
		a.runtimeTokens = make(map[string]struct{})
	}
	a.runtimeTokens[token] = struct{}{}
}

// Authenticate checks creds against the configured mode for a connection
// originating from sourceIP. It enforces per-IP cooldown: once an IP
// accrues 10 failed attempts within a minute, subsequent attempts fail
// immediately without re-checking credentials.
func (a *Authenticator) Authenticate(sourceIP string, creds Credentials) error {
	if a.cooldown.isCoolingDown(sourceIP) {
		return gatewayerr.New(gatewayerr.Unauthorized, "too many failed attempts, try again later")
	}

	if a.allowTailscale && creds.TailscaleIdent != "" {
		return nil
	}

	var ok bool
	switch a.mode {
	case config.AuthNone, "":
		ok = true
	case config.AuthToken:
		ok = a.tokenValid(creds.Token)
	case config.AuthPassword:
		ok = constantTimeEqual(creds.Password, a.password)
	default:
		ok = false
	}

	if !ok {
		a.cooldown.recordFailure(sourceIP)
		return gatewayerr.New(gatewayerr.Unauthorized, "authentication failed")
	}
	return nil
}

func (a *Authenticator) tokenValid(candidate string) bool {
	if candidate == "" {
		return false
	}
	if constantTimeEqual(candidate, a.token) {
		return true
	}
	a.mu.Lock()
	_, ok := a.runtimeTokens[candidate]
	a.mu.Unlock()
	return ok
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// cooldownTracker rate-limits failed handshake attempts per source IP: a
// token bucket of `limit` tokens refilled over `window`, so `limit` quick
// failures exhaust the bucket and subsequent attempts are refused until
// tokens drip back.
type cooldownTracker struct {
	mu     sync.Mutex
	perIP  map[string]*rate.Limiter
	refill rate.Limit
	burst  int
}

func newCooldownTracker(limit int, window time.Duration) *cooldownTracker {
	return &cooldownTracker{
		perIP:  make(map[string]*rate.Limiter),
		refill: rate.Every(window / time.Duration(limit)),
		burst:  limit,
	}
}

func (c *cooldownTracker) limiter(ip string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.perIP[ip]
	if !ok {
		l = rate.NewLimiter(c.refill, c.burst)
		c.perIP[ip] = l
	}
	return l
}

func (c *cooldownTracker) recordFailure(ip string) {
	c.limiter(ip).Allow()
}

func (c *cooldownTracker) isCoolingDown(ip string) bool {
	return c.limiter(ip).Tokens() < 1
}
