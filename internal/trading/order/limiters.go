package order

import (
	"sync"

	"grid_trader/internal/core"

	"golang.org/x/time/rate"
)

// Exchange request budget per API key pair. Instances sharing a credential
// share one limiter regardless of how many executors exist.
const (
	limiterRate  = rate.Limit(25)
	limiterBurst = 30
)

var (
	limitersMu sync.Mutex
	limiters   = make(map[string]*rate.Limiter)
)

// LimiterFor returns the shared rate limiter for a credential, creating it on
// first use. Keyed by fingerprint so the raw secret never leaves core.
func LimiterFor(creds core.Credentials) *rate.Limiter {
	limitersMu.Lock()
	defer limitersMu.Unlock()

	key := creds.Fingerprint()
	if l, ok := limiters[key]; ok {
		return l
	}
	l := rate.NewLimiter(limiterRate, limiterBurst)
	limiters[key] = l
	return l
}
