package credentials

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// DefaultTokenLifetime is the lifetime of tokens created by a TokenSource
const DefaultTokenLifetime = time.Hour

// TokenSource creates shared access signatures for a connection string and renews
// them before they expire. It is safe for concurrent use.
type TokenSource struct {
	cs       ConnectionString
	lifetime time.Duration
	clock    clock.PassiveClock

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewTokenSource returns a token source for cs with DefaultTokenLifetime
func NewTokenSource(cs ConnectionString) *TokenSource {
	return NewTokenSourceWithClock(cs, DefaultTokenLifetime, clock.RealClock{})
}

// NewTokenSourceWithClock returns a token source with a specific lifetime and clock
func NewTokenSourceWithClock(cs ConnectionString, lifetime time.Duration, clk clock.PassiveClock) *TokenSource {
	return &TokenSource{cs: cs, lifetime: lifetime, clock: clk}
}

// Token returns a valid token. A new token is created once the current one has
// less than a fifth of its lifetime left.
func (ts *TokenSource) Token() (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	now := ts.clock.Now()
	if len(ts.token) > 0 && ts.expiry.Sub(now) > ts.lifetime/5 {
		return ts.token, nil
	}
	expiry := now.Add(ts.lifetime)
	token, err := NewSASToken(ts.cs.Resource(), ts.cs.SharedAccessKey, ts.cs.SharedAccessKeyName, expiry)
	if err != nil {
		return "", err
	}
	ts.token = token
	ts.expiry = expiry
	return token, nil
}
