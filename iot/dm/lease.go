package dm

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// DefaultLeaseExpiry is the expiry of leases which are not renewed
const DefaultLeaseExpiry = 30 * time.Minute

type leaseKey struct {
	deviceID   string
	capability string
}

type lease struct {
	token   uint64
	expires time.Time
}

// Leases grants exclusive access to a capability of a device. A lease which is not
// renewed in time is lost and can be taken over.
type Leases struct {
	clock  clock.WithTicker
	expiry time.Duration

	mutex  sync.Mutex
	next   uint64
	leases map[leaseKey]lease
}

// NewLeases returns an empty lease table with the given expiry
func NewLeases(expiry time.Duration) *Leases {
	return NewLeasesWithClock(expiry, clock.RealClock{})
}

// NewLeasesWithClock returns an empty lease table which takes the time from clk
func NewLeasesWithClock(expiry time.Duration, clk clock.WithTicker) *Leases {
	if expiry <= 0 {
		expiry = DefaultLeaseExpiry
	}
	return &Leases{
		clock:  clk,
		expiry: expiry,
		leases: make(map[leaseKey]lease),
	}
}

// Handle is a granted lease
type Handle struct {
	leases *Leases
	key    leaseKey
	token  uint64
}

// Acquire grants the lease for the capability of deviceID, or returns ErrRunInProgress
func (l *Leases) Acquire(deviceID, capability string) (*Handle, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	key := leaseKey{deviceID: deviceID, capability: capability}
	now := l.clock.Now()
	if current, ok := l.leases[key]; ok && now.Before(current.expires) {
		return nil, ErrRunInProgress
	}
	l.next++
	l.leases[key] = lease{token: l.next, expires: now.Add(l.expiry)}
	return &Handle{leases: l, key: key, token: l.next}, nil
}

// Renew extends the lease. It returns ErrLeaseLost if the lease expired or somebody
// else holds it.
func (h *Handle) Renew() error {
	l := h.leases
	l.mutex.Lock()
	defer l.mutex.Unlock()
	now := l.clock.Now()
	current, ok := l.leases[h.key]
	if !ok || current.token != h.token || !now.Before(current.expires) {
		return ErrLeaseLost
	}
	l.leases[h.key] = lease{token: h.token, expires: now.Add(l.expiry)}
	return nil
}

// keepAlive renews the lease three times per expiry until ctx is done. When a renewal
// fails it calls lost and stops.
func (h *Handle) keepAlive(ctx context.Context, lost func()) {
	ticker := h.leases.clock.NewTicker(h.leases.expiry / 3)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				if err := h.Renew(); err != nil {
					lost()
					return
				}
			}
		}
	}()
}

// Release gives the lease back. Releasing twice or releasing a lost lease is harmless.
func (h *Handle) Release() {
	l := h.leases
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if current, ok := l.leases[h.key]; ok && current.token == h.token {
		delete(l.leases, h.key)
	}
}
