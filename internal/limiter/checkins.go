package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Checkins throttles check-in requests per device id. Fresh check-ins carry no
// id yet and share the bucket of device 0. A nil *Checkins never waits.
type Checkins struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu        sync.Mutex
	devices   map[int64]*bucket
	nextSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewCheckins returns a throttle allowing perSecond check-ins per device with
// the given burst, or nil when either is not positive. Buckets idle for
// idleTTL are dropped.
func NewCheckins(perSecond float64, burst int, idleTTL time.Duration) *Checkins {
	if perSecond <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &Checkins{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
		devices: make(map[int64]*bucket),
	}
}

// Wait blocks until deviceID may check in or ctx is done.
func (l *Checkins) Wait(ctx context.Context, deviceID int64) error {
	if l == nil {
		return nil
	}
	return l.bucket(deviceID).Wait(ctx)
}

// Retire drops the bucket of a device id that a newer check-in replaced.
func (l *Checkins) Retire(deviceID int64) {
	if l == nil || deviceID == 0 {
		return
	}
	l.mu.Lock()
	delete(l.devices, deviceID)
	l.mu.Unlock()
}

func (l *Checkins) bucket(deviceID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.After(l.nextSweep) {
		cutoff := now.Add(-l.idleTTL)
		for id, b := range l.devices {
			if b.lastSeen.Before(cutoff) {
				delete(l.devices, id)
			}
		}
		l.nextSweep = now.Add(l.idleTTL)
	}

	b, ok := l.devices[deviceID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.devices[deviceID] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (l *Checkins) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.devices)
}
