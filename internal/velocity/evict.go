package velocity

import "time"

// Evictor decides whether a sender's state may be dropped during a sweep.
type Evictor interface {
	Evict(key string, lastSeen, now time.Time) bool
}

// EvictorFunc adapts a function to Evictor.
type EvictorFunc func(key string, lastSeen, now time.Time) bool

// Evict implements Evictor.
func (f EvictorFunc) Evict(key string, lastSeen, now time.Time) bool {
	return f(key, lastSeen, now)
}

// IdleEvictor drops senders inactive for longer than TTL.
type IdleEvictor struct {
	TTL time.Duration
}

// Evict implements Evictor.
func (e IdleEvictor) Evict(_ string, lastSeen, now time.Time) bool {
	return e.TTL > 0 && now.Sub(lastSeen) > e.TTL
}
