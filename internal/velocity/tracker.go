// Package velocity tracks per-sender sliding windows and amount statistics.
package velocity

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/shopspring/decimal"
)

// Config bounds the tracker's windows and memory.
type Config struct {
	Window     time.Duration
	MaxCount   int
	MaxTotal   decimal.Decimal
	ZThreshold float64

	// MaxSenders caps tracked senders; the least recently active is dropped
	// first. Zero means unbounded.
	MaxSenders int

	// IdleTTL is used by the default evictor in SweepIdle. Zero disables it.
	IdleTTL time.Duration
}

// ConfigFromScoring derives tracker settings from the scoring config.
func ConfigFromScoring(c domain.ScoringConfig) Config {
	return Config{
		Window:     c.Window(),
		MaxCount:   c.VelocityMaxCount,
		MaxTotal:   c.VelocityMaxTotal,
		ZThreshold: c.AnomalyZScoreThreshold,
		MaxSenders: c.MaxTrackedSenders,
		IdleTTL:    time.Duration(c.SenderIdleTTLSeconds) * time.Second,
	}
}

type entry struct {
	ts     time.Time
	amount decimal.Decimal
}

// senderWindow is the live state for one sender. All fields are guarded by mu.
type senderWindow struct {
	mu      sync.Mutex
	key     string
	entries []entry // ordered by ts
	sum     decimal.Decimal
	newest  time.Time

	// Welford running statistics over every amount seen
	n    int64
	mean float64
	m2   float64

	// touched is the tracker clock at the last record, independent of
	// transaction timestamps so replayed history is not swept as idle.
	touched time.Time
	evicted bool
}

// Tracker owns all live velocity state. Calls for different senders never
// wait on each other; the sender map lock is held only for lookup and insert.
type Tracker struct {
	cfg     Config
	evictor Evictor
	clock   func() time.Time

	mu      sync.Mutex
	senders map[string]*list.Element
	order   *list.List // front is most recently active
}

// NewTracker creates a tracker with an idle-TTL evictor.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		cfg:     cfg,
		evictor: IdleEvictor{TTL: cfg.IdleTTL},
		clock:   time.Now,
		senders: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// WithEvictor replaces the policy used by SweepIdle.
func (t *Tracker) WithEvictor(ev Evictor) *Tracker {
	t.evictor = ev
	return t
}

// WithClock replaces the clock used for idle tracking.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// RecordAndEvaluate folds one transaction into the sender's window and
// returns the velocity and anomaly signals. It must be called exactly once
// per transaction. The timestamp is the caller's clock.
func (t *Tracker) RecordAndEvaluate(key string, amount decimal.Decimal, ts time.Time) (domain.SignalOutput, domain.SignalOutput) {
	w := t.acquire(key)
	defer w.mu.Unlock()

	rec := t.record(key, w, amount, ts, true)

	velocity := t.velocitySignal(key, w)
	velocity.Notes = rec.notes

	anomaly := t.anomalySignal(rec.z, rec.mean, rec.std, rec.prior)
	anomaly.Notes = slices.Clone(rec.notes)

	return velocity, anomaly
}

type recorded struct {
	z, mean, std float64
	prior        int64
	notes        []string
}

// record updates w with one transaction. When inWindow is false the amount
// only feeds the running statistics. Caller holds w.mu.
func (t *Tracker) record(key string, w *senderWindow, amount decimal.Decimal, ts time.Time, inWindow bool) recorded {
	var rec recorded

	now := ts
	if w.newest.After(now) {
		now = w.newest
	} else {
		w.newest = ts
	}
	cutoff := now.Add(-t.cfg.Window)
	w.evictBefore(cutoff)

	if reason := w.corrupted(); reason != "" {
		slog.Warn("velocity state reset", "sender_id", key, "reason", reason)
		rec.notes = append(rec.notes, "velocity state reset: "+reason)
		w.reset()
		w.newest = now
	}

	amountF := amount.InexactFloat64()
	rec.z, rec.mean, rec.std, rec.prior = w.zscore(amountF)

	switch {
	case !inWindow:
	case ts.Before(cutoff):
		rec.notes = append(rec.notes, fmt.Sprintf("timestamp %s older than window, not counted", ts.UTC().Format(time.RFC3339)))
	default:
		w.insert(entry{ts: ts, amount: amount})
	}
	if isFinite(amountF) {
		w.observe(amountF)
	}
	w.touched = t.clock()
	return rec
}

func (t *Tracker) velocitySignal(key string, w *senderWindow) domain.SignalOutput {
	count := len(w.entries)
	countRatio := finite(float64(count) / float64(t.cfg.MaxCount))
	amountRatio := finite(w.sum.Div(t.cfg.MaxTotal).InexactFloat64())
	breached := count > t.cfg.MaxCount || w.sum.GreaterThan(t.cfg.MaxTotal)

	score := 1.0
	if !breached {
		score = math.Min(math.Max(countRatio, amountRatio), 1.0)
	} else {
		slog.Warn("velocity breach",
			"sender_id", key,
			"count", count,
			"sum", w.sum.String(),
			"window_seconds", int(t.cfg.Window.Seconds()),
		)
	}

	return domain.SignalOutput{
		Signal:    domain.SignalVelocity,
		Score:     score,
		Available: true,
		Velocity: &domain.VelocityDetail{
			WindowSeconds: int(t.cfg.Window.Seconds()),
			Count:         count,
			Sum:           w.sum,
			MaxCount:      t.cfg.MaxCount,
			MaxTotal:      t.cfg.MaxTotal,
			CountRatio:    countRatio,
			AmountRatio:   amountRatio,
			Breached:      breached,
		},
	}
}

func (t *Tracker) anomalySignal(z, mean, std float64, prior int64) domain.SignalOutput {
	absZ := math.Abs(z)
	anomalous := absZ > t.cfg.ZThreshold

	score := 1.0
	if !anomalous {
		score = math.Min(absZ/t.cfg.ZThreshold, 1.0)
	}

	return domain.SignalOutput{
		Signal:    domain.SignalAnomaly,
		Score:     score,
		Available: true,
		Anomaly: &domain.AnomalyDetail{
			ZScore:     z,
			Mean:       mean,
			StdDev:     std,
			PriorCount: prior,
			Threshold:  t.cfg.ZThreshold,
			Anomalous:  anomalous,
		},
	}
}

// acquire returns the sender's window locked, retrying if it was evicted
// between lookup and lock.
func (t *Tracker) acquire(key string) *senderWindow {
	for {
		w := t.lookup(key)
		w.mu.Lock()
		if !w.evicted {
			return w
		}
		w.mu.Unlock()
	}
}

func (t *Tracker) lookup(key string) *senderWindow {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.senders[key]; ok {
		t.order.MoveToFront(el)
		return el.Value.(*senderWindow)
	}

	w := &senderWindow{key: key}
	t.senders[key] = t.order.PushFront(w)
	t.enforceCapLocked()
	return w
}

// enforceCapLocked drops least recently active senders over MaxSenders.
// Windows in use are skipped. Caller holds t.mu.
func (t *Tracker) enforceCapLocked() {
	if t.cfg.MaxSenders <= 0 {
		return
	}
	front := t.order.Front()
	el := t.order.Back()
	for len(t.senders) > t.cfg.MaxSenders && el != nil && el != front {
		prev := el.Prev()
		t.tryEvictLocked(el)
		el = prev
	}
}

func (t *Tracker) tryEvictLocked(el *list.Element) bool {
	w := el.Value.(*senderWindow)
	if !w.mu.TryLock() {
		return false
	}
	w.evicted = true
	w.mu.Unlock()

	t.order.Remove(el)
	delete(t.senders, w.key)
	return true
}

// SweepIdle drops senders the evictor selects and returns how many went.
// now is on the tracker clock, not the transaction clock.
func (t *Tracker) SweepIdle(now time.Time) int {
	if t.evictor == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for el := t.order.Back(); el != nil; {
		prev := el.Prev()
		w := el.Value.(*senderWindow)
		if w.mu.TryLock() {
			evict := t.evictor.Evict(w.key, w.touched, now)
			if evict {
				w.evicted = true
			}
			w.mu.Unlock()
			if evict {
				t.order.Remove(el)
				delete(t.senders, w.key)
				removed++
			}
		}
		el = prev
	}
	return removed
}

// Run sweeps idle senders on every tick until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.SweepIdle(t.clock()); n > 0 {
				slog.Debug("swept idle senders", "removed", n, "tracked", t.Len())
			}
		}
	}
}

// Len returns the number of tracked senders.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.senders)
}

// WindowStats is a point-in-time view of one sender.
type WindowStats struct {
	Count int
	Sum   decimal.Decimal
	N     int64
	Mean  float64
}

// Stats returns the sender's current window without recording anything.
func (t *Tracker) Stats(key string) (WindowStats, bool) {
	t.mu.Lock()
	el, ok := t.senders[key]
	t.mu.Unlock()
	if !ok {
		return WindowStats{}, false
	}

	w := el.Value.(*senderWindow)
	w.mu.Lock()
	defer w.mu.Unlock()
	return WindowStats{Count: len(w.entries), Sum: w.sum, N: w.n, Mean: w.mean}, true
}

// Warm replays stored transactions in timestamp order so a restart keeps
// both live windows and amount baselines. Transactions before windowStart
// only feed the running statistics. It returns the number replayed.
func (t *Tracker) Warm(txs []*domain.Transaction, windowStart time.Time) int {
	sorted := make([]*domain.Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	for _, tx := range sorted {
		w := t.acquire(tx.SenderID)
		t.record(tx.SenderID, w, tx.Amount, tx.Timestamp, !tx.Timestamp.Before(windowStart))
		w.mu.Unlock()
	}
	return len(sorted)
}

func (w *senderWindow) evictBefore(cutoff time.Time) {
	i := 0
	for i < len(w.entries) && w.entries[i].ts.Before(cutoff) {
		w.sum = w.sum.Sub(w.entries[i].amount)
		i++
	}
	if i == 0 {
		return
	}
	w.entries = w.entries[i:]
	if cap(w.entries) > 64 && len(w.entries) < cap(w.entries)/4 {
		compact := make([]entry, len(w.entries))
		copy(compact, w.entries)
		w.entries = compact
	}
}

func (w *senderWindow) insert(e entry) {
	w.sum = w.sum.Add(e.amount)
	n := len(w.entries)
	if n == 0 || !e.ts.Before(w.entries[n-1].ts) {
		w.entries = append(w.entries, e)
		return
	}
	i := sort.Search(n, func(i int) bool { return w.entries[i].ts.After(e.ts) })
	w.entries = append(w.entries, entry{})
	copy(w.entries[i+1:], w.entries[i:])
	w.entries[i] = e
}

// zscore measures x against the amounts seen so far, before x is folded in.
// Population variance; zero with fewer than two prior samples.
func (w *senderWindow) zscore(x float64) (z, mean, std float64, prior int64) {
	prior = w.n
	mean = w.mean
	if w.n < 2 {
		return 0, mean, 0, prior
	}
	std = math.Sqrt(w.m2 / float64(w.n))
	if std == 0 || !isFinite(std) || !isFinite(mean) {
		return 0, finite(mean), finite(std), prior
	}
	return finite((x - mean) / std), mean, std, prior
}

func (w *senderWindow) observe(x float64) {
	w.n++
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (x - w.mean)
}

// corrupted describes an impossible state, or returns "".
func (w *senderWindow) corrupted() string {
	switch {
	case w.sum.IsNegative():
		return "negative window sum"
	case !w.sum.Equal(w.entriesSum()):
		return "window sum does not match entries"
	case w.n < 0:
		return "negative sample count"
	case !isFinite(w.mean) || !isFinite(w.m2) || w.m2 < 0:
		return "invalid running statistics"
	}
	return ""
}

func (w *senderWindow) entriesSum() decimal.Decimal {
	sum := decimal.Zero
	for _, e := range w.entries {
		sum = sum.Add(e.amount)
	}
	return sum
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// finite maps NaN and infinities to zero so signals always serialise.
func finite(x float64) float64 {
	if !isFinite(x) {
		return 0
	}
	return x
}

func (w *senderWindow) reset() {
	w.entries = nil
	w.sum = decimal.Zero
	w.n = 0
	w.mean = 0
	w.m2 = 0
}
