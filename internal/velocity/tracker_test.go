package velocity

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Window:     300 * time.Second,
		MaxCount:   10,
		MaxTotal:   decimal.NewFromInt(50000),
		ZThreshold: 3.0,
	}
}

func TestFirstTransaction(t *testing.T) {
	tracker := NewTracker(testConfig())

	vel, anom := tracker.RecordAndEvaluate("alice", decimal.NewFromInt(100), t0)

	if vel.Velocity.Count != 1 {
		t.Errorf("expected count 1, got %d", vel.Velocity.Count)
	}
	if math.Abs(vel.Score-0.1) > 1e-9 {
		t.Errorf("expected velocity 0.1, got %v", vel.Score)
	}
	if anom.Anomaly.ZScore != 0 || anom.Score != 0 {
		t.Errorf("expected zero anomaly, got z=%v score=%v", anom.Anomaly.ZScore, anom.Score)
	}
	if !vel.Available || !anom.Available {
		t.Error("expected both signals available")
	}
}

func TestSecondTransactionZScoreIsSafe(t *testing.T) {
	tracker := NewTracker(testConfig())

	tracker.RecordAndEvaluate("alice", decimal.NewFromInt(100), t0)
	_, anom := tracker.RecordAndEvaluate("alice", decimal.NewFromInt(100000), t0.Add(time.Second))

	if anom.Anomaly.ZScore != 0 {
		t.Errorf("expected z 0 with one prior sample, got %v", anom.Anomaly.ZScore)
	}
	if math.IsNaN(anom.Score) || math.IsInf(anom.Score, 0) {
		t.Errorf("expected finite anomaly score, got %v", anom.Score)
	}
}

func TestZeroVarianceIsSafe(t *testing.T) {
	tracker := NewTracker(testConfig())

	for i := 0; i < 5; i++ {
		tracker.RecordAndEvaluate("alice", decimal.NewFromInt(100), t0.Add(time.Duration(i)*time.Second))
	}
	_, anom := tracker.RecordAndEvaluate("alice", decimal.NewFromInt(9000), t0.Add(10*time.Second))
	if anom.Anomaly.ZScore != 0 {
		t.Errorf("expected z 0 for zero stddev, got %v", anom.Anomaly.ZScore)
	}
}

func TestWindowCountAndSum(t *testing.T) {
	tracker := NewTracker(testConfig())

	var last decimal.Decimal
	for i := 0; i < 5; i++ {
		vel, _ := tracker.RecordAndEvaluate("alice", decimal.NewFromInt(int64(100*(i+1))), t0.Add(time.Duration(i)*time.Second))
		last = vel.Velocity.Sum
		if vel.Velocity.Count != i+1 {
			t.Fatalf("step %d: expected count %d, got %d", i, i+1, vel.Velocity.Count)
		}
	}
	if !last.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("expected sum 1500, got %s", last)
	}
}

func TestWindowExpiry(t *testing.T) {
	tracker := NewTracker(testConfig())

	for i := 0; i < 5; i++ {
		tracker.RecordAndEvaluate("alice", decimal.NewFromInt(100), t0.Add(time.Duration(i)*time.Second))
	}

	vel, _ := tracker.RecordAndEvaluate("alice", decimal.NewFromInt(250), t0.Add(10*time.Minute))
	if vel.Velocity.Count != 1 {
		t.Errorf("expected count 1 after expiry, got %d", vel.Velocity.Count)
	}
	if !vel.Velocity.Sum.Equal(decimal.NewFromInt(250)) {
		t.Errorf("expected sum 250, got %s", vel.Velocity.Sum)
	}
}

func TestVelocityBreachByCount(t *testing.T) {
	tracker := NewTracker(testConfig())

	var score float64
	for i := 0; i < 11; i++ {
		out, _ := tracker.RecordAndEvaluate("alice", decimal.NewFromInt(100), t0.Add(time.Duration(i)*100*time.Millisecond))
		score = out.Score
		if i == 10 && !out.Velocity.Breached {
			t.Error("expected breach on 11th transaction")
		}
	}
	if score != 1.0 {
		t.Errorf("expected velocity 1.0, got %v", score)
	}
}

func TestVelocityBreachByAmount(t *testing.T) {
	tracker := NewTracker(testConfig())

	tracker.RecordAndEvaluate("alice", decimal.NewFromInt(30000), t0)
	out, _ := tracker.RecordAndEvaluate("alice", decimal.RequireFromString("20000.01"), t0.Add(time.Second))

	if !out.Velocity.Breached || out.Score != 1.0 {
		t.Errorf("expected amount breach, got %+v", out.Velocity)
	}
}

func TestAnomalyScenario(t *testing.T) {
	tracker := NewTracker(testConfig())

	// mean 500, population stddev 50
	tracker.RecordAndEvaluate("alice", decimal.NewFromInt(450), t0)
	tracker.RecordAndEvaluate("alice", decimal.NewFromInt(550), t0.Add(time.Second))

	_, anom := tracker.RecordAndEvaluate("alice", decimal.NewFromInt(75000), t0.Add(2*time.Second))

	if math.Abs(anom.Anomaly.Mean-500) > 1e-9 {
		t.Errorf("expected mean 500, got %v", anom.Anomaly.Mean)
	}
	if math.Abs(anom.Anomaly.StdDev-50) > 1e-9 {
		t.Errorf("expected stddev 50, got %v", anom.Anomaly.StdDev)
	}
	if math.Abs(anom.Anomaly.ZScore-1490) > 1e-6 {
		t.Errorf("expected z 1490, got %v", anom.Anomaly.ZScore)
	}
	if anom.Score != 1.0 || !anom.Anomaly.Anomalous {
		t.Errorf("expected anomaly 1.0, got %v", anom.Score)
	}
}

func TestGradedAnomaly(t *testing.T) {
	tracker := NewTracker(testConfig())

	tracker.RecordAndEvaluate("alice", decimal.NewFromInt(450), t0)
	tracker.RecordAndEvaluate("alice", decimal.NewFromInt(550), t0.Add(time.Second))

	// z = (575 - 500) / 50 = 1.5
	_, anom := tracker.RecordAndEvaluate("alice", decimal.NewFromInt(575), t0.Add(2*time.Second))
	if math.Abs(anom.Score-0.5) > 1e-9 {
		t.Errorf("expected anomaly 0.5, got %v", anom.Score)
	}
}

func TestSendersAreIndependent(t *testing.T) {
	tracker := NewTracker(testConfig())

	for i := 0; i < 11; i++ {
		tracker.RecordAndEvaluate("alice", decimal.NewFromInt(100), t0.Add(time.Duration(i)*time.Second))
	}
	vel, _ := tracker.RecordAndEvaluate("bob", decimal.NewFromInt(100), t0.Add(20*time.Second))
	if vel.Velocity.Count != 1 {
		t.Errorf("expected bob count 1, got %d", vel.Velocity.Count)
	}
}

func TestOutOfOrderTimestamps(t *testing.T) {
	tracker := NewTracker(testConfig())

	tracker.RecordAndEvaluate("alice", decimal.NewFromInt(100), t0.Add(10*time.Second))
	vel, _ := tracker.RecordAndEvaluate("alice", decimal.NewFromInt(100), t0.Add(5*time.Second))
	if vel.Velocity.Count != 2 {
		t.Errorf("expected count 2, got %d", vel.Velocity.Count)
	}

	// Older than the window relative to the newest entry
	vel, _ = tracker.RecordAndEvaluate("alice", decimal.NewFromInt(100), t0.Add(-10*time.Minute))
	if vel.Velocity.Count != 2 {
		t.Errorf("expected stale entry to be skipped, got %d", vel.Velocity.Count)
	}
	if len(vel.Notes) != 1 {
		t.Errorf("expected a stale timestamp note, got %v", vel.Notes)
	}
}

func TestConcurrentSameSender(t *testing.T) {
	tracker := NewTracker(Config{
		Window:     time.Hour,
		MaxCount:   10000,
		MaxTotal:   decimal.NewFromInt(1_000_000_000),
		ZThreshold: 3,
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tracker.RecordAndEvaluate("alice", decimal.NewFromInt(10), t0.Add(time.Duration(g*100+i)*time.Millisecond))
			}
		}(g)
	}
	wg.Wait()

	stats, ok := tracker.Stats("alice")
	if !ok {
		t.Fatal("expected alice to be tracked")
	}
	if stats.Count != 800 {
		t.Errorf("expected 800 entries, got %d", stats.Count)
	}
	if !stats.Sum.Equal(decimal.NewFromInt(8000)) {
		t.Errorf("expected sum 8000, got %s", stats.Sum)
	}
	if stats.N != 800 {
		t.Errorf("expected 800 samples, got %d", stats.N)
	}
}

func TestMaxSendersEvictsLeastRecent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSenders = 3
	tracker := NewTracker(cfg)

	for i := 0; i < 5; i++ {
		tracker.RecordAndEvaluate(fmt.Sprintf("sender-%d", i), decimal.NewFromInt(100), t0)
	}

	if tracker.Len() != 3 {
		t.Fatalf("expected 3 tracked senders, got %d", tracker.Len())
	}
	if _, ok := tracker.Stats("sender-0"); ok {
		t.Error("expected sender-0 to be evicted")
	}
	if _, ok := tracker.Stats("sender-4"); !ok {
		t.Error("expected sender-4 to be tracked")
	}
}

func TestSweepIdle(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTTL = time.Hour
	clock := t0
	tracker := NewTracker(cfg).WithClock(func() time.Time { return clock })

	tracker.RecordAndEvaluate("old", decimal.NewFromInt(100), t0)
	clock = t0.Add(90 * time.Minute)
	tracker.RecordAndEvaluate("recent", decimal.NewFromInt(100), t0.Add(90*time.Minute))

	removed := tracker.SweepIdle(t0.Add(2 * time.Hour))
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if _, ok := tracker.Stats("old"); ok {
		t.Error("expected old sender to be swept")
	}

	// Evicted senders restart from scratch
	vel, _ := tracker.RecordAndEvaluate("old", decimal.NewFromInt(100), t0.Add(2*time.Hour))
	if vel.Velocity.Count != 1 {
		t.Errorf("expected fresh window, got count %d", vel.Velocity.Count)
	}
}

func TestCustomEvictor(t *testing.T) {
	tracker := NewTracker(testConfig()).WithEvictor(EvictorFunc(func(key string, _, _ time.Time) bool {
		return key == "drop-me"
	}))

	tracker.RecordAndEvaluate("drop-me", decimal.NewFromInt(1), t0)
	tracker.RecordAndEvaluate("keep-me", decimal.NewFromInt(1), t0)

	if n := tracker.SweepIdle(t0); n != 1 {
		t.Errorf("expected 1 removed, got %d", n)
	}
	if tracker.Len() != 1 {
		t.Errorf("expected 1 tracked, got %d", tracker.Len())
	}
}

func TestCorruptStateIsReset(t *testing.T) {
	tracker := NewTracker(testConfig())
	tracker.RecordAndEvaluate("alice", decimal.NewFromInt(100), t0)

	tracker.mu.Lock()
	w := tracker.senders["alice"].Value.(*senderWindow)
	tracker.mu.Unlock()
	w.mu.Lock()
	w.sum = decimal.NewFromInt(-5)
	w.mu.Unlock()

	vel, anom := tracker.RecordAndEvaluate("alice", decimal.NewFromInt(200), t0.Add(time.Second))
	if vel.Velocity.Count != 1 {
		t.Errorf("expected reset window with 1 entry, got %d", vel.Velocity.Count)
	}
	if !vel.Velocity.Sum.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected sum 200, got %s", vel.Velocity.Sum)
	}
	if len(vel.Notes) == 0 || len(anom.Notes) == 0 {
		t.Error("expected reset notes on both signals")
	}
}

func TestSweepIdleUsesTrackerClock(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTTL = time.Hour
	wall := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewTracker(cfg).WithClock(func() time.Time { return wall })

	// Historical timestamps, as a replay or benchmark sends them
	historical := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker.RecordAndEvaluate("replay", decimal.NewFromInt(100), historical)

	if n := tracker.SweepIdle(wall.Add(time.Minute)); n != 0 {
		t.Fatalf("expected no sweep for a recently active sender, got %d", n)
	}
	vel, _ := tracker.RecordAndEvaluate("replay", decimal.NewFromInt(100), historical.Add(10*time.Second))
	if vel.Velocity.Count != 2 {
		t.Errorf("expected count 2 within the window, got %d", vel.Velocity.Count)
	}

	wall = wall.Add(2 * time.Hour)
	if n := tracker.SweepIdle(wall); n != 1 {
		t.Errorf("expected idle sender swept after TTL, got %d", n)
	}
}

func TestHugeAmountsStaySerialisable(t *testing.T) {
	tracker := NewTracker(testConfig())
	amounts := []decimal.Decimal{
		decimal.New(1, 200),
		decimal.NewFromInt(1),
		decimal.NewFromInt(100),
		decimal.NewFromInt(100),
	}

	var notes []string
	for i, amount := range amounts {
		vel, anom := tracker.RecordAndEvaluate("whale", amount, t0.Add(time.Duration(i)*time.Second))
		for _, sig := range []domain.SignalOutput{vel, anom} {
			if _, err := json.Marshal(sig); err != nil {
				t.Fatalf("tx %d: %s signal not serialisable: %v", i, sig.Signal, err)
			}
			if math.IsNaN(sig.Score) || math.IsInf(sig.Score, 0) {
				t.Fatalf("tx %d: non-finite %s score %v", i, sig.Signal, sig.Score)
			}
		}
		if math.IsInf(anom.Anomaly.StdDev, 0) || math.IsNaN(anom.Anomaly.StdDev) {
			t.Fatalf("tx %d: non-finite stddev", i)
		}
		notes = append(notes, vel.Notes...)
	}

	// The overflowed statistics are detected and the sender starts over
	if len(notes) == 0 {
		t.Error("expected a state reset note")
	}
	stats, _ := tracker.Stats("whale")
	if !isFinite(stats.Mean) || stats.Mean > 100 {
		t.Errorf("expected a recovered baseline, got mean %v", stats.Mean)
	}
}

func TestSumMismatchIsReset(t *testing.T) {
	tracker := NewTracker(testConfig())
	tracker.RecordAndEvaluate("alice", decimal.NewFromInt(100), t0)
	tracker.RecordAndEvaluate("alice", decimal.NewFromInt(50), t0.Add(time.Second))

	tracker.mu.Lock()
	w := tracker.senders["alice"].Value.(*senderWindow)
	tracker.mu.Unlock()
	w.mu.Lock()
	w.sum = decimal.NewFromInt(1000)
	w.mu.Unlock()

	vel, _ := tracker.RecordAndEvaluate("alice", decimal.NewFromInt(10), t0.Add(2*time.Second))
	if len(vel.Notes) == 0 {
		t.Fatal("expected a reset note")
	}
	if vel.Velocity.Count != 1 || !vel.Velocity.Sum.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected a fresh window, got count %d sum %s", vel.Velocity.Count, vel.Velocity.Sum)
	}
}

func TestWarm(t *testing.T) {
	tracker := NewTracker(testConfig())
	windowStart := t0.Add(-5 * time.Minute)

	var history []*domain.Transaction
	// Ten days of steady history, then two transactions inside the window
	for day := 10; day >= 1; day-- {
		history = append(history, &domain.Transaction{
			SenderID:  "alice",
			Amount:    decimal.NewFromInt(int64(90 + day*2)),
			Timestamp: t0.Add(-time.Duration(day) * 24 * time.Hour),
		})
	}
	history = append(history,
		&domain.Transaction{SenderID: "alice", Amount: decimal.NewFromInt(100), Timestamp: t0.Add(-time.Minute)},
		&domain.Transaction{SenderID: "alice", Amount: decimal.NewFromInt(100), Timestamp: t0.Add(-2 * time.Minute)},
	)

	if n := tracker.Warm(history, windowStart); n != len(history) {
		t.Fatalf("expected %d replayed, got %d", len(history), n)
	}

	stats, ok := tracker.Stats("alice")
	if !ok {
		t.Fatal("expected alice to be tracked")
	}
	if stats.Count != 2 {
		t.Errorf("expected 2 in window, got %d", stats.Count)
	}
	if stats.N != int64(len(history)) {
		t.Errorf("expected baseline over %d samples, got %d", len(history), stats.N)
	}

	_, anom := tracker.RecordAndEvaluate("alice", decimal.NewFromInt(100000), t0)
	if !anom.Anomaly.Anomalous {
		t.Errorf("expected the warmed baseline to flag a large amount, z=%v", anom.Anomaly.ZScore)
	}
}
