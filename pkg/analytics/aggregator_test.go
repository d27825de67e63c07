package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

func observeVerification(a *Aggregator, success bool, ip, country string, solveTime int64, createdAt time.Time) {
	a.Observe(context.Background(), &store.Verification{
		ID:          "v",
		ChallengeID: "ch",
		ApiKeyID:    "key1",
		Success:     success,
		IPAddress:   ip,
		Country:     country,
		TimeToSolve: solveTime,
		CreatedAt:   createdAt,
	})
}

func TestAggregatorDailyRollup(t *testing.T) {
	t.Parallel()

	memory := store.NewMemory()
	aggregator := NewAggregator(memory)
	ctx := context.Background()
	tnow := time.Now().UTC()

	observeVerification(aggregator, true, "203.0.113.1", "DE", 1500, tnow)
	observeVerification(aggregator, true, "203.0.113.2", "DE", 2500, tnow)
	observeVerification(aggregator, false, "203.0.113.1", "FR", 0, tnow)

	if err := aggregator.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	stats, err := memory.GetDailyStats(ctx, "key1", tnow)
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}

	if stats.Total != 3 || stats.Succeeded != 2 {
		t.Errorf("Unexpected counts: %+v", stats)
	}

	if stats.UniqueIPs != 2 {
		t.Errorf("Unexpected unique IPs: %v", stats.UniqueIPs)
	}

	if stats.AverageSolveTime() != 2000 {
		t.Errorf("Unexpected average solve time: %v", stats.AverageSolveTime())
	}

	if rate := stats.SuccessRate(); rate < 0.66 || rate > 0.67 {
		t.Errorf("Unexpected success rate: %v", rate)
	}
}

func TestAggregatorCountryRollup(t *testing.T) {
	t.Parallel()

	memory := store.NewMemory()
	aggregator := NewAggregator(memory)
	ctx := context.Background()
	tnow := time.Now().UTC()

	observeVerification(aggregator, true, "203.0.113.1", "DE", 1000, tnow)
	observeVerification(aggregator, false, "203.0.113.2", "DE", 0, tnow)
	observeVerification(aggregator, true, "203.0.113.3", "FR", 3000, tnow)

	if err := aggregator.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	de, err := memory.GetCountryStats(ctx, "key1", "DE", tnow)
	if err != nil {
		t.Fatalf("Failed to get DE stats: %v", err)
	}
	if de.Total != 2 || de.Succeeded != 1 {
		t.Errorf("Unexpected DE stats: %+v", de)
	}

	fr, err := memory.GetCountryStats(ctx, "key1", "FR", tnow)
	if err != nil {
		t.Fatalf("Failed to get FR stats: %v", err)
	}
	if fr.Total != 1 || fr.SolveTimeSum != 3000 {
		t.Errorf("Unexpected FR stats: %+v", fr)
	}
}

func TestAggregatorIdempotentFlush(t *testing.T) {
	t.Parallel()

	memory := store.NewMemory()
	aggregator := NewAggregator(memory)
	ctx := context.Background()
	tnow := time.Now().UTC()

	observeVerification(aggregator, true, "203.0.113.1", "DE", 1000, tnow)

	if err := aggregator.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := aggregator.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	stats, err := memory.GetDailyStats(ctx, "key1", tnow)
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}

	if stats.Total != 1 {
		t.Errorf("Double flush changed the rollup: %+v", stats)
	}
}

func TestAggregatorMergePrecision(t *testing.T) {
	t.Parallel()

	memory := store.NewMemory()
	aggregator := NewAggregator(memory)
	ctx := context.Background()
	tnow := time.Now().UTC()

	// a mean-of-means over these per-country rows would round; the
	// sum+count pair keeps the exact global average
	observeVerification(aggregator, true, "203.0.113.1", "DE", 1001, tnow)
	observeVerification(aggregator, true, "203.0.113.2", "FR", 1002, tnow)
	observeVerification(aggregator, true, "203.0.113.3", "ES", 1004, tnow)

	if err := aggregator.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	stats, err := memory.GetDailyStats(ctx, "key1", tnow)
	if err != nil {
		t.Fatal(err)
	}

	if stats.SolveTimeSum != 3007 || stats.SolveTimeCount != 3 {
		t.Errorf("Sum/count pair lost precision: %+v", stats)
	}
}

func TestAggregatorSeparateDays(t *testing.T) {
	t.Parallel()

	memory := store.NewMemory()
	aggregator := NewAggregator(memory)
	ctx := context.Background()

	today := time.Now().UTC()
	yesterday := today.Add(-24 * time.Hour)

	observeVerification(aggregator, true, "203.0.113.1", "", 1000, today)
	observeVerification(aggregator, true, "203.0.113.1", "", 1000, yesterday)

	if err := aggregator.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	todayStats, err := memory.GetDailyStats(ctx, "key1", today)
	if err != nil {
		t.Fatal(err)
	}
	yesterdayStats, err := memory.GetDailyStats(ctx, "key1", yesterday)
	if err != nil {
		t.Fatal(err)
	}

	if todayStats.Total != 1 || yesterdayStats.Total != 1 {
		t.Errorf("Days merged: today %+v, yesterday %+v", todayStats, yesterdayStats)
	}
}
