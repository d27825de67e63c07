package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testApiKey() *ApiKey {
	return &ApiKey{
		ID:          "key1",
		DeveloperID: "dev1",
		Name:        "test key",
		Sitekey:     "pk_AAAA",
		Secretkey:   "sk_secret",
		Domain:      "example.com",
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
}

func testChallenge(id, token string) *Challenge {
	tnow := time.Now().UTC()
	return &Challenge{
		ID:         id,
		Token:      token,
		Kind:       "random",
		Difficulty: 4,
		Data:       []byte(`{}`),
		ApiKeyID:   "key1",
		CreatedAt:  tnow,
		ExpiresAt:  tnow.Add(2 * time.Minute),
	}
}

func TestMemoryApiKeyLookups(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	if err := m.CreateApiKey(ctx, testApiKey()); err != nil {
		t.Fatalf("Failed to create api key: %v", err)
	}

	if err := m.CreateApiKey(ctx, testApiKey()); err != ErrDuplicate {
		t.Error("Duplicate sitekey accepted")
	}

	bySitekey, err := m.GetApiKeyBySitekey(ctx, "pk_AAAA")
	if err != nil {
		t.Fatalf("Failed to get by sitekey: %v", err)
	}
	if bySitekey.ID != "key1" {
		t.Errorf("Unexpected key: %v", bySitekey.ID)
	}

	bySecret, err := m.GetApiKeyBySecret(ctx, "sk_secret")
	if err != nil {
		t.Fatalf("Failed to get by secret: %v", err)
	}
	if bySecret.ID != "key1" {
		t.Errorf("Unexpected key: %v", bySecret.ID)
	}

	if _, err := m.GetApiKeyBySecret(ctx, "sk_wrong"); err != ErrNotFound {
		t.Error("Wrong secret resolved a key")
	}
}

func TestMemoryMarkChallengeUsedOnce(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	if err := m.CreateChallenge(ctx, testChallenge("ch1", "tkn1")); err != nil {
		t.Fatalf("Failed to create challenge: %v", err)
	}

	used, err := m.MarkChallengeUsed(ctx, "ch1")
	if err != nil || !used {
		t.Fatalf("First mark failed: %v %v", used, err)
	}

	used, err = m.MarkChallengeUsed(ctx, "ch1")
	if err != nil {
		t.Fatalf("Second mark errored: %v", err)
	}
	if used {
		t.Error("Second mark also returned true")
	}
}

func TestMemoryMarkChallengeUsedConcurrent(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	if err := m.CreateChallenge(ctx, testChallenge("ch1", "tkn1")); err != nil {
		t.Fatalf("Failed to create challenge: %v", err)
	}

	const goroutines = 64
	var succeeded atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			used, err := m.MarkChallengeUsed(ctx, "ch1")
			if err != nil {
				t.Errorf("Mark errored: %v", err)
			}
			if used {
				succeeded.Add(1)
			}
		}()
	}

	wg.Wait()

	if succeeded.Load() != 1 {
		t.Errorf("Expected exactly one winner, got %v", succeeded.Load())
	}
}

func TestMemoryRedeemRequiresUsed(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	if err := m.CreateChallenge(ctx, testChallenge("ch1", "tkn1")); err != nil {
		t.Fatalf("Failed to create challenge: %v", err)
	}

	if redeemed, _ := m.RedeemChallenge(ctx, "ch1"); redeemed {
		t.Error("Redeemed an unused challenge")
	}

	if _, err := m.MarkChallengeUsed(ctx, "ch1"); err != nil {
		t.Fatalf("Failed to mark used: %v", err)
	}

	if redeemed, _ := m.RedeemChallenge(ctx, "ch1"); !redeemed {
		t.Error("Failed to redeem a used challenge")
	}

	if redeemed, _ := m.RedeemChallenge(ctx, "ch1"); redeemed {
		t.Error("Redeemed the same challenge twice")
	}
}

func TestMemoryPurgeExpired(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	tnow := time.Now().UTC()

	expired := testChallenge("ch1", "tkn1")
	expired.ExpiresAt = tnow.Add(-time.Second)
	alive := testChallenge("ch2", "tkn2")

	if err := m.CreateChallenge(ctx, expired); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateChallenge(ctx, alive); err != nil {
		t.Fatal(err)
	}

	deleted, err := m.PurgeExpiredChallenges(ctx, tnow, 100)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted, got %v", deleted)
	}

	if _, err := m.GetChallengeByToken(ctx, "tkn1"); err != ErrNotFound {
		t.Error("Expired challenge still resolvable")
	}

	if _, err := m.GetChallengeByToken(ctx, "tkn2"); err != nil {
		t.Error("Alive challenge was purged")
	}
}

func TestMemoryDeleteApiKeyCascade(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	tnow := time.Now().UTC()

	if err := m.CreateApiKey(ctx, testApiKey()); err != nil {
		t.Fatal(err)
	}

	if err := m.UpsertDailyStats(ctx, &DailyStats{ApiKeyID: "key1", Date: tnow, Total: 5}); err != nil {
		t.Fatal(err)
	}

	verification := &Verification{ID: "v1", ChallengeID: "ch1", ApiKeyID: "key1", Success: true, CreatedAt: tnow}
	if err := m.CreateVerification(ctx, verification); err != nil {
		t.Fatal(err)
	}

	if err := m.DeleteApiKey(ctx, "key1"); err != nil {
		t.Fatalf("Failed to delete api key: %v", err)
	}

	if _, err := m.GetDailyStats(ctx, "key1", tnow); err != ErrNotFound {
		t.Error("Analytics did not cascade")
	}

	// historical verifications survive the credential
	if _, err := m.GetSuccessfulVerification(ctx, "ch1"); err != nil {
		t.Error("Verification was cascaded")
	}
}

func TestMemoryStatsUpsertIdempotent(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	tnow := time.Now().UTC()

	stats := &DailyStats{ApiKeyID: "key1", Date: tnow, Total: 10, Succeeded: 8, SolveTimeSum: 4000, SolveTimeCount: 8, UniqueIPs: 3}

	if err := m.UpsertDailyStats(ctx, stats); err != nil {
		t.Fatal(err)
	}
	if err := m.UpsertDailyStats(ctx, stats); err != nil {
		t.Fatal(err)
	}

	got, err := m.GetDailyStats(ctx, "key1", tnow)
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}

	if got.Total != 10 || got.Succeeded != 8 || got.UniqueIPs != 3 {
		t.Errorf("Unexpected stats after double upsert: %+v", got)
	}

	if got.AverageSolveTime() != 500 {
		t.Errorf("Unexpected average solve time: %v", got.AverageSolveTime())
	}
}
