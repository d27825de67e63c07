package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
	// translated to 5xx by the orchestrators
	ErrUnavailable = errors.New("storage unavailable")
)

// Store is the single persistence boundary of the engine. Implementations
// must keep GetApiKeyBySitekey and GetChallengeByToken O(1) average as both
// sit on the hot path.
type Store interface {
	CreateApiKey(ctx context.Context, key *ApiKey) error
	GetApiKeyBySitekey(ctx context.Context, sitekey string) (*ApiKey, error)
	GetApiKeyBySecret(ctx context.Context, secret string) (*ApiKey, error)
	SetApiKeyActive(ctx context.Context, id string, active bool) error
	// hard delete; cascades to analytics rollups but keeps historical verifications
	DeleteApiKey(ctx context.Context, id string) error

	CreateChallenge(ctx context.Context, challenge *Challenge) error
	GetChallengeByToken(ctx context.Context, token string) (*Challenge, error)
	// MarkChallengeUsed performs a compare-and-set on isUsed and reports
	// whether the caller performed the false->true transition. This is the
	// only redemption primitive; exactly one caller ever gets true.
	MarkChallengeUsed(ctx context.Context, id string) (bool, error)
	// RedeemChallenge is the one-shot siteverify consumption of an already
	// used challenge; the second call reports false.
	RedeemChallenge(ctx context.Context, id string) (bool, error)
	PurgeExpiredChallenges(ctx context.Context, tnow time.Time, limit int) (int, error)

	CreateVerification(ctx context.Context, verification *Verification) error
	GetSuccessfulVerification(ctx context.Context, challengeID string) (*Verification, error)

	// upsert keyed by (apiKeyID, date); running the same upsert twice
	// yields the same row
	UpsertDailyStats(ctx context.Context, stats *DailyStats) error
	GetDailyStats(ctx context.Context, apiKeyID string, date time.Time) (*DailyStats, error)
	UpsertCountryStats(ctx context.Context, stats *CountryStats) error
	GetCountryStats(ctx context.Context, apiKeyID, country string, date time.Time) (*CountryStats, error)

	Ping(ctx context.Context) error
}

// Day truncates a timestamp to its UTC day, the analytics rollup key.
func Day(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
