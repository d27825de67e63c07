package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/proofcaptcha/proofcaptcha/pkg/common"
)

// Memory is the in-process Store used in dev, tests and single-node
// deployments. Lookups go through hash indexes so the hot path stays O(1);
// secrets are indexed by their SHA-256 so map equality never touches the
// secret bytes themselves.
type Memory struct {
	lock          sync.RWMutex
	apiKeys       map[string]*ApiKey
	sitekeyIndex  map[string]string
	secretIndex   map[string]string
	challenges    map[string]*Challenge
	tokenIndex    map[string]string
	verifications map[string][]*Verification
	dailyStats    map[string]*DailyStats
	countryStats  map[string]*CountryStats
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		apiKeys:       make(map[string]*ApiKey),
		sitekeyIndex:  make(map[string]string),
		secretIndex:   make(map[string]string),
		challenges:    make(map[string]*Challenge),
		tokenIndex:    make(map[string]string),
		verifications: make(map[string][]*Verification),
		dailyStats:    make(map[string]*DailyStats),
		countryStats:  make(map[string]*CountryStats),
	}
}

func secretDigest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func dailyKey(apiKeyID string, date time.Time) string {
	return apiKeyID + "/" + Day(date).Format(time.DateOnly)
}

func countryKey(apiKeyID, country string, date time.Time) string {
	return apiKeyID + "/" + country + "/" + Day(date).Format(time.DateOnly)
}

func (m *Memory) CreateApiKey(ctx context.Context, key *ApiKey) error {
	domain, err := common.NormalizeDomain(key.Domain)
	if err != nil {
		return err
	}
	key.Domain = domain

	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.sitekeyIndex[key.Sitekey]; ok {
		return ErrDuplicate
	}

	digest := secretDigest(key.Secretkey)
	if _, ok := m.secretIndex[digest]; ok {
		return ErrDuplicate
	}

	clone := *key
	m.apiKeys[key.ID] = &clone
	m.sitekeyIndex[key.Sitekey] = key.ID
	m.secretIndex[digest] = key.ID

	return nil
}

func (m *Memory) GetApiKeyBySitekey(ctx context.Context, sitekey string) (*ApiKey, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	id, ok := m.sitekeyIndex[sitekey]
	if !ok {
		return nil, ErrNotFound
	}

	clone := *m.apiKeys[id]
	return &clone, nil
}

func (m *Memory) GetApiKeyBySecret(ctx context.Context, secret string) (*ApiKey, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	id, ok := m.secretIndex[secretDigest(secret)]
	if !ok {
		return nil, ErrNotFound
	}

	clone := *m.apiKeys[id]
	return &clone, nil
}

func (m *Memory) SetApiKeyActive(ctx context.Context, id string, active bool) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	key, ok := m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}

	key.IsActive = active
	return nil
}

func (m *Memory) DeleteApiKey(ctx context.Context, id string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	key, ok := m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}

	delete(m.sitekeyIndex, key.Sitekey)
	delete(m.secretIndex, secretDigest(key.Secretkey))
	delete(m.apiKeys, id)

	// analytics cascade; historical verifications stay
	for statsKey, stats := range m.dailyStats {
		if stats.ApiKeyID == id {
			delete(m.dailyStats, statsKey)
		}
	}
	for statsKey, stats := range m.countryStats {
		if stats.ApiKeyID == id {
			delete(m.countryStats, statsKey)
		}
	}

	return nil
}

func (m *Memory) CreateChallenge(ctx context.Context, challenge *Challenge) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.tokenIndex[challenge.Token]; ok {
		return ErrDuplicate
	}

	clone := *challenge
	m.challenges[challenge.ID] = &clone
	m.tokenIndex[challenge.Token] = challenge.ID

	return nil
}

func (m *Memory) GetChallengeByToken(ctx context.Context, token string) (*Challenge, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	id, ok := m.tokenIndex[token]
	if !ok {
		return nil, ErrNotFound
	}

	clone := *m.challenges[id]
	return &clone, nil
}

func (m *Memory) MarkChallengeUsed(ctx context.Context, id string) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	challenge, ok := m.challenges[id]
	if !ok {
		return false, ErrNotFound
	}

	if challenge.IsUsed {
		return false, nil
	}

	challenge.IsUsed = true
	return true, nil
}

func (m *Memory) RedeemChallenge(ctx context.Context, id string) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	challenge, ok := m.challenges[id]
	if !ok {
		return false, ErrNotFound
	}

	if !challenge.IsUsed || challenge.Redeemed {
		return false, nil
	}

	challenge.Redeemed = true
	return true, nil
}

func (m *Memory) PurgeExpiredChallenges(ctx context.Context, tnow time.Time, limit int) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	deleted := 0
	for id, challenge := range m.challenges {
		if deleted >= limit {
			break
		}

		if challenge.ExpiresAt.Before(tnow) {
			delete(m.tokenIndex, challenge.Token)
			delete(m.challenges, id)
			deleted++
		}
	}

	return deleted, nil
}

func (m *Memory) CreateVerification(ctx context.Context, verification *Verification) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	clone := *verification
	m.verifications[verification.ChallengeID] = append(m.verifications[verification.ChallengeID], &clone)

	return nil
}

func (m *Memory) GetSuccessfulVerification(ctx context.Context, challengeID string) (*Verification, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	for _, v := range m.verifications[challengeID] {
		if v.Success {
			clone := *v
			return &clone, nil
		}
	}

	return nil, ErrNotFound
}

func (m *Memory) UpsertDailyStats(ctx context.Context, stats *DailyStats) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	clone := *stats
	clone.Date = Day(stats.Date)
	m.dailyStats[dailyKey(stats.ApiKeyID, stats.Date)] = &clone

	return nil
}

func (m *Memory) GetDailyStats(ctx context.Context, apiKeyID string, date time.Time) (*DailyStats, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	stats, ok := m.dailyStats[dailyKey(apiKeyID, date)]
	if !ok {
		return nil, ErrNotFound
	}

	clone := *stats
	return &clone, nil
}

func (m *Memory) UpsertCountryStats(ctx context.Context, stats *CountryStats) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	clone := *stats
	clone.Date = Day(stats.Date)
	m.countryStats[countryKey(stats.ApiKeyID, stats.Country, stats.Date)] = &clone

	return nil
}

func (m *Memory) GetCountryStats(ctx context.Context, apiKeyID, country string, date time.Time) (*CountryStats, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	stats, ok := m.countryStats[countryKey(apiKeyID, country, date)]
	if !ok {
		return nil, ErrNotFound
	}

	clone := *stats
	return &clone, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}
