package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/proofcaptcha/proofcaptcha/pkg/common"
)

const (
	pgConnectTimeout = 30 * time.Second
)

// Postgres is the durable Store shared by multiple API nodes. Sitekey and
// secret-digest columns carry unique indexes so the hot path lookups stay
// O(1) average.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

type pgQueryTracer struct {
}

func (tracer *pgQueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	slog.Log(ctx, common.LevelTrace, "Starting SQL command", "sql", data.SQL, "source", "postgres")
	return ctx
}

func (tracer *pgQueryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err != nil && !errors.Is(data.Err, pgx.ErrNoRows) {
		slog.Log(ctx, common.LevelTrace, "SQL command failed", common.ErrAttr(data.Err), "source", "postgres")
	}
}

func ConnectPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to parse Postgres URL", common.ErrAttr(err))
		return nil, err
	}

	config.ConnConfig.Tracer = &pgQueryTracer{}

	connectCtx, cancel := context.WithTimeout(ctx, pgConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func storageErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func (p *Postgres) CreateApiKey(ctx context.Context, key *ApiKey) error {
	domain, err := common.NormalizeDomain(key.Domain)
	if err != nil {
		return err
	}
	key.Domain = domain

	settings, err := json.Marshal(key.Settings)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO api_keys (id, developer_id, name, sitekey, secret_digest, domain, is_active, settings, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.DeveloperID, key.Name, key.Sitekey, secretDigest(key.Secretkey),
		key.Domain, key.IsActive, settings, key.CreatedAt)

	return storageErr(err)
}

func (p *Postgres) scanApiKey(row pgx.Row) (*ApiKey, error) {
	var key ApiKey
	var settings []byte

	err := row.Scan(&key.ID, &key.DeveloperID, &key.Name, &key.Sitekey,
		&key.Domain, &key.IsActive, &settings, &key.CreatedAt)
	if err != nil {
		return nil, storageErr(err)
	}

	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &key.Settings); err != nil {
			return nil, err
		}
	}

	return &key, nil
}

func (p *Postgres) GetApiKeyBySitekey(ctx context.Context, sitekey string) (*ApiKey, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, developer_id, name, sitekey, domain, is_active, settings, created_at
		FROM api_keys WHERE sitekey = $1`, sitekey)

	return p.scanApiKey(row)
}

func (p *Postgres) GetApiKeyBySecret(ctx context.Context, secret string) (*ApiKey, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, developer_id, name, sitekey, domain, is_active, settings, created_at
		FROM api_keys WHERE secret_digest = $1`, secretDigest(secret))

	return p.scanApiKey(row)
}

func (p *Postgres) SetApiKeyActive(ctx context.Context, id string, active bool) error {
	tag, err := p.pool.Exec(ctx, `UPDATE api_keys SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return storageErr(err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (p *Postgres) DeleteApiKey(ctx context.Context, id string) error {
	// daily_stats and country_stats cascade via FK; verifications do not
	tag, err := p.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return storageErr(err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (p *Postgres) CreateChallenge(ctx context.Context, challenge *Challenge) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO challenges (id, token, kind, difficulty, data, answer, signature, api_key_id,
			validated_domain, fingerprint_hash, fingerprint_components, is_used, redeemed, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		challenge.ID, challenge.Token, challenge.Kind, int16(challenge.Difficulty), challenge.Data,
		challenge.Answer, challenge.Signature, challenge.ApiKeyID, challenge.ValidatedDomain,
		challenge.FingerprintHash, challenge.FingerprintComponents, challenge.IsUsed,
		challenge.Redeemed, challenge.CreatedAt, challenge.ExpiresAt)

	return storageErr(err)
}

func (p *Postgres) GetChallengeByToken(ctx context.Context, token string) (*Challenge, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, token, kind, difficulty, data, answer, signature, api_key_id,
			validated_domain, fingerprint_hash, fingerprint_components, is_used, redeemed, created_at, expires_at
		FROM challenges WHERE token = $1`, token)

	var c Challenge
	var difficulty int16

	err := row.Scan(&c.ID, &c.Token, &c.Kind, &difficulty, &c.Data, &c.Answer, &c.Signature,
		&c.ApiKeyID, &c.ValidatedDomain, &c.FingerprintHash, &c.FingerprintComponents,
		&c.IsUsed, &c.Redeemed, &c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		return nil, storageErr(err)
	}

	c.Difficulty = uint8(difficulty)
	return &c, nil
}

func (p *Postgres) MarkChallengeUsed(ctx context.Context, id string) (bool, error) {
	// the conditional update is the atomic compare-and-set; a concurrent
	// caller sees zero affected rows
	tag, err := p.pool.Exec(ctx, `
		UPDATE challenges SET is_used = TRUE WHERE id = $1 AND is_used = FALSE`, id)
	if err != nil {
		return false, storageErr(err)
	}

	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) RedeemChallenge(ctx context.Context, id string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE challenges SET redeemed = TRUE WHERE id = $1 AND is_used = TRUE AND redeemed = FALSE`, id)
	if err != nil {
		return false, storageErr(err)
	}

	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) PurgeExpiredChallenges(ctx context.Context, tnow time.Time, limit int) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM challenges WHERE id IN (
			SELECT id FROM challenges WHERE expires_at < $1 LIMIT $2)`, tnow, limit)
	if err != nil {
		return 0, storageErr(err)
	}

	return int(tag.RowsAffected()), nil
}

func (p *Postgres) CreateVerification(ctx context.Context, verification *Verification) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO verifications (id, challenge_id, api_key_id, success, error_code, ip_address,
			user_agent, country, time_to_solve, attempt_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		verification.ID, verification.ChallengeID, verification.ApiKeyID, verification.Success,
		verification.ErrorCode, verification.IPAddress, verification.UserAgent, verification.Country,
		verification.TimeToSolve, verification.AttemptData, verification.CreatedAt)

	return storageErr(err)
}

func (p *Postgres) GetSuccessfulVerification(ctx context.Context, challengeID string) (*Verification, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, challenge_id, api_key_id, success, error_code, ip_address,
			user_agent, country, time_to_solve, attempt_data, created_at
		FROM verifications WHERE challenge_id = $1 AND success = TRUE LIMIT 1`, challengeID)

	var v Verification
	err := row.Scan(&v.ID, &v.ChallengeID, &v.ApiKeyID, &v.Success, &v.ErrorCode, &v.IPAddress,
		&v.UserAgent, &v.Country, &v.TimeToSolve, &v.AttemptData, &v.CreatedAt)
	if err != nil {
		return nil, storageErr(err)
	}

	return &v, nil
}

func (p *Postgres) UpsertDailyStats(ctx context.Context, stats *DailyStats) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO daily_stats (api_key_id, date, total, succeeded, solve_time_sum, solve_time_count, unique_ips)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (api_key_id, date) DO UPDATE SET
			total = EXCLUDED.total,
			succeeded = EXCLUDED.succeeded,
			solve_time_sum = EXCLUDED.solve_time_sum,
			solve_time_count = EXCLUDED.solve_time_count,
			unique_ips = EXCLUDED.unique_ips`,
		stats.ApiKeyID, Day(stats.Date), stats.Total, stats.Succeeded,
		stats.SolveTimeSum, stats.SolveTimeCount, stats.UniqueIPs)

	return storageErr(err)
}

func (p *Postgres) GetDailyStats(ctx context.Context, apiKeyID string, date time.Time) (*DailyStats, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT api_key_id, date, total, succeeded, solve_time_sum, solve_time_count, unique_ips
		FROM daily_stats WHERE api_key_id = $1 AND date = $2`, apiKeyID, Day(date))

	var s DailyStats
	err := row.Scan(&s.ApiKeyID, &s.Date, &s.Total, &s.Succeeded, &s.SolveTimeSum, &s.SolveTimeCount, &s.UniqueIPs)
	if err != nil {
		return nil, storageErr(err)
	}

	return &s, nil
}

func (p *Postgres) UpsertCountryStats(ctx context.Context, stats *CountryStats) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO country_stats (api_key_id, country, date, total, succeeded, solve_time_sum, solve_time_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (api_key_id, country, date) DO UPDATE SET
			total = EXCLUDED.total,
			succeeded = EXCLUDED.succeeded,
			solve_time_sum = EXCLUDED.solve_time_sum,
			solve_time_count = EXCLUDED.solve_time_count`,
		stats.ApiKeyID, stats.Country, Day(stats.Date), stats.Total, stats.Succeeded,
		stats.SolveTimeSum, stats.SolveTimeCount)

	return storageErr(err)
}

func (p *Postgres) GetCountryStats(ctx context.Context, apiKeyID, country string, date time.Time) (*CountryStats, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT api_key_id, country, date, total, succeeded, solve_time_sum, solve_time_count
		FROM country_stats WHERE api_key_id = $1 AND country = $2 AND date = $3`,
		apiKeyID, country, Day(date))

	var s CountryStats
	err := row.Scan(&s.ApiKeyID, &s.Country, &s.Date, &s.Total, &s.Succeeded, &s.SolveTimeSum, &s.SolveTimeCount)
	if err != nil {
		return nil, storageErr(err)
	}

	return &s, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return nil
}
