package analytics

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/proofcaptcha/proofcaptcha/pkg/common"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

const (
	flushBatchSize    = 100
	maxPendingFlushes = 10_000
)

type rollupKey struct {
	apiKeyID string
	day      string
}

type countryRollupKey struct {
	rollupKey
	country string
}

// counters keep solve time as a sum + count pair; averages are computed at
// read time so merges never compound rounding.
type dailyCounter struct {
	total      uint64
	succeeded  uint64
	solveSum   int64
	solveCount uint64
	// fnv64 of observed addresses; enough for daily cardinality
	ips map[uint64]struct{}
	day time.Time
}

type countryCounter struct {
	total      uint64
	succeeded  uint64
	solveSum   int64
	solveCount uint64
	day        time.Time
}

// Aggregator folds the verification stream into daily and country rollups.
// Updates are queued and coalesced by key, so a burst of verifications for
// one credential costs one storage upsert. Rollups are recomputed from the
// in-memory counters, which makes a repeated flush idempotent.
type Aggregator struct {
	store store.Store

	lock      sync.Mutex
	daily     map[rollupKey]*dailyCounter
	countries map[countryRollupKey]*countryCounter

	dirtyChan   chan rollupKey
	flushCancel context.CancelFunc
}

func NewAggregator(s store.Store) *Aggregator {
	return &Aggregator{
		store:       s,
		daily:       make(map[rollupKey]*dailyCounter),
		countries:   make(map[countryRollupKey]*countryCounter),
		dirtyChan:   make(chan rollupKey, maxPendingFlushes),
		flushCancel: func() {},
	}
}

func (a *Aggregator) Start(flushInterval time.Duration) {
	var flushCtx context.Context
	flushCtx, a.flushCancel = context.WithCancel(
		context.WithValue(context.Background(), common.TraceIDContextKey, "analytics_flush"))

	go common.ProcessBatchSet(flushCtx, a.dirtyChan, flushInterval, flushBatchSize, maxPendingFlushes, a.flushKeys)
}

func (a *Aggregator) Shutdown() {
	slog.Debug("Shutting down analytics aggregator")
	a.flushCancel()
	close(a.dirtyChan)
}

func ipHash(ip string) uint64 {
	hasher := fnv.New64a()
	hasher.Write([]byte(ip))
	return hasher.Sum64()
}

// Observe folds one verification into the counters and queues the rollup
// for flushing.
func (a *Aggregator) Observe(ctx context.Context, v *store.Verification) {
	day := store.Day(v.CreatedAt)
	key := rollupKey{apiKeyID: v.ApiKeyID, day: day.Format(time.DateOnly)}

	a.lock.Lock()

	counter, ok := a.daily[key]
	if !ok {
		counter = &dailyCounter{ips: make(map[uint64]struct{}), day: day}
		a.daily[key] = counter
	}

	counter.total++
	if v.Success {
		counter.succeeded++
		if v.TimeToSolve > 0 {
			counter.solveSum += v.TimeToSolve
			counter.solveCount++
		}
	}
	if len(v.IPAddress) > 0 {
		counter.ips[ipHash(v.IPAddress)] = struct{}{}
	}

	if len(v.Country) > 0 {
		ckey := countryRollupKey{rollupKey: key, country: v.Country}
		ccounter, ok := a.countries[ckey]
		if !ok {
			ccounter = &countryCounter{day: day}
			a.countries[ckey] = ccounter
		}

		ccounter.total++
		if v.Success {
			ccounter.succeeded++
			if v.TimeToSolve > 0 {
				ccounter.solveSum += v.TimeToSolve
				ccounter.solveCount++
			}
		}
	}

	a.lock.Unlock()

	select {
	case a.dirtyChan <- key:
	default:
		// the queue coalesces by key; a full queue just delays the flush
		slog.Log(ctx, common.LevelTrace, "Analytics flush queue is full", "apiKeyID", v.ApiKeyID)
	}
}

func (a *Aggregator) flushKeys(ctx context.Context, batch map[rollupKey]struct{}) error {
	for key := range batch {
		if err := a.flushKey(ctx, key); err != nil {
			slog.ErrorContext(ctx, "Failed to flush analytics rollup", "apiKeyID", key.apiKeyID, common.ErrAttr(err))
			return err
		}
	}

	return nil
}

func (a *Aggregator) flushKey(ctx context.Context, key rollupKey) error {
	a.lock.Lock()

	counter, ok := a.daily[key]
	if !ok {
		a.lock.Unlock()
		return nil
	}

	stats := &store.DailyStats{
		ApiKeyID:       key.apiKeyID,
		Date:           counter.day,
		Total:          counter.total,
		Succeeded:      counter.succeeded,
		SolveTimeSum:   counter.solveSum,
		SolveTimeCount: counter.solveCount,
		UniqueIPs:      uint64(len(counter.ips)),
	}

	countryStats := make([]*store.CountryStats, 0, 4)
	for ckey, ccounter := range a.countries {
		if ckey.rollupKey == key {
			countryStats = append(countryStats, &store.CountryStats{
				ApiKeyID:       key.apiKeyID,
				Country:        ckey.country,
				Date:           ccounter.day,
				Total:          ccounter.total,
				Succeeded:      ccounter.succeeded,
				SolveTimeSum:   ccounter.solveSum,
				SolveTimeCount: ccounter.solveCount,
			})
		}
	}

	a.lock.Unlock()

	if err := a.store.UpsertDailyStats(ctx, stats); err != nil {
		return err
	}

	for _, cs := range countryStats {
		if err := a.store.UpsertCountryStats(ctx, cs); err != nil {
			return err
		}
	}

	return nil
}

// Flush writes out every pending rollup; used on shutdown and in tests.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.lock.Lock()
	pending := make([]rollupKey, 0, len(a.daily))
	for key := range a.daily {
		pending = append(pending, key)
	}
	a.lock.Unlock()

	for _, key := range pending {
		if err := a.flushKey(ctx, key); err != nil {
			return err
		}
	}

	return nil
}
