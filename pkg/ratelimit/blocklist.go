package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/proofcaptcha/proofcaptcha/pkg/common"
)

const (
	// failures inside the rolling window before a block is issued
	blockThreshold = 5
	failWindow     = 10 * time.Minute
	entryTTL       = 24 * time.Hour
	maxEntries     = 500_000
)

// block durations escalate with every repeated block and stay capped
var blockDurations = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
}

type blockEntry struct {
	lock         sync.Mutex
	failures     []time.Time
	blockCount   uint32
	blockedUntil time.Time
	reason       string
}

type blocklistOtterLogger struct{}

func (blocklistOtterLogger) Warn(ctx context.Context, msg string, err error) {
	slog.WarnContext(ctx, msg, "source", "otter", common.ErrAttr(err))
}
func (blocklistOtterLogger) Error(ctx context.Context, msg string, err error) {
	slog.ErrorContext(ctx, msg, "source", "otter", common.ErrAttr(err))
}

// Blocklist tracks per-key (IP or fingerprint hash) verification failures in
// a rolling window and escalates block durations on repetition. State is
// process-local and resets on restart, which is acceptable for tokens that
// live two minutes at most.
type Blocklist struct {
	store *otter.Cache[string, *blockEntry]
}

func NewBlocklist() *Blocklist {
	return &Blocklist{
		store: otter.Must(&otter.Options[string, *blockEntry]{
			MaximumSize:      maxEntries,
			InitialCapacity:  1_000,
			ExpiryCalculator: otter.ExpiryAccessing[string, *blockEntry](entryTTL),
			Logger:           &blocklistOtterLogger{},
		}),
	}
}

func newBlockEntry() (*blockEntry, bool) {
	return &blockEntry{}, false
}

// Fail records a failure for the key. When the rolling window accumulates
// enough failures, the key is blocked and the block duration is returned.
func (bl *Blocklist) Fail(ctx context.Context, key, reason string, tnow time.Time) (time.Duration, bool) {
	entry, _ := bl.store.ComputeIfAbsent(key, newBlockEntry)

	entry.lock.Lock()
	defer entry.lock.Unlock()

	cutoff := tnow.Add(-failWindow)
	kept := entry.failures[:0]
	for _, t := range entry.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	entry.failures = append(kept, tnow)

	if len(entry.failures) < blockThreshold {
		return 0, false
	}

	durationIndex := min(int(entry.blockCount), len(blockDurations)-1)
	duration := blockDurations[durationIndex]

	entry.blockCount++
	entry.blockedUntil = tnow.Add(duration)
	entry.reason = reason
	entry.failures = entry.failures[:0]

	slog.WarnContext(ctx, "Blocked key", "reason", reason, "duration", duration.String(), "blocks", entry.blockCount)

	return duration, true
}

// Blocked reports whether the key is currently blocked and for how much longer.
func (bl *Blocklist) Blocked(key string, tnow time.Time) (time.Duration, string, bool) {
	entry, ok := bl.store.GetIfPresent(key)
	if !ok {
		return 0, "", false
	}

	entry.lock.Lock()
	defer entry.lock.Unlock()

	if entry.blockedUntil.After(tnow) {
		return entry.blockedUntil.Sub(tnow), entry.reason, true
	}

	return 0, "", false
}

// Reputation returns the historical block count and the failures currently
// inside the rolling window; the risk pipeline turns these into a score.
func (bl *Blocklist) Reputation(key string, tnow time.Time) (blocks uint32, failures int) {
	entry, ok := bl.store.GetIfPresent(key)
	if !ok {
		return 0, 0
	}

	entry.lock.Lock()
	defer entry.lock.Unlock()

	cutoff := tnow.Add(-failWindow)
	for _, t := range entry.failures {
		if t.After(cutoff) {
			failures++
		}
	}

	return entry.blockCount, failures
}
