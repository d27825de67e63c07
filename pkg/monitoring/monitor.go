package monitoring

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/proofcaptcha/proofcaptcha/pkg/common"
)

type EventKind string

const (
	EventChallengeRequest    EventKind = "challenge_request"
	EventVerificationSuccess EventKind = "verification_success"
	EventVerificationFailure EventKind = "verification_failure"
	EventThreatBlocked       EventKind = "threat_blocked"
	EventReplayAttack        EventKind = "replay_attack"
)

const (
	ringCapacity  = 10_000
	retention     = 24 * time.Hour
	sweepInterval = 1 * time.Hour
)

// Event is a single security observation. Beyond the IP no PII is kept.
type Event struct {
	Kind      EventKind
	IP        string
	ApiKeyID  string
	Detail    string
	Timestamp time.Time
}

func (e *Event) isThreat() bool {
	return e.Kind == EventThreatBlocked || e.Kind == EventReplayAttack
}

// Metrics is an aggregate over a trailing window.
type Metrics struct {
	Challenges    uint64 `json:"challenges"`
	Successes     uint64 `json:"successes"`
	Failures      uint64 `json:"failures"`
	ThreatsOnly   uint64 `json:"threats"`
	ReplayAttacks uint64 `json:"replayAttacks"`
}

type IPCount struct {
	IP    string `json:"ip"`
	Count uint64 `json:"count"`
}

// Monitor keeps the most recent events in a fixed ring. Writers and the
// sweeper synchronize on one mutex; readers take a snapshot under the same
// lock and aggregate outside of it.
type Monitor struct {
	lock        sync.Mutex
	events      []Event
	head        int
	count       int
	sweepCancel context.CancelFunc
}

func NewMonitor() *Monitor {
	return &Monitor{
		events:      make([]Event, ringCapacity),
		sweepCancel: func() {},
	}
}

// Start launches the hourly sweeper evicting events older than retention.
func (m *Monitor) Start() {
	var sweepCtx context.Context
	sweepCtx, m.sweepCancel = context.WithCancel(
		context.WithValue(context.Background(), common.TraceIDContextKey, "monitor_sweep"))

	go m.sweep(sweepCtx)
}

func (m *Monitor) Shutdown() {
	slog.Debug("Shutting down security monitor")
	m.sweepCancel()
}

func (m *Monitor) Record(ctx context.Context, kind EventKind, ip, apiKeyID, detail string) {
	event := Event{
		Kind:      kind,
		IP:        ip,
		ApiKeyID:  apiKeyID,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}

	m.lock.Lock()
	m.events[m.head] = event
	m.head = (m.head + 1) % ringCapacity
	if m.count < ringCapacity {
		m.count++
	}
	m.lock.Unlock()

	if event.isThreat() {
		slog.WarnContext(ctx, "Security event", "kind", string(kind), "ip", ip, "detail", detail)
	}
}

// snapshot copies live events newest-first.
func (m *Monitor) snapshot() []Event {
	m.lock.Lock()
	defer m.lock.Unlock()

	result := make([]Event, 0, m.count)
	for i := 0; i < m.count; i++ {
		index := (m.head - 1 - i + ringCapacity) % ringCapacity
		result = append(result, m.events[index])
	}

	return result
}

func (m *Monitor) Metrics(window time.Duration) *Metrics {
	cutoff := time.Now().UTC().Add(-window)
	metrics := &Metrics{}

	for _, event := range m.snapshot() {
		if event.Timestamp.Before(cutoff) {
			break
		}

		switch event.Kind {
		case EventChallengeRequest:
			metrics.Challenges++
		case EventVerificationSuccess:
			metrics.Successes++
		case EventVerificationFailure:
			metrics.Failures++
		case EventThreatBlocked:
			metrics.ThreatsOnly++
		case EventReplayAttack:
			metrics.ReplayAttacks++
		}
	}

	return metrics
}

func (m *Monitor) RecentThreats(n int) []Event {
	result := make([]Event, 0, n)

	for _, event := range m.snapshot() {
		if len(result) >= n {
			break
		}

		if event.isThreat() {
			result = append(result, event)
		}
	}

	return result
}

func (m *Monitor) TopThreatIPs(n int, window time.Duration) []IPCount {
	cutoff := time.Now().UTC().Add(-window)
	counts := make(map[string]uint64)

	for _, event := range m.snapshot() {
		if event.Timestamp.Before(cutoff) {
			break
		}

		if event.isThreat() && len(event.IP) > 0 {
			counts[event.IP]++
		}
	}

	result := make([]IPCount, 0, len(counts))
	for ip, count := range counts {
		result = append(result, IPCount{IP: ip, Count: count})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].IP < result[j].IP
	})

	if len(result) > n {
		result = result[:n]
	}

	return result
}

func (m *Monitor) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := m.evictExpired(time.Now().UTC().Add(-retention))
			if evicted > 0 {
				slog.DebugContext(ctx, "Evicted expired events", "count", evicted)
			}
		}
	}
}

func (m *Monitor) evictExpired(cutoff time.Time) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	// events are ordered by insertion; drop the expired tail
	evicted := 0
	for m.count > 0 {
		tail := (m.head - m.count + ringCapacity) % ringCapacity
		if !m.events[tail].Timestamp.Before(cutoff) {
			break
		}

		m.events[tail] = Event{}
		m.count--
		evicted++
	}

	return evicted
}
