package risk

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/proofcaptcha/proofcaptcha/pkg/common"
	"github.com/proofcaptcha/proofcaptcha/pkg/leakybucket"
	"github.com/proofcaptcha/proofcaptcha/pkg/pow"
	"github.com/proofcaptcha/proofcaptcha/pkg/ratelimit"
)

type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

const (
	vpnPenalty       = 20
	plaintextPenalty = 10
	frequencyFree    = 20
	frequencyCap     = 30

	solveCacheSize = 500_000
	solveCacheTTL  = 30 * time.Minute

	// ~20 requests/minute sustained before the frequency signal kicks in
	frequencyLeakInterval = 3 * time.Second
	frequencyBucketCap    = 1_000
	maxFrequencyBuckets   = 1_000_000
)

// Snapshot is the risk assessment attached to a challenge and logged with
// every verification attempt. It is ephemeral and never stored as a row.
type Snapshot struct {
	AutomationScore   int      `json:"automationScore"`
	DeviceScore       int      `json:"deviceScore"`
	IPReputationScore int      `json:"ipReputationScore"`
	FrequencyScore    int      `json:"frequencyScore"`
	TotalScore        int      `json:"totalScore"`
	RiskLevel         Level    `json:"riskLevel"`
	Difficulty        uint8    `json:"difficulty"`
	ShouldChallenge   bool     `json:"shouldChallenge"`
	Factors           []string `json:"factors"`
}

func levelFor(totalScore int) (Level, uint8, bool) {
	switch {
	case totalScore < 25:
		return LevelLow, 4, false
	case totalScore < 50:
		return LevelMedium, 5, true
	case totalScore < 80:
		return LevelHigh, 6, true
	default:
		return LevelCritical, 7, true
	}
}

// Pipeline aggregates automation, device, reputation, frequency and VPN
// signals into a score and a recommended difficulty.
type Pipeline struct {
	checker   *automationChecker
	vpn       *VPNDetector
	blocklist *ratelimit.Blocklist
	frequency *leakybucket.Manager[netip.Addr, leakybucket.ConstLeakyBucket[netip.Addr], *leakybucket.ConstLeakyBucket[netip.Addr]]
	solves    *otter.Cache[netip.Addr, time.Duration]
}

func NewPipeline(vpn *VPNDetector, blocklist *ratelimit.Blocklist) *Pipeline {
	return &Pipeline{
		checker:   newAutomationChecker(),
		vpn:       vpn,
		blocklist: blocklist,
		frequency: leakybucket.NewManager[netip.Addr, leakybucket.ConstLeakyBucket[netip.Addr]](
			maxFrequencyBuckets, frequencyBucketCap, frequencyLeakInterval),
		solves: otter.Must(&otter.Options[netip.Addr, time.Duration]{
			MaximumSize:      solveCacheSize,
			InitialCapacity:  1_000,
			ExpiryCalculator: otter.ExpiryWriting[netip.Addr, time.Duration](solveCacheTTL),
		}),
	}
}

// Evaluate runs all signal groups against the request envelope. The result
// is monotone: adding a negative signal never lowers the total score.
func (p *Pipeline) Evaluate(ctx context.Context, r *http.Request, ip netip.Addr, detections *ClientDetections, encrypted bool) *Snapshot {
	snapshot := &Snapshot{Factors: make([]string, 0, 8)}

	snapshot.AutomationScore = p.checker.score(r, detections, &snapshot.Factors)
	snapshot.DeviceScore = deviceScore(r, &snapshot.Factors)

	if p.blocklist != nil && ip.IsValid() {
		blocks, failures := p.blocklist.Reputation(ip.String(), time.Now())
		snapshot.IPReputationScore = 10*int(blocks) + 5*failures
		if snapshot.IPReputationScore > 0 {
			snapshot.Factors = append(snapshot.Factors, "ip_reputation")
		}
	}

	if ip.IsValid() {
		result := p.frequency.Add(ip, 1, time.Now())
		if count := int(result.CurrLevel); count > frequencyFree {
			snapshot.FrequencyScore = min(2*(count-frequencyFree), frequencyCap)
			snapshot.Factors = append(snapshot.Factors, "high_frequency")
		}
	}

	vpnScore := 0
	if p.vpn != nil && p.vpn.IsVPN(ctx, ip) {
		vpnScore = vpnPenalty
		snapshot.Factors = append(snapshot.Factors, "vpn_or_proxy")
	}

	encryptionScore := 0
	if !encrypted {
		encryptionScore = plaintextPenalty
		snapshot.Factors = append(snapshot.Factors, "plaintext_session")
	}

	snapshot.TotalScore = snapshot.AutomationScore + snapshot.DeviceScore +
		snapshot.IPReputationScore + snapshot.FrequencyScore + vpnScore + encryptionScore

	level, difficulty, shouldChallenge := levelFor(snapshot.TotalScore)
	snapshot.RiskLevel = level
	snapshot.ShouldChallenge = shouldChallenge
	snapshot.Difficulty = pow.ClampDifficulty(difficulty + p.solveTimeBump(ip))

	slog.Log(ctx, common.LevelTrace, "Risk snapshot", "total", snapshot.TotalScore,
		"level", string(snapshot.RiskLevel), "difficulty", snapshot.Difficulty,
		"factors", snapshot.Factors)

	return snapshot
}

// RecordSolve feeds the adaptive difficulty loop: suspiciously fast solvers
// get harder challenges next time.
func (p *Pipeline) RecordSolve(ip netip.Addr, solveTime time.Duration) {
	if !ip.IsValid() {
		return
	}

	p.solves.Set(ip, solveTime)
}

func (p *Pipeline) solveTimeBump(ip netip.Addr) uint8 {
	if !ip.IsValid() {
		return 0
	}

	solveTime, ok := p.solves.GetIfPresent(ip)
	if !ok {
		return 0
	}

	switch {
	case solveTime < 500*time.Millisecond:
		return 2
	case solveTime < 1000*time.Millisecond:
		return 1
	default:
		return 0
	}
}
