package store

import (
	"time"
)

// ApiKeySettings are the per-credential knobs a developer can tune.
type ApiKeySettings struct {
	MinDifficulty uint8  `json:"minDifficulty,omitempty"`
	Theme         string `json:"theme,omitempty"`
	DenyCritical  bool   `json:"denyCritical,omitempty"`
}

// ApiKey is a sitekey/secretkey credential pair bound to a developer and,
// optionally, to a single domain.
type ApiKey struct {
	ID          string
	DeveloperID string
	Name        string
	Sitekey     string
	Secretkey   string
	// normalized: lowercase, no scheme, no port, no trailing slash
	Domain    string
	IsActive  bool
	Settings  ApiKeySettings
	CreatedAt time.Time
}

// Challenge is a signed, single-use, time-bounded object. Kind-specific
// expected answers stay in Answer and must never be serialized to clients.
type Challenge struct {
	ID         string
	Token      string
	Kind       string
	Difficulty uint8
	// client-visible challenge body (JSON)
	Data []byte
	// server-side expected answer for image/math kinds
	Answer          string
	Signature       string
	ApiKeyID        string
	ValidatedDomain string
	// bound device fingerprint: hash plus the labeled component set for
	// similarity checks on verification
	FingerprintHash       string
	FingerprintComponents []string
	IsUsed                bool
	Redeemed              bool
	CreatedAt             time.Time
	ExpiresAt             time.Time
}

// Verification is an immutable record of a single consumption attempt,
// successful or not.
type Verification struct {
	ID          string
	ChallengeID string
	ApiKeyID    string
	Success     bool
	ErrorCode   string
	IPAddress   string
	UserAgent   string
	Country     string
	// milliseconds between challenge creation and solution arrival
	TimeToSolve int64
	// hash of the solution plus the risk snapshot (JSON)
	AttemptData []byte
	CreatedAt   time.Time
}

// DailyStats is the per-(apiKey, day) analytics rollup. Solve time is kept
// as a sum + count pair so merges do not compound rounding.
type DailyStats struct {
	ApiKeyID       string
	Date           time.Time
	Total          uint64
	Succeeded      uint64
	SolveTimeSum   int64
	SolveTimeCount uint64
	UniqueIPs      uint64
}

func (s *DailyStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}

	return float64(s.Succeeded) / float64(s.Total)
}

func (s *DailyStats) AverageSolveTime() float64 {
	if s.SolveTimeCount == 0 {
		return 0
	}

	return float64(s.SolveTimeSum) / float64(s.SolveTimeCount)
}

// CountryStats is the country-keyed parallel rollup.
type CountryStats struct {
	ApiKeyID       string
	Country        string
	Date           time.Time
	Total          uint64
	Succeeded      uint64
	SolveTimeSum   int64
	SolveTimeCount uint64
}
