package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/rs/xid"

	"github.com/proofcaptcha/proofcaptcha/pkg/analytics"
	"github.com/proofcaptcha/proofcaptcha/pkg/common"
	"github.com/proofcaptcha/proofcaptcha/pkg/monitoring"
	"github.com/proofcaptcha/proofcaptcha/pkg/pow"
	"github.com/proofcaptcha/proofcaptcha/pkg/risk"
	"github.com/proofcaptcha/proofcaptcha/pkg/session"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

type verifyRequest struct {
	Token           string                 `json:"token"`
	Solution        json.RawMessage        `json:"solution,omitempty"`
	Encrypted       *session.Payload       `json:"encrypted,omitempty"`
	ClientPublicKey string                 `json:"clientPublicKey,omitempty"`
	Detections      *risk.ClientDetections `json:"clientDetections,omitempty"`
}

type verifySuccessResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

type attemptData struct {
	SolutionHash string         `json:"solutionHash,omitempty"`
	Risk         *risk.Snapshot `json:"risk,omitempty"`
}

// verifyHandler runs the ordered verification checks; every check must pass
// before the next one runs and the CAS on isUsed is the single commit point.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tnow := time.Now().UTC()
	ip := s.clientIP(r)

	var request verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(ctx, w, CodeBadRequest)
		return
	}

	if len(request.Token) == 0 {
		writeError(ctx, w, CodeBadRequest)
		return
	}

	if retryAfter, reason, blocked := s.Blocklist.Blocked(ip.String(), tnow); blocked {
		s.Monitor.Record(ctx, monitoring.EventThreatBlocked, ip.String(), "", reason)
		s.Metrics.ObserveThreat(monitoring.EventThreatBlocked)
		writeErrorRetry(ctx, w, CodeIPBlocked, int(retryAfter.Seconds())+1)
		return
	}

	challenge, err := s.Store.GetChallengeByToken(ctx, request.Token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.failWithoutChallenge(ctx, w, r, ip, CodeNotFound)
			return
		}

		slog.ErrorContext(ctx, "Failed to look up challenge", common.ErrAttr(err))
		writeError(ctx, w, CodeStorageUnavailable)
		return
	}

	if tnow.After(challenge.ExpiresAt) {
		s.failVerification(ctx, w, r, ip, challenge, CodeExpired, nil, nil)
		return
	}

	if !s.Signer.VerifyHex(challenge.Signature, []byte(challenge.ID), []byte(challenge.Token),
		challenge.Data, []byte(challenge.ValidatedDomain),
		[]byte(strconv.FormatInt(challenge.ExpiresAt.UnixMilli(), 10))) {
		s.failVerification(ctx, w, r, ip, challenge, CodeTampered, nil, nil)
		return
	}

	// same origin policy as challenge issuance: the bound domain must match
	// and localhost only passes in dev/test stages
	originHost := common.OriginHost(r)
	if !s.isOriginAllowed(originHost, &store.ApiKey{Domain: challenge.ValidatedDomain}) {
		s.failVerification(ctx, w, r, ip, challenge, CodeDomainMismatch, nil, nil)
		return
	}

	fingerprint := risk.NewFingerprint(r, ip)

	// the blocklist also tracks fingerprints so an attacker rotating IPs
	// does not shed its record
	if retryAfter, reason, blocked := s.Blocklist.Blocked(fingerprint.Hash, tnow); blocked {
		s.Monitor.Record(ctx, monitoring.EventThreatBlocked, ip.String(), challenge.ApiKeyID, reason)
		s.Metrics.ObserveThreat(monitoring.EventThreatBlocked)
		writeErrorRetry(ctx, w, CodeIPBlocked, int(retryAfter.Seconds())+1)
		return
	}

	if !risk.MatchFingerprint(challenge.FingerprintHash, challenge.FingerprintComponents, fingerprint) {
		s.failVerification(ctx, w, r, ip, challenge, CodeFingerprintMismatch, nil, nil)
		return
	}

	sessionInfo, hasSession := s.session(request.ClientPublicKey, tnow)
	snapshot := s.Risk.Evaluate(ctx, r, ip, request.Detections, hasSession)

	solutionBytes := []byte(request.Solution)
	if request.Encrypted != nil {
		if !hasSession {
			s.failVerification(ctx, w, r, ip, challenge, CodeCryptoFailure, snapshot, nil)
			return
		}

		solutionBytes, err = sessionInfo.Decrypt(challenge.ID, request.Encrypted)
		if err != nil {
			s.failVerification(ctx, w, r, ip, challenge, CodeCryptoFailure, snapshot, nil)
			return
		}
	}

	var solution pow.Solution
	if err := json.Unmarshal(solutionBytes, &solution); err != nil {
		s.failVerification(ctx, w, r, ip, challenge, CodeBadRequest, snapshot, solutionBytes)
		return
	}

	var body pow.Body
	if err := json.Unmarshal(challenge.Data, &body); err != nil {
		slog.ErrorContext(ctx, "Stored challenge data does not parse", common.ErrAttr(err))
		writeError(ctx, w, CodeStorageUnavailable)
		return
	}

	salt, challengeHash, err := body.Decode()
	if err != nil {
		slog.ErrorContext(ctx, "Stored challenge data does not decode", common.ErrAttr(err))
		writeError(ctx, w, CodeStorageUnavailable)
		return
	}

	kind, err := pow.ParseKind(challenge.Kind)
	if err != nil {
		writeError(ctx, w, CodeStorageUnavailable)
		return
	}

	if err := pow.VerifySolution(kind, salt, challengeHash, challenge.Answer, &solution); err != nil {
		s.failVerification(ctx, w, r, ip, challenge, CodeBadRequest, snapshot, solutionBytes)
		return
	}

	// the single commit point: exactly one concurrent verification wins
	used, err := s.Store.MarkChallengeUsed(ctx, challenge.ID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to mark challenge used", common.ErrAttr(err))
		writeError(ctx, w, CodeStorageUnavailable)
		return
	}

	if !used {
		s.Monitor.Record(ctx, monitoring.EventReplayAttack, ip.String(), challenge.ApiKeyID, challenge.ID)
		s.Metrics.ObserveThreat(monitoring.EventReplayAttack)
		s.failVerification(ctx, w, r, ip, challenge, CodeAlreadyUsed, snapshot, solutionBytes)
		return
	}

	timeToSolve := tnow.Sub(challenge.CreatedAt)
	s.Risk.RecordSolve(ip, timeToSolve)

	s.recordVerification(ctx, r, ip, challenge, "", true, timeToSolve.Milliseconds(), snapshot, solutionBytes)
	s.Monitor.Record(ctx, monitoring.EventVerificationSuccess, ip.String(), challenge.ApiKeyID, "")
	s.Metrics.ObserveVerification("success")

	slog.DebugContext(ctx, "Verified challenge", "timeToSolve", timeToSolve.Milliseconds(),
		"difficulty", challenge.Difficulty)

	common.SendJSONResponse(ctx, w, &verifySuccessResponse{
		Success:   true,
		Token:     challenge.Token,
		ExpiresAt: challenge.ExpiresAt.UnixMilli(),
	}, common.NoCacheHeaders)
}

// failWithoutChallenge covers failures before a challenge row is known; no
// verification row is written because there is nothing to attribute it to.
func (s *Server) failWithoutChallenge(ctx context.Context, w http.ResponseWriter, r *http.Request, ip netip.Addr, code Code) {
	s.recordFailureSignals(ctx, ip, "", code)
	writeError(ctx, w, code)
}

// failVerification records a verification row for the attempt, feeds the
// blocklist and answers with the taxonomy code.
func (s *Server) failVerification(ctx context.Context, w http.ResponseWriter, r *http.Request, ip netip.Addr,
	challenge *store.Challenge, code Code, snapshot *risk.Snapshot, solutionBytes []byte) {

	s.recordVerification(ctx, r, ip, challenge, code, false, 0, snapshot, solutionBytes)
	s.Monitor.Record(ctx, monitoring.EventVerificationFailure, ip.String(), challenge.ApiKeyID, string(code))
	s.Metrics.ObserveVerification(string(code))

	// a replayed correct solution is frequently a client retry; the replay
	// event is recorded above but does not feed block escalation
	if code != CodeAlreadyUsed {
		s.recordFailureSignals(ctx, ip, challenge.ApiKeyID, code)

		if len(challenge.FingerprintHash) > 0 {
			s.Blocklist.Fail(ctx, challenge.FingerprintHash, string(code), time.Now().UTC())
		}
	}

	writeError(ctx, w, code)
}

func (s *Server) recordFailureSignals(ctx context.Context, ip netip.Addr, apiKeyID string, code Code) {
	if _, blocked := s.Blocklist.Fail(ctx, ip.String(), string(code), time.Now().UTC()); blocked {
		s.Monitor.Record(ctx, monitoring.EventThreatBlocked, ip.String(), apiKeyID, string(code))
		s.Metrics.ObserveThreat(monitoring.EventThreatBlocked)
	}
}

func (s *Server) recordVerification(ctx context.Context, r *http.Request, ip netip.Addr,
	challenge *store.Challenge, code Code, success bool, timeToSolveMillis int64,
	snapshot *risk.Snapshot, solutionBytes []byte) {

	attempt := &attemptData{Risk: snapshot}
	if len(solutionBytes) > 0 {
		digest := sha256.Sum256(solutionBytes)
		attempt.SolutionHash = hex.EncodeToString(digest[:])
	}

	attemptJSON, err := json.Marshal(attempt)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to serialize attempt data", common.ErrAttr(err))
	}

	tnow := time.Now().UTC()
	country := s.Geo.Country(ip)

	verification := &store.Verification{
		ID:          xid.New().String(),
		ChallengeID: challenge.ID,
		ApiKeyID:    challenge.ApiKeyID,
		Success:     success,
		ErrorCode:   string(code),
		IPAddress:   ip.String(),
		UserAgent:   r.Header.Get(common.HeaderUserAgent),
		Country:     country,
		TimeToSolve: timeToSolveMillis,
		AttemptData: attemptJSON,
		CreatedAt:   tnow,
	}

	if err := s.Store.CreateVerification(ctx, verification); err != nil {
		slog.ErrorContext(ctx, "Failed to persist verification", common.ErrAttr(err))
		return
	}

	s.Aggregator.Observe(ctx, verification)
	s.VerifyLog.Observe(&analytics.VerifyRecord{
		ApiKeyID:    challenge.ApiKeyID,
		ChallengeID: challenge.ID,
		Success:     success,
		ErrorCode:   string(code),
		IP:          ip.String(),
		Country:     country,
		TimeToSolve: timeToSolveMillis,
		Timestamp:   tnow,
	})
}
