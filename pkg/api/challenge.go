package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/xid"

	"github.com/proofcaptcha/proofcaptcha/pkg/common"
	"github.com/proofcaptcha/proofcaptcha/pkg/keys"
	"github.com/proofcaptcha/proofcaptcha/pkg/monitoring"
	"github.com/proofcaptcha/proofcaptcha/pkg/pow"
	"github.com/proofcaptcha/proofcaptcha/pkg/risk"
	"github.com/proofcaptcha/proofcaptcha/pkg/session"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

type challengeRequest struct {
	// the sitekey; named publicKey on the wire for widget compatibility
	PublicKey       string                 `json:"publicKey"`
	Type            string                 `json:"type,omitempty"`
	Detections      *risk.ClientDetections `json:"clientDetections,omitempty"`
	ClientPublicKey string                 `json:"clientPublicKey,omitempty"`
}

type challengeResponse struct {
	Challenge json.RawMessage  `json:"challenge,omitempty"`
	Encrypted *session.Payload `json:"encrypted,omitempty"`
	// the widget needs the id to decrypt: it is the payload AAD
	ID         string `json:"id"`
	Token      string `json:"token"`
	ExpiresAt  int64  `json:"expiresAt"`
	Difficulty uint8  `json:"difficulty"`
}

// signChallenge computes the canonical HMAC over the challenge identity
// fields; expiry participates as unix milliseconds.
func signChallenge(signer *keys.Signer, id, token string, data []byte, domain string, expiresAt time.Time) string {
	return signer.SignHex([]byte(id), []byte(token), data, []byte(domain),
		[]byte(strconv.FormatInt(expiresAt.UnixMilli(), 10)))
}

func (s *Server) challengeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tnow := time.Now().UTC()
	ip := s.clientIP(r)

	var request challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(ctx, w, CodeBadRequest)
		return
	}

	apiKey, err := s.Store.GetApiKeyBySitekey(ctx, request.PublicKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(ctx, w, CodeInvalidSitekey)
			return
		}

		slog.ErrorContext(ctx, "Failed to resolve sitekey", common.ErrAttr(err))
		writeError(ctx, w, CodeStorageUnavailable)
		return
	}

	if !apiKey.IsActive {
		writeError(ctx, w, CodeInvalidSitekey)
		return
	}

	originHost := common.OriginHost(r)
	if !s.isOriginAllowed(originHost, apiKey) {
		slog.WarnContext(ctx, "Origin not allowed", "origin", originHost, "domain", apiKey.Domain)
		s.Monitor.Record(ctx, monitoring.EventThreatBlocked, ip.String(), apiKey.ID, "domain_mismatch")
		writeError(ctx, w, CodeDomainMismatch)
		return
	}

	if retryAfter, reason, blocked := s.Blocklist.Blocked(ip.String(), tnow); blocked {
		s.Monitor.Record(ctx, monitoring.EventThreatBlocked, ip.String(), apiKey.ID, reason)
		s.Metrics.ObserveThreat(monitoring.EventThreatBlocked)
		writeErrorRetry(ctx, w, CodeIPBlocked, int(retryAfter.Seconds())+1)
		return
	}

	sessionInfo, hasSession := s.session(request.ClientPublicKey, tnow)
	snapshot := s.Risk.Evaluate(ctx, r, ip, request.Detections, hasSession)

	if snapshot.RiskLevel == risk.LevelCritical && apiKey.Settings.DenyCritical {
		s.Monitor.Record(ctx, monitoring.EventThreatBlocked, ip.String(), apiKey.ID, "risk_denied")
		s.Metrics.ObserveThreat(monitoring.EventThreatBlocked)
		writeError(ctx, w, CodeRiskDenied)
		return
	}

	difficulty := snapshot.Difficulty
	if floor := apiKey.Settings.MinDifficulty; floor > difficulty {
		difficulty = pow.ClampDifficulty(floor)
	}

	kind, err := pow.ParseKind(request.Type)
	if err != nil {
		writeError(ctx, w, CodeBadRequest)
		return
	}

	challenge, err := pow.NewChallenge(kind, difficulty)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to generate challenge", common.ErrAttr(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	body, err := json.Marshal(challenge.Body())
	if err != nil {
		slog.ErrorContext(ctx, "Failed to serialize challenge body", common.ErrAttr(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	token, err := keys.RandomToken()
	if err != nil {
		slog.ErrorContext(ctx, "Failed to generate token", common.ErrAttr(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	id := xid.New().String()
	domain := validatedDomain(originHost, apiKey)
	expiresAt := tnow.Add(challengeTTL)
	fingerprint := risk.NewFingerprint(r, ip)

	record := &store.Challenge{
		ID:                    id,
		Token:                 token,
		Kind:                  kind.String(),
		Difficulty:            difficulty,
		Data:                  body,
		Answer:                challenge.ExpectedAnswer(),
		Signature:             signChallenge(s.Signer, id, token, body, domain, expiresAt),
		ApiKeyID:              apiKey.ID,
		ValidatedDomain:       domain,
		FingerprintHash:       fingerprint.Hash,
		FingerprintComponents: fingerprint.Components,
		IsUsed:                false,
		CreatedAt:             tnow,
		ExpiresAt:             expiresAt,
	}

	if err := s.Store.CreateChallenge(ctx, record); err != nil {
		slog.ErrorContext(ctx, "Failed to persist challenge", common.ErrAttr(err))
		writeError(ctx, w, CodeStorageUnavailable)
		return
	}

	response := &challengeResponse{
		ID:         id,
		Token:      token,
		ExpiresAt:  expiresAt.UnixMilli(),
		Difficulty: difficulty,
	}

	if hasSession {
		encrypted, err := sessionInfo.Encrypt(id, body)
		if err != nil {
			writeError(ctx, w, CodeCryptoFailure)
			return
		}
		response.Encrypted = encrypted
	} else {
		response.Challenge = body
	}

	s.Monitor.Record(ctx, monitoring.EventChallengeRequest, ip.String(), apiKey.ID, string(snapshot.RiskLevel))
	s.Metrics.ObserveChallengeCreated()

	slog.DebugContext(ctx, "Issued challenge", "difficulty", difficulty, "kind", kind.String(),
		"risk", snapshot.TotalScore)

	common.SendJSONResponse(ctx, w, response, common.NoCacheHeaders)
}

func (s *Server) session(clientPublicKey string, tnow time.Time) (*session.Info, bool) {
	if len(clientPublicKey) == 0 {
		return nil, false
	}

	return s.Sessions.Get(clientPublicKey, tnow)
}
