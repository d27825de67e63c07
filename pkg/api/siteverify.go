package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/proofcaptcha/proofcaptcha/pkg/common"
	"github.com/proofcaptcha/proofcaptcha/pkg/keys"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

type siteverifyRequest struct {
	Secret   string `json:"secret"`
	Response string `json:"response"`
}

// siteverifyResponse follows the de-facto industry schema so existing site
// backends can switch providers without code changes.
type siteverifyResponse struct {
	Success     bool     `json:"success"`
	ChallengeTS string   `json:"challenge_ts,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
	ErrorCodes  []string `json:"error-codes,omitempty"`
}

func siteverifyFailure(codes ...Code) *siteverifyResponse {
	strs := make([]string, 0, len(codes))
	for _, c := range codes {
		strs = append(strs, string(c))
	}

	return &siteverifyResponse{Success: false, ErrorCodes: strs}
}

func parseSiteverifyRequest(r *http.Request) (*siteverifyRequest, error) {
	contentType := r.Header.Get(common.HeaderContentType)

	if strings.HasPrefix(contentType, common.ContentTypeURLEncoded) {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}

		return &siteverifyRequest{
			Secret:   r.PostFormValue(common.ParamSecret),
			Response: r.PostFormValue(common.ParamResponse),
		}, nil
	}

	var request siteverifyRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		return nil, err
	}

	return &request, nil
}

// siteverifyHandler is the server-to-server token redemption: the site
// backend exchanges the widget's token plus its secret key for a decision.
func (s *Server) siteverifyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tnow := time.Now().UTC()

	request, err := parseSiteverifyRequest(r)
	if err != nil {
		common.SendJSONStatus(ctx, w, http.StatusBadRequest, siteverifyFailure(CodeBadRequest))
		return
	}

	if len(request.Secret) == 0 || len(request.Response) == 0 {
		common.SendJSONStatus(ctx, w, http.StatusBadRequest, siteverifyFailure(CodeBadRequest))
		return
	}

	// per-secret rate limit on top of the per-IP middleware one
	if result := s.secretBuckets.Add(request.Secret, 1, time.Now()); result.Added == 0 {
		common.SendJSONStatus(ctx, w, http.StatusTooManyRequests, siteverifyFailure(CodeRateLimited))
		return
	}

	apiKey, err := s.Store.GetApiKeyBySecret(ctx, request.Secret)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.SendJSONStatus(ctx, w, http.StatusForbidden, siteverifyFailure(CodeInvalidSecret))
			return
		}

		slog.ErrorContext(ctx, "Failed to resolve secret", common.ErrAttr(err))
		common.SendJSONStatus(ctx, w, http.StatusServiceUnavailable, siteverifyFailure(CodeStorageUnavailable))
		return
	}

	// the index resolves by digest; compare the full secret without leaking
	// timing about where it diverges
	if !apiKey.IsActive || !keys.ConstantTimeEquals(apiKey.Secretkey, request.Secret) {
		common.SendJSONStatus(ctx, w, http.StatusForbidden, siteverifyFailure(CodeInvalidSecret))
		return
	}

	challenge, err := s.Store.GetChallengeByToken(ctx, request.Response)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.SendJSONResponse(ctx, w, siteverifyFailure(CodeNotFound), common.NoCacheHeaders)
			return
		}

		slog.ErrorContext(ctx, "Failed to look up challenge", common.ErrAttr(err))
		common.SendJSONStatus(ctx, w, http.StatusServiceUnavailable, siteverifyFailure(CodeStorageUnavailable))
		return
	}

	// a token must never redeem across credentials
	if challenge.ApiKeyID != apiKey.ID {
		common.SendJSONResponse(ctx, w, siteverifyFailure(CodeNotFound), common.NoCacheHeaders)
		return
	}

	if !challenge.IsUsed {
		common.SendJSONResponse(ctx, w, siteverifyFailure(CodeNotFound), common.NoCacheHeaders)
		return
	}

	if _, err := s.Store.GetSuccessfulVerification(ctx, challenge.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.SendJSONResponse(ctx, w, siteverifyFailure(CodeNotFound), common.NoCacheHeaders)
			return
		}

		slog.ErrorContext(ctx, "Failed to look up verification", common.ErrAttr(err))
		common.SendJSONStatus(ctx, w, http.StatusServiceUnavailable, siteverifyFailure(CodeStorageUnavailable))
		return
	}

	redeemed, err := s.Store.RedeemChallenge(ctx, challenge.ID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to redeem challenge", common.ErrAttr(err))
		common.SendJSONStatus(ctx, w, http.StatusServiceUnavailable, siteverifyFailure(CodeStorageUnavailable))
		return
	}

	if !redeemed {
		slog.WarnContext(ctx, "Token redeemed twice", "apiKeyID", apiKey.ID)
		common.SendJSONResponse(ctx, w, siteverifyFailure(CodeAlreadyRedeemed), common.NoCacheHeaders)
		return
	}

	slog.DebugContext(ctx, "Redeemed token", "apiKeyID", apiKey.ID,
		"age", tnow.Sub(challenge.CreatedAt).String())

	common.SendJSONResponse(ctx, w, &siteverifyResponse{
		Success:     true,
		ChallengeTS: challenge.CreatedAt.UTC().Format(time.RFC3339),
		Hostname:    challenge.ValidatedDomain,
	}, common.NoCacheHeaders)
}
