package api

import (
	"context"
	"net/http"

	"github.com/proofcaptcha/proofcaptcha/pkg/common"
)

// Code is a stable wire error code. Handlers translate domain errors into
// these exactly once at the HTTP boundary.
type Code string

const (
	CodeInvalidSitekey      Code = "invalid_sitekey"
	CodeInvalidSecret       Code = "invalid_secret"
	CodeDomainMismatch      Code = "domain_mismatch"
	CodeRateLimited         Code = "rate_limited"
	CodeIPBlocked           Code = "ip_blocked"
	CodeRiskDenied          Code = "risk_denied"
	CodeExpired             Code = "expired"
	CodeTampered            Code = "tampered"
	CodeNotFound            Code = "not_found"
	CodeAlreadyUsed         Code = "already_used"
	CodeAlreadyRedeemed     Code = "already_redeemed"
	CodeFingerprintMismatch Code = "fingerprint_mismatch"
	CodeCryptoFailure       Code = "crypto_failure"
	CodeBadRequest          Code = "bad_request"
	CodeStorageUnavailable  Code = "storage_unavailable"
)

// Status maps a code to its HTTP status. Challenge-state errors are all 400
// with terse messages so the endpoint cannot be used as an oracle.
func (c Code) Status() int {
	switch c {
	case CodeInvalidSitekey, CodeInvalidSecret, CodeDomainMismatch, CodeRiskDenied:
		return http.StatusForbidden
	case CodeRateLimited, CodeIPBlocked:
		return http.StatusTooManyRequests
	case CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func (c Code) Message() string {
	switch c {
	case CodeIPBlocked:
		return "IP blocked"
	case CodeRateLimited:
		return "rate limited"
	case CodeStorageUnavailable:
		return "service unavailable"
	default:
		return "verification failed"
	}
}

type errorResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Code       Code   `json:"code"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func writeError(ctx context.Context, w http.ResponseWriter, code Code) {
	common.SendJSONStatus(ctx, w, code.Status(), &errorResponse{
		Error: code.Message(),
		Code:  code,
	})
}

func writeErrorRetry(ctx context.Context, w http.ResponseWriter, code Code, retryAfter int) {
	common.SendJSONStatus(ctx, w, code.Status(), &errorResponse{
		Error:      code.Message(),
		Code:       code,
		RetryAfter: retryAfter,
	})
}
