package common

import "net/http"

const (
	ProofCaptcha          = "Proof Captcha"
	StageDev              = "dev"
	StageStaging          = "staging"
	StageProd             = "prod"
	StageTest             = "test"
	ContentTypePlain      = "text/plain"
	ContentTypeJSON       = "application/json"
	ContentTypeURLEncoded = "application/x-www-form-urlencoded"
	ParamSiteKey          = "sitekey"
	ParamSecret           = "secret"
	ParamResponse         = "response"
	ParamToken            = "token"
	ParamSolution         = "solution"
	ParamType             = "type"
)

const (
	ChallengeEndpoint  = "api/captcha/challenge"
	VerifyEndpoint     = "api/captcha/verify"
	HandshakeEndpoint  = "api/captcha/handshake"
	SiteverifyEndpoint = "proofCaptcha/api/siteverify"
	MetricsEndpoint    = "metrics"
	HealthEndpoint     = "healthz"
)

var (
	HeaderContentType         = http.CanonicalHeaderKey("Content-Type")
	HeaderOrigin              = http.CanonicalHeaderKey("Origin")
	HeaderReferer             = http.CanonicalHeaderKey("Referer")
	HeaderUserAgent           = http.CanonicalHeaderKey("User-Agent")
	HeaderAcceptLanguage      = http.CanonicalHeaderKey("Accept-Language")
	HeaderAcceptEncoding      = http.CanonicalHeaderKey("Accept-Encoding")
	HeaderSecChUA             = http.CanonicalHeaderKey("Sec-CH-UA")
	HeaderSecChUAMobile       = http.CanonicalHeaderKey("Sec-CH-UA-Mobile")
	HeaderSecChUAPlatform     = http.CanonicalHeaderKey("Sec-CH-UA-Platform")
	HeaderSecFetchSite        = http.CanonicalHeaderKey("Sec-Fetch-Site")
	HeaderSecFetchMode        = http.CanonicalHeaderKey("Sec-Fetch-Mode")
	HeaderRetryAfter          = http.CanonicalHeaderKey("Retry-After")
	HeaderTraceID             = http.CanonicalHeaderKey("X-Trace-ID")
	HeaderAccessControlOrigin = http.CanonicalHeaderKey("Access-Control-Allow-Origin")
	HeaderAccessControlAge    = http.CanonicalHeaderKey("Access-Control-Max-Age")
	HeaderCacheControl        = http.CanonicalHeaderKey("Cache-Control")
)
