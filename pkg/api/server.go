package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/justinas/alice"
	realclientip "github.com/realclientip/realclientip-go"
	"github.com/rs/cors"

	"github.com/proofcaptcha/proofcaptcha/pkg/analytics"
	"github.com/proofcaptcha/proofcaptcha/pkg/common"
	"github.com/proofcaptcha/proofcaptcha/pkg/keys"
	"github.com/proofcaptcha/proofcaptcha/pkg/leakybucket"
	"github.com/proofcaptcha/proofcaptcha/pkg/monitoring"
	"github.com/proofcaptcha/proofcaptcha/pkg/ratelimit"
	"github.com/proofcaptcha/proofcaptcha/pkg/risk"
	"github.com/proofcaptcha/proofcaptcha/pkg/session"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

const (
	maxBodySize  = 64 * 1024
	challengeTTL = 120 * time.Second

	// per-route bucket defaults; spikes are normal for /challenge, the
	// server-to-server routes should be tame
	challengeBucketCap   = 20
	challengeLeak        = 1 * time.Second
	handshakeBucketCap   = 10
	handshakeLeak        = 2 * time.Second
	siteverifyBucketCap  = 50
	siteverifyLeak       = 500 * time.Millisecond
	maxIPBuckets         = 1_000_000
	secretBucketCap      = 50
	secretLeakInterval   = 500 * time.Millisecond
	maxSecretBuckets     = 100_000
)

// GeoResolver enriches verifications with a country code; pluggable, the
// default resolves nothing.
type GeoResolver interface {
	Country(ip netip.Addr) string
}

type noopGeoResolver struct{}

func (noopGeoResolver) Country(ip netip.Addr) string { return "" }

// Server wires the challenge, verification, handshake and siteverify
// orchestrators. All shared state is passed in explicitly.
type Server struct {
	Stage      string
	Store      store.Store
	Signer     *keys.Signer
	Sessions   *session.Manager
	Risk       *risk.Pipeline
	Blocklist  *ratelimit.Blocklist
	Monitor    *monitoring.Monitor
	Metrics    *monitoring.Service
	Aggregator *analytics.Aggregator
	VerifyLog  *analytics.VerifyLogSink
	Geo        GeoResolver

	ipStrategy realclientip.Strategy
	cors       *cors.Cors

	challengeLimiter  ratelimit.HTTPRateLimiter
	verifyLimiter     ratelimit.HTTPRateLimiter
	handshakeLimiter  ratelimit.HTTPRateLimiter
	siteverifyLimiter ratelimit.HTTPRateLimiter
	secretBuckets     *leakybucket.Manager[string, leakybucket.ConstLeakyBucket[string], *leakybucket.ConstLeakyBucket[string]]
}

func (s *Server) Init(cfg common.ConfigStore) {
	if s.Geo == nil {
		s.Geo = noopGeoResolver{}
	}

	rateLimitHeader := cfg.Get(common.RateLimitHeaderKey).Value()
	s.ipStrategy = ratelimit.ClientIPStrategy(rateLimitHeader)

	// deployment-tunable widget limits; the server-to-server routes keep
	// their compiled defaults
	widgetCap := leakybucket.Cap(cfg.Get(common.RateLimitBurstKey).Value(), challengeBucketCap)
	widgetLeak := leakybucket.Interval(cfg.Get(common.RateLimitRateKey).Value(), challengeLeak)

	s.challengeLimiter = ratelimit.NewIPAddrRateLimiter("challenge", rateLimitHeader,
		ratelimit.NewIPAddrBuckets(maxIPBuckets, widgetCap, widgetLeak))
	s.verifyLimiter = ratelimit.NewIPAddrRateLimiter("verify", rateLimitHeader,
		ratelimit.NewIPAddrBuckets(maxIPBuckets, widgetCap, widgetLeak))
	s.handshakeLimiter = ratelimit.NewIPAddrRateLimiter("handshake", rateLimitHeader,
		ratelimit.NewIPAddrBuckets(maxIPBuckets, handshakeBucketCap, handshakeLeak))
	s.siteverifyLimiter = ratelimit.NewIPAddrRateLimiter("siteverify", rateLimitHeader,
		ratelimit.NewIPAddrBuckets(maxIPBuckets, siteverifyBucketCap, siteverifyLeak))

	s.secretBuckets = leakybucket.NewManager[string, leakybucket.ConstLeakyBucket[string]](
		maxSecretBuckets, secretBucketCap, secretLeakInterval)
}

func (s *Server) Setup(router *http.ServeMux, verbose bool) {
	corsOpts := cors.Options{
		AllowOriginFunc:     func(origin string) bool { return len(origin) > 0 },
		AllowedHeaders:      []string{"accept", "content-type", "x-requested-with"},
		AllowedMethods:      []string{http.MethodPost},
		AllowPrivateNetwork: true,
		MaxAge:              60 * 60, /*seconds*/
		Debug:               verbose,
	}

	if corsOpts.Debug {
		corsOpts.Logger = &common.FmtLogger{Ctx: common.TraceContext(context.TODO(), "cors"), Level: common.LevelTrace}
	}

	s.cors = cors.New(corsOpts)

	publicChain := alice.New(common.Recovered, monitoring.Traced, common.Secured, s.Metrics.Handler)
	widgetChain := publicChain.Append(s.cors.Handler, common.TimeoutHandler(5*time.Second))

	router.Handle(http.MethodPost+" /"+common.ChallengeEndpoint,
		widgetChain.Append(s.challengeLimiter.RateLimit).Then(
			http.MaxBytesHandler(http.HandlerFunc(s.challengeHandler), maxBodySize)))
	router.Handle(http.MethodPost+" /"+common.VerifyEndpoint,
		widgetChain.Append(s.verifyLimiter.RateLimit).Then(
			http.MaxBytesHandler(http.HandlerFunc(s.verifyHandler), maxBodySize)))
	router.Handle(http.MethodPost+" /"+common.HandshakeEndpoint,
		widgetChain.Append(s.handshakeLimiter.RateLimit).Then(
			http.MaxBytesHandler(http.HandlerFunc(s.handshakeHandler), maxBodySize)))
	router.Handle(http.MethodPost+" /"+common.SiteverifyEndpoint,
		publicChain.Append(common.TimeoutHandler(5*time.Second), s.siteverifyLimiter.RateLimit).Then(
			http.MaxBytesHandler(http.HandlerFunc(s.siteverifyHandler), maxBodySize)))

	router.Handle(http.MethodGet+" /"+common.MetricsEndpoint, publicChain.Then(s.Metrics.MetricsHandler()))
	router.Handle(http.MethodGet+" /"+common.HealthEndpoint, publicChain.ThenFunc(s.healthHandler))

	// "root" access
	router.Handle("/{$}", publicChain.Then(common.HttpStatus(http.StatusForbidden)))
}

func (s *Server) Shutdown() {
	slog.Debug("Shutting down API server routines")
	s.challengeLimiter.Shutdown()
	s.verifyLimiter.Shutdown()
	s.handshakeLimiter.Shutdown()
	s.siteverifyLimiter.Shutdown()
}

func (s *Server) clientIP(r *http.Request) netip.Addr {
	if ip, ok := r.Context().Value(common.RateLimitKeyContextKey).(netip.Addr); ok && ip.IsValid() {
		return ip
	}

	return ratelimit.ClientIP(s.ipStrategy, r)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.Store.Ping(ctx); err != nil {
		s.Metrics.ObserveStorageHealth(false)
		writeError(ctx, w, CodeStorageUnavailable)
		return
	}

	s.Metrics.ObserveStorageHealth(true)
	common.SendJSONResponse(ctx, w, map[string]string{"status": "ok"})
}

// isOriginAllowed enforces the credential's domain binding. Localhost is
// only acceptable while developing.
func (s *Server) isOriginAllowed(originHost string, apiKey *store.ApiKey) bool {
	if common.IsLocalhost(originHost) {
		return s.Stage == common.StageDev || s.Stage == common.StageTest
	}

	if len(apiKey.Domain) == 0 {
		return true
	}

	return originHost == apiKey.Domain
}

// validatedDomain is what gets bound into the challenge and echoed by
// siteverify as the hostname.
func validatedDomain(originHost string, apiKey *store.ApiKey) string {
	if len(apiKey.Domain) > 0 {
		return apiKey.Domain
	}

	return originHost
}
