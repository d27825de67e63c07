package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/proofcaptcha/proofcaptcha/pkg/common"
	"github.com/proofcaptcha/proofcaptcha/pkg/leakybucket"
	realclientip "github.com/realclientip/realclientip-go"
)

func clientIPAddr(strategy realclientip.Strategy, r *http.Request) netip.Addr {
	ipStr := clientIP(strategy, r)
	if len(ipStr) == 0 {
		slog.WarnContext(r.Context(), "Empty IP address used for rate limiting")
		return netip.Addr{}
	}

	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to parse netip.Addr", "ip", ipStr, common.ErrAttr(err))
		return netip.Addr{}
	}

	return addr
}

// ClientIPStrategy builds the shared strategy for resolving the real client
// IP: an explicit header when configured, otherwise rightmost non-private
// X-Forwarded-For with RemoteAddr fallback.
func ClientIPStrategy(header string) realclientip.Strategy {
	if len(header) > 0 {
		return realclientip.Must(realclientip.NewSingleIPHeaderStrategy(header))
	}

	return realclientip.NewChainStrategy(
		realclientip.Must(realclientip.NewRightmostNonPrivateStrategy("X-Forwarded-For")),
		realclientip.RemoteAddrStrategy{})
}

// ClientIP resolves the request's client address with the given strategy.
func ClientIP(strategy realclientip.Strategy, r *http.Request) netip.Addr {
	return clientIPAddr(strategy, r)
}

type IPAddrBuckets = leakybucket.Manager[netip.Addr, leakybucket.ConstLeakyBucket[netip.Addr], *leakybucket.ConstLeakyBucket[netip.Addr]]

func NewIPAddrBuckets(maxBuckets int, bucketCap uint32, leakInterval time.Duration) *IPAddrBuckets {
	buckets := leakybucket.NewManager[netip.Addr, leakybucket.ConstLeakyBucket[netip.Addr]](maxBuckets, bucketCap, leakInterval)

	// we setup a separate bucket for "missing" IPs with empty key
	// with a different burst, assuming a misconfiguration on our side
	buckets.SetDefaultBucket(leakybucket.NewConstBucket(netip.Addr{}, 1 /*capacity*/, leakInterval, time.Now()))

	return buckets
}

func NewIPAddrRateLimiter(name, header string, buckets *IPAddrBuckets) *httpRateLimiter[netip.Addr] {
	strategy := ClientIPStrategy(header)

	limiter := &httpRateLimiter[netip.Addr]{
		name:               name,
		rejectedHandler:    defaultRejectedHandler,
		strategy:           strategy,
		buckets:            buckets,
		keyFunc:            func(r *http.Request) netip.Addr { return clientIPAddr(strategy, r) },
		retryJitterPercent: 0.2, // 20%
	}

	name = strings.ToLower(name)

	var cancelCtx context.Context
	cancelCtx, limiter.cleanupCancel = context.WithCancel(
		context.WithValue(context.Background(), common.TraceIDContextKey, name+"_ip_rate_limiter_cleanup"))
	go limiter.cleanup(cancelCtx)

	return limiter
}
