package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/proofcaptcha/proofcaptcha/pkg/common"
	"golang.org/x/sync/singleflight"
)

const (
	vpnLookupTimeout = 5 * time.Second
	vpnCacheTTL      = 1 * time.Hour
	vpnCacheSize     = 100_000
)

// VPNProvider answers whether an address belongs to a VPN/proxy/hosting
// range. Providers may fail; failures are non-fatal for the pipeline.
type VPNProvider interface {
	Name() string
	Lookup(ctx context.Context, ip netip.Addr) (bool, error)
}

// apiProvider queries a paid intelligence API when an API key is configured.
type apiProvider struct {
	apiKey string
	client *http.Client
}

func (p *apiProvider) Name() string { return "api" }

func (p *apiProvider) Lookup(ctx context.Context, ip netip.Addr) (bool, error) {
	url := fmt.Sprintf("https://vpnapi.io/api/%s?key=%s", ip.String(), p.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("vpn api status %d", resp.StatusCode)
	}

	var body struct {
		Security struct {
			VPN   bool `json:"vpn"`
			Proxy bool `json:"proxy"`
			Tor   bool `json:"tor"`
		} `json:"security"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}

	return body.Security.VPN || body.Security.Proxy || body.Security.Tor, nil
}

// freeProvider queries a keyless endpoint with laxer quotas.
type freeProvider struct {
	client *http.Client
}

func (p *freeProvider) Name() string { return "free" }

func (p *freeProvider) Lookup(ctx context.Context, ip netip.Addr) (bool, error) {
	url := fmt.Sprintf("http://ip-api.com/json/%s?fields=proxy,hosting,status", ip.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Proxy   bool   `json:"proxy"`
		Hosting bool   `json:"hosting"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}

	if body.Status != "success" {
		return false, fmt.Errorf("lookup status %q", body.Status)
	}

	return body.Proxy || body.Hosting, nil
}

// staticProvider matches known datacenter/VPN prefixes and never fails.
type staticProvider struct {
	prefixes []netip.Prefix
}

func (p *staticProvider) Name() string { return "static" }

func (p *staticProvider) Lookup(ctx context.Context, ip netip.Addr) (bool, error) {
	for _, prefix := range p.prefixes {
		if prefix.Contains(ip) {
			return true, nil
		}
	}

	return false, nil
}

var knownHostingPrefixes = []netip.Prefix{
	netip.MustParsePrefix("104.16.0.0/13"),  // cloudflare
	netip.MustParsePrefix("34.64.0.0/10"),   // gcp
	netip.MustParsePrefix("3.0.0.0/9"),      // aws
	netip.MustParsePrefix("20.33.0.0/16"),   // azure
	netip.MustParsePrefix("45.32.0.0/16"),   // vultr
	netip.MustParsePrefix("104.131.0.0/16"), // digitalocean
	netip.MustParsePrefix("185.220.100.0/22"), // tor exits
}

// VPNDetector walks the provider hierarchy until one of them answers.
// Lookups are deduplicated per address and cached; a miss everywhere
// defaults to "not VPN".
type VPNDetector struct {
	providers []VPNProvider
	cache     *otter.Cache[netip.Addr, bool]
	group     singleflight.Group
}

func NewVPNDetector(cfg common.ConfigStore) *VPNDetector {
	client := &http.Client{Timeout: vpnLookupTimeout}

	providers := make([]VPNProvider, 0, 3)
	if apiKey := cfg.Get(common.VPNAPIKeyKey).Value(); len(apiKey) > 0 {
		providers = append(providers, &apiProvider{apiKey: apiKey, client: client})
	}
	providers = append(providers,
		&freeProvider{client: client},
		&staticProvider{prefixes: knownHostingPrefixes})

	return &VPNDetector{
		providers: providers,
		cache: otter.Must(&otter.Options[netip.Addr, bool]{
			MaximumSize:      vpnCacheSize,
			InitialCapacity:  1_000,
			ExpiryCalculator: otter.ExpiryWriting[netip.Addr, bool](vpnCacheTTL),
		}),
	}
}

// newStaticOnlyDetector is used by tests to avoid network traffic.
func newStaticOnlyDetector(prefixes []netip.Prefix) *VPNDetector {
	return &VPNDetector{
		providers: []VPNProvider{&staticProvider{prefixes: prefixes}},
		cache: otter.Must(&otter.Options[netip.Addr, bool]{
			MaximumSize:      1_000,
			ExpiryCalculator: otter.ExpiryWriting[netip.Addr, bool](vpnCacheTTL),
		}),
	}
}

// IsVPN reports whether the address looks like VPN/proxy egress. Provider
// errors and timeouts degrade to false.
func (d *VPNDetector) IsVPN(ctx context.Context, ip netip.Addr) bool {
	if !ip.IsValid() || ip.IsPrivate() || ip.IsLoopback() {
		return false
	}

	if cached, ok := d.cache.GetIfPresent(ip); ok {
		return cached
	}

	result, _, _ := d.group.Do(ip.String(), func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), vpnLookupTimeout)
		defer cancel()

		for _, provider := range d.providers {
			positive, err := provider.Lookup(lookupCtx, ip)
			if err != nil {
				slog.Log(ctx, common.LevelTrace, "VPN provider failed", "provider", provider.Name(), common.ErrAttr(err))
				continue
			}

			d.cache.Set(ip, positive)
			return positive, nil
		}

		// every provider failed: do not penalize the client
		return false, nil
	})

	return result.(bool)
}
