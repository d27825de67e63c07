package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/netip"
	"strings"

	"github.com/proofcaptcha/proofcaptcha/pkg/common"
	"golang.org/x/text/language"
)

const (
	// fingerprints below this confidence are too thin to bind a device
	reliableConfidence = 50
	// fuzzy match acceptance bar for reliable fingerprints
	SimilarityThreshold = 0.7
)

type fingerprintAttribute struct {
	label  string
	weight int
	value  func(r *http.Request) string
}

// attribute order is part of the hash input and must stay stable
var fingerprintAttributes = []fingerprintAttribute{
	{"ua", 25, func(r *http.Request) string { return r.Header.Get(common.HeaderUserAgent) }},
	{"lang", 15, acceptLanguageValue},
	{"enc", 10, func(r *http.Request) string { return r.Header.Get(common.HeaderAcceptEncoding) }},
	{"chua", 15, func(r *http.Request) string { return r.Header.Get(common.HeaderSecChUA) }},
	{"chmob", 5, func(r *http.Request) string { return r.Header.Get(common.HeaderSecChUAMobile) }},
	{"chplat", 5, func(r *http.Request) string { return r.Header.Get(common.HeaderSecChUAPlatform) }},
}

func acceptLanguageValue(r *http.Request) string {
	value := r.Header.Get(common.HeaderAcceptLanguage)
	if len(value) == 0 {
		return ""
	}

	// a value that does not parse contributes nothing to confidence
	if _, _, err := language.ParseAcceptLanguage(value); err != nil {
		return ""
	}

	return value
}

// Fingerprint is a hash of ordered, labeled request attributes plus the
// component digests needed to compute similarity on verification. Raw header
// values are never persisted.
type Fingerprint struct {
	Hash       string
	Components []string
	Confidence int
}

func (f *Fingerprint) IsReliable() bool {
	return f.Confidence >= reliableConfidence
}

func componentDigest(label, value string) string {
	sum := sha256.Sum256([]byte(label + "=" + value))
	return label + ":" + hex.EncodeToString(sum[:8])
}

// NewFingerprint derives the device fingerprint from the request envelope.
// The client IP and TLS cipher participate alongside the header attributes.
func NewFingerprint(r *http.Request, ip netip.Addr) *Fingerprint {
	hasher := sha256.New()
	components := make([]string, 0, len(fingerprintAttributes)+2)
	confidence := 0

	for _, attr := range fingerprintAttributes {
		value := attr.value(r)
		hasher.Write([]byte(attr.label))
		hasher.Write([]byte{'='})
		hasher.Write([]byte(value))
		hasher.Write([]byte{'\n'})

		if len(value) > 0 {
			confidence += attr.weight
			components = append(components, componentDigest(attr.label, value))
		}
	}

	ipValue := ""
	if ip.IsValid() {
		ipValue = ip.String()
		confidence += 20
		components = append(components, componentDigest("ip", ipValue))
	}
	hasher.Write([]byte("ip=" + ipValue + "\n"))

	tlsValue := ""
	if r.TLS != nil {
		tlsValue = tlsCipherName(r.TLS.CipherSuite)
		confidence += 5
		components = append(components, componentDigest("tls", tlsValue))
	}
	hasher.Write([]byte("tls=" + tlsValue + "\n"))

	return &Fingerprint{
		Hash:       hex.EncodeToString(hasher.Sum(nil)),
		Components: components,
		Confidence: min(confidence, 100),
	}
}

func tlsCipherName(suite uint16) string {
	// the numeric id is enough for fingerprinting purposes
	var sb strings.Builder
	sb.WriteString("0x")
	const hexDigits = "0123456789abcdef"
	sb.WriteByte(hexDigits[(suite>>12)&0xf])
	sb.WriteByte(hexDigits[(suite>>8)&0xf])
	sb.WriteByte(hexDigits[(suite>>4)&0xf])
	sb.WriteByte(hexDigits[suite&0xf])
	return sb.String()
}

// Similarity is the Jaccard index over the stored component digests.
func Similarity(stored, current []string) float64 {
	if len(stored) == 0 && len(current) == 0 {
		return 1.0
	}
	if len(stored) == 0 || len(current) == 0 {
		return 0.0
	}

	set := make(map[string]struct{}, len(stored))
	for _, c := range stored {
		set[c] = struct{}{}
	}

	intersection := 0
	for _, c := range current {
		if _, ok := set[c]; ok {
			intersection++
		}
	}

	union := len(stored) + len(current) - intersection
	return float64(intersection) / float64(union)
}

// MatchFingerprint implements the verification policy: exact hash match
// passes; otherwise the current fingerprint must be reliable and similar
// enough to the stored component set.
func MatchFingerprint(storedHash string, storedComponents []string, current *Fingerprint) bool {
	if storedHash == current.Hash {
		return true
	}

	if !current.IsReliable() {
		return false
	}

	return Similarity(storedComponents, current.Components) >= SimilarityThreshold
}
