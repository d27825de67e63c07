package risk

import (
	"net/http"
	"strings"

	"github.com/medama-io/go-useragent"
	"github.com/proofcaptcha/proofcaptcha/pkg/common"
)

// ClientDetections are booleans the widget reports about its environment.
// They are advisory and cross-checked against the request headers.
type ClientDetections struct {
	Webdriver        bool `json:"webdriver"`
	MissingPlugins   bool `json:"missingPlugins"`
	MissingLanguages bool `json:"missingLanguages"`
	Phantom          bool `json:"phantom"`
	Selenium         bool `json:"selenium"`
}

var headlessMarkers = []string{
	"headlesschrome",
	"phantomjs",
	"slimerjs",
	"electron",
	"puppeteer",
	"playwright",
}

type automationChecker struct {
	parser *useragent.Parser
}

func newAutomationChecker() *automationChecker {
	return &automationChecker{parser: useragent.NewParser()}
}

// score sums the automation signals; every signal contributes a fixed
// amount so the total is monotone in the number of signals present.
func (ac *automationChecker) score(r *http.Request, detections *ClientDetections, factors *[]string) int {
	score := 0
	ua := r.Header.Get(common.HeaderUserAgent)
	uaLower := strings.ToLower(ua)

	for _, marker := range headlessMarkers {
		if strings.Contains(uaLower, marker) {
			score += 25
			*factors = append(*factors, "headless_ua")
			break
		}
	}

	if agent := ac.parser.Parse(ua); agent.IsBot() {
		score += 25
		*factors = append(*factors, "bot_ua")
	}

	if detections != nil {
		if detections.Webdriver {
			score += 25
			*factors = append(*factors, "webdriver")
		}
		if detections.MissingPlugins {
			score += 10
			*factors = append(*factors, "missing_plugins")
		}
		if detections.MissingLanguages {
			score += 10
			*factors = append(*factors, "missing_languages")
		}
		if detections.Phantom {
			score += 20
			*factors = append(*factors, "phantom_marker")
		}
		if detections.Selenium {
			score += 20
			*factors = append(*factors, "selenium_marker")
		}
	}

	return score
}

// deviceScore inspects the server-observable request envelope.
func deviceScore(r *http.Request, factors *[]string) int {
	score := 0

	if len(r.Header.Get(common.HeaderAcceptLanguage)) == 0 {
		score += 10
		*factors = append(*factors, "no_accept_language")
	}

	if len(r.Header.Get(common.HeaderAcceptEncoding)) == 0 {
		score += 10
		*factors = append(*factors, "no_accept_encoding")
	}

	// a browser always sends these; their absence means a hand-rolled client
	if len(r.Host) == 0 || len(r.Header.Get(common.HeaderUserAgent)) == 0 || len(r.Header.Get("Accept")) == 0 {
		score += 15
		*factors = append(*factors, "missing_core_headers")
	}

	if ua := r.Header.Get(common.HeaderUserAgent); len(ua) > 0 && len(ua) < 50 {
		score += 20
		*factors = append(*factors, "short_ua")
	}

	if r.TLS == nil {
		score += 5
		*factors = append(*factors, "no_tls")
	}

	if len(r.Header.Get(common.HeaderSecFetchSite)) == 0 && len(r.Header.Get(common.HeaderSecFetchMode)) == 0 {
		score += 5
		*factors = append(*factors, "no_sec_fetch")
	}

	if len(r.Header.Get(common.HeaderSecChUA)) == 0 {
		score += 10
		*factors = append(*factors, "no_client_hints")
	}

	return score
}
