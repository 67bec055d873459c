package botdefense

import (
	"strings"

	"github.com/mssola/useragent"

	"github.com/mbd888/fraudguard/internal/security"
)

const (
	pointsBrowser     = 10
	penaltyMissingUA  = -30
	penaltyBotUA      = -30
	penaltyHeadless   = -50
	penaltyAutomation = -50
	penaltyIP         = -20
)

// automationMarkers are lower-case substrings left in the user agent by
// scripted clients. Each match costs penaltyAutomation.
var automationMarkers = []struct {
	name   string
	needle string
}{
	{"selenium", "selenium"},
	{"webdriver", "webdriver"},
	{"puppeteer", "puppeteer"},
	{"playwright", "playwright"},
	{"phantomjs", "phantomjs"},
	{"python_requests", "python-requests"},
	{"curl", "curl/"},
	{"wget", "wget/"},
	{"go_http_client", "go-http-client"},
	{"scrapy", "scrapy"},
}

var knownBrowsers = map[string]struct{}{
	"Chrome":            {},
	"Chromium":          {},
	"Firefox":           {},
	"Safari":            {},
	"Edge":              {},
	"Opera":             {},
	"Internet Explorer": {},
}

// userAgentSignals scores a raw User-Agent header. The browser bonus and
// the generic bot penalty apply only when no stronger marker matched.
func userAgentSignals(raw string) (int, []string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return penaltyMissingUA, []string{"ua_missing"}
	}

	lower := strings.ToLower(raw)
	points := 0
	var reasons []string

	for _, m := range automationMarkers {
		if strings.Contains(lower, m.needle) {
			points += penaltyAutomation
			reasons = append(reasons, "ua_automation_"+m.name)
		}
	}
	if strings.Contains(lower, "headless") {
		points += penaltyHeadless
		reasons = append(reasons, "ua_headless")
	}
	if len(reasons) > 0 {
		return points, reasons
	}

	ua := useragent.New(raw)
	if ua.Bot() {
		return penaltyBotUA, []string{"ua_bot"}
	}
	name, _ := ua.Browser()
	if _, ok := knownBrowsers[name]; ok {
		return pointsBrowser, []string{"ua_browser"}
	}
	return 0, nil
}

func ipSignals(ip string) (int, []string) {
	if ip != "" && security.IsNonRoutable(ip) {
		return penaltyIP, []string{"ip_non_routable"}
	}
	return 0, nil
}
