// Package useragent reduces a User-Agent header to the browser label shown in
// reports.
package useragent

import (
	"strings"

	"github.com/mssola/useragent"
)

// Unknown labels agents that could not be identified.
const Unknown = "Unknown"

// Agent is the subset of user-agent information the rollup keeps.
type Agent struct {
	Browser string
	Mobile  bool
	Bot     bool
}

// botSignatures is checked in order, so specific names precede the generic
// crawler/spider/bot fallbacks.
var botSignatures = []struct {
	signature string
	name      string
}{
	{"googlebot", "Googlebot"},
	{"bingbot", "Bingbot"},
	{"yandexbot", "YandexBot"},
	{"duckduckbot", "DuckDuckBot"},
	{"baiduspider", "Baiduspider"},
	{"facebookexternalhit", "Facebook"},
	{"twitterbot", "Twitterbot"},
	{"linkedinbot", "LinkedInBot"},
	{"applebot", "Applebot"},
	{"ahrefsbot", "AhrefsBot"},
	{"semrushbot", "SemrushBot"},
	{"gptbot", "GPTBot"},
	{"uptimerobot", "UptimeRobot"},
	{"crawler", "Unknown Crawler"},
	{"spider", "Unknown Spider"},
	{"bot", "Unknown Bot"},
}

// Parse identifies the browser for ua. Bots are labelled with the bot name.
func Parse(ua string) Agent {
	if strings.TrimSpace(ua) == "" {
		return Agent{Browser: Unknown}
	}

	parsed := useragent.New(ua)
	lower := strings.ToLower(ua)

	if parsed.Bot() || containsAny(lower, "bot", "crawler", "spider", "slurp") {
		return Agent{Browser: botName(lower), Bot: true}
	}

	name, _ := parsed.Browser()
	return Agent{
		Browser: normalizeBrowser(name),
		Mobile:  parsed.Mobile(),
	}
}

// Browser is shorthand for Parse(ua).Browser.
func Browser(ua string) string {
	return Parse(ua).Browser
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func botName(lower string) string {
	for _, b := range botSignatures {
		if strings.Contains(lower, b.signature) {
			return b.name
		}
	}
	return "Unknown Bot"
}

func normalizeBrowser(name string) string {
	switch strings.ToLower(name) {
	case "chrome", "google chrome":
		return "Chrome"
	case "firefox", "mozilla firefox":
		return "Firefox"
	case "safari", "mobile safari":
		return "Safari"
	case "edge", "microsoft edge":
		return "Edge"
	case "opera", "opera mini":
		return "Opera"
	case "ie", "internet explorer", "msie":
		return "Internet Explorer"
	case "samsung browser", "samsungbrowser":
		return "Samsung Browser"
	case "":
		return Unknown
	default:
		return name
	}
}
