package app

import (
	"regexp"
	"strings"
	"unicode"
)

const maxServiceLength = 31

type serviceRule struct {
	re *regexp.Regexp
	// raw rules look at the unflattened body
	raw bool
	// prose rules capture free text and need a name-like match
	prose bool
}

// Ordered most specific first.
var serviceRules = []serviceRule{
	{re: regexp.MustCompile(`^\s*\[([^\[\]]{1,31})\]`)},
	{re: regexp.MustCompile(`^\s*\(([^()]{1,31})\)`)},
	{re: regexp.MustCompile(`^\s*(\p{L}[\p{L} &'.-]{1,30})\s*\r?\n`), raw: true},
	{re: regexp.MustCompile(`^\s*([A-Z][A-Z0-9&' -]{1,30}):`)},
	{re: regexp.MustCompile(`(?i)\(([^()]{1,31}?)\s+(?:login\s+)?verification\s+code\)`)},
	{re: regexp.MustCompile(`(?i)\bwelcome to ([^.!?,:]{1,31}?)[,.!]`)},
	{re: regexp.MustCompile(`(?i)\bis your\s+([^.!?,:]{1,31}?)\s+(?:code|otp|pin|password|passcode)\b`), prose: true},
	{re: regexp.MustCompile(`(?i)\byour\s+(?:one-time\s+)?([^.!?,:]{1,31}?)\s+(?:code|otp|pin|password|passcode)\b`), prose: true},
	{re: knownServices},
	{re: regexp.MustCompile(`(?i)\b(?:code|password|pin|passcode)\s+for\s+([^.!?,:]{1,31}?)(?:\s+is\b|[.!?,:]|$)`), prose: true},
	{re: regexp.MustCompile(`(?i)^\s*(\p{L}[\p{L}\d&' -]{0,30}?)\s+(?:code|pin)\b`), prose: true},
}

var knownServices = regexp.MustCompile(`(?i)\b(google|whatsapp|facebook|instagram|microsoft|amazon|apple|wechat|weibo|sony|uber|lyft|telegram|twitter|snapchat|linkedin|paypal|netflix|discord|tiktok|signal|zalo|steam|github)\b`)

var serviceAliases = map[string]string{
	"facebook for iphone":        "facebook",
	"facebook for android":       "facebook",
	"sony entertainment network": "sony",
	"google account":             "google",
}

// words that never name a service on their own
var genericWords = map[string]bool{
	"a": true, "an": true, "the": true, "your": true, "my": true, "this": true,
	"for": true, "to": true, "of": true, "is": true,
	"one-time": true, "one": true, "time": true, "new": true, "secure": true, "temporary": true,
	"account": true, "online": true, "app": true,
	"verification": true, "security": true, "confirmation": true, "authentication": true,
	"auth": true, "login": true, "log-in": true, "sign-in": true, "signin": true, "access": true,
	"activation": true, "2fa": true, "otp": true, "code": true, "pin": true,
	"password": true, "passcode": true,
}

// imperative openers that start instructions rather than names
var leadingVerbs = map[string]bool{
	"use": true, "call": true, "enter": true, "send": true, "reply": true,
	"text": true, "tap": true, "click": true, "visit": true, "dial": true,
	"type": true, "input": true, "submit": true, "please": true, "get": true,
}

func nameLike(s string) bool {
	words := strings.Fields(s)
	if len(words) == 0 || leadingVerbs[strings.ToLower(words[0])] {
		return false
	}
	return strings.IndexFunc(s, unicode.IsDigit) < 0
}

// DeriveService guesses the sender's service name from body. It returns ""
// when nothing plausible is found. Results are lower-cased.
func DeriveService(body string) string {
	flat := normalize(body)
	for _, rule := range serviceRules {
		text := flat
		if rule.raw {
			text = body
		}
		m := rule.re.FindStringSubmatch(text)
		if m == nil || (rule.prose && !nameLike(m[1])) {
			continue
		}
		if name := cleanService(m[1]); name != "" {
			return name
		}
	}
	return ""
}

func cleanService(s string) string {
	words := strings.Fields(s)
	for len(words) > 0 && genericWords[strings.ToLower(words[0])] {
		words = words[1:]
	}
	for len(words) > 0 && genericWords[strings.ToLower(words[len(words)-1])] {
		words = words[:len(words)-1]
	}
	name := strings.ToLower(strings.Join(words, " "))
	if name == "" || len(name) > maxServiceLength || strings.ContainsRune(name, '.') {
		return ""
	}
	if strings.IndexFunc(name, unicode.IsLetter) < 0 {
		return ""
	}
	if canonical, ok := serviceAliases[name]; ok {
		return canonical
	}
	return name
}
