package app

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const minBodyLength = 5

const currencySymbols = "$€£¥₹₩₽"

var disabledNotice = regexp.MustCompile(`(?i)\b(?:deactivated|disabled|turned off)\b`)

// IsBlacklisted reports whether body can never carry a code: it is empty or
// shorter than five characters, mentions a currency amount, or announces
// that a second factor was switched off.
func IsBlacklisted(body string) bool {
	trimmed := strings.TrimSpace(body)
	if utf8.RuneCountInString(trimmed) < minBodyLength {
		return true
	}
	if strings.ContainsAny(trimmed, currencySymbols) {
		return true
	}
	return disabledNotice.MatchString(trimmed)
}

// normalize flattens line breaks so multi-line bodies scan as one string.
func normalize(body string) string {
	return strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(body)
}
