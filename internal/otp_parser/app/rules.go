package app

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/otprelay/golang_services/internal/otp_parser/domain"
)

// Rule is a compiled service rule: Matcher selects the message, Extractor
// pulls the code (first capture group, or the whole match).
type Rule struct {
	Matcher            *regexp.Regexp
	Extractor          *regexp.Regexp
	Service            string
	PreserveSeparators bool
}

// CompileRule validates and compiles a custom rule.
func CompileRule(cfg domain.CustomRuleConfig) (Rule, error) {
	matcher, err := regexp.Compile(cfg.MatcherPattern)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: matcher: %v", domain.ErrInvalidPattern, err)
	}
	extractor, err := regexp.Compile(cfg.CodeExtractorPattern)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: extractor: %v", domain.ErrInvalidPattern, err)
	}
	r := Rule{Matcher: matcher, Extractor: extractor, PreserveSeparators: cfg.PreserveSeparators}
	if cfg.ServiceName != nil {
		r.Service = *cfg.ServiceName
	}
	return r, nil
}

// Apply returns the code the rule extracts from body, or "" when the rule
// does not apply.
func (r Rule) Apply(body string) string {
	if !r.Matcher.MatchString(body) {
		return ""
	}
	m := r.Extractor.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	code := m[0]
	if len(m) > 1 && m[1] != "" {
		code = m[1]
	}
	code = strings.TrimSpace(code)
	if !r.PreserveSeparators {
		code = stripSeparators(code)
	}
	return code
}

func stripSeparators(code string) string {
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// builtinRules are providers whose real code format needs its own rule.
var builtinRules = []Rule{
	{
		Matcher:            regexp.MustCompile(`\bG-\d{4,8}\b`),
		Extractor:          regexp.MustCompile(`\bG-\d{4,8}\b`),
		Service:            "google",
		PreserveSeparators: true,
	},
	{
		Matcher:            regexp.MustCompile(`(?i)\bJ&T BANKA\b`),
		Extractor:          regexp.MustCompile(`\b(\d{4}-\d{4})\b`),
		Service:            "j&t banka",
		PreserveSeparators: true,
	},
}
