package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/otprelay/golang_services/internal/core_domain"
)

// PatternParser is the offline parser: blacklist, custom rules, built-in
// rules, then generic numeric and alphanumeric matching.
type PatternParser struct {
	custom []Rule
	minLen int
	logger *slog.Logger
}

// NewPatternParser builds a parser. minCodeLength is clamped to 3..4.
func NewPatternParser(custom []Rule, minCodeLength int, logger *slog.Logger) *PatternParser {
	if minCodeLength < 3 {
		minCodeLength = 3
	}
	if minCodeLength > 4 {
		minCodeLength = 4
	}
	return &PatternParser{custom: custom, minLen: minCodeLength, logger: logger}
}

// Parse never returns an error.
func (p *PatternParser) Parse(_ context.Context, body string) (*core_domain.ParsedOTP, error) {
	start := time.Now()
	otp, stage := p.parse(body)
	parseResultCounter.WithLabelValues(stage).Inc()
	parseDurationHist.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	return otp, nil
}

func (p *PatternParser) parse(body string) (*core_domain.ParsedOTP, string) {
	if IsBlacklisted(body) {
		return nil, "blacklisted"
	}
	flat := strings.TrimSpace(normalize(body))

	for _, r := range p.custom {
		if code := r.Apply(flat); code != "" {
			return p.result(r.Service, body, code), "custom"
		}
	}
	for _, r := range builtinRules {
		if code := r.Apply(flat); code != "" {
			return p.result(r.Service, body, code), "builtin"
		}
	}

	cues := findCues(flat)
	if c, ok := pickNumeric(numericCandidates(flat, p.minLen), cues); ok {
		return p.result("", body, c.code), "numeric"
	}
	if c, ok := pickAlnum(alnumCandidates(flat), cues); ok {
		return p.result("", body, c.code), "alphanumeric"
	}
	return nil, "none"
}

func (p *PatternParser) result(service, body, code string) *core_domain.ParsedOTP {
	if service == "" {
		service = DeriveService(body)
	}
	p.logger.Debug("Parsed OTP", "service", service, "code_length", len(code))
	return core_domain.NewParsedOTP(service, code)
}
