package domain

import (
	"context"
	"errors"

	"github.com/otprelay/golang_services/internal/core_domain"
)

var (
	ErrInvalidPattern = errors.New("invalid custom pattern")
	ErrParserConfig   = errors.New("parser misconfigured")
)

// Parser extracts an OTP from a message body. A nil result with a nil error
// means the body holds no code; errors are reserved for transport or
// configuration failures.
type Parser interface {
	Parse(ctx context.Context, body string) (*core_domain.ParsedOTP, error)
}

// CustomRuleConfig is the on-disk form of a user supplied rule.
type CustomRuleConfig struct {
	MatcherPattern       string  `json:"matcherPattern" validate:"required"`
	CodeExtractorPattern string  `json:"codeExtractorPattern" validate:"required"`
	ServiceName          *string `json:"serviceName,omitempty" validate:"omitempty,max=64"`
	PreserveSeparators   bool    `json:"preserveSeparators,omitempty"`
}
