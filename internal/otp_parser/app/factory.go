package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/otprelay/golang_services/internal/core_domain"
	"github.com/otprelay/golang_services/internal/otp_parser/adapters/llm"
	"github.com/otprelay/golang_services/internal/otp_parser/domain"
)

const (
	TypeOffline = "offline"
	TypeAI      = "ai"
)

// Options selects and configures a parser.
type Options struct {
	Type               string
	CustomPatternsFile string
	MinCodeLength      int
	OpenAI             llm.Config
}

// NewParser builds the parser named by opts.Type. A broken custom rules
// file is logged and the built-in rules are used alone.
func NewParser(opts Options, logger *slog.Logger) (domain.Parser, error) {
	custom, err := LoadCustomRulesFile(opts.CustomPatternsFile, logger)
	if err != nil {
		logger.Error("Failed to load custom rules, continuing with built-in rules", "path", opts.CustomPatternsFile, "error", err)
		custom = nil
	}
	offline := NewPatternParser(custom, opts.MinCodeLength, logger.With("parser", TypeOffline))

	switch opts.Type {
	case "", TypeOffline:
		return offline, nil
	case TypeAI:
		ai, err := llm.NewParser(opts.OpenAI, IsBlacklisted, logger.With("parser", TypeAI))
		if err != nil {
			return nil, err
		}
		return &ChainParser{parsers: []domain.Parser{offline, ai}}, nil
	default:
		return nil, fmt.Errorf("%w: unknown parser type %q", domain.ErrParserConfig, opts.Type)
	}
}

// ChainParser asks each parser in turn and returns the first code found.
type ChainParser struct {
	parsers []domain.Parser
}

func NewChainParser(parsers ...domain.Parser) *ChainParser {
	return &ChainParser{parsers: parsers}
}

func (c *ChainParser) Parse(ctx context.Context, body string) (*core_domain.ParsedOTP, error) {
	for _, p := range c.parsers {
		otp, err := p.Parse(ctx, body)
		if err != nil {
			return nil, err
		}
		if otp != nil {
			return otp, nil
		}
	}
	return nil, nil
}
