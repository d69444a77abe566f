package app

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/otprelay/golang_services/internal/otp_parser/domain"
)

// LoadCustomRules decodes a JSON array of rule configs. Entries that fail
// to decode, validate or compile are logged and skipped; only an unreadable
// document is an error.
func LoadCustomRules(r io.Reader, logger *slog.Logger) ([]Rule, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode custom rules: %w", err)
	}

	validate := validator.New()
	rules := make([]Rule, 0, len(raw))
	for i, entry := range raw {
		var cfg domain.CustomRuleConfig
		if err := json.Unmarshal(entry, &cfg); err != nil {
			reject(logger, i, err)
			continue
		}
		if err := validate.Struct(cfg); err != nil {
			reject(logger, i, err)
			continue
		}
		rule, err := CompileRule(cfg)
		if err != nil {
			reject(logger, i, err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadCustomRulesFile reads rules from path. An empty path yields no rules.
func LoadCustomRulesFile(path string, logger *slog.Logger) ([]Rule, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open custom rules: %w", err)
	}
	defer f.Close()
	return LoadCustomRules(f, logger)
}

func reject(logger *slog.Logger, index int, err error) {
	customRulesRejectedCounter.Inc()
	logger.Warn("Skipping custom rule", "index", index, "error", err)
}
