// Package llm is a parser backed by an OpenAI-compatible chat completion
// endpoint. It is only consulted when the offline rules find nothing.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/otprelay/golang_services/internal/core_domain"
	"github.com/otprelay/golang_services/internal/otp_parser/domain"
)

const systemPrompt = `Extract the 2FA code and the provider name from the given text message.
Return an empty code when the message does not contain a one-time code.

# Output Format
JSON with:
- "code": the extracted code, exactly as written
- "provider_name": the provider name, or an empty string`

var responseSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"code":          map[string]any{"type": "string"},
		"provider_name": map[string]any{"type": "string"},
	},
	"required":             []string{"code", "provider_name"},
	"additionalProperties": false,
}

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

type Parser struct {
	client  openai.Client
	model   string
	timeout time.Duration
	skip    func(string) bool
	logger  *slog.Logger
}

type aiResponse struct {
	Code         string `json:"code"`
	ProviderName string `json:"provider_name"`
}

// NewParser creates the parser. skip, when non-nil, short-circuits bodies
// that can never hold a code without calling the API.
func NewParser(cfg Config, skip func(string) bool, logger *slog.Logger) (*Parser, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: missing API key", domain.ErrParserConfig)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(1),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	return &Parser{
		client:  openai.NewClient(opts...),
		model:   model,
		timeout: timeout,
		skip:    skip,
		logger:  logger,
	}, nil
}

func (p *Parser) Parse(ctx context.Context, body string) (*core_domain.ParsedOTP, error) {
	if p.skip != nil && p.skip(body) {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: p.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage("<text>" + body + "</text>"),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "otp_extraction",
					Schema: responseSchema,
					Strict: openai.Bool(true),
				},
			},
		},
	}

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	p.logger.DebugContext(ctx, "AI parse completed",
		"model", p.model,
		"duration_ms", time.Since(start).Milliseconds())

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: no choices in response")
	}

	var out aiResponse
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		p.logger.WarnContext(ctx, "Undecodable AI response", "error", err)
		return nil, nil
	}
	code := strings.TrimSpace(out.Code)
	if code == "" {
		return nil, nil
	}
	return core_domain.NewParsedOTP(strings.ToLower(strings.TrimSpace(out.ProviderName)), code), nil
}
