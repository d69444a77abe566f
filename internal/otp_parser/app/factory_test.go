package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/otprelay/golang_services/internal/core_domain"
	"github.com/otprelay/golang_services/internal/otp_parser/adapters/llm"
	"github.com/otprelay/golang_services/internal/otp_parser/domain"
)

type MockParser struct {
	mock.Mock
}

func (m *MockParser) Parse(ctx context.Context, body string) (*core_domain.ParsedOTP, error) {
	args := m.Called(ctx, body)
	otp, _ := args.Get(0).(*core_domain.ParsedOTP)
	return otp, args.Error(1)
}

func TestNewParser_SelectsByType(t *testing.T) {
	p, err := NewParser(Options{Type: TypeOffline, MinCodeLength: 4}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &PatternParser{}, p)

	p, err = NewParser(Options{Type: TypeAI, MinCodeLength: 4, OpenAI: llm.Config{APIKey: "sk-test"}}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &ChainParser{}, p)

	_, err = NewParser(Options{Type: TypeAI}, discardLogger())
	assert.ErrorIs(t, err, domain.ErrParserConfig)

	_, err = NewParser(Options{Type: "magic"}, discardLogger())
	assert.ErrorIs(t, err, domain.ErrParserConfig)
}

func TestNewParser_BrokenRulesFileFallsBackToBuiltins(t *testing.T) {
	p, err := NewParser(Options{Type: TypeOffline, CustomPatternsFile: "/nonexistent/rules.json", MinCodeLength: 4}, discardLogger())
	require.NoError(t, err)

	got, err := p.Parse(context.Background(), "Your Lyft code is 744444")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "744444", got.Code)
}

func TestChainParser(t *testing.T) {
	ctx := context.Background()
	first, second := new(MockParser), new(MockParser)
	first.On("Parse", ctx, "a message").Return(nil, nil).Once()
	second.On("Parse", ctx, "a message").Return(core_domain.NewParsedOTP("acme", "9911"), nil).Once()

	got, err := NewChainParser(first, second).Parse(ctx, "a message")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "9911", got.Code)
	first.AssertExpectations(t)
	second.AssertExpectations(t)

	failing := new(MockParser)
	failing.On("Parse", ctx, "x").Return(nil, errors.New("network down")).Once()
	_, err = NewChainParser(failing, second).Parse(ctx, "x")
	assert.Error(t, err)
	second.AssertNotCalled(t, "Parse", ctx, "x")
}
