package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// completionServer answers every chat completion with content.
func completionServer(t *testing.T, status int, content string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestParser(t *testing.T, url string, skip func(string) bool) *Parser {
	t.Helper()
	p, err := NewParser(Config{APIKey: "sk-test", BaseURL: url}, skip, discardLogger())
	require.NoError(t, err)
	return p
}

func TestParse_ReturnsCodeAndLowercasedProvider(t *testing.T) {
	var seen map[string]any
	srv := completionServer(t, http.StatusOK, `{"code":"482913","provider_name":"Acme Bank"}`, &seen)

	got, err := newTestParser(t, srv.URL, nil).Parse(context.Background(), "Acme Bank: use 482913 to sign in")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "482913", got.Code)
	assert.Equal(t, "acme bank", got.ServiceName())

	assert.Equal(t, "gpt-4o-mini", seen["model"])
	format, _ := seen["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])
}

func TestParse_EmptyCodeIsNoMatch(t *testing.T) {
	srv := completionServer(t, http.StatusOK, `{"code":"","provider_name":""}`, nil)

	got, err := newTestParser(t, srv.URL, nil).Parse(context.Background(), "See you at dinner tonight")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestParse_UndecodableContentIsNoMatch(t *testing.T) {
	srv := completionServer(t, http.StatusOK, `not json`, nil)

	got, err := newTestParser(t, srv.URL, nil).Parse(context.Background(), "Your code is 1234 maybe")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestParse_TransportFailureIsError(t *testing.T) {
	srv := completionServer(t, http.StatusInternalServerError, "", nil)

	_, err := newTestParser(t, srv.URL, nil).Parse(context.Background(), "Your code is 482913")
	assert.Error(t, err)
}

func TestParse_SkipAvoidsNetwork(t *testing.T) {
	p := newTestParser(t, "http://127.0.0.1:1", func(string) bool { return true })
	got, err := p.Parse(context.Background(), "$12.00 paid")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNewParser_RequiresAPIKey(t *testing.T) {
	_, err := NewParser(Config{}, nil, discardLogger())
	assert.Error(t, err)
}
