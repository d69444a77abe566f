package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		want   Origin
		ok     bool
	}{
		{"Chrome", "chrome-extension://afhmgkpdmifnmflcaegmjcaaehfklepp/", Origin{"Chrome", "afhmgkpdmifnmflcaegmjcaaehfklepp"}, true},
		{"NoTrailingSlash", "chrome-extension://abc", Origin{"Chrome", "abc"}, true},
		{"Firefox", "moz-extension://1234-5678/", Origin{"Firefox", "1234-5678"}, true},
		{"Web", "https://example.com/", Origin{}, false},
		{"Path", "chrome-extension://abc/def", Origin{}, false},
		{"Empty", "", Origin{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseOrigin(tt.origin)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "given_up", StateGivenUp.String())
	assert.Equal(t, "unknown", State(42).String())
}
