package shell

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/otprelay/golang_services/internal/core_domain"
)

type markerFunc func(string) bool

func (f markerFunc) MarkRead(id string) bool { return f(id) }

func TestLocal(t *testing.T) {
	var marked []string
	s := NewLocal(markerFunc(func(id string) bool {
		marked = append(marked, id)
		return id == "known"
	}), slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.True(t, s.MarkRead(context.Background(), "known"))
	assert.False(t, s.MarkRead(context.Background(), "other"))
	assert.Equal(t, []string{"known", "other"}, marked)

	_, ok := s.LastCopied()
	assert.False(t, ok)
	assert.NoError(t, s.CopyCode(context.Background(), *core_domain.NewParsedOTP("acme", "1234")))
	got, ok := s.LastCopied()
	assert.True(t, ok)
	assert.Equal(t, "1234", got.Code)
}
