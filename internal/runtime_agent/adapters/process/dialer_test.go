package process

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otprelay/golang_services/internal/core_domain"
	"github.com/otprelay/golang_services/internal/platform/nativemsg"
)

const helperEnv = "OTPRELAY_WANT_HELPER_HOST=1"

// TestHelperHost is not a real test. It runs as the child process and
// answers pings until stdin closes.
func TestHelperHost(t *testing.T) {
	if os.Getenv("OTPRELAY_WANT_HELPER_HOST") != "1" {
		return
	}
	r := nativemsg.NewReader(os.Stdin)
	w := nativemsg.NewWriter(os.Stdout)
	_ = w.WriteJSON(core_domain.MustEnvelope(core_domain.EventAppReady, []string{}))
	for {
		var env core_domain.Envelope
		if err := r.ReadJSON(&env); err != nil {
			os.Exit(0)
		}
		if env.Event == core_domain.EventPing {
			_ = w.WriteJSON(core_domain.MustEnvelope(core_domain.EventPong, core_domain.PongPayload{Timestamp: time.Now().Format(time.RFC3339)}))
		}
	}
}

func helperDialer() *Dialer {
	return NewDialer(DialerConfig{
		Path:      os.Args[0],
		Args:      []string{"-test.run=^TestHelperHost$"},
		Env:       []string{helperEnv},
		ExitGrace: 2 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDialExchangesFrames(t *testing.T) {
	c, err := helperDialer().Dial(context.Background())
	require.NoError(t, err)
	defer c.Close()

	env, err := c.Recv()
	require.NoError(t, err)
	assert.Equal(t, core_domain.EventAppReady, env.Event)

	require.NoError(t, c.Send(core_domain.MustEnvelope(core_domain.EventPing, nil)))
	env, err = c.Recv()
	require.NoError(t, err)
	require.Equal(t, core_domain.EventPong, env.Event)
	var p core_domain.PongPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	_, err = time.Parse(time.RFC3339, p.Timestamp)
	assert.NoError(t, err)
}

func TestCloseEndsChildAndIsIdempotent(t *testing.T) {
	c, err := helperDialer().Dial(context.Background())
	require.NoError(t, err)
	_, err = c.Recv()
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.Recv()
	assert.Error(t, err)
}

func TestDialMissingBinary(t *testing.T) {
	d := NewDialer(DialerConfig{Path: "/nonexistent/otprelay-bridge-host"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := d.Dial(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}
