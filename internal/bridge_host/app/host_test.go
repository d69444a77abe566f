package app

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/otprelay/golang_services/internal/bridge_host/domain"
	"github.com/otprelay/golang_services/internal/core_domain"
	"github.com/otprelay/golang_services/internal/platform/nativemsg"
	"github.com/otprelay/golang_services/internal/platform/rendezvous"
	brokerapp "github.com/otprelay/golang_services/internal/relay_broker/app"
)

const extID = "afhmgkpdmifnmflcaegmjcaaehfklepp"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "bh")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

type countingLauncher struct{ calls atomic.Int32 }

func (l *countingLauncher) Launch(context.Context) error {
	l.calls.Add(1)
	return nil
}

type MockShell struct{ mock.Mock }

func (m *MockShell) MarkRead(ctx context.Context, id string) bool { return m.Called(ctx, id).Bool(0) }
func (m *MockShell) CopyCode(ctx context.Context, otp core_domain.ParsedOTP) error {
	return m.Called(ctx, otp).Error(0)
}

// browser is the extension side of Transport A.
type browser struct {
	stdin  *io.PipeWriter
	writer *nativemsg.Writer
	events chan core_domain.Envelope

	mu  sync.Mutex
	all []core_domain.Envelope
}

type harness struct {
	host    *Host
	browser *browser
	done    chan error
}

func startHost(t *testing.T, cfg HostConfig, launcher Launcher) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	b := &browser{stdin: inW, writer: nativemsg.NewWriter(inW), events: make(chan core_domain.Envelope, 256)}
	go func() {
		r := nativemsg.NewReader(outR)
		for {
			var env core_domain.Envelope
			if err := r.ReadJSON(&env); err != nil {
				return
			}
			b.mu.Lock()
			b.all = append(b.all, env)
			b.mu.Unlock()
			b.events <- env
		}
	}()

	h := NewHost(cfg, launcher, nativemsg.NewWriter(outW), discardLogger())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- h.Run(context.Background(), inR)
		close(finished)
	}()
	t.Cleanup(func() {
		inW.Close()
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
		}
		outW.Close()
	})
	return &harness{host: h, browser: b, done: done}
}

func (b *browser) next(t *testing.T, event string) core_domain.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-b.events:
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s event from host", event)
		}
	}
}

func (b *browser) count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.all {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (b *browser) disconnects() []core_domain.DisconnectedPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []core_domain.DisconnectedPayload
	for _, e := range b.all {
		if e.Event == core_domain.EventAppDisconnected {
			var p core_domain.DisconnectedPayload
			_ = json.Unmarshal(e.Data, &p)
			out = append(out, p)
		}
	}
	return out
}

func (b *browser) send(t *testing.T, event string, data any) {
	t.Helper()
	require.NoError(t, b.writer.WriteJSON(core_domain.MustEnvelope(event, data)))
}

func hostConfig(dir string) HostConfig {
	return HostConfig{
		BrokerSocket:         filepath.Join(dir, "broker.sock"),
		SocketDir:            dir,
		BrowserName:          "Chrome",
		ExtensionID:          extID,
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectAttempts: 60,
		HealthCheckInterval:  20 * time.Millisecond,
		SendTimeout:          time.Second,
		ShutdownGrace:        500 * time.Millisecond,
	}
}

func newBroker(dir string, shell *MockShell) *brokerapp.Broker {
	return brokerapp.NewBroker(brokerapp.BrokerConfig{
		SocketPath:         filepath.Join(dir, "broker.sock"),
		SocketDir:          dir,
		AllowedExtensionID: extID,
		MaxEventAge:        time.Hour,
		SendTimeout:        time.Second,
	}, shell, nil, nil, discardLogger())
}

func TestHost_ReachesConnectedWhenBrokerAppears(t *testing.T) {
	dir := socketDir(t)
	shell := new(MockShell)
	shell.On("MarkRead", mock.Anything, "m1").Return(true).Once()

	h := startHost(t, hostConfig(dir), nil)

	waiting := h.browser.next(t, core_domain.EventAppDisconnected)
	var p core_domain.DisconnectedPayload
	require.NoError(t, json.Unmarshal(waiting.Data, &p))
	assert.Equal(t, domain.ReasonWaitingForApp, p.Reason)
	assert.True(t, p.Retrying)

	time.Sleep(60 * time.Millisecond)
	broker := newBroker(dir, shell)
	require.NoError(t, broker.StartServer(context.Background()))
	defer broker.StopServer()

	h.browser.next(t, core_domain.EventAppReady)
	assert.Equal(t, domain.StateConnected, h.host.State())

	ev := core_domain.OTPEvent{
		Message: core_domain.Message{ID: "m1", SentAt: time.Now()},
		OTP:     *core_domain.NewParsedOTP("acme", "482913"),
	}
	require.NoError(t, broker.Publish(context.Background(), ev))
	got := h.browser.next(t, core_domain.EventCodeReceived)
	var code core_domain.CodePayload
	require.NoError(t, json.Unmarshal(got.Data, &code))
	assert.Equal(t, core_domain.CodePayload{ID: "m1", Code: "482913"}, code)

	h.browser.send(t, core_domain.EventCodeUsed, core_domain.CodeUsedPayload{ID: "m1"})
	ack := h.browser.next(t, core_domain.EventCodeUsedAck)
	assert.JSONEq(t, `{"success":true}`, string(ack.Data))
	assert.Eventually(t, func() bool {
		codes, err := broker.RecentCodes()
		return err == nil && len(codes) == 1 && codes[0].Read
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.browser.count(core_domain.EventAppReady))

	h.browser.stdin.Close()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("host did not exit on stdin EOF")
	}
	agents, err := broker.Agents()
	require.NoError(t, err)
	assert.Empty(t, agents)
	shell.AssertExpectations(t)
}

func TestHost_GivesUpAfterMaxAttempts(t *testing.T) {
	dir := socketDir(t)
	cfg := hostConfig(dir)
	cfg.ReconnectInterval = time.Millisecond
	launcher := &countingLauncher{}

	h := startHost(t, cfg, launcher)

	assert.Eventually(t, func() bool { return h.host.State() == domain.StateGivenUp }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	var terminal []core_domain.DisconnectedPayload
	for _, d := range h.browser.disconnects() {
		if !d.Retrying {
			terminal = append(terminal, d)
		}
	}
	require.Len(t, terminal, 1)
	assert.Equal(t, domain.ReasonMaxAttempts, terminal[0].Reason)
	assert.Equal(t, int32(2), launcher.calls.Load())
	assert.Equal(t, 0, h.browser.count(core_domain.EventAppReady))
}

func TestHost_RejectedExtensionGivesUp(t *testing.T) {
	dir := socketDir(t)
	broker := newBroker(dir, nil)
	require.NoError(t, broker.StartServer(context.Background()))
	defer broker.StopServer()

	cfg := hostConfig(dir)
	cfg.ExtensionID = "wrong"
	h := startHost(t, cfg, nil)

	env := h.browser.next(t, core_domain.EventAppDisconnected)
	var p core_domain.DisconnectedPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "Invalid extension ID", p.Reason)
	assert.False(t, p.Retrying)
	assert.Equal(t, domain.StateGivenUp, h.host.State())

	agents, err := broker.Agents()
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestHost_ReconnectsAfterBrokerRestart(t *testing.T) {
	dir := socketDir(t)
	broker := newBroker(dir, nil)
	require.NoError(t, broker.StartServer(context.Background()))

	h := startHost(t, hostConfig(dir), nil)
	h.browser.next(t, core_domain.EventAppReady)

	broker.StopServer()
	lost := h.browser.next(t, core_domain.EventAppDisconnected)
	var p core_domain.DisconnectedPayload
	require.NoError(t, json.Unmarshal(lost.Data, &p))
	assert.Equal(t, domain.ReasonConnectionLost, p.Reason)
	assert.True(t, p.Retrying)

	require.NoError(t, broker.StartServer(context.Background()))
	defer broker.StopServer()
	h.browser.next(t, core_domain.EventAppReady)
	assert.Equal(t, domain.StateConnected, h.host.State())
}

func TestHost_PingAnsweredLocally(t *testing.T) {
	h := startHost(t, hostConfig(socketDir(t)), nil)
	h.browser.send(t, core_domain.EventPing, nil)

	pong := h.browser.next(t, core_domain.EventPong)
	var p core_domain.PongPayload
	require.NoError(t, json.Unmarshal(pong.Data, &p))
	_, err := time.Parse(time.RFC3339, p.Timestamp)
	assert.NoError(t, err)
}

func TestHost_ProtocolViolationEndsRun(t *testing.T) {
	h := startHost(t, hostConfig(socketDir(t)), nil)

	var hdr [4]byte
	binary.NativeEndian.PutUint32(hdr[:], 2<<20)
	_, err := h.browser.stdin.Write(hdr[:])
	require.NoError(t, err)

	select {
	case err := <-h.done:
		assert.True(t, nativemsg.IsProtocolError(err))
	case <-time.After(5 * time.Second):
		t.Fatal("host kept reading after a bad frame")
	}
}

func publishCode(t *testing.T, broker *brokerapp.Broker, id, code string) {
	t.Helper()
	require.NoError(t, broker.Publish(context.Background(), core_domain.OTPEvent{
		Message: core_domain.Message{ID: id, SentAt: time.Now()},
		OTP:     *core_domain.NewParsedOTP("acme", code),
	}))
}

func TestHost_RegistersAgainAfterQuickBrokerRestart(t *testing.T) {
	dir := socketDir(t)
	broker := newBroker(dir, nil)
	require.NoError(t, broker.StartServer(context.Background()))
	defer broker.StopServer()

	h := startHost(t, hostConfig(dir), nil)
	h.browser.next(t, core_domain.EventAppReady)

	broker.StopServer()
	require.NoError(t, broker.StartServer(context.Background()))

	require.Eventually(t, func() bool {
		agents, err := broker.Agents()
		return err == nil && len(agents) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.StateConnected, h.host.State())

	publishCode(t, broker, "m2", "731904")
	got := h.browser.next(t, core_domain.EventCodeReceived)
	assert.JSONEq(t, `{"id":"m2","code":"731904"}`, string(got.Data))
}

func TestHost_HealthCheckNoticesForgottenRegistration(t *testing.T) {
	dir := socketDir(t)
	broker := newBroker(dir, nil)
	require.NoError(t, broker.StartServer(context.Background()))
	defer broker.StopServer()

	h := startHost(t, hostConfig(dir), nil)
	h.browser.next(t, core_domain.EventAppReady)

	// The broker drops the host while its endpoint stays up.
	broker.HandleRequest(context.Background(), rendezvous.Request{Action: rendezvous.ActionDisconnect, HostID: h.host.ID()})

	lost := h.browser.next(t, core_domain.EventAppDisconnected)
	assert.JSONEq(t, `{"reason":"Connection lost, reconnecting...","retrying":true}`, string(lost.Data))
	h.browser.next(t, core_domain.EventAppReady)

	agents, err := broker.Agents()
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, h.host.ID(), agents[0].ID)
}

func TestHost_ForwardRegistersAgainOnUnknownHost(t *testing.T) {
	dir := socketDir(t)
	shell := new(MockShell)
	shell.On("MarkRead", mock.Anything, "m1").Return(true).Once()
	broker := newBroker(dir, shell)
	require.NoError(t, broker.StartServer(context.Background()))
	defer broker.StopServer()

	cfg := hostConfig(dir)
	cfg.HealthCheckInterval = time.Hour
	h := startHost(t, cfg, nil)
	h.browser.next(t, core_domain.EventAppReady)
	publishCode(t, broker, "m1", "482913")
	h.browser.next(t, core_domain.EventCodeReceived)

	broker.HandleRequest(context.Background(), rendezvous.Request{Action: rendezvous.ActionDisconnect, HostID: h.host.ID()})

	h.browser.send(t, core_domain.EventCodeUsed, core_domain.CodeUsedPayload{ID: "m1"})
	h.browser.next(t, core_domain.EventCodeUsedAck)

	codes, err := broker.RecentCodes()
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.True(t, codes[0].Read)
	assert.Equal(t, 2, h.browser.count(core_domain.EventAppReady))
	assert.Equal(t, domain.StateConnected, h.host.State())
	shell.AssertExpectations(t)
}

// stubBroker answers connect and getState at once and runs slowMessage for
// message requests.
func stubBroker(t *testing.T, dir string, slowMessage time.Duration) *rendezvous.Server {
	t.Helper()
	srv, err := rendezvous.Listen(filepath.Join(dir, "broker.sock"), rendezvous.HandlerFunc(func(_ context.Context, req rendezvous.Request) rendezvous.Reply {
		switch req.Action {
		case rendezvous.ActionGetState:
			return rendezvous.Reply{Success: true, Ready: true, Registered: true}
		case rendezvous.ActionMessage:
			time.Sleep(slowMessage)
		}
		return rendezvous.OK()
	}), 5*time.Second, discardLogger())
	require.NoError(t, err)
	go func() { _ = srv.Serve(context.Background()) }()
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestHost_SendTimeoutDropsMessageButStaysConnected(t *testing.T) {
	dir := socketDir(t)
	stubBroker(t, dir, 500*time.Millisecond)

	cfg := hostConfig(dir)
	cfg.SendTimeout = 100 * time.Millisecond
	cfg.HealthCheckInterval = time.Hour
	h := startHost(t, cfg, nil)
	h.browser.next(t, core_domain.EventAppReady)

	h.browser.send(t, "custom.event", nil)
	h.browser.send(t, core_domain.EventPing, nil)
	h.browser.next(t, core_domain.EventPong)

	assert.Equal(t, domain.StateConnected, h.host.State())
	assert.Empty(t, h.browser.disconnects())
}

func TestHost_TransportErrorOnSendStartsReconnecting(t *testing.T) {
	dir := socketDir(t)
	srv := stubBroker(t, dir, 0)

	cfg := hostConfig(dir)
	cfg.HealthCheckInterval = time.Hour
	cfg.ReconnectInterval = time.Hour
	h := startHost(t, cfg, nil)
	h.browser.next(t, core_domain.EventAppReady)

	require.NoError(t, srv.Close())
	h.browser.send(t, "custom.event", nil)

	lost := h.browser.next(t, core_domain.EventAppDisconnected)
	assert.JSONEq(t, `{"reason":"Connection lost, reconnecting...","retrying":true}`, string(lost.Data))
	assert.Eventually(t, func() bool { return h.host.State() == domain.StateReconnecting }, time.Second, 5*time.Millisecond)
}

func TestHost_CodeUsedAckedWhileDisconnected(t *testing.T) {
	cfg := hostConfig(socketDir(t))
	cfg.ReconnectInterval = time.Hour
	h := startHost(t, cfg, nil)
	h.browser.next(t, core_domain.EventAppDisconnected)

	h.browser.send(t, core_domain.EventCodeUsed, core_domain.CodeUsedPayload{ID: "m1"})
	ack := h.browser.next(t, core_domain.EventCodeUsedAck)
	assert.JSONEq(t, `{"success":true}`, string(ack.Data))
	assert.Equal(t, domain.StateReconnecting, h.host.State())
}
