package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otprelay/golang_services/internal/core_domain"
	"github.com/otprelay/golang_services/internal/runtime_agent/domain"
)

// AgentConfig holds configuration specific to the runtime agent.
type AgentConfig struct {
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxAttempts   int
	PingInterval  time.Duration
}

// Agent owns the connection to the bridge host and fans host messages out
// to page contexts.
type Agent struct {
	cfg    AgentConfig
	dialer domain.HostDialer
	pages  domain.PageSink
	logger *slog.Logger

	state    atomic.Int32
	attempts int // owned by Run
	wake     chan struct{}

	mu   sync.Mutex
	conn domain.HostConn
}

func NewAgent(cfg AgentConfig, dialer domain.HostDialer, pages domain.PageSink, logger *slog.Logger) *Agent {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1.5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Agent{
		cfg:    cfg,
		dialer: dialer,
		pages:  pages,
		logger: logger.With("component", "runtime_agent"),
		wake:   make(chan struct{}, 1),
	}
}

// Backoff is the delay before reconnect attempt n (1-based).
func (a *Agent) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(float64(a.cfg.BaseDelay) * math.Pow(a.cfg.BackoffFactor, float64(n-1)))
}

func (a *Agent) State() domain.State { return domain.State(a.state.Load()) }

func (a *Agent) setState(s domain.State) { a.state.Store(int32(s)) }

// EnsureConnection wakes an agent that gave up. It does nothing while the
// agent is still connecting or retrying.
func (a *Agent) EnsureConnection() {
	if a.State() != domain.StateGivenUp {
		return
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run connects and reconnects until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	for {
		a.setState(domain.StateConnecting)
		conn, err := a.dialer.Dial(ctx)
		if err == nil {
			hostDialsCounter.WithLabelValues("ok").Inc()
			err = a.session(ctx, conn)
		} else {
			hostDialsCounter.WithLabelValues("error").Inc()
		}
		if ctx.Err() != nil {
			a.setState(domain.StateDisconnected)
			return nil
		}
		a.logger.Warn("Bridge host disconnected", "error", err, "attempts", a.attempts)

		if a.attempts >= a.cfg.MaxAttempts {
			a.giveUp(err)
			select {
			case <-ctx.Done():
				return nil
			case <-a.wake:
				a.logger.Info("Connection requested, retrying")
				a.attempts = 0
				continue
			}
		}

		a.attempts++
		delay := a.Backoff(a.attempts)
		a.setState(domain.StateReconnecting)
		a.logger.Info("Reconnecting", "attempt", a.attempts, "max", a.cfg.MaxAttempts, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.setState(domain.StateDisconnected)
			return nil
		case <-timer.C:
		}
	}
}

func (a *Agent) giveUp(err error) {
	givenUpCounter.Inc()
	notice := domain.FailureNotice(err)
	a.logger.Error("Giving up on bridge host", "notice", notice, "error", err)
	a.pages.Broadcast(core_domain.MustEnvelope(core_domain.EventConnectionFailed, core_domain.NoticePayload{Message: notice}))
	a.setState(domain.StateGivenUp)
}

// session pumps one connection until it fails.
func (a *Agent) session(ctx context.Context, conn domain.HostConn) error {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.setState(domain.StateConnected)

	sessCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		conn.Close()
	}()
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()
	go a.keepAlive(sessCtx, conn)

	first := true
	for {
		env, err := conn.Recv()
		if err != nil {
			return err
		}
		if first {
			a.attempts = 0
			first = false
		}
		a.handleHostEnvelope(env)
	}
}

// keepAlive pings the host. A failed ping closes the connection.
func (a *Agent) keepAlive(ctx context.Context, conn domain.HostConn) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Send(core_domain.MustEnvelope(core_domain.EventPing, nil)); err != nil {
				a.logger.Warn("Ping failed, dropping connection", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (a *Agent) handleHostEnvelope(env core_domain.Envelope) {
	hostEnvelopesCounter.WithLabelValues(env.Event).Inc()
	switch env.Event {
	case core_domain.EventAppReady:
		a.pages.Broadcast(core_domain.MustEnvelope(core_domain.EventAppReady, struct{}{}))
	case core_domain.EventCodeReceived:
		a.pages.Broadcast(env)
	case core_domain.EventAppDisconnected:
		var p core_domain.DisconnectedPayload
		_ = json.Unmarshal(env.Data, &p)
		a.logger.Info("App disconnected from bridge host", "reason", p.Reason, "retrying", p.Retrying)
	case core_domain.EventCodeUsedAck, core_domain.EventPong:
		a.logger.Debug("Host reply", "event", env.Event)
	default:
		a.pages.Broadcast(env)
	}
}

// SendToHost writes env to the current connection. A write failure closes
// the connection so Run reconnects.
func (a *Agent) SendToHost(env core_domain.Envelope) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		a.EnsureConnection()
		return domain.ErrNotConnected
	}
	if err := conn.Send(env); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// HandlePageEvent processes one message from a page context and returns the
// reply for that page, if any.
func (a *Agent) HandlePageEvent(ctx context.Context, env core_domain.Envelope) (core_domain.Envelope, bool) {
	switch env.Event {
	case core_domain.EventCodeUsed:
		err := a.SendToHost(env)
		switch {
		case err == nil:
			codesUsedCounter.WithLabelValues("forwarded").Inc()
		case err == domain.ErrNotConnected:
			codesUsedCounter.WithLabelValues("not_connected").Inc()
		default:
			codesUsedCounter.WithLabelValues("send_error").Inc()
		}
		if err != nil {
			a.logger.WarnContext(ctx, "code.used not forwarded", "error", err)
		}
		return core_domain.MustEnvelope(core_domain.EventCodeUsedAck, core_domain.AckPayload{Success: err == nil}), true
	case domain.EventPageLoaded:
		a.EnsureConnection()
	default:
		a.logger.DebugContext(ctx, "Ignoring page event", "event", env.Event)
	}
	return core_domain.Envelope{}, false
}
