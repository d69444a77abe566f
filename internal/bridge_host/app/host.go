package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/otprelay/golang_services/internal/bridge_host/domain"
	"github.com/otprelay/golang_services/internal/core_domain"
	"github.com/otprelay/golang_services/internal/platform/nativemsg"
	"github.com/otprelay/golang_services/internal/platform/rendezvous"
)

// HostConfig holds configuration specific to the bridge host.
type HostConfig struct {
	BrokerSocket         string
	SocketDir            string
	BrowserName          string
	ExtensionID          string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HealthCheckInterval  time.Duration
	SendTimeout          time.Duration
	ShutdownGrace        time.Duration
}

// Launcher starts the desktop daemon.
type Launcher interface {
	Launch(ctx context.Context) error
}

// Downstream is the stdio side toward the browser.
type Downstream interface {
	WriteJSON(v any) error
}

// Host relays between the browser's stdio channel and the broker. All
// state transitions happen on the goroutine running Run.
type Host struct {
	cfg      HostConfig
	id       string
	broker   *rendezvous.Client
	launcher Launcher
	out      Downstream
	logger   *slog.Logger
	now      func() time.Time

	state    atomic.Int32
	attempts int
	retry    *time.Ticker
	givenUp  bool
}

func NewHost(cfg HostConfig, launcher Launcher, out Downstream, logger *slog.Logger) *Host {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 60
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 2 * time.Second
	}
	id := uuid.NewString()
	return &Host{
		cfg:      cfg,
		id:       id,
		broker:   rendezvous.NewClient(cfg.BrokerSocket, cfg.SendTimeout),
		launcher: launcher,
		out:      out,
		logger:   logger.With("component", "bridge_host", "host_id", id),
		now:      time.Now,
	}
}

func (h *Host) ID() string { return h.id }

func (h *Host) State() domain.State { return domain.State(h.state.Load()) }

func (h *Host) setState(s domain.State) {
	if prev := domain.State(h.state.Swap(int32(s))); prev != s {
		h.logger.Debug("State change", "from", prev.String(), "to", s.String())
	}
}

// Run serves until stdin ends, a protocol violation is read, or ctx ends.
// A clean end of input returns nil.
func (h *Host) Run(ctx context.Context, in io.Reader) error {
	srv, err := rendezvous.Listen(rendezvous.HostEndpoint(h.cfg.SocketDir, h.id), rendezvous.HandlerFunc(h.handleBrokerPush), h.cfg.SendTimeout, h.logger)
	if err != nil {
		return fmt.Errorf("bridge host endpoint: %w", err)
	}
	go func() {
		if err := srv.Serve(ctx); err != nil {
			h.logger.Error("Host endpoint stopped", "error", err)
		}
	}()
	defer srv.Close()

	done := make(chan struct{})
	defer close(done)
	inbound := make(chan core_domain.Envelope)
	readErr := make(chan error, 1)
	go h.readLoop(in, inbound, readErr, done)

	h.connectInitial(ctx)

	health := time.NewTicker(h.cfg.HealthCheckInterval)
	defer health.Stop()
	defer h.stopReconnect()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case err := <-readErr:
			h.shutdown()
			if errors.Is(err, io.EOF) {
				h.logger.Info("No more messages from browser, exiting")
				return nil
			}
			return err
		case env := <-inbound:
			h.handleInbound(ctx, env)
		case <-h.retryC():
			h.attemptReconnect(ctx)
		case <-health.C:
			h.checkConnection(ctx)
		}
	}
}

func (h *Host) readLoop(in io.Reader, inbound chan<- core_domain.Envelope, readErr chan<- error, done <-chan struct{}) {
	r := nativemsg.NewReader(in)
	for {
		var env core_domain.Envelope
		if err := r.ReadJSON(&env); err != nil {
			if nativemsg.IsProtocolError(err) {
				h.logger.Error("Protocol violation on stdin", "error", err)
			}
			readErr <- err
			return
		}
		select {
		case inbound <- env:
		case <-done:
			return
		}
	}
}

func (h *Host) retryC() <-chan time.Time {
	if h.retry == nil {
		return nil
	}
	return h.retry.C
}

func (h *Host) startReconnect() {
	if h.retry != nil || h.givenUp {
		return
	}
	h.setState(domain.StateReconnecting)
	h.retry = time.NewTicker(h.cfg.ReconnectInterval)
}

func (h *Host) stopReconnect() {
	if h.retry != nil {
		h.retry.Stop()
		h.retry = nil
	}
}

func (h *Host) connectInitial(ctx context.Context) {
	if h.tryConnect(ctx) {
		return
	}
	if h.givenUp {
		return
	}
	h.logger.Info("Initial connection failed, will retry")
	h.emit(core_domain.EventAppDisconnected, core_domain.DisconnectedPayload{Reason: domain.ReasonWaitingForApp, Retrying: true})
	h.startReconnect()
}

// tryConnect registers with the broker. A rejected registration gives up.
func (h *Host) tryConnect(ctx context.Context) bool {
	h.setState(domain.StateConnecting)
	reply, err := h.broker.Call(ctx, rendezvous.Request{
		Action:      rendezvous.ActionConnect,
		BrowserName: h.cfg.BrowserName,
		ExtensionID: h.cfg.ExtensionID,
		HostID:      h.id,
	})
	switch {
	case err == nil:
		h.setState(domain.StateConnected)
		h.attempts = 0
		h.stopReconnect()
		h.logger.Info("Connected to broker", "socket", h.broker.Path())
		h.emit(core_domain.EventAppReady, nil)
		return true
	case errors.Is(err, rendezvous.ErrRejected):
		h.logger.Error("Broker rejected registration", "error", reply.Error)
		h.giveUp(reply.Error)
		return false
	default:
		h.logger.Debug("Connect failed", "error", err)
		h.setState(domain.StateReconnecting)
		return false
	}
}

func (h *Host) attemptReconnect(ctx context.Context) {
	h.attempts++
	h.logger.Info("Reconnect attempt", "attempt", h.attempts, "max", h.cfg.MaxReconnectAttempts)

	if h.attempts > h.cfg.MaxReconnectAttempts {
		h.giveUp(domain.ReasonMaxAttempts)
		return
	}
	if h.attempts == 1 || h.attempts == 5 {
		h.launchIfNeeded(ctx)
	}
	h.tryConnect(ctx)
}

func (h *Host) giveUp(reason string) {
	h.stopReconnect()
	h.setState(domain.StateGivenUp)
	if h.givenUp {
		return
	}
	h.givenUp = true
	if reason == "" {
		reason = domain.ReasonMaxAttempts
	}
	h.logger.Warn("Giving up on broker", "reason", reason)
	h.emit(core_domain.EventAppDisconnected, core_domain.DisconnectedPayload{Reason: reason, Retrying: false})
}

func (h *Host) launchIfNeeded(ctx context.Context) {
	if h.launcher == nil {
		return
	}
	if _, err := os.Stat(h.cfg.BrokerSocket); err == nil {
		h.logger.Debug("Broker endpoint present, not launching")
		return
	}
	h.logger.Info("Broker not running, attempting to launch")
	if err := h.launcher.Launch(ctx); err != nil {
		h.logger.Warn("Failed to launch daemon", "error", err)
	}
}

// handleDisconnection reacts to a lost connection once.
func (h *Host) handleDisconnection() {
	if h.State() != domain.StateConnected {
		return
	}
	h.logger.Warn("Broker connection lost, starting reconnection")
	h.emit(core_domain.EventAppDisconnected, core_domain.DisconnectedPayload{Reason: domain.ReasonConnectionLost, Retrying: true})
	h.startReconnect()
}

func (h *Host) checkConnection(ctx context.Context) {
	switch h.State() {
	case domain.StateConnected:
	case domain.StateGivenUp:
		return
	default:
		h.startReconnect()
		return
	}

	reply, err := h.broker.Call(ctx, rendezvous.Request{Action: rendezvous.ActionGetState, HostID: h.id})
	switch {
	case err == nil && !reply.Registered:
		h.logger.Warn("Broker no longer knows this host")
		h.reregister(ctx)
	case err == nil:
	case rendezvous.IsTransportError(err):
		h.logger.Warn("Health check failed", "error", err)
		h.handleDisconnection()
	default:
		h.logger.Warn("Health check inconclusive", "error", err)
	}
}

func (h *Host) handleInbound(ctx context.Context, env core_domain.Envelope) {
	h.logger.Debug("Received event from browser", "event", env.Event)
	switch env.Event {
	case core_domain.EventPing:
		h.emit(core_domain.EventPong, core_domain.PongPayload{Timestamp: h.now().UTC().Format(time.RFC3339)})
	case core_domain.EventCodeUsed:
		if err := h.forward(ctx, env); err != nil {
			h.logger.Warn("code.used not delivered", "error", err)
		}
		h.emit(core_domain.EventCodeUsedAck, core_domain.AckPayload{Success: true})
	case "":
		h.logger.Warn("Ignoring message without event")
	default:
		if err := h.forward(ctx, env); err != nil {
			h.logger.Warn("Message not delivered", "event", env.Event, "error", err)
		}
	}
}

// reregister treats a broker that forgot this host as a lost connection and
// registers again right away. It reports whether the host is connected.
func (h *Host) reregister(ctx context.Context) bool {
	h.handleDisconnection()
	if h.givenUp {
		return false
	}
	return h.tryConnect(ctx)
}

// forward wraps env with the session id and sends it to the broker. A
// transport failure starts reconnection; a timeout only drops the message.
// When the broker no longer knows this host, the host registers again and
// the message is sent once more.
func (h *Host) forward(ctx context.Context, env core_domain.Envelope) error {
	if h.State() != domain.StateConnected {
		return domain.ErrNotConnected
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	req := rendezvous.Request{
		Action:      rendezvous.ActionMessage,
		BrowserName: h.cfg.BrowserName,
		HostID:      h.id,
		Data:        raw,
	}
	reply, err := h.broker.Call(ctx, req)
	if err != nil && reply.Error == rendezvous.ErrMsgUnknownHost {
		h.logger.Warn("Broker lost this host's registration")
		if !h.reregister(ctx) {
			return err
		}
		_, err = h.broker.Call(ctx, req)
	}
	if err != nil && rendezvous.IsTransportError(err) {
		h.handleDisconnection()
	}
	return err
}

// handleBrokerPush writes broker messages to the browser unchanged.
func (h *Host) handleBrokerPush(_ context.Context, req rendezvous.Request) rendezvous.Reply {
	if req.Action != rendezvous.ActionMessage || req.HostID != h.id {
		return rendezvous.Fail(rendezvous.ErrMsgInvalidRequest)
	}
	var env core_domain.Envelope
	if err := json.Unmarshal(req.Data, &env); err != nil || env.Event == "" {
		return rendezvous.Fail(rendezvous.ErrMsgInvalidRequest)
	}
	if err := h.out.WriteJSON(req.Data); err != nil {
		h.logger.Error("Failed to write to browser", "error", err)
		return rendezvous.Fail("browser unavailable")
	}
	return rendezvous.OK()
}

func (h *Host) emit(event string, data any) {
	env, err := core_domain.NewEnvelope(event, data)
	if err != nil {
		h.logger.Error("Failed to encode event", "event", event, "error", err)
		return
	}
	if err := h.out.WriteJSON(env); err != nil {
		h.logger.Error("Failed to write to browser", "event", event, "error", err)
	}
}

// shutdown sends a best-effort disconnect bounded by the grace period.
func (h *Host) shutdown() {
	h.stopReconnect()
	if h.State() != domain.StateConnected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownGrace)
	defer cancel()
	if _, err := h.broker.Call(ctx, rendezvous.Request{Action: rendezvous.ActionDisconnect, HostID: h.id}); err != nil {
		h.logger.Warn("Disconnect notice not delivered", "error", err)
	}
	h.setState(domain.StateDisconnected)
}
