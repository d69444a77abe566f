package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otprelay/golang_services/internal/core_domain"
	"github.com/otprelay/golang_services/internal/platform/rendezvous"
	"github.com/otprelay/golang_services/internal/relay_broker/domain"
)

const recentCodesLimit = 256

// BrokerConfig holds configuration specific to the Broker.
type BrokerConfig struct {
	SocketPath         string
	SocketDir          string
	AllowedExtensionID string
	MaxEventAge        time.Duration
	SendTimeout        time.Duration
	Version            string
}

type agentConn struct {
	agent  core_domain.ConnectedAgent
	client *rendezvous.Client
}

type recentEntry struct {
	event       core_domain.OTPEvent
	read        bool
	broadcastAt time.Time
}

type eventLoop struct {
	cmds chan func()
	quit chan struct{}
	done chan struct{}
}

// Broker is the in-process end of the relay. Agent and code state is owned
// by a single event loop; every mutation is marshalled onto it.
type Broker struct {
	cfg       BrokerConfig
	shell     domain.Shell
	publisher domain.EventPublisher
	slot      *domain.LastEventSlot
	logger    *slog.Logger
	now       func() time.Time

	loop atomic.Pointer[eventLoop]

	run        sync.Mutex
	server     *rendezvous.Server
	serveDone  chan struct{}
	sendCancel context.CancelFunc
	sendCtx    context.Context
	sends      sync.WaitGroup

	// owned by the event loop
	agents  map[string]*agentConn
	recent  map[string]*recentEntry
	order   []string
	closing bool
}

// NewBroker creates a Broker. publisher may be nil; a nil slot gets a fresh
// one.
func NewBroker(cfg BrokerConfig, shell domain.Shell, publisher domain.EventPublisher, slot *domain.LastEventSlot, logger *slog.Logger) *Broker {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if slot == nil {
		slot = &domain.LastEventSlot{}
	}
	return &Broker{
		cfg:       cfg,
		shell:     shell,
		publisher: publisher,
		slot:      slot,
		logger:    logger.With("component", "relay_broker"),
		now:       time.Now,
		agents:    make(map[string]*agentConn),
		recent:    make(map[string]*recentEntry),
	}
}

// StartServer binds the rendezvous endpoint and starts the event loop.
// Calling it while running does nothing.
func (b *Broker) StartServer(ctx context.Context) error {
	b.run.Lock()
	defer b.run.Unlock()
	if b.server != nil {
		return nil
	}

	l := &eventLoop{cmds: make(chan func()), quit: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for {
			select {
			case fn := <-l.cmds:
				fn()
			case <-l.quit:
				return
			}
		}
	}()
	b.loop.Store(l)
	_ = b.exec(func() { b.closing = false })

	srv, err := rendezvous.Listen(b.cfg.SocketPath, b, b.cfg.SendTimeout, b.logger)
	if err != nil {
		b.stopLoop()
		return fmt.Errorf("starting broker: %w", err)
	}
	b.server = srv
	b.sendCtx, b.sendCancel = context.WithCancel(ctx)
	b.serveDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ctx); err != nil {
			b.logger.Error("Broker endpoint stopped", "error", err)
		}
	}(b.serveDone)

	b.logger.Info("Broker started", "socket", b.cfg.SocketPath)
	return nil
}

// StopServer closes the endpoint, drops every agent and waits for in-flight
// pushes. Nothing is sent after it returns. Safe to call repeatedly.
func (b *Broker) StopServer() {
	b.run.Lock()
	defer b.run.Unlock()
	if b.server == nil {
		return
	}

	if err := b.server.Close(); err != nil {
		b.logger.Warn("Closing broker endpoint", "error", err)
	}
	<-b.serveDone

	_ = b.exec(func() {
		b.closing = true
		b.agents = make(map[string]*agentConn)
		agentsConnectedGauge.Set(0)
	})
	b.sendCancel()
	b.sends.Wait()
	b.stopLoop()

	b.server = nil
	b.logger.Info("Broker stopped")
}

func (b *Broker) stopLoop() {
	l := b.loop.Swap(nil)
	if l == nil {
		return
	}
	close(l.quit)
	<-l.done
}

// Running reports whether the endpoint is up.
func (b *Broker) Running() bool {
	b.run.Lock()
	defer b.run.Unlock()
	return b.server != nil
}

// exec runs fn on the event loop and waits for it.
func (b *Broker) exec(fn func()) error {
	l := b.loop.Load()
	if l == nil {
		return domain.ErrNotRunning
	}
	done := make(chan struct{})
	select {
	case l.cmds <- func() { defer close(done); fn() }:
	case <-l.quit:
		return domain.ErrNotRunning
	}
	<-done
	return nil
}

// HandleOTPEvents publishes a poller batch in order.
func (b *Broker) HandleOTPEvents(ctx context.Context, events []core_domain.OTPEvent) {
	for _, ev := range events {
		err := b.Publish(ctx, ev)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrUnchangedEvent), errors.Is(err, domain.ErrStaleEvent), errors.Is(err, domain.ErrNotRunning):
			b.logger.DebugContext(ctx, "OTP event not broadcast", "message_id", ev.Message.ID, "reason", err)
		default:
			b.logger.ErrorContext(ctx, "Failed to publish OTP event", "message_id", ev.Message.ID, "error", err)
		}
	}
}

// Publish broadcasts ev as code.received to every connected agent unless it
// is stale or equal to the last published event.
func (b *Broker) Publish(ctx context.Context, ev core_domain.OTPEvent) error {
	if b.cfg.MaxEventAge > 0 && !ev.Message.SentAt.IsZero() && b.now().Sub(ev.Message.SentAt) > b.cfg.MaxEventAge {
		codesPublishedCounter.WithLabelValues("stale").Inc()
		return domain.ErrStaleEvent
	}

	env, err := core_domain.NewEnvelope(core_domain.EventCodeReceived, core_domain.CodePayload{ID: ev.Message.ID, Code: ev.OTP.Code})
	if err != nil {
		return fmt.Errorf("encoding code.received: %w", err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	var (
		targets []*agentConn
		result  error
	)
	err = b.exec(func() {
		if b.closing {
			result = domain.ErrNotRunning
			return
		}
		if !b.slot.Swap(ev) {
			result = domain.ErrUnchangedEvent
			return
		}
		b.remember(ev)
		for _, a := range b.agents {
			targets = append(targets, a)
		}
		b.sends.Add(len(targets))
	})
	if err == nil {
		err = result
	}
	switch {
	case errors.Is(err, domain.ErrNotRunning):
		codesPublishedCounter.WithLabelValues("not_running").Inc()
		return err
	case errors.Is(err, domain.ErrUnchangedEvent):
		codesPublishedCounter.WithLabelValues("unchanged").Inc()
		return err
	}

	codesPublishedCounter.WithLabelValues("broadcast").Inc()
	b.logger.InfoContext(ctx, "Broadcasting code", "message_id", ev.Message.ID, "service", ev.OTP.ServiceName(), "agents", len(targets))
	for _, a := range targets {
		go b.push(a, payload)
	}

	if b.publisher != nil {
		if err := b.publisher.PublishOTPEvent(ctx, ev); err != nil {
			b.logger.WarnContext(ctx, "Failed to mirror OTP event to bus", "message_id", ev.Message.ID, "error", err)
		}
	}
	return nil
}

// remember runs on the event loop.
func (b *Broker) remember(ev core_domain.OTPEvent) {
	id := ev.Message.ID
	if e, ok := b.recent[id]; ok {
		e.event = ev
		e.broadcastAt = b.now()
		return
	}
	b.recent[id] = &recentEntry{event: ev, read: ev.Message.Read, broadcastAt: b.now()}
	b.order = append(b.order, id)
	if len(b.order) > recentCodesLimit {
		delete(b.recent, b.order[0])
		b.order = b.order[1:]
	}
}

func (b *Broker) push(a *agentConn, payload []byte) {
	defer b.sends.Done()

	ctx, cancel := context.WithTimeout(b.sendCtx, b.cfg.SendTimeout)
	defer cancel()

	reply, err := a.client.Send(ctx, rendezvous.Request{
		Action: rendezvous.ActionMessage,
		HostID: a.agent.ID,
		Data:   payload,
	})
	switch {
	case err == nil && reply.Success:
		pushesCounter.WithLabelValues("ok").Inc()
	case err == nil:
		pushesCounter.WithLabelValues("rejected").Inc()
		b.logger.Warn("Bridge host rejected message", "host_id", a.agent.ID, "error", reply.Error)
	case rendezvous.IsTimeout(err):
		pushesCounter.WithLabelValues("timeout").Inc()
		b.logger.Warn("Push to bridge host timed out", "host_id", a.agent.ID)
	case rendezvous.IsTransportError(err):
		pushesCounter.WithLabelValues("transport_error").Inc()
		b.logger.Warn("Bridge host unreachable, dropping agent", "host_id", a.agent.ID, "error", err)
		_ = b.exec(func() {
			if cur, ok := b.agents[a.agent.ID]; ok && cur == a {
				delete(b.agents, a.agent.ID)
				agentsConnectedGauge.Set(float64(len(b.agents)))
			}
		})
	}
}

// HandleRequest answers rendezvous requests from bridge hosts.
func (b *Broker) HandleRequest(ctx context.Context, req rendezvous.Request) rendezvous.Reply {
	switch req.Action {
	case rendezvous.ActionConnect:
		return b.handleConnect(ctx, req)
	case rendezvous.ActionDisconnect:
		_ = b.exec(func() {
			if _, ok := b.agents[req.HostID]; ok {
				delete(b.agents, req.HostID)
				agentsConnectedGauge.Set(float64(len(b.agents)))
				b.logger.InfoContext(ctx, "Agent disconnected", "host_id", req.HostID)
			}
		})
		return rendezvous.OK()
	case rendezvous.ActionMessage:
		return b.handleMessage(ctx, req)
	case rendezvous.ActionGetState:
		reply := rendezvous.Reply{Success: true, Ready: true, Version: b.cfg.Version}
		if req.HostID != "" {
			if err := b.exec(func() { _, reply.Registered = b.agents[req.HostID] }); err != nil {
				return rendezvous.Fail(err.Error())
			}
		}
		return reply
	}
	return rendezvous.Fail(rendezvous.ErrMsgInvalidRequest)
}

func (b *Broker) handleConnect(ctx context.Context, req rendezvous.Request) rendezvous.Reply {
	if req.ExtensionID != b.cfg.AllowedExtensionID {
		connectRequestsCounter.WithLabelValues("rejected").Inc()
		b.logger.WarnContext(ctx, "Rejected connect with unknown extension id", "extension_id", req.ExtensionID, "browser", req.BrowserName)
		return rendezvous.Fail(rendezvous.ErrMsgInvalidExtensionID)
	}

	conn := &agentConn{
		agent: core_domain.ConnectedAgent{
			ID:          req.HostID,
			DisplayName: req.BrowserName,
			ConnectedAt: b.now(),
		},
		client: rendezvous.NewClient(rendezvous.HostEndpoint(b.cfg.SocketDir, req.HostID), b.cfg.SendTimeout),
	}
	if err := b.exec(func() {
		b.agents[req.HostID] = conn
		agentsConnectedGauge.Set(float64(len(b.agents)))
	}); err != nil {
		return rendezvous.Fail(err.Error())
	}
	connectRequestsCounter.WithLabelValues("accepted").Inc()
	b.logger.InfoContext(ctx, "Agent connected", "host_id", req.HostID, "browser", req.BrowserName)
	return rendezvous.OK()
}

func (b *Broker) handleMessage(ctx context.Context, req rendezvous.Request) rendezvous.Reply {
	var known bool
	if err := b.exec(func() { _, known = b.agents[req.HostID] }); err != nil {
		return rendezvous.Fail(err.Error())
	}
	if !known {
		return rendezvous.Fail(rendezvous.ErrMsgUnknownHost)
	}

	var env core_domain.Envelope
	if err := json.Unmarshal(req.Data, &env); err != nil || env.Event == "" {
		return rendezvous.Fail(rendezvous.ErrMsgInvalidRequest)
	}

	switch env.Event {
	case core_domain.EventCodeUsed:
		var p core_domain.CodeUsedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.ID == "" {
			return rendezvous.Fail(rendezvous.ErrMsgInvalidRequest)
		}
		if err := b.consume(ctx, p.ID, "agent"); err != nil {
			b.logger.WarnContext(ctx, "Ignoring code.used", "message_id", p.ID, "error", err)
		}
	case core_domain.EventPing:
	default:
		b.logger.DebugContext(ctx, "Unhandled agent event", "event", env.Event, "host_id", req.HostID)
	}
	return rendezvous.OK()
}

// Consume marks a broadcast code as used. The shell is asked to mark the
// source message read only the first time.
func (b *Broker) Consume(ctx context.Context, messageID string) error {
	return b.consume(ctx, messageID, "api")
}

// ConsumeFromBus is Consume for requests arriving over the event bus.
func (b *Broker) ConsumeFromBus(ctx context.Context, messageID string) error {
	return b.consume(ctx, messageID, "bus")
}

func (b *Broker) consume(ctx context.Context, messageID, origin string) error {
	var found, first bool
	if err := b.exec(func() {
		e, ok := b.recent[messageID]
		if !ok {
			return
		}
		found = true
		if !e.read {
			e.read = true
			first = true
		}
	}); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", domain.ErrUnknownCode, messageID)
	}
	if !first {
		return nil
	}

	codesConsumedCounter.WithLabelValues(origin).Inc()
	if b.shell != nil && !b.shell.MarkRead(ctx, messageID) {
		b.logger.WarnContext(ctx, "Shell could not mark message read", "message_id", messageID)
	}
	if b.publisher != nil {
		if err := b.publisher.PublishCodeConsumed(ctx, messageID); err != nil {
			b.logger.WarnContext(ctx, "Failed to mirror consumption to bus", "message_id", messageID, "error", err)
		}
	}
	b.logger.InfoContext(ctx, "Code consumed", "message_id", messageID, "origin", origin)
	return nil
}

// CopyCode hands a broadcast code to the shell's clipboard.
func (b *Broker) CopyCode(ctx context.Context, messageID string) error {
	var (
		otp   core_domain.ParsedOTP
		found bool
	)
	if err := b.exec(func() {
		if e, ok := b.recent[messageID]; ok {
			otp, found = e.event.OTP, true
		}
	}); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", domain.ErrUnknownCode, messageID)
	}
	if b.shell == nil {
		return errors.New("no shell configured")
	}
	return b.shell.CopyCode(ctx, otp)
}

// Agents lists connected agents, oldest first.
func (b *Broker) Agents() ([]core_domain.ConnectedAgent, error) {
	var out []core_domain.ConnectedAgent
	err := b.exec(func() {
		for _, a := range b.agents {
			out = append(out, a.agent)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out, err
}

// RecentCodes lists broadcast codes, newest first.
func (b *Broker) RecentCodes() ([]domain.RecentCode, error) {
	var out []domain.RecentCode
	err := b.exec(func() {
		for i := len(b.order) - 1; i >= 0; i-- {
			e := b.recent[b.order[i]]
			out = append(out, domain.RecentCode{
				ID:          e.event.Message.ID,
				Code:        e.event.OTP.Code,
				Service:     e.event.OTP.ServiceName(),
				Sender:      e.event.Message.Sender,
				Read:        e.read,
				BroadcastAt: e.broadcastAt,
			})
		}
	})
	return out, err
}
