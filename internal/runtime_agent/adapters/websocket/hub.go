// Package websocket exposes the runtime agent to page contexts over a
// websocket endpoint.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otprelay/golang_services/internal/core_domain"
	"github.com/otprelay/golang_services/internal/runtime_agent/domain"
)

const writeTimeout = 5 * time.Second

var pagesConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "runtime_agent",
	Name:      "pages_connected",
	Help:      "Open page contexts.",
})

// PageHandler answers one message from a page.
type PageHandler interface {
	HandlePageEvent(ctx context.Context, env core_domain.Envelope) (core_domain.Envelope, bool)
}

type page struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *page) write(env core_domain.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(env)
}

// Hub tracks open pages and broadcasts agent events to them.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.RWMutex
	pages map[*page]struct{}
}

// createUpgrader allows the listed origins. Requests without an Origin
// header come from non-browser clients and are allowed.
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowedMap[origin]
		},
	}
}

func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: createUpgrader(allowedOrigins),
		logger:   logger.With("component", "page_hub"),
		pages:    make(map[*page]struct{}),
	}
}

func (h *Hub) PageCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pages)
}

func (h *Hub) add(p *page) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pages[p] = struct{}{}
	pagesConnectedGauge.Set(float64(len(h.pages)))
	return len(h.pages)
}

func (h *Hub) remove(p *page) {
	h.mu.Lock()
	_, ok := h.pages[p]
	delete(h.pages, p)
	remaining := len(h.pages)
	pagesConnectedGauge.Set(float64(remaining))
	h.mu.Unlock()
	if ok {
		p.conn.Close()
		h.logger.Info("Page disconnected", "page_id", p.id, "total_pages", remaining)
	}
}

// Broadcast writes env to every open page. Pages that fail the write are dropped.
func (h *Hub) Broadcast(env core_domain.Envelope) {
	h.mu.RLock()
	snapshot := make([]*page, 0, len(h.pages))
	for p := range h.pages {
		snapshot = append(snapshot, p)
	}
	h.mu.RUnlock()

	for _, p := range snapshot {
		if err := p.write(env); err != nil {
			h.logger.Warn("Broadcast to page failed", "page_id", p.id, "event", env.Event, "error", err)
			h.remove(p)
		}
	}
}

// ServeWS handles GET /ws. A page connecting counts as a page load.
func (h *Hub) ServeWS(handler PageHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("WebSocket upgrade failed", "error", err)
			return
		}
		p := &page{id: uuid.NewString(), conn: conn}
		total := h.add(p)
		defer h.remove(p)
		h.logger.Info("Page connected", "page_id", p.id, "origin", r.Header.Get("Origin"), "total_pages", total)

		ctx := context.WithoutCancel(r.Context())
		handler.HandlePageEvent(ctx, core_domain.Envelope{Event: domain.EventPageLoaded})

		for {
			var env core_domain.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			reply, ok := handler.HandlePageEvent(ctx, env)
			if !ok {
				continue
			}
			if err := p.write(reply); err != nil {
				return
			}
		}
	}
}

// NewRouter mounts the hub with health and metrics endpoints.
func NewRouter(h *Hub, handler PageHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", h.ServeWS(handler))
	return r
}
