package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/otprelay/golang_services/internal/core_domain"
	"github.com/otprelay/golang_services/internal/relay_broker/domain"
)

// BrokerView is what the status API needs from the broker.
type BrokerView interface {
	Running() bool
	Agents() ([]core_domain.ConnectedAgent, error)
	RecentCodes() ([]domain.RecentCode, error)
	Consume(ctx context.Context, messageID string) error
	CopyCode(ctx context.Context, messageID string) error
}

// PollerControl is what the status API needs from the message poller.
type PollerControl interface {
	Listening() bool
	Reset()
}

// StatusHandler serves the broker status API.
type StatusHandler struct {
	broker   BrokerView
	poller   PollerControl
	tokens   *TokenService
	logger   *slog.Logger
	validate *validator.Validate
}

func NewStatusHandler(broker BrokerView, poller PollerControl, tokens *TokenService, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		broker:   broker,
		poller:   poller,
		tokens:   tokens,
		logger:   logger.With("handler", "status"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RegisterRoutes mounts the protected API routes.
func (h *StatusHandler) RegisterRoutes(r chi.Router) {
	r.Get("/agents", h.handleListAgents)
	r.Get("/codes", h.handleListCodes)
	r.Post("/codes/{id}/consumed", h.handleConsume)
	r.Post("/codes/{id}/copy", h.handleCopy)
	r.Post("/poller/reset", h.handlePollerReset)
}

func (h *StatusHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", BrokerRunning: h.broker.Running()}
	if h.poller != nil {
		resp.PollerListening = h.poller.Listening()
	}
	if !resp.BrokerRunning {
		resp.Status = "degraded"
	}
	jsonResponse(w, resp, http.StatusOK)
}

func (h *StatusHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			jsonError(w, "Request body is empty", http.StatusBadRequest)
			return
		}
		jsonError(w, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		jsonError(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	token, exp, err := h.tokens.Login(req.Password)
	switch {
	case errors.Is(err, ErrLoginDisabled):
		jsonError(w, "Login is disabled", http.StatusServiceUnavailable)
		return
	case errors.Is(err, ErrInvalidCredentials):
		h.logger.WarnContext(r.Context(), "Failed login attempt")
		jsonError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "Login failed", "error", err)
		jsonError(w, "Login failed", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, LoginResponse{AccessToken: token, ExpiresAt: exp}, http.StatusOK)
}

func (h *StatusHandler) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.broker.Agents()
	if err != nil {
		h.brokerError(w, r, err)
		return
	}
	if agents == nil {
		agents = []core_domain.ConnectedAgent{}
	}
	jsonResponse(w, AgentsResponse{Agents: agents}, http.StatusOK)
}

func (h *StatusHandler) handleListCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.broker.RecentCodes()
	if err != nil {
		h.brokerError(w, r, err)
		return
	}
	if codes == nil {
		codes = []domain.RecentCode{}
	}
	jsonResponse(w, CodesResponse{Codes: codes}, http.StatusOK)
}

func (h *StatusHandler) handleConsume(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.Consume(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.brokerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StatusHandler) handleCopy(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.CopyCode(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.brokerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StatusHandler) handlePollerReset(w http.ResponseWriter, r *http.Request) {
	if h.poller == nil {
		jsonError(w, "Message poller not running", http.StatusServiceUnavailable)
		return
	}
	h.poller.Reset()
	h.logger.InfoContext(r.Context(), "Message poller reset via API")
	w.WriteHeader(http.StatusNoContent)
}

func (h *StatusHandler) brokerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownCode):
		jsonError(w, "Code not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrNotRunning):
		jsonError(w, "Broker is not running", http.StatusServiceUnavailable)
	default:
		h.logger.ErrorContext(r.Context(), "Broker request failed", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func jsonResponse(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, statusCode int) {
	jsonResponse(w, GenericErrorResponse{Error: message}, statusCode)
}
