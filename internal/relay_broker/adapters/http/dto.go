package http

import (
	"time"

	"github.com/otprelay/golang_services/internal/core_domain"
	"github.com/otprelay/golang_services/internal/relay_broker/domain"
)

type LoginRequest struct {
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type GenericErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status          string `json:"status"`
	BrokerRunning   bool   `json:"broker_running"`
	PollerListening bool   `json:"poller_listening"`
}

type AgentsResponse struct {
	Agents []core_domain.ConnectedAgent `json:"agents"`
}

type CodesResponse struct {
	Codes []domain.RecentCode `json:"codes"`
}
