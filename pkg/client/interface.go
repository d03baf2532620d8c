package client

import (
	"time"

	"github.com/DeBrosOfficial/dispatch/pkg/command"
	"github.com/DeBrosOfficial/dispatch/pkg/config"
	"github.com/DeBrosOfficial/dispatch/pkg/query"
)

// DispatchClient is the entry point applications use to exchange commands
// and queries through a hub
type DispatchClient interface {
	// Routers
	Commands() *command.Router
	Queries() *query.Router

	// Lifecycle
	Connect() error
	Disconnect() error
	Health() *HealthStatus

	// Config access (snapshot copy)
	Config() *config.RouterConfig
}

// HealthStatus contains health check information
type HealthStatus struct {
	Status      string            `json:"status"` // "healthy", "degraded", "unhealthy"
	ClientID    string            `json:"client_id"`
	Context     string            `json:"context"`
	Checks      map[string]string `json:"checks"`
	Commands    command.Stats     `json:"commands"`
	Queries     query.Stats       `json:"queries"`
	Uptime      time.Duration     `json:"uptime"`
	LastUpdated time.Time         `json:"last_updated"`
}
