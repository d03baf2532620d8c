// Package client bundles a command router and a query router that share one
// hub connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/dispatch/pkg/command"
	"github.com/DeBrosOfficial/dispatch/pkg/config"
	"github.com/DeBrosOfficial/dispatch/pkg/connection"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
	"github.com/DeBrosOfficial/dispatch/pkg/query"
)

// Options configures optional parts of a Client.
type Options struct {
	Logger        *logging.ColoredLogger
	ResponseTypes *message.ResponseTypes
}

// Client implements DispatchClient
type Client struct {
	cfg      *config.RouterConfig
	logger   *logging.ColoredLogger
	conn     *connection.WebSocketManager
	commands *command.Router
	queries  *query.Router

	startTime time.Time
	mu        sync.RWMutex
	connected bool
}

var _ DispatchClient = (*Client)(nil)

// NewClient creates a client. The routers are ready to subscribe handlers
// right away; the hub connection is opened lazily or by Connect.
func NewClient(cfg *config.RouterConfig, opts Options) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultRouterConfig()
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid client configuration: %w", errors.Join(errs...))
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		if logger, err = logging.FromConfig(logging.ComponentRouter, cfg.Logging); err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	conn := connection.NewWebSocketManager(cfg, logger)
	commands, err := command.NewRouter(command.Options{Config: cfg, Connection: conn, Logger: logger})
	if err != nil {
		conn.Close()
		return nil, err
	}
	queries, err := query.NewRouter(query.Options{
		Config:        cfg,
		Connection:    conn,
		ResponseTypes: opts.ResponseTypes,
		Logger:        logger,
	})
	if err != nil {
		commands.Disconnect()
		conn.Close()
		return nil, err
	}

	return &Client{
		cfg:       cfg,
		logger:    logger,
		conn:      conn,
		commands:  commands,
		queries:   queries,
		startTime: time.Now(),
	}, nil
}

// Commands returns the command router.
func (c *Client) Commands() *command.Router { return c.commands }

// Queries returns the query router.
func (c *Client) Queries() *query.Router { return c.queries }

// Connect opens the connection for the default routing context.
func (c *Client) Connect() error {
	if err := c.conn.Connect(c.cfg.Context); err != nil {
		return fmt.Errorf("failed to connect to hub %s: %w", c.cfg.HubURL, err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.logger.ComponentInfo(logging.ComponentRouter, "Client connected",
		zap.String("client_id", c.cfg.ClientID),
		zap.String("context", c.cfg.Context),
		zap.String("hub_url", c.cfg.HubURL))
	return nil
}

// Disconnect stops both routers and closes every hub connection. Pending
// calls fail.
func (c *Client) Disconnect() error {
	c.commands.Disconnect()
	c.queries.Disconnect()
	err := c.conn.Close()

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.logger.ComponentInfo(logging.ComponentRouter, "Client disconnected",
		zap.String("client_id", c.cfg.ClientID))
	return err
}

// Shutdown stops both routers, waits for running handlers and closes the
// hub connections.
func (c *Client) Shutdown(ctx context.Context) error {
	err := errors.Join(c.commands.Shutdown(ctx), c.queries.Shutdown(ctx))
	return errors.Join(err, c.Disconnect())
}

// Health reports connection and router state.
func (c *Client) Health() *HealthStatus {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()

	checks := make(map[string]string)
	status := "healthy"
	switch {
	case c.conn.IsConnected(c.cfg.Context):
		checks["connection"] = "ok"
	case connected:
		checks["connection"] = "reconnecting"
		status = "degraded"
	default:
		checks["connection"] = "disconnected"
		status = "unhealthy"
	}
	checks["commands"] = c.commands.State().String()
	checks["queries"] = c.queries.State().String()

	return &HealthStatus{
		Status:      status,
		ClientID:    c.cfg.ClientID,
		Context:     c.cfg.Context,
		Checks:      checks,
		Commands:    c.commands.Stats(),
		Queries:     c.queries.Stats(),
		Uptime:      time.Since(c.startTime),
		LastUpdated: time.Now(),
	}
}

// Config returns a copy of the client configuration.
func (c *Client) Config() *config.RouterConfig {
	cp := *c.cfg
	return &cp
}
