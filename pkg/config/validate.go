package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
)

// ValidationError represents a single validation error with context.
type ValidationError struct {
	Path    string // e.g., "flow_control.new_permits"
	Message string // e.g., "must be positive"
	Hint    string // e.g., "default is 4000"
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s; %s", e.Path, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate performs validation of the router config.
// It aggregates all errors and returns them, allowing the caller to print all issues at once.
func (c *RouterConfig) Validate() []error {
	var errs []error

	if c.Context == "" {
		errs = append(errs, ValidationError{
			Path:    "context",
			Message: "must not be empty",
			Hint:    `default is "default"`,
		})
	}

	if c.HubURL == "" {
		errs = append(errs, ValidationError{Path: "hub_url", Message: "must not be empty"})
	} else if u, err := url.Parse(c.HubURL); err != nil {
		errs = append(errs, ValidationError{Path: "hub_url", Message: fmt.Sprintf("invalid URL: %v", err)})
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, ValidationError{
			Path:    "hub_url",
			Message: fmt.Sprintf("unsupported scheme %q", u.Scheme),
			Hint:    "expected ws:// or wss://",
		})
	}

	errs = append(errs, positive("command_threads", c.CommandThreads)...)
	errs = append(errs, positive("query_threads", c.QueryThreads)...)
	errs = append(errs, positive("command_queue_capacity", c.CommandQueueCapacity)...)
	errs = append(errs, positive("query_queue_capacity", c.QueryQueueCapacity)...)

	if c.QueueFullPolicy != QueueFullBlock && c.QueueFullPolicy != QueueFullReject {
		errs = append(errs, ValidationError{
			Path:    "queue_full_policy",
			Message: fmt.Sprintf("invalid value %q", c.QueueFullPolicy),
			Hint:    "allowed values: block, reject",
		})
	}

	if c.LocalScatterTimeoutMS < 0 {
		errs = append(errs, ValidationError{Path: "local_scatter_timeout_ms", Message: "must not be negative"})
	}

	errs = append(errs, c.validateFlowControl()...)
	errs = append(errs, c.validateConnection()...)
	errs = append(errs, validateLogging(c.Logging)...)

	return errs
}

func (c *RouterConfig) validateFlowControl() []error {
	var errs []error
	fc := c.FlowControl

	if fc.InitialPermits <= 0 {
		errs = append(errs, ValidationError{
			Path:    "flow_control.initial_permits",
			Message: "must be positive",
			Hint:    "default is 5000",
		})
	}
	if fc.NewPermits <= 0 {
		errs = append(errs, ValidationError{
			Path:    "flow_control.new_permits",
			Message: "must be positive",
			Hint:    "default is 4000",
		})
	}
	if fc.NewPermitsThreshold < 0 || fc.NewPermitsThreshold >= fc.InitialPermits {
		errs = append(errs, ValidationError{
			Path:    "flow_control.new_permits_threshold",
			Message: fmt.Sprintf("must be in [0, initial_permits), got %d", fc.NewPermitsThreshold),
			Hint:    "default is 1000",
		})
	}

	// Inbound work is queued on the connection's reader. Credit larger than
	// the queue lets the hub fill it and block that reader.
	credit := max(fc.InitialPermits, fc.NewPermitsThreshold+fc.NewPermits)
	for _, q := range []struct {
		path     string
		capacity int
	}{
		{"command_queue_capacity", c.CommandQueueCapacity},
		{"query_queue_capacity", c.QueryQueueCapacity},
	} {
		if q.capacity > 0 && credit > int64(q.capacity) {
			errs = append(errs, ValidationError{
				Path:    "flow_control.initial_permits",
				Message: fmt.Sprintf("credit of %d permits exceeds %s %d", credit, q.path, q.capacity),
				Hint:    "initial_permits and new_permits_threshold+new_permits must fit in both queues",
			})
		}
	}

	return errs
}

func (c *RouterConfig) validateConnection() []error {
	var errs []error
	cc := c.Connection

	if cc.ConnectTimeout <= 0 {
		errs = append(errs, ValidationError{Path: "connection.connect_timeout", Message: "must be positive"})
	}
	if cc.ReconnectInterval <= 0 {
		errs = append(errs, ValidationError{Path: "connection.reconnect_interval", Message: "must be positive"})
	}
	if cc.WriteTimeout <= 0 {
		errs = append(errs, ValidationError{Path: "connection.write_timeout", Message: "must be positive"})
	}
	if cc.PingInterval <= 0 {
		errs = append(errs, ValidationError{Path: "connection.ping_interval", Message: "must be positive"})
	}

	return errs
}

// Validate performs validation of the hub config.
func (c *HubConfig) Validate() []error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, ValidationError{Path: "listen_addr", Message: "must not be empty"})
	} else if _, port, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Path:    "listen_addr",
			Message: fmt.Sprintf("invalid address: %v", err),
			Hint:    `expected host:port, e.g. ":8124"`,
		})
	} else if port == "" {
		errs = append(errs, ValidationError{Path: "listen_addr", Message: "missing port"})
	}

	errs = append(errs, positive("read_buffer_size", c.ReadBufferSize)...)
	errs = append(errs, positive("write_buffer_size", c.WriteBufferSize)...)

	if c.PingInterval <= 0 {
		errs = append(errs, ValidationError{Path: "ping_interval", Message: "must be positive"})
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, ValidationError{Path: "write_timeout", Message: "must be positive"})
	}
	if c.DefaultPermitsWait < 0 {
		errs = append(errs, ValidationError{Path: "default_permits_wait", Message: "must not be negative"})
	}

	errs = append(errs, validateLogging(c.Logging)...)
	return errs
}

func positive(path string, v int) []error {
	if v <= 0 {
		return []error{ValidationError{Path: path, Message: fmt.Sprintf("must be positive, got %d", v)}}
	}
	return nil
}

func validateLogging(log LoggingConfig) []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[log.Level] {
		errs = append(errs, ValidationError{
			Path:    "logging.level",
			Message: fmt.Sprintf("invalid value %q", log.Level),
			Hint:    "allowed values: debug, info, warn, error",
		})
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[log.Format] {
		errs = append(errs, ValidationError{
			Path:    "logging.format",
			Message: fmt.Sprintf("invalid value %q", log.Format),
			Hint:    "allowed values: json, console",
		})
	}

	if log.OutputFile != "" {
		dir := filepath.Dir(log.OutputFile)
		if dir != "" && dir != "." {
			if info, err := os.Stat(dir); err != nil {
				errs = append(errs, ValidationError{
					Path:    "logging.output_file",
					Message: fmt.Sprintf("parent directory not accessible: %v", err),
				})
			} else if !info.IsDir() {
				errs = append(errs, ValidationError{
					Path:    "logging.output_file",
					Message: "parent path is not a directory",
				})
			}
		}
	}

	return errs
}
