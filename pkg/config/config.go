package config

import (
	"time"
)

// Queue full policies for the command and query executors
const (
	QueueFullBlock  = "block"
	QueueFullReject = "reject"
)

// RouterConfig is the configuration of one router client connected to a hub
type RouterConfig struct {
	ClientID      string `yaml:"client_id"`      // Unique per client process; generated when empty
	ComponentName string `yaml:"component_name"` // Logical application name
	Context       string `yaml:"context"`        // Default routing context
	HubURL        string `yaml:"hub_url"`        // ws:// or wss:// endpoint of the hub

	CommandThreads        int    `yaml:"command_threads"`
	QueryThreads          int    `yaml:"query_threads"`
	CommandQueueCapacity  int    `yaml:"command_queue_capacity"`
	QueryQueueCapacity    int    `yaml:"query_queue_capacity"`
	QueueFullPolicy       string `yaml:"queue_full_policy"` // block, reject
	LocalScatterTimeoutMS int    `yaml:"local_scatter_timeout_ms"`

	FlowControl FlowControlConfig `yaml:"flow_control"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// FlowControlConfig holds the credit parameters for inbound streams
type FlowControlConfig struct {
	InitialPermits      int64 `yaml:"initial_permits"`
	NewPermits          int64 `yaml:"new_permits"`
	NewPermitsThreshold int64 `yaml:"new_permits_threshold"`
}

// ConnectionConfig controls the transport to the hub
type ConnectionConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
}

// HubConfig is the configuration of the routerhub server
type HubConfig struct {
	ListenAddr         string        `yaml:"listen_addr"`
	ReadBufferSize     int           `yaml:"read_buffer_size"`
	WriteBufferSize    int           `yaml:"write_buffer_size"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	DefaultPermitsWait time.Duration `yaml:"default_permits_wait"` // how long a dispatch waits for a provider permit
	Logging            LoggingConfig `yaml:"logging"`
}

// DefaultRouterConfig returns a router configuration with sensible defaults
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		ComponentName:        "dispatch",
		Context:              "default",
		HubURL:               "ws://localhost:8124/v1/connect",
		CommandThreads:       10,
		QueryThreads:         10,
		CommandQueueCapacity: 5000,
		QueryQueueCapacity:   5000,
		QueueFullPolicy:      QueueFullBlock,
		FlowControl: FlowControlConfig{
			InitialPermits:      5000,
			NewPermits:          4000,
			NewPermitsThreshold: 1000,
		},
		Connection: ConnectionConfig{
			ConnectTimeout:    10 * time.Second,
			ReconnectInterval: 2 * time.Second,
			WriteTimeout:      10 * time.Second,
			PingInterval:      30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultHubConfig returns a hub configuration with sensible defaults
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		ListenAddr:         ":8124",
		ReadBufferSize:     4096,
		WriteBufferSize:    4096,
		PingInterval:       30 * time.Second,
		WriteTimeout:       10 * time.Second,
		DefaultPermitsWait: 5 * time.Second,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
