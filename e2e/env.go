//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/DeBrosOfficial/dispatch/pkg/client"
	"github.com/DeBrosOfficial/dispatch/pkg/config"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
)

var (
	Balance       = message.ResponseType{Name: "Balance", Cardinality: message.InstanceOf}
	BalanceUpdate = message.ResponseType{Name: "BalanceUpdate", Cardinality: message.InstanceOf}
)

// GetHubURL returns the HTTP address of the hub under test.
func GetHubURL() string {
	if u := strings.TrimSpace(os.Getenv("DISPATCH_HUB_URL")); u != "" {
		return strings.TrimSuffix(u, "/")
	}
	return "http://localhost:8124"
}

// GetWebSocketURL returns the connect endpoint of the hub under test.
func GetWebSocketURL() string {
	u, err := url.Parse(GetHubURL())
	if err != nil {
		return "ws://localhost:8124/v1/connect"
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/v1/connect"
	return u.String()
}

// SkipIfMissingHub skips the test if the hub is not reachable.
func SkipIfMissingHub(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !IsHubReady(ctx) {
		t.Skip("Hub not accessible; tests skipped")
	}
}

// IsHubReady checks if the hub is accessible and healthy
func IsHubReady(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, GetHubURL()+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// NewDispatchClient creates a connected client in its own routing context.
func NewDispatchClient(t *testing.T, routingContext, prefix string) *client.Client {
	t.Helper()

	cfg := config.DefaultRouterConfig()
	cfg.ClientID = GenerateUniqueID(prefix)
	cfg.ComponentName = "e2e"
	cfg.Context = routingContext
	cfg.HubURL = GetWebSocketURL()

	c, err := client.NewClient(cfg, client.Options{
		Logger:        logging.NewNopLogger(),
		ResponseTypes: message.NewResponseTypes(Balance, BalanceUpdate),
	})
	if err != nil {
		t.Fatalf("failed to create dispatch client: %v", err)
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("failed to connect dispatch client: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

// GenerateUniqueID generates a unique identifier for test resources
func GenerateUniqueID(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), rand.Intn(10000))
}

// GenerateContext generates a routing context private to one test.
func GenerateContext() string {
	return GenerateUniqueID("e2e_ctx")
}

// WaitForCondition waits for a condition with exponential backoff
func WaitForCondition(maxWait time.Duration, check func() bool) error {
	deadline := time.Now().Add(maxWait)
	backoff := 100 * time.Millisecond

	for {
		if check() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met within %v", maxWait)
		}
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff = backoff * 2
		}
	}
}
