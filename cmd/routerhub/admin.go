package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/hub"
)

var hubURL string

var statusCmd = &cobra.Command{
	Use:   "status [context]",
	Short: "Show the routing state of a context",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showStatus,
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect <context> [client_id]",
	Short: "Ask the clients of a context to reconnect",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  requestReconnect,
}

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, reconnectCmd} {
		cmd.Flags().StringVar(&hubURL, "hub", getHubURL(), "Hub HTTP address (env DISPATCH_HUB_URL)")
	}
}

func getHubURL() string {
	if u := os.Getenv("DISPATCH_HUB_URL"); u != "" {
		return u
	}
	return "http://localhost:8124"
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func showStatus(cmd *cobra.Command, args []string) error {
	name := hub.DefaultContext
	if len(args) > 0 {
		name = args[0]
	}

	var info hub.ContextInfo
	if err := call(http.MethodGet, "/v1/contexts/"+url.PathEscape(name), &info); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Context:  %s\n", info.Name)
	fmt.Fprintf(out, "Peers:    %d\n", info.Peers)
	fmt.Fprintf(out, "Clients:  %v\n", info.Clients)
	fmt.Fprintf(out, "Pending:  %d commands, %d queries, %d waiting for permits\n",
		info.PendingCommands, info.PendingQueries, info.Backlog)
	fmt.Fprintf(out, "Subscription queries: %d\n\n", info.Subscriptions)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tNAME\tHANDLERS")
	for _, name := range sortedKeys(info.CommandHandlers) {
		fmt.Fprintf(w, "command\t%s\t%d\n", name, info.CommandHandlers[name])
	}
	for _, name := range sortedKeys(info.QueryHandlers) {
		fmt.Fprintf(w, "query\t%s\t%d\n", name, info.QueryHandlers[name])
	}
	return w.Flush()
}

func requestReconnect(cmd *cobra.Command, args []string) error {
	path := "/v1/contexts/" + url.PathEscape(args[0]) + "/reconnect"
	if len(args) > 1 {
		path += "?client=" + url.QueryEscape(args[1])
	}

	var result struct {
		Context string `json:"context"`
		Peers   int    `json:"peers"`
	}
	if err := call(http.MethodPost, path, &result); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Asked %d connection(s) in context %s to reconnect\n", result.Peers, result.Context)
	return nil
}

func call(method, path string, out any) error {
	req, err := http.NewRequest(method, hubURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach hub: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var httpErr dispatcherrors.HTTPError
		if json.Unmarshal(body, &httpErr) == nil && httpErr.Message != "" {
			return fmt.Errorf("hub returned %d: %s (%s)", resp.StatusCode, httpErr.Message, httpErr.Code)
		}
		return fmt.Errorf("hub returned %d: %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
