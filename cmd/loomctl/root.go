package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	bearer    string
)

var rootCmd = &cobra.Command{
	Use:   "loomctl",
	Short: "Command-line client for a Loom orchestrator",
	Long: `loomctl talks to a running Loom orchestrator over its HTTP API.

It submits queries, follows their event streams, fetches synthesized
reports and reads entries from the knowledge store.

The server address comes from --server or the LOOM_SERVER environment
variable. Credentials come from --api-key / LOOM_API_KEY or
--token / LOOM_TOKEN when the server enforces authentication.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("LOOM_SERVER", "http://localhost:8080"), "Orchestrator base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("LOOM_API_KEY"), "API key sent as X-API-Key")
	rootCmd.PersistentFlags().StringVar(&bearer, "token", os.Getenv("LOOM_TOKEN"), "JWT sent as a bearer token")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(knowledgeCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// client is a thin wrapper over the orchestrator's JSON API.
type client struct {
	base string
	http *http.Client
}

func newClient() *client {
	return &client{
		base: strings.TrimRight(serverURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// stream opens a long-lived GET and hands the caller the raw body. The
// per-request timeout is dropped so event streams can run indefinitely.
func (c *client) stream(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp, nil
}

func (c *client) authorize(req *http.Request) {
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
}

// apiError turns the server's {"error": "..."} envelope into a Go error.
func apiError(resp *http.Response) error {
	var envelope struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
		return fmt.Errorf("server returned %s: %s", resp.Status, envelope.Error)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}
