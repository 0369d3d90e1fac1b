// ABOUTME: Client subcommands that talk to a running gateway over its HTTP API
// ABOUTME: Also issues bearer tokens signed with the configured JWT secret

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-fleet/internal/auth"
	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/gateway"
)

// gatewayURL returns the base URL for a gateway described by cfg.
// FLEET_URL overrides the configured address.
func gatewayURL(cfg *config.Config) string {
	if envURL := os.Getenv("FLEET_URL"); envURL != "" {
		return strings.TrimRight(envURL, "/")
	}
	host, port, err := net.SplitHostPort(cfg.Server.HTTPAddr)
	if err != nil {
		return "http://" + cfg.Server.HTTPAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// apiClient calls the gateway HTTP API with an optional bearer token from FLEET_TOKEN.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL: gatewayURL(cfg),
		token:   os.Getenv("FLEET_TOKEN"),
		http:    &http.Client{},
	}, nil
}

// do sends a request and returns the status code and body.
func (c *apiClient) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// apiError extracts the error message from a JSON error body.
func apiError(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("%s (status %d)", e.Error, status)
	}
	return fmt.Errorf("unexpected status %d", status)
}

func runHealth(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	status, _, err := client.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	_, ready, err := client.do(ctx, http.MethodGet, "/health/ready", nil)
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}

	fmt.Printf("healthy: %s\n", ready)
	return nil
}

func runAgents(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	status, body, err := client.do(ctx, http.MethodGet, "/api/agents", nil)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	if status != http.StatusOK {
		return apiError(status, body)
	}

	var agents []gateway.AgentResponse
	if err := json.Unmarshal(body, &agents); err != nil {
		return fmt.Errorf("decoding agents: %w", err)
	}
	if len(agents) == 0 {
		fmt.Println("no agents")
		return nil
	}

	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tHOSTNAME\tOS\tLAST SEEN")
	for _, a := range agents {
		statusText := gray(string(a.Status))
		if a.Connected {
			statusText = green(string(a.Status))
		}
		lastSeen := "-"
		if a.LastSeen != nil {
			lastSeen = time.Since(*a.LastSeen).Round(time.Second).String() + " ago"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ID, statusText, a.Hostname, a.OS, lastSeen)
	}
	return tw.Flush()
}

func runCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	timeout := fs.Int("timeout", 0, "command timeout in seconds (0 uses the gateway default)")
	workDir := fs.String("dir", "", "working directory on the agent")
	shell := fs.String("shell", "", "shell to run the command with")
	noWait := fs.Bool("no-wait", false, "print the request id instead of waiting for the result")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return errors.New("usage: fleet-gateway run [-timeout N] AGENT COMMAND...")
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	agentID := fs.Arg(0)
	wait := !*noWait
	req := gateway.CommandRequest{
		Command:          strings.Join(fs.Args()[1:], " "),
		Timeout:          *timeout,
		WorkingDirectory: *workDir,
		Shell:            *shell,
		Wait:             &wait,
	}

	status, body, err := client.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/commands", req)
	if err != nil {
		return fmt.Errorf("sending command: %w", err)
	}

	var res gateway.CommandResponse
	switch status {
	case http.StatusOK, http.StatusAccepted, http.StatusGatewayTimeout:
		if err := json.Unmarshal(body, &res); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
	default:
		return apiError(status, body)
	}

	switch {
	case status == http.StatusAccepted:
		fmt.Println(res.RequestID)
		return nil
	case status == http.StatusGatewayTimeout:
		return fmt.Errorf("command %s timed out", res.RequestID)
	}

	if res.Output != "" {
		fmt.Print(res.Output)
		if !strings.HasSuffix(res.Output, "\n") {
			fmt.Println()
		}
	}
	if res.Error != "" {
		fmt.Fprintln(os.Stderr, color.RedString(res.Error))
	}
	if res.Success != nil && !*res.Success {
		exitCode := 1
		if res.ExitCode != nil {
			exitCode = *res.ExitCode
		}
		return fmt.Errorf("command failed with exit code %d", exitCode)
	}
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	role := fs.String("role", string(auth.RoleOperator), "token role (operator or agent)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: fleet-gateway token [-role operator|agent] [-ttl 720h] SUBJECT")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(fs.Arg(0), auth.Role(*role), *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}
