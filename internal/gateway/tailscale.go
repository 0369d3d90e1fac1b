// ABOUTME: Serves the gateway on a tailnet through an embedded tsnet node
// ABOUTME: Agents and operators reach it by MagicDNS name over HTTP, HTTPS, or Funnel

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/2389/coven-fleet/internal/config"
)

// tailnetGRPCPort is where the health service listens on the tailnet
const tailnetGRPCPort = ":50051"

// tailnetNode owns the embedded tsnet server and the listeners opened on it.
type tailnetNode struct {
	server *tsnet.Server
	logger *slog.Logger
}

// tailnetStateDir returns the node state directory, defaulting under the
// user's data directory.
func tailnetStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "fleet-gateway", "tailscale"), nil
}

// tailnetAuthKey prefers the configured key and falls back to TS_AUTHKEY.
func tailnetAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

// startTailnet brings the node up and blocks until it has joined the tailnet.
func startTailnet(ctx context.Context, cfg config.TailscaleConfig, logger *slog.Logger) (*tailnetNode, error) {
	dir, err := tailnetStateDir(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	key, err := tailnetAuthKey(cfg.AuthKey)
	if err != nil {
		return nil, err
	}

	node := &tailnetNode{
		server: &tsnet.Server{
			Hostname:  cfg.Hostname,
			Dir:       dir,
			Ephemeral: cfg.Ephemeral,
			AuthKey:   key,
		},
		logger: logger,
	}

	logger.Info("joining tailnet", "hostname", cfg.Hostname, "state_dir", dir, "ephemeral", cfg.Ephemeral)
	status, err := node.server.Up(ctx)
	if err != nil {
		_ = node.server.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	attrs := []any{"hostname", cfg.Hostname}
	if len(status.TailscaleIPs) > 0 {
		attrs = append(attrs, "tailscale_ip", status.TailscaleIPs[0].String())
	} else {
		logger.Warn("tailscale node has no addresses yet")
	}
	if status.Self != nil {
		attrs = append(attrs, "dns_name", status.Self.DNSName)
	}
	logger.Info("tailnet joined", attrs...)

	return node, nil
}

// httpListener opens the API listener: Funnel for public HTTPS, tailnet
// HTTPS with auto-provisioned certificates, or plain HTTP on :80.
func (n *tailnetNode) httpListener(cfg config.TailscaleConfig) (net.Listener, error) {
	if cfg.Funnel {
		n.logger.Info("exposing API publicly through tailscale funnel on :443")
		ln, err := n.server.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("opening funnel listener: %w", err)
		}
		return ln, nil
	}

	if !cfg.HTTPS {
		ln, err := n.server.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("opening tailnet HTTP listener: %w", err)
		}
		return ln, nil
	}

	n.logger.Info("serving API over tailnet HTTPS on :443")
	ln, err := n.server.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("opening tailnet HTTPS listener: %w", err)
	}
	lc, err := n.server.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// setupTailscaleListeners replaces the TCP listeners with tailnet ones.
// server.http_addr and server.grpc_addr do not apply in this mode.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	if g.config.Server.HTTPAddr != "" || g.config.Server.GRPCAddr != "" {
		g.logger.Warn("tailscale enabled, ignoring server.http_addr and server.grpc_addr",
			"http_addr", g.config.Server.HTTPAddr,
			"grpc_addr", g.config.Server.GRPCAddr,
		)
	}

	node, err := startTailnet(ctx, g.config.Tailscale, g.logger.With("component", "tailscale"))
	if err != nil {
		return nil, nil, err
	}
	g.tsnetServer = node.server

	httpLn, err = node.httpListener(g.config.Tailscale)
	if err != nil {
		_ = node.server.Close()
		return nil, nil, err
	}

	grpcLn, err = node.server.Listen("tcp", tailnetGRPCPort)
	if err != nil {
		_ = httpLn.Close()
		_ = node.server.Close()
		return nil, nil, fmt.Errorf("opening tailnet gRPC listener: %w", err)
	}

	return httpLn, grpcLn, nil
}
