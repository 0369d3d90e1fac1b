// ABOUTME: Minimal fake agent for E2E testing; connects over WebSocket and answers command frames.
// ABOUTME: Usage: fake-agent [-url ws://localhost:8080/ws/agent] [-id e2e-agent] [-exec]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-fleet/internal/protocol"
)

const version = "fake-agent/0.1"

type options struct {
	url       string
	agentID   string
	hostname  string
	token     string
	exec      bool
	reconnect time.Duration
}

func main() {
	host, _ := os.Hostname()

	var opts options
	flag.StringVar(&opts.url, "url", "ws://localhost:8080/ws/agent", "gateway agent endpoint")
	flag.StringVar(&opts.agentID, "id", "e2e-agent", "agent ID")
	flag.StringVar(&opts.hostname, "hostname", host, "hostname to report")
	flag.StringVar(&opts.token, "token", os.Getenv("FLEET_TOKEN"), "bearer token (agent role)")
	flag.BoolVar(&opts.exec, "exec", false, "run commands in a real shell instead of echoing them")
	flag.DurationVar(&opts.reconnect, "reconnect", 5*time.Second, "delay before reconnecting (0 exits on disconnect)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		log.Fatal(err)
	}
}

// run keeps a session open, reconnecting after opts.reconnect until ctx ends.
func run(ctx context.Context, opts options) error {
	for {
		err := session(ctx, opts)
		if ctx.Err() != nil {
			return nil // graceful shutdown
		}
		if opts.reconnect <= 0 {
			return err
		}
		log.Printf("session ended: %v; reconnecting in %s", err, opts.reconnect)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(opts.reconnect):
		}
	}
}

// agentConn serializes writes; gorilla allows one concurrent writer.
type agentConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *agentConn) send(env *protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func session(ctx context.Context, opts options) error {
	header := http.Header{}
	if opts.token != "" {
		header.Set("Authorization", "Bearer "+opts.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, opts.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	ac := &agentConn{conn: conn}

	reg, err := protocol.NewEnvelope(protocol.TypeRegister, protocol.RegisterData{
		AgentID:  opts.agentID,
		Hostname: opts.hostname,
		OS:       runtime.GOOS,
		Version:  version,
		Tags:     []string{"fake"},
		System:   &protocol.SystemMetrics{},
	})
	if err != nil {
		return err
	}
	if err := ac.send(reg); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	welcome, err := readEnvelope(conn)
	if err != nil {
		return fmt.Errorf("failed to receive welcome: %w", err)
	}
	if welcome.Type != protocol.TypeWelcome {
		return fmt.Errorf("expected welcome, got: %s", welcome.Type)
	}
	var wd protocol.WelcomeData
	if err := welcome.DecodeData(&wd); err != nil {
		return fmt.Errorf("decoding welcome: %w", err)
	}
	fmt.Fprintf(os.Stderr, "registered as %s (server: %s, connection: %s)\n", wd.AgentID, wd.ServerID, wd.ConnectionID)

	interval := time.Duration(wd.HeartbeatInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go heartbeat(sessionCtx, ac, interval)

	exec := &executor{real: opts.exec}
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		env, err := readEnvelope(conn)
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("closed by gateway: %d %s", closeErr.Code, closeErr.Text)
			}
			return fmt.Errorf("recv error: %w", err)
		}

		switch env.Type {
		case protocol.TypeCommand:
			var cmd protocol.CommandData
			if err := env.DecodeData(&cmd); err != nil {
				log.Printf("bad command frame [%s]: %v", env.RequestID, err)
				continue
			}
			log.Printf("received command [%s]: %s", env.RequestID, cmd.Command)

			inflight.Add(1)
			go func(requestID string, cmd protocol.CommandData) {
				defer inflight.Done()
				result := exec.run(sessionCtx, cmd)
				reply, err := protocol.NewRequest(protocol.TypeCommandResult, requestID, result)
				if err == nil {
					err = ac.send(reply)
				}
				if err != nil {
					log.Printf("send result error [%s]: %v", requestID, err)
				}
			}(env.RequestID, cmd)

		case protocol.TypePing:
			pong, err := protocol.NewRequest(protocol.TypePong, env.RequestID, nil)
			if err == nil {
				err = ac.send(pong)
			}
			if err != nil {
				log.Printf("send pong error: %v", err)
			}

		case protocol.TypePong:

		default:
			log.Printf("ignoring %s frame", env.Type)
		}
	}
}

func readEnvelope(conn *websocket.Conn) (*protocol.Envelope, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(raw)
}

// heartbeat sends a heartbeat frame every interval until ctx ends.
func heartbeat(ctx context.Context, ac *agentConn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb, err := protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.HeartbeatData{
				System: &protocol.SystemMetrics{UptimeSeconds: int64(time.Since(started).Seconds())},
			})
			if err == nil {
				err = ac.send(hb)
			}
			if err != nil {
				log.Printf("heartbeat error: %v", err)
				return
			}
		}
	}
}
