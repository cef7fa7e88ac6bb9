package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/TangGee/weather-mcp"
)

type demoCall struct {
	title     string
	tool      string
	arguments map[string]any
}

var demoCalls = []demoCall{
	{title: "DEMO 1: Get Current Weather", tool: "get_current_weather", arguments: map[string]any{"city": "London"}},
	{title: "DEMO 2: Get Weather Forecast", tool: "get_forecast", arguments: map[string]any{"city": "Tokyo", "days": 3}},
	{title: "DEMO 3: Another Current Weather Query", tool: "get_current_weather", arguments: map[string]any{"city": "Bengaluru"}},
}

type client struct {
	cli *mcp.Client
	out io.Writer
}

func newClient(cfg config, transport mcp.ClientTransport, out io.Writer, logger *slog.Logger) client {
	// Traces are written from the listener goroutine, interleaved with the demo output.
	out = &syncWriter{w: out}
	if cfg.Verbose {
		transport = tracingTransport{ClientTransport: transport, out: out}
	}

	options := []mcp.ClientOption{
		mcp.WithClientReadTimeout(cfg.CallTimeout.Duration),
		mcp.WithClientPingInterval(cfg.PingInterval.Duration),
		mcp.WithClientLogger(logger),
	}
	if len(cfg.ProtocolVersions) > 0 {
		options = append(options, mcp.WithClientProtocolVersions(cfg.ProtocolVersions...))
	}

	return client{
		cli: mcp.NewClient(mcp.Info{
			Name:    "weather-client",
			Version: "1.0.0",
		}, transport, options...),
		out: out,
	}
}

// run connects, discovers the tools and runs every demo call. A failed call is reported
// and the demo moves on, a lost connection ends it.
func (c client) run(ctx context.Context, target string) error {
	defer c.disconnect()

	c.printf("\n%s\n", strings.Repeat("=", 60))
	c.printf("🌤️  MCP WEATHER DEMO - CLIENT\n")
	c.printf("%s\n", strings.Repeat("=", 60))
	c.printf("Demonstrating MCP Protocol with HTTP/SSE Transport\n\n")

	c.printf("🔌 Connecting to MCP server...\n")
	c.printf("   Server URL: %s\n\n", target)

	if err := c.cli.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	c.printf("✅ Connection established\n")
	c.printf("   Protocol version: %s\n", c.cli.ProtocolVersion())
	c.printf("   Server: %s\n\n", c.cli.ServerInfo().Name)

	c.printf("📋 Discovering available tools...\n")
	tools, err := c.cli.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	c.printf("✅ Found %d tools:\n\n", len(tools.Tools))
	for _, tool := range tools.Tools {
		c.printf("   • %s\n", tool.Name)
		c.printf("     %s\n\n", tool.Description)
	}

	for _, call := range demoCalls {
		c.printf("%s\n%s\n%s\n", strings.Repeat("-", 60), call.title, strings.Repeat("-", 60))
		c.printf("🔧 Calling tool: %s\n", call.tool)
		c.printf("   Arguments: %v\n\n", call.arguments)

		result, err := c.cli.CallTool(ctx, mcp.CallToolParams{Name: call.tool, Arguments: call.arguments})
		if err != nil {
			c.printf("❌ Tool call failed: %v\n\n", err)
			if c.cli.Err() != nil {
				return fmt.Errorf("connection lost: %w", c.cli.Err())
			}
			continue
		}

		c.printf("✅ Tool execution successful\n\n")
		c.printf("📊 Result:\n")
		for _, content := range result.Content {
			c.printf("%s\n", content.Text)
		}
		c.printf("\n")
	}

	return nil
}

func (c client) disconnect() {
	c.printf("\n🔌 Disconnecting from server...\n")
	if err := c.cli.Close(); err != nil {
		c.printf("⚠️  %v\n", err)
	}
	c.printf("✅ Disconnected\n\n")
}

func (c client) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// tracingTransport prints every envelope the client exchanges.
type tracingTransport struct {
	mcp.ClientTransport
	out io.Writer
}

type tracingSession struct {
	mcp.Session
	transport tracingTransport
}

func (t tracingTransport) StartSession(ctx context.Context) (mcp.Session, error) {
	sess, err := t.ClientTransport.StartSession(ctx)
	if err != nil {
		return nil, err
	}
	return tracingSession{Session: sess, transport: t}, nil
}

func (t tracingTransport) trace(title string, msg mcp.JSONRPCMessage) {
	bs, err := mcp.EncodeMessage(msg)
	if err != nil {
		return
	}
	var indented bytes.Buffer
	if err := json.Indent(&indented, bs, "", "  "); err != nil {
		return
	}

	fmt.Fprintf(t.out, "\n%s\n%s\n%s\n%s\n\n", strings.Repeat("=", 60), title, strings.Repeat("=", 60), indented.String())
}

func (s tracingSession) Send(ctx context.Context, msg mcp.JSONRPCMessage) error {
	s.transport.trace("📤 CLIENT → SERVER "+strings.ToUpper(msg.Kind().String())+":", msg)
	return s.Session.Send(ctx, msg)
}

func (s tracingSession) Messages() iter.Seq2[mcp.JSONRPCMessage, error] {
	return func(yield func(mcp.JSONRPCMessage, error) bool) {
		for msg, err := range s.Session.Messages() {
			if err == nil {
				s.transport.trace("📥 SERVER → CLIENT "+strings.ToUpper(msg.Kind().String())+":", msg)
			}
			if !yield(msg, err) {
				return
			}
		}
	}
}
