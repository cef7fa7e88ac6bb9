package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/TangGee/weather-mcp"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch cfg.Mode {
	case "server":
		err = runServer(ctx, cfg, logger)
	case "client":
		err = runClient(ctx, cfg, logger)
	default:
		err = runDemo(ctx, cfg, logger)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n❌ Error: %v\n\n", err)
		os.Exit(1)
	}
}

// runServer serves the weather tools until interrupted, over HTTP/SSE or over the process'
// standard input and output.
func runServer(ctx context.Context, cfg config, logger *slog.Logger) error {
	if cfg.Transport == "stdio" {
		srv, err := newWeatherServer(cfg, mcp.NewStdIO(os.Stdin, os.Stdout, mcp.WithStdIOLogger(logger)), logger)
		if err != nil {
			return err
		}
		defer srv.close()

		go srv.Serve()
		<-ctx.Done()
		return shutdown(srv.Server)
	}

	sse := mcp.NewSSEServer(baseURL(cfg.Addr)+"/message", mcp.WithSSEServerLogger(logger))
	srv, err := newWeatherServer(cfg, sse, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		ReadHeaderTimeout: 15 * time.Second,
	}
	mux := http.NewServeMux()
	mux.Handle("/sse", sse.HandleSSE())
	mux.Handle("/message", sse.HandleMessage())
	httpSrv.Handler = mux

	fmt.Println("🌤️  MCP Weather Server")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Server starting on %s\n", baseURL(cfg.Addr))
	fmt.Printf("SSE endpoint: %s/sse\n", baseURL(cfg.Addr))
	fmt.Printf("Message endpoint: %s/message\n", baseURL(cfg.Addr))
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("\nWaiting for client connections...")

	go srv.Serve()

	errs := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		_ = shutdown(srv.Server)
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	fmt.Println("Shutting down server...")

	// Sessions must end first, an open SSE stream keeps the HTTP server from shutting down.
	if err := shutdown(srv.Server); err != nil {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	fmt.Println("Server exited gracefully")
	return nil
}

// runClient runs the demo against an already running SSE server.
func runClient(ctx context.Context, cfg config, logger *slog.Logger) error {
	connectURL := strings.TrimSuffix(cfg.ServerURL, "/") + "/sse"
	transport := mcp.NewSSEClient(connectURL, http.DefaultClient, mcp.WithSSEClientLogger(logger))

	if err := newClient(cfg, transport, os.Stdout, logger).run(ctx, cfg.ServerURL); err != nil {
		return err
	}
	printDemoCompleted()
	return nil
}

// runDemo starts the server and the demo client in the same process.
func runDemo(ctx context.Context, cfg config, logger *slog.Logger) error {
	var (
		srvTransport mcp.ServerTransport
		cliTransport mcp.ClientTransport
		target       string
		cleanup      func()
	)

	switch cfg.Transport {
	case "stdio":
		srvReader, srvWriter := io.Pipe()
		cliReader, cliWriter := io.Pipe()

		srvTransport = mcp.NewStdIO(srvReader, cliWriter, mcp.WithStdIOLogger(logger))
		cliTransport = mcp.NewStdIO(cliReader, srvWriter, mcp.WithStdIOLogger(logger))
		target = "stdio pipe"
		cleanup = func() {
			_ = srvReader.Close()
			_ = cliReader.Close()
		}
	default:
		sse := mcp.NewSSEServer(baseURL(cfg.Addr)+"/message", mcp.WithSSEServerLogger(logger))
		mux := http.NewServeMux()
		mux.Handle("/sse", sse.HandleSSE())
		mux.Handle("/message", sse.HandleMessage())
		httpSrv := &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 15 * time.Second,
		}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", slog.String("err", err.Error()))
			}
		}()

		srvTransport = sse
		cliTransport = mcp.NewSSEClient(baseURL(cfg.Addr)+"/sse", http.DefaultClient, mcp.WithSSEClientLogger(logger))
		target = baseURL(cfg.Addr)
		cleanup = func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}
	}

	srv, err := newWeatherServer(cfg, srvTransport, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	go srv.Serve()

	// Release the listener or pipes only after the sessions are gone.
	defer cleanup()
	defer func() {
		if err := shutdown(srv.Server); err != nil {
			logger.Warn("server forced to shutdown", slog.String("err", err.Error()))
		}
	}()

	// The SSE listener starts asynchronously.
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := waitReady(connectCtx, cfg); err != nil {
		return err
	}

	if err := newClient(cfg, cliTransport, os.Stdout, logger).run(ctx, target); err != nil {
		return err
	}
	printDemoCompleted()
	return nil
}

func waitReady(ctx context.Context, cfg config) error {
	if cfg.Transport != "sse" {
		return nil
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg.Addr)+"/message", nil)
		if err != nil {
			return err
		}
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("server did not start: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func shutdown(srv mcp.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func printDemoCompleted() {
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("✅ Demo completed!")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}
