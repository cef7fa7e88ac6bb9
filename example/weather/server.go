package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/TangGee/weather-mcp"
	"github.com/TangGee/weather-mcp/servers/weather"
	"golang.org/x/time/rate"
)

// weatherServer bundles the MCP server with the resources it owns.
type weatherServer struct {
	mcp.Server
	cache *weather.SQLiteCache

	stopPurge context.CancelFunc
	purged    chan struct{}
}

func newWeatherServer(cfg config, transport mcp.ServerTransport, logger *slog.Logger) (weatherServer, error) {
	clientOptions := []weather.ClientOption{
		weather.WithBaseURL(cfg.Weather.BaseURL),
		weather.WithTimeout(cfg.Weather.Timeout.Duration),
		weather.WithLogger(logger),
	}
	if cfg.Weather.RateLimit > 0 {
		clientOptions = append(clientOptions, weather.WithRateLimit(rate.Limit(cfg.Weather.RateLimit), cfg.Weather.RateBurst))
	}

	var cache *weather.SQLiteCache
	if cfg.Weather.CachePath != "" {
		var err error
		cache, err = weather.OpenSQLiteCache(cfg.Weather.CachePath, cfg.Weather.CacheTTL.Duration)
		if err != nil {
			return weatherServer{}, fmt.Errorf("failed to open weather cache: %w", err)
		}
		clientOptions = append(clientOptions, weather.WithCache(cache))
	}

	registry := mcp.NewToolRegistry().WithLogger(logger)
	if err := weather.NewServer(weather.NewClient(clientOptions...)).Register(registry, cfg.Weather.Tools...); err != nil {
		if cache != nil {
			_ = cache.Close()
		}
		return weatherServer{}, err
	}

	serverOptions := []mcp.ServerOption{
		mcp.WithToolTimeout(cfg.ToolTimeout.Duration),
		mcp.WithServerPingInterval(cfg.PingInterval.Duration),
		mcp.WithServerLogger(logger),
		mcp.WithServerOnClientConnected(func(id string, info mcp.Info) {
			logger.Info("client connected", slog.String("sessionID", id), slog.String("client", info.Name))
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			logger.Info("client disconnected", slog.String("sessionID", id))
		}),
	}
	if len(cfg.ProtocolVersions) > 0 {
		serverOptions = append(serverOptions, mcp.WithProtocolVersions(cfg.ProtocolVersions...))
	}

	srv := mcp.NewServer(mcp.Info{
		Name:    "weather-server",
		Version: "1.0.0",
	}, transport, registry, serverOptions...)

	ws := weatherServer{Server: srv, cache: cache}
	if cache != nil {
		// Cities nobody asks for again would otherwise stay in the file forever.
		purgeCtx, stopPurge := context.WithCancel(context.Background())
		ws.stopPurge = stopPurge
		ws.purged = make(chan struct{})
		go func() {
			defer close(ws.purged)
			cache.PurgeEvery(purgeCtx, cfg.Weather.CacheTTL.Duration, logger)
		}()
	}
	return ws, nil
}

func (w weatherServer) close() {
	if w.cache == nil {
		return
	}
	w.stopPurge()
	<-w.purged
	_ = w.cache.Close()
}
