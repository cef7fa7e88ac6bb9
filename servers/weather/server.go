package weather

import (
	"context"
	"fmt"

	"github.com/TangGee/weather-mcp"
	"github.com/gobwas/glob"
	"github.com/mitchellh/mapstructure"
)

// Server exposes weather lookups as MCP tools: get_current_weather and get_forecast.
//
// Upstream failures are returned from the tool handlers, so they reach the client as tool
// execution errors and never end the session.
type Server struct {
	client *Client
}

// NewServer creates a weather server that answers tool calls through client.
func NewServer(client *Client) Server {
	return Server{client: client}
}

// Tools returns the tools Register adds, in registration order.
func (s Server) Tools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        toolCurrentWeather,
			Description: "Get current weather conditions for a city",
			InputSchema: currentWeatherSchema,
		},
		{
			Name:        toolForecast,
			Description: "Get weather forecast for a city",
			InputSchema: forecastSchema,
		},
	}
}

// Register adds the weather tools to reg. With patterns, only the tools whose name matches
// one of the glob patterns are added, and a pattern that matches no tool is an error.
func (s Server) Register(reg *mcp.ToolRegistry, patterns ...string) error {
	handlers := map[string]mcp.ToolHandler{
		toolCurrentWeather: s.currentWeather,
		toolForecast:       s.forecast,
	}

	tools, err := s.selectTools(patterns)
	if err != nil {
		return err
	}
	for _, tool := range tools {
		if err := reg.Register(tool, handlers[tool.Name]); err != nil {
			return fmt.Errorf("failed to register %s: %w", tool.Name, err)
		}
	}
	return nil
}

func (s Server) selectTools(patterns []string) ([]mcp.Tool, error) {
	if len(patterns) == 0 {
		return s.Tools(), nil
	}

	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid tool pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}

	matched := make([]bool, len(globs))
	var tools []mcp.Tool
	for _, tool := range s.Tools() {
		selected := false
		for i, g := range globs {
			if g.Match(tool.Name) {
				matched[i] = true
				selected = true
			}
		}
		if selected {
			tools = append(tools, tool)
		}
	}
	for i, ok := range matched {
		if !ok {
			return nil, fmt.Errorf("tool pattern %q matches no weather tool", patterns[i])
		}
	}
	return tools, nil
}

func (s Server) currentWeather(ctx context.Context, arguments map[string]any) ([]mcp.Content, error) {
	args, err := decodeArgs[CurrentWeatherArgs](arguments)
	if err != nil {
		return nil, err
	}

	report, err := s.client.Fetch(ctx, args.City)
	if err != nil {
		return nil, err
	}

	text, err := formatCurrentWeather(args.City, report)
	if err != nil {
		return nil, err
	}
	return []mcp.Content{{Type: mcp.ContentTypeText, Text: text}}, nil
}

func (s Server) forecast(ctx context.Context, arguments map[string]any) ([]mcp.Content, error) {
	args, err := decodeArgs[ForecastArgs](arguments)
	if err != nil {
		return nil, err
	}
	if args.Days < 1 || args.Days > MaxForecastDays {
		return nil, fmt.Errorf("days must be between 1 and %d, got %d", MaxForecastDays, args.Days)
	}

	report, err := s.client.Fetch(ctx, args.City)
	if err != nil {
		return nil, err
	}

	text, err := formatForecast(args.City, args.Days, report)
	if err != nil {
		return nil, err
	}
	return []mcp.Content{{Type: mcp.ContentTypeText, Text: text}}, nil
}

func decodeArgs[T any](arguments map[string]any) (T, error) {
	var args T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &args,
		TagName: "json",
	})
	if err != nil {
		return args, fmt.Errorf("failed to create argument decoder: %w", err)
	}
	if err := decoder.Decode(arguments); err != nil {
		return args, fmt.Errorf("failed to decode arguments: %w", err)
	}
	return args, nil
}
