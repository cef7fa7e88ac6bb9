package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/yosida95/uritemplate/v3"
	"golang.org/x/time/rate"
)

// Client fetches weather reports from a wttr.in compatible service. Reports are optionally
// kept in a Cache and lookups are optionally throttled by a rate limiter.
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    string
	limiter    *rate.Limiter
	cache      Cache
	logger     *slog.Logger

	timeout      time.Duration
	maxRetries   int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
}

// ClientOption represents the options for the Client.
type ClientOption func(*Client)

const (
	// DefaultBaseURL is the public wttr.in service.
	DefaultBaseURL = "https://wttr.in"
	// DefaultTimeout bounds every upstream attempt.
	DefaultTimeout = 10 * time.Second

	defaultMaxRetries   = 2
	defaultRetryWaitMin = 500 * time.Millisecond
	defaultRetryWaitMax = 2 * time.Second

	maxReportSize = 2 << 20
)

var (
	// ErrCityRequired is returned when the city argument is empty.
	ErrCityRequired = errors.New("city parameter is required")
	// ErrNoData is returned when the upstream answers without usable weather data.
	ErrNoData = errors.New("no weather data returned")
)

var reportURL = uritemplate.MustNew("{+base}/{city}{?format}")

// NewClient creates a Client talking to DefaultBaseURL unless WithBaseURL says otherwise.
func NewClient(options ...ClientOption) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		logger:       slog.Default(),
		timeout:      DefaultTimeout,
		maxRetries:   defaultMaxRetries,
		retryWaitMin: defaultRetryWaitMin,
		retryWaitMax: defaultRetryWaitMax,
	}
	for _, opt := range options {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = c.maxRetries
	retryClient.RetryWaitMin = c.retryWaitMin
	retryClient.RetryWaitMax = c.retryWaitMax
	retryClient.HTTPClient.Timeout = c.timeout
	retryClient.Logger = c.logger
	// Hand the last response back instead of a generic "giving up" error, so the status is reported.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.httpClient = retryClient

	return c
}

// WithBaseURL points the client at another wttr.in deployment, or a fake one in tests.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithTimeout sets the timeout of a single upstream attempt.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithRetry sets how many times a failed lookup is retried and the backoff bounds between attempts.
func WithRetry(maxRetries int, waitMin, waitMax time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryWaitMin = waitMin
		c.retryWaitMax = waitMax
	}
}

// WithRateLimit throttles upstream lookups to r per second with the given burst. Cache hits
// are not throttled.
func WithRateLimit(r rate.Limit, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(r, burst)
	}
}

// WithCache sets the cache consulted before every upstream lookup.
func WithCache(cache Cache) ClientOption {
	return func(c *Client) {
		c.cache = cache
	}
}

// WithLogger sets the logger for the Client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "weather-mcp"),
			slog.String("component", "weather-client"),
		)
	}
}

// Fetch returns the report for city.
func (c *Client) Fetch(ctx context.Context, city string) (Report, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return Report{}, ErrCityRequired
	}
	key := strings.ToLower(city)

	if c.cache != nil {
		bs, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.logger.Warn("failed to read weather cache", slog.String("city", city), slog.String("err", err.Error()))
		}
		if ok {
			var report Report
			if err := json.Unmarshal(bs, &report); err == nil {
				c.logger.Debug("weather cache hit", slog.String("city", city))
				return report, nil
			}
			c.logger.Warn("discarding corrupt cache entry", slog.String("city", city))
		}
	}

	bs, err := c.fetch(ctx, city)
	if err != nil {
		return Report{}, err
	}

	var report Report
	if err := json.Unmarshal(bs, &report); err != nil {
		return Report{}, fmt.Errorf("failed to decode weather data: %w", err)
	}
	if len(report.CurrentCondition) == 0 && len(report.Weather) == 0 {
		return Report{}, ErrNoData
	}

	if c.cache != nil {
		if err := c.cache.Put(ctx, key, bs); err != nil {
			c.logger.Warn("failed to write weather cache", slog.String("city", city), slog.String("err", err.Error()))
		}
	}

	return report, nil
}

func (c *Client) fetch(ctx context.Context, city string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
		}
	}

	values := uritemplate.Values{}
	values.Set("base", uritemplate.String(c.baseURL))
	values.Set("city", uritemplate.String(city))
	values.Set("format", uritemplate.String("j1"))
	u, err := reportURL.Expand(values)
	if err != nil {
		return nil, fmt.Errorf("failed to build weather URL: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "weather-mcp/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch weather data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("failed to fetch weather data: unexpected status code: %d", resp.StatusCode)
	}

	bs, err := io.ReadAll(io.LimitReader(resp.Body, maxReportSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read weather data: %w", err)
	}
	return bs, nil
}
