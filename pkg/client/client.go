// Package client performs single Checko company lookups and classifies each
// response so the batch runner can decide whether to keep, rotate or drop the
// access key that was used.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/checko-fetcher/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for Checko requests.
var (
	checkoRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checko_requests_total",
		Help: "Total Checko requests by outcome",
	}, []string{"outcome"})

	checkoRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "checko_request_duration_seconds",
		Help:    "Checko request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	checkoErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checko_errors_total",
		Help: "Total Checko errors by class",
	}, []string{"class"})
)

// DefaultBaseURL is the Checko company endpoint.
const DefaultBaseURL = "https://api.checko.ru/v2/company"

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// LimitPhrases are matched case-insensitively against the message of an
// error response to recognise an exhausted daily quota.
var LimitPhrases = []string{"limit exceeded", "daily limit"}

// Kind classifies the result of one fetch.
type Kind string

const (
	// KindSuccess means the service returned the record.
	KindSuccess Kind = "success"

	// KindQuotaExceeded means the service refused the call because the key
	// used up its daily limit.
	KindQuotaExceeded Kind = "quota_exceeded"

	// KindKeyInvalid means the service rejected the key (HTTP 401).
	KindKeyInvalid Kind = "key_invalid"

	// KindTransient covers network failures, timeouts, other HTTP errors and
	// service errors unrelated to the quota.
	KindTransient Kind = "transient_error"

	// KindMalformed means the body was not the expected JSON envelope.
	KindMalformed Kind = "malformed_response"
)

// ErrorClass represents a classification of request errors.
type ErrorClass string

const (
	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassAuth represents 401 responses.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassClient represents other 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassAPI represents error envelopes returned with a 2xx status.
	ErrorClassAPI ErrorClass = "api"

	// ErrorClassDecode represents bodies that are not the expected envelope.
	ErrorClassDecode ErrorClass = "decode"
)

// Outcome is the classified result of a fetch.
type Outcome struct {
	Kind Kind

	// Payload is the raw response body. Set for KindSuccess only.
	Payload []byte

	// ReportedTodayCount is meta.today_request_count when the service
	// included it in a successful response.
	ReportedTodayCount *int

	// Message is meta.message of an error response.
	Message string

	// Err describes the failure for every kind except KindSuccess.
	Err error
}

// Fetcher is what the batch runner needs from a client.
type Fetcher interface {
	Fetch(ctx context.Context, ogrn, key string) Outcome
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the company endpoint.
	BaseURL string

	// User-Agent header sent with every request.
	UserAgent string

	// Timeout for a single request, including reading the body.
	Timeout time.Duration
}

// DefaultConfig returns the production configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		UserAgent: userAgent,
		Timeout:   DefaultTimeout,
	}
}

// Client is the Checko HTTP client.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

// New creates a new Checko client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	logger := log.With().Str("component", "checko-client").Logger()

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: base,
		config:  cfg,
		logger:  logger,
	}, nil
}

type envelope struct {
	Meta *struct {
		Status            string          `json:"status"`
		Message           string          `json:"message"`
		TodayRequestCount json.RawMessage `json:"today_request_count"`
	} `json:"meta"`
}

// Fetch requests the company card for ogrn using key. It makes exactly one
// request and never retries.
func (c *Client) Fetch(ctx context.Context, ogrn, key string) Outcome {
	startTime := time.Now()
	defer func() {
		checkoRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	outcome := c.fetch(ctx, ogrn, key)
	checkoRequestsTotal.WithLabelValues(string(outcome.Kind)).Inc()

	var fe *FetchError
	if errors.As(outcome.Err, &fe) {
		checkoErrorsTotal.WithLabelValues(string(fe.ErrorClass)).Inc()
	}
	return outcome
}

func (c *Client) fetch(ctx context.Context, ogrn, key string) Outcome {
	logger := c.logger.With().Str("ogrn", ogrn).Str("key", logging.MaskKey(key)).Logger()

	req, err := c.newRequest(ctx, ogrn, key)
	if err != nil {
		return Outcome{Kind: KindTransient, Err: err}
	}

	logger.Debug().Msg("Requesting company")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error().Err(err).Msg("HTTP request failed")
		return Outcome{
			Kind: KindTransient,
			Err:  &FetchError{Kind: KindTransient, ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err},
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error().Err(err).Int("status", resp.StatusCode).Msg("Failed to read response body")
		return Outcome{
			Kind: KindTransient,
			Err:  &FetchError{StatusCode: resp.StatusCode, Kind: KindTransient, ErrorClass: ErrorClassNetwork, Message: "read body", Err: err},
		}
	}

	if outcome, failed := c.classifyStatus(resp); failed {
		logger.Error().
			Int("status", resp.StatusCode).
			Str("outcome", string(outcome.Kind)).
			Msg("Checko request error")
		return outcome
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		logger.Error().Err(err).Msg("Failed to decode response")
		return Outcome{
			Kind: KindMalformed,
			Err:  &FetchError{StatusCode: resp.StatusCode, Kind: KindMalformed, ErrorClass: ErrorClassDecode, Message: "invalid JSON", Err: err},
		}
	}
	if env.Meta == nil || env.Meta.Status == "" {
		logger.Error().Msg("Response has no meta.status")
		return Outcome{
			Kind: KindMalformed,
			Err:  &FetchError{StatusCode: resp.StatusCode, Kind: KindMalformed, ErrorClass: ErrorClassDecode, Message: "missing meta.status", Err: ErrMissingStatus},
		}
	}

	switch env.Meta.Status {
	case "ok":
		count := parseCount(env.Meta.TodayRequestCount)
		event := logger.Debug()
		if count != nil {
			event = event.Int("today_request_count", *count)
		}
		event.Msg("Company fetched")
		return Outcome{Kind: KindSuccess, Payload: body, ReportedTodayCount: count}

	case "error":
		msg := env.Meta.Message
		if msg == "" {
			msg = "unknown error"
		}
		if IsLimitMessage(msg) {
			logger.Warn().Str("message", msg).Msg("Quota exceeded for key")
			return Outcome{
				Kind:    KindQuotaExceeded,
				Message: msg,
				Err:     &FetchError{StatusCode: resp.StatusCode, Kind: KindQuotaExceeded, ErrorClass: ErrorClassAPI, Message: msg},
			}
		}
		logger.Warn().Str("message", msg).Msg("Checko API error")
		return Outcome{
			Kind:    KindTransient,
			Message: msg,
			Err:     &FetchError{StatusCode: resp.StatusCode, Kind: KindTransient, ErrorClass: ErrorClassAPI, Message: msg},
		}

	default:
		logger.Error().Str("status", env.Meta.Status).Msg("Unrecognised meta.status")
		return Outcome{
			Kind: KindMalformed,
			Err: &FetchError{
				StatusCode: resp.StatusCode,
				Kind:       KindMalformed,
				ErrorClass: ErrorClassDecode,
				Message:    fmt.Sprintf("unrecognised meta.status %q", env.Meta.Status),
			},
		}
	}
}

func (c *Client) newRequest(ctx context.Context, ogrn, key string) (*http.Request, error) {
	u := *c.baseURL
	q := u.Query()
	q.Set("key", key)
	q.Set("ogrn", ogrn)
	q.Set("source", "true")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// classifyStatus maps non-2xx responses to an outcome.
func (c *Client) classifyStatus(resp *http.Response) (Outcome, bool) {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Outcome{}, false
	case resp.StatusCode == http.StatusUnauthorized:
		return Outcome{
			Kind: KindKeyInvalid,
			Err:  &FetchError{StatusCode: resp.StatusCode, Kind: KindKeyInvalid, ErrorClass: ErrorClassAuth, Message: resp.Status},
		}, true
	case resp.StatusCode >= 500:
		return Outcome{
			Kind: KindTransient,
			Err:  &FetchError{StatusCode: resp.StatusCode, Kind: KindTransient, ErrorClass: ErrorClassServer, Message: resp.Status},
		}, true
	default:
		return Outcome{
			Kind: KindTransient,
			Err:  &FetchError{StatusCode: resp.StatusCode, Kind: KindTransient, ErrorClass: ErrorClassClient, Message: resp.Status},
		}, true
	}
}

// IsLimitMessage reports whether msg announces an exhausted daily quota.
func IsLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, phrase := range LimitPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// maxCount bounds a usable today_request_count; larger values are treated as
// missing.
const maxCount = math.MaxInt32

// parseCount reads today_request_count, which is normally a JSON number but
// tolerated as a numeric string.
func parseCount(raw json.RawMessage) *int {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < -maxCount || n > maxCount {
			return nil
		}
		return &n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(f) || f < -maxCount || f > maxCount {
			return nil
		}
		n := int(f)
		return &n
	}
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
