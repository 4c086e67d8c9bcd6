package tgviz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"
)

const (
	// DefaultAPIURL is the production TGViz ingest endpoint.
	DefaultAPIURL = "https://api.tgviz.com/v1/post-update"

	// DefaultTimeout bounds a single report round trip.
	DefaultTimeout = 5 * time.Second

	maxResponseBytes = 1 << 20
)

// FailureReason classifies why a report did not produce a verdict.
type FailureReason string

const (
	FailureEncode  FailureReason = "encode"
	FailureNetwork FailureReason = "network"
	FailureTimeout FailureReason = "timeout"
	FailureStatus  FailureReason = "status"
	FailureDecode  FailureReason = "decode"
)

// SendError describes a failed report. StatusCode is set only when
// Reason is FailureStatus.
type SendError struct {
	Reason     FailureReason
	StatusCode int
	Err        error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("tgviz send failed (%s): %v", e.Reason, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Options configures a Client. Token is required; every other field
// falls back to a default.
type Options struct {
	// Token authenticates the bot with TGViz.
	Token string

	// APIURL overrides the ingest endpoint, e.g. for self-hosted setups.
	APIURL string

	// Timeout bounds a single report round trip. Defaults to DefaultTimeout.
	Timeout time.Duration

	// HTTPClient replaces the default pooled client when set.
	HTTPClient *http.Client

	// Logger receives client diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client reports bot updates to the TGViz service.
type Client struct {
	token   string
	apiURL  string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
	library string
}

// NewClient validates opts and builds a Client.
func NewClient(opts Options) (*Client, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, errors.New("tgviz token is required")
	}

	apiURL := strings.TrimSpace(opts.APIURL)
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if _, err := url.ParseRequestURI(apiURL); err != nil {
		return nil, fmt.Errorf("invalid tgviz api url: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &Client{
		token:   token,
		apiURL:  apiURL,
		timeout: timeout,
		client:  httpClient,
		logger:  logger,
		library: detectLibrary(),
	}, nil
}

// SendUpdate reports one update and returns the service verdict. Any
// failure comes back as a *SendError.
func (c *Client) SendUpdate(ctx context.Context, update any) (*Response, error) {
	payload, err := json.Marshal(update)
	if err != nil {
		return nil, &SendError{Reason: FailureEncode, Err: fmt.Errorf("encode update: %w", err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, &SendError{Reason: FailureNetwork, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-TGViz-Bot-Token", c.token)
	req.Header.Set("X-TGViz-Client-Library", c.library)
	req.Header.Set("X-TGViz-Go-Version", runtime.Version())
	req.Header.Set("User-Agent", "tgviz-go/"+Version)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &SendError{Reason: classifyTransportError(err), Err: fmt.Errorf("post update: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &SendError{Reason: classifyTransportError(err), Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &SendError{
			Reason:     FailureStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("tgviz returned status %d", resp.StatusCode),
		}
	}

	var verdict Response
	if len(body) > 0 {
		if err := json.Unmarshal(body, &verdict); err != nil {
			return nil, &SendError{Reason: FailureDecode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}

	c.logger.Debug("tgviz update reported", "update_id", verdict.UpdateID, "skip", verdict.Skip())
	return &verdict, nil
}

func classifyTransportError(err error) FailureReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureNetwork
}
