package tidio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborline/catalog-sync/internal/config"
	"github.com/harborline/catalog-sync/internal/domain/catalog"
	"github.com/harborline/catalog-sync/pkg/common"
)

// Authentication and rate-limit header names of the messaging platform's
// open API.
const (
	headerClientID     = "X-Tidio-Openapi-Client-Id"
	headerClientSecret = "X-Tidio-Openapi-Client-Secret"

	headerRateLimit     = "x-ratelimit-limit"
	headerRateRemaining = "x-ratelimit-remaining"
)

// Client delivers assembled batches to the messaging platform's product
// batch endpoint. Transport-level failures surface as
// catalog.ErrTargetUnavailable for the whole batch; per-record rejections
// come back in the outcome.
type Client struct {
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
	tracer      trace.Tracer

	endpoint     string
	clientID     string
	clientSecret string
	acceptHeader string
	callTimeout  time.Duration

	// maxRPS is the configured ceiling in requests per second. Header
	// feedback only ever lowers the effective rate below it.
	maxRPS float64
}

var _ catalog.TargetClient = (*Client)(nil)

// NewClient creates a target client against the configured platform API.
func NewClient(httpClient *http.Client, cfg config.TargetConfig, callTimeout time.Duration, tracer trace.Tracer) *Client {
	return &Client{
		httpClient:   httpClient,
		rateLimiter:  common.NewRateLimiter(cfg.RateLimitPerMinute),
		tracer:       tracer,
		endpoint:     cfg.BaseURL + "/products/batch",
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		acceptHeader: fmt.Sprintf("application/json; version=%s", cfg.AcceptVersion),
		callTimeout:  callTimeout,
		maxRPS:       float64(cfg.RateLimitPerMinute) / 60.0,
	}
}

type batchRequest struct {
	Products []catalog.ProductRecord `json:"products"`
}

type batchResponse struct {
	Accepted []string                  `json:"accepted"`
	Rejected []catalog.RecordRejection `json:"rejected"`
}

// SendBatch posts one batch and decodes the per-record outcome. It does not
// retry; the orchestrator owns the retry decision.
func (c *Client) SendBatch(ctx context.Context, batch *catalog.Batch) (*catalog.BatchOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "tidio.send_batch",
		trace.WithAttributes(
			attribute.Int("batch_index", batch.Index()),
			attribute.Int("batch_size", batch.Size()),
		))
	defer span.End()

	if err := c.rateLimiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	body, err := json.Marshal(batchRequest{Products: batch.Records()})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("marshaling batch %d: %w", batch.Index(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("creating batch request: %w", err)
	}
	req.Header.Set(headerClientID, c.clientID)
	req.Header.Set(headerClientSecret, c.clientSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", c.acceptHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("posting batch %d: %w: %v", batch.Index(), catalog.ErrTargetUnavailable, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("status_code", resp.StatusCode))
	c.updateRateLimits(resp.Header)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("batch %d returned %d: %s: %w", batch.Index(), resp.StatusCode, data, catalog.ErrTargetUnavailable)
		span.RecordError(err)
		return nil, err
	}

	var result batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decoding batch %d response: %w: %v", batch.Index(), catalog.ErrTargetUnavailable, err)
	}

	span.SetAttributes(
		attribute.Int("accepted", len(result.Accepted)),
		attribute.Int("rejected", len(result.Rejected)),
	)
	return &catalog.BatchOutcome{Accepted: result.Accepted, Rejected: result.Rejected}, nil
}

// updateRateLimits feeds the platform's rate-limit response headers back
// into the limiter, targeting 90% of the remaining per-minute quota so the
// next window is never exhausted from this side. The configured ceiling is
// an upper bound: a generous remaining quota never raises the rate above it.
func (c *Client) updateRateLimits(headers http.Header) {
	remaining, errRemaining := strconv.ParseInt(headers.Get(headerRateRemaining), 10, 64)
	limit, errLimit := strconv.ParseInt(headers.Get(headerRateLimit), 10, 64)
	if errRemaining != nil || errLimit != nil || remaining <= 0 || limit <= 0 {
		return
	}
	rps := float64(remaining) / 60.0 * 0.9
	if rps > c.maxRPS {
		rps = c.maxRPS
	}
	c.rateLimiter.UpdateLimits(rps, 1)
}
