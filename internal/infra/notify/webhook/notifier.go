package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harborline/catalog-sync/internal/config"
	"github.com/harborline/catalog-sync/internal/domain/catalog"
	"github.com/harborline/catalog-sync/pkg/common/logger"
)

// Notifier delivers run summaries to the configured webhook as a fixed JSON
// payload. Delivery failure never fails the run; the orchestrator logs and
// swallows any error returned here.
type Notifier struct {
	httpClient  *http.Client
	logger      *logger.Logger
	url         string
	callTimeout time.Duration
}

var _ catalog.Notifier = (*Notifier)(nil)

// NewNotifier creates a webhook notifier.
func NewNotifier(httpClient *http.Client, cfg config.WebhookConfig, callTimeout time.Duration, log *logger.Logger) *Notifier {
	return &Notifier{
		httpClient:  httpClient,
		logger:      log,
		url:         cfg.URL,
		callTimeout: callTimeout,
	}
}

// payload is the fixed notification shape. Fields are always present so
// consumers never branch on key existence; absent values are explicit nulls
// or empty arrays.
type payload struct {
	Status         catalog.ResultStatus `json:"status"`
	SyncType       catalog.RunMode      `json:"sync_type"`
	ProductsSynced int                  `json:"products_synced"`
	FailedBatches  []int                `json:"failed_batches"`
	ResumeCommand  *string              `json:"resume_command"`
	Timestamp      string               `json:"timestamp"`
}

func buildPayload(result *catalog.SyncResult) payload {
	p := payload{
		Status:         result.Status,
		SyncType:       result.SyncType,
		ProductsSynced: result.ProductsSynced,
		FailedBatches:  result.FailedBatches,
		Timestamp:      result.CompletedAt.UTC().Format(time.RFC3339),
	}
	if p.FailedBatches == nil {
		p.FailedBatches = []int{}
	}
	if result.ResumeHandle != nil {
		cmd := fmt.Sprintf("sync resume %s", result.ResumeHandle)
		p.ResumeCommand = &cmd
	}
	return p
}

// Notify posts the run summary to the webhook. Per-record rejection detail
// is logged here as a diagnostic but kept out of the payload itself.
func (n *Notifier) Notify(ctx context.Context, result *catalog.SyncResult) error {
	for _, rejection := range result.RejectedRecords {
		n.logger.Warn(ctx, "record rejected by target", "sku", rejection.SKU, "reason", rejection.Reason)
	}

	body, err := json.Marshal(buildPayload(result))
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, data)
	}
	return nil
}
