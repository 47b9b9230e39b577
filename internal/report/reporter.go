// Package report pushes delivery status callbacks to the upstream API.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/courierhq/email-courier/internal/domain"
)

// Reporter publishes the delivery status of a notification to interested
// upstream services. Implementations are best-effort; callers log failures
// but never let them affect delivery state.
type Reporter interface {
	Report(ctx context.Context, requestID string, status domain.Status, deliveryErr string) error
}

var _ Reporter = (*HTTPReporter)(nil)

// HTTPReporter POSTs status callbacks to a configured endpoint.
type HTTPReporter struct {
	http *resty.Client
}

func NewHTTPReporter(callbackURL string) *HTTPReporter {
	client := resty.New().
		SetBaseURL(callbackURL).
		SetTimeout(5 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &HTTPReporter{http: client}
}

type statusCallback struct {
	NotificationID string `json:"notification_id"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

func (r *HTTPReporter) Report(ctx context.Context, requestID string, status domain.Status, deliveryErr string) error {
	body := statusCallback{
		NotificationID: requestID,
		Status:         status.String(),
		Error:          deliveryErr,
	}

	resp, err := r.http.R().
		SetContext(ctx).
		SetBody(body).
		Post("")
	if err != nil {
		return fmt.Errorf("failed to post status callback for %q: %w", requestID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("status callback for %q returned %d", requestID, resp.StatusCode())
	}

	return nil
}

// NopReporter discards callbacks. Used when no callback URL is configured.
type NopReporter struct{}

func (NopReporter) Report(context.Context, string, domain.Status, string) error {
	return nil
}
