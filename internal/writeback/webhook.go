// Package writeback pushes saved row edits out to the external spreadsheet
// side. Every forwarder is best-effort: the caller observes errors only to
// log them, never to fail a save.
package writeback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Forwarder sends one saved row to an external destination.
type Forwarder interface {
	Forward(ctx context.Context, rowIndex int, rowData []string) error
}

// WebhookForwarder POSTs {row_index, row_data} to a configured URL. The
// response body is ignored; a non-2xx status is reported as an error for
// diagnostic logging.
type WebhookForwarder struct {
	httpClient *http.Client
	url        string
}

func NewWebhookForwarder(httpClient *http.Client, url string) *WebhookForwarder {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WebhookForwarder{httpClient: httpClient, url: url}
}

func (f *WebhookForwarder) Forward(ctx context.Context, rowIndex int, rowData []string) error {
	payload, err := json.Marshal(map[string]any{
		"row_index": rowIndex,
		"row_data":  rowData,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post webhook: status %d", resp.StatusCode)
	}
	return nil
}
