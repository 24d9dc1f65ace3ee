// Package sheet fetches the external spreadsheet's CSV export.
package sheet

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"sheetbridge/api/internal/csvutil"
	"sheetbridge/api/internal/editor"
)

// Client reads a published spreadsheet through its CSV export endpoint:
// GET {base}/{sheetID}/export?format=csv, first row headers.
type Client struct {
	httpClient *http.Client
	baseURL    string
	sheetID    string
}

func NewClient(httpClient *http.Client, baseURL, sheetID string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		sheetID:    sheetID,
	}
}

// ExportURL returns the CSV export endpoint this client reads.
func (c *Client) ExportURL() string {
	return fmt.Sprintf("%s/%s/export?format=csv", c.baseURL, c.sheetID)
}

// FetchCSV downloads the raw CSV text. Any non-2xx status is a fetch error.
func (c *Client) FetchCSV(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ExportURL(), nil)
	if err != nil {
		return "", fmt.Errorf("build sheet request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch sheet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch sheet: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read sheet body: %w", err)
	}
	return string(body), nil
}

// Fetch downloads and parses the sheet into headers plus indexed data rows.
// Row indexes are 1-based positions below the header row.
func (c *Client) Fetch(ctx context.Context) ([]string, []editor.Row, error) {
	text, err := c.FetchCSV(ctx)
	if err != nil {
		return nil, nil, err
	}
	headers, rows := Split(csvutil.Parse(text))
	return headers, rows, nil
}

// Split separates parsed CSV rows into the header row and indexed data rows.
func Split(parsed [][]string) ([]string, []editor.Row) {
	if len(parsed) == 0 {
		return nil, nil
	}
	headers := parsed[0]
	rows := make([]editor.Row, 0, len(parsed)-1)
	for i, data := range parsed[1:] {
		rows = append(rows, editor.Row{RowIndex: i + 1, Data: data})
	}
	return headers, rows
}
