package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrMissingAPIKey is returned when the remote analyzer has no credential
var ErrMissingAPIKey = errors.New("advisor: api key missing")

// HTTPClient posts {"url": ...} to an analysis endpoint and decodes an
// Analysis from the JSON response.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPClient creates a remote analyzer
func NewHTTPClient(endpoint, apiKey string, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{endpoint: endpoint, apiKey: apiKey, client: client}
}

type analyzeRequest struct {
	URL string `json:"url"`
}

// Analyze implements Analyzer
func (c *HTTPClient) Analyze(ctx context.Context, rawURL string) (Analysis, error) {
	if c.apiKey == "" {
		return Analysis{}, ErrMissingAPIKey
	}

	body, err := json.Marshal(analyzeRequest{URL: rawURL})
	if err != nil {
		return Analysis{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Analysis{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Analysis{}, fmt.Errorf("analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Analysis{}, fmt.Errorf("analysis service returned status: %s", resp.Status)
	}

	var result Analysis
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return Analysis{}, fmt.Errorf("failed to decode analysis: %w", err)
	}
	return result, nil
}
