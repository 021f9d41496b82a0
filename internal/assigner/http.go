package assigner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kigo-pro/assignq/internal/assignment"
	"github.com/kigo-pro/assignq/internal/executor"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPAssigner posts each item to the filters API.
type HTTPAssigner struct {
	baseURL string
	client  *http.Client
}

var _ executor.Assigner = (*HTTPAssigner)(nil)

type assignRequest struct {
	ItemID      string `json:"item_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHTTPAssigner returns an assigner for the API rooted at baseURL. A nil client gets a
// default one with a 30s timeout.
func NewHTTPAssigner(baseURL string, client *http.Client) *HTTPAssigner {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &HTTPAssigner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (a *HTTPAssigner) Assign(ctx context.Context, filterID string, item assignment.Item) (executor.AssignResult, error) {
	body, err := json.Marshal(assignRequest{ItemID: item.ID, DisplayName: item.DisplayName})
	if err != nil {
		return executor.AssignResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/filters/%s/assignments", a.baseURL, url.PathEscape(filterID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return executor.AssignResult{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return executor.AssignResult{}, fmt.Errorf("failed to call filters API: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return executor.Succeeded(), nil
	}

	var apiErr errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
		return executor.Failed(fmt.Sprintf("filters API returned %s", resp.Status)), nil
	}

	return executor.Failed(apiErr.Error), nil
}
