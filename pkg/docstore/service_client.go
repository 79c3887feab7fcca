package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ServiceClient talks to the document service for existence, summaries,
// similarity search, and exhaustive extraction. One client serves all
// three read interfaces.
type ServiceClient struct {
	BaseURL string
	Client  *http.Client
}

func NewServiceClient(baseURL string, timeout time.Duration) *ServiceClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ServiceClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (c *ServiceClient) Exists(ctx context.Context, documentID string) (bool, error) {
	url := fmt.Sprintf("%s/internal/documents/%s", c.BaseURL, documentID)
	resp, err := c.get(ctx, url)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("document lookup failed: status %d", resp.StatusCode)
	}
}

func (c *ServiceClient) Summary(ctx context.Context, documentID string) (string, error) {
	url := fmt.Sprintf("%s/internal/documents/%s/summary", c.BaseURL, documentID)
	resp, err := c.get(ctx, url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("summary fetch failed: status %d", resp.StatusCode)
	}
	var body struct {
		Summary string `json:"summary"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Summary, nil
}

func (c *ServiceClient) Search(ctx context.Context, documentID, query string) ([]Passage, error) {
	url := fmt.Sprintf("%s/internal/documents/%s/search", c.BaseURL, documentID)
	var body struct {
		Passages []struct {
			Text string `json:"text"`
			Page int    `json:"page"`
		} `json:"passages"`
	}
	if err := c.postJSON(ctx, url, map[string]string{"query": query}, &body); err != nil {
		return nil, err
	}
	passages := make([]Passage, 0, len(body.Passages))
	for _, p := range body.Passages {
		passages = append(passages, Passage{Text: p.Text, Page: p.Page})
	}
	return passages, nil
}

func (c *ServiceClient) ExtractAll(ctx context.Context, documentID, query string) ([]Item, []Highlight, error) {
	url := fmt.Sprintf("%s/internal/documents/%s/extract", c.BaseURL, documentID)
	var body struct {
		Items []struct {
			Text string `json:"text"`
			Page int    `json:"page"`
		} `json:"items"`
		Highlights []Highlight `json:"highlights"`
	}
	if err := c.postJSON(ctx, url, map[string]string{"query": query}, &body); err != nil {
		return nil, nil, err
	}
	items := make([]Item, 0, len(body.Items))
	for _, it := range body.Items {
		items = append(items, Item{Text: it.Text, Page: it.Page})
	}
	return items, body.Highlights, nil
}

func (c *ServiceClient) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

func (c *ServiceClient) postJSON(ctx context.Context, url string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("document service request failed: status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
