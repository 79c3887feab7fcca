package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OwnerClient queries the user service for document ownership.
type OwnerClient struct {
	BaseURL string
	Client  *http.Client
}

func NewOwnerClient(baseURL string, timeout time.Duration) *OwnerClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OwnerClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (c *OwnerClient) Owner(ctx context.Context, documentID string) (string, error) {
	url := fmt.Sprintf("%s/internal/documents/%s/owner", c.BaseURL, documentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			OwnerID string `json:"owner_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", err
		}
		return body.OwnerID, nil
	case http.StatusNotFound:
		return "", ErrOwnerUnknown
	default:
		return "", fmt.Errorf("ownership check failed: status %d", resp.StatusCode)
	}
}
