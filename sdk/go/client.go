package trustgatesdk

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

	"trustgate/pkg/verification"
)

// Client is a minimal Trustgate HTTP API client. BaseURL includes the API
// base path, e.g. http://127.0.0.1:3020/api.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// VerificationRecord is one stored checkpoint outcome (partial).
type VerificationRecord struct {
	ID                     string `json:"id"`
	CheckpointName         string `json:"checkpoint_name"`
	Status                 string `json:"status"`
	Success                bool   `json:"success"`
	VerificationID         string `json:"verification_id"`
	PreviousVerificationID string `json:"previous_verification_id"`
	SessionID              string `json:"session_id"`
	UserID                 string `json:"user_id"`
	ErrorMessage           string `json:"error_message"`
	DurationMS             int64  `json:"duration_ms"`
	CreatedAt              string `json:"created_at"`
}

// VerificationChain is every round of one verification.
type VerificationChain struct {
	VerificationID string               `json:"verification_id"`
	Status         string               `json:"status"`
	Steps          int                  `json:"steps"`
	Records        []VerificationRecord `json:"records"`
}

// PaginatedRecords wraps list responses with cursors.
type PaginatedRecords struct {
	Items      []VerificationRecord `json:"items"`
	NextCursor string               `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Checkpoint submits one checkpoint round.
func (c *Client) Checkpoint(ctx context.Context, req verification.CheckpointRequest) (verification.CheckpointResult, error) {
	var resp verification.CheckpointResult
	err := c.do(ctx, http.MethodPost, "checkpoint", req, &resp)
	return resp, err
}

// Event sends one event.
func (c *Client) Event(ctx context.Context, req verification.EventRequest) (verification.EventResult, error) {
	var resp verification.EventResult
	err := c.do(ctx, http.MethodPost, "event", req, &resp)
	return resp, err
}

// Verifications returns a page of stored outcomes, newest first.
func (c *Client) Verifications(ctx context.Context, limit int, cursor string) (PaginatedRecords, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "verifications"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedRecords
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Verification fetches every round of a verification by id.
func (c *Client) Verification(ctx context.Context, id string) (VerificationChain, error) {
	var resp VerificationChain
	err := c.do(ctx, http.MethodGet, "verifications/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
