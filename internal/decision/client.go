package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"trustgate/pkg/verification"
)

const (
	DefaultAPIVersion = "v1"
	defaultTimeout    = 10 * time.Second
	maxErrorBody      = 4096
)

// Header names understood by the decision service.
const (
	HeaderSecretKey      = "Dodgeball-Secret-Key"
	HeaderSourceToken    = "Dodgeball-Source-Token"
	HeaderSessionID      = "Dodgeball-Session-Id"
	HeaderCustomerID     = "Dodgeball-Customer-Id"
	HeaderVerificationID = "Dodgeball-Verification-Id"
)

// Config is read-only after New and safe to share between goroutines.
type Config struct {
	BaseURL    string
	APIKey     string
	APIVersion string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the external risk decision service.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: hc}
}

// Configured reports whether both the endpoint and the secret key are set.
func (c *Client) Configured() bool {
	return c != nil && strings.TrimSpace(c.cfg.BaseURL) != "" && strings.TrimSpace(c.cfg.APIKey) != ""
}

// Identity carries the optional identifiers attached to every call.
type Identity struct {
	SourceToken    string
	SessionID      string
	UserID         string
	VerificationID string
}

type Options struct {
	Sync    *bool `json:"sync,omitempty"`
	Timeout int   `json:"timeout,omitempty"`
}

type CheckpointCall struct {
	Name string
	IP   string
	Data map[string]any
	Identity
	Options Options
}

type ResponseError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

type CheckpointResponse struct {
	Success      bool                       `json:"success"`
	Errors       []ResponseError            `json:"errors,omitempty"`
	Version      string                     `json:"version,omitempty"`
	Verification *verification.Verification `json:"verification,omitempty"`
}

func (r *CheckpointResponse) IsAllowed() bool {
	return r != nil && r.Success && r.Verification != nil &&
		r.Verification.Status == verification.StateComplete &&
		r.Verification.Outcome == verification.OutcomeApproved
}

func (r *CheckpointResponse) IsRunning() bool {
	if r == nil || !r.Success || r.Verification == nil {
		return false
	}
	switch r.Verification.Status {
	case verification.StatePending, verification.StateBlocked:
		return true
	}
	return false
}

func (r *CheckpointResponse) IsDenied() bool {
	return r != nil && r.Success && r.Verification != nil &&
		r.Verification.Outcome == verification.OutcomeDenied
}

type TrackCall struct {
	Type      string
	Data      map[string]any
	EventTime time.Time
	Identity
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("decision service: status=%d body=%s", e.StatusCode, e.Body)
}

type checkpointBody struct {
	Type    string        `json:"type"`
	Event   checkpointEvt `json:"event"`
	Options *Options      `json:"options,omitempty"`
}

type checkpointEvt struct {
	IP   string         `json:"ip,omitempty"`
	Data map[string]any `json:"data"`
}

type trackBody struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	EventTime int64          `json:"eventTime"`
}

// Checkpoint asks the service for a decision on a named checkpoint.
func (c *Client) Checkpoint(ctx context.Context, call CheckpointCall) (*CheckpointResponse, error) {
	if !c.Configured() {
		return nil, verification.ErrNotConfigured
	}
	if !verification.ValidName(call.Name) {
		return nil, verification.ErrInvalidCheckpointName
	}
	data := call.Data
	if data == nil {
		data = map[string]any{}
	}
	body := checkpointBody{
		Type:  call.Name,
		Event: checkpointEvt{IP: call.IP, Data: data},
	}
	if call.Options.Sync != nil || call.Options.Timeout > 0 {
		opts := call.Options
		body.Options = &opts
	}
	var resp CheckpointResponse
	if err := c.post(ctx, "checkpoint", call.Identity, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Track sends an informational event. The service replies with no decision.
func (c *Client) Track(ctx context.Context, call TrackCall) error {
	if !c.Configured() {
		return verification.ErrNotConfigured
	}
	if !verification.ValidName(call.Type) {
		return fmt.Errorf("invalid event name")
	}
	ts := call.EventTime
	if ts.IsZero() {
		ts = time.Now()
	}
	data := call.Data
	if data == nil {
		data = map[string]any{}
	}
	return c.post(ctx, "track", call.Identity, trackBody{Type: call.Type, Data: data, EventTime: ts.UnixMilli()}, nil)
}

func (c *Client) post(ctx context.Context, endpoint string, id Identity, body any, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("encode %s request: %w", endpoint, err)
	}
	url := c.base() + "/" + c.cfg.APIVersion + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSecretKey, c.cfg.APIKey)
	setHeader(req, HeaderSourceToken, id.SourceToken)
	setHeader(req, HeaderSessionID, id.SessionID)
	setHeader(req, HeaderCustomerID, id.UserID)
	setHeader(req, HeaderVerificationID, id.VerificationID)
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &APIError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func setHeader(req *http.Request, key, value string) {
	if strings.TrimSpace(value) != "" {
		req.Header.Set(key, value)
	}
}

func (c *Client) base() string {
	return strings.TrimRight(c.cfg.BaseURL, "/")
}
