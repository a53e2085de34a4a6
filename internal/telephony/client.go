// Package telephony is a thin client for the provider's REST API. It
// covers the number-management surface the admin endpoints expose:
// listing the numbers owned by the account and pointing a number's voice
// webhook at this service.
package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.twilio.com"
	defaultTimeout = 15 * time.Second

	maxErrorBody = 4096
)

// Number is one provider-owned phone number.
type Number struct {
	SID            string       `json:"sid"`
	PhoneNumber    string       `json:"phone_number"`
	FriendlyName   string       `json:"friendly_name"`
	VoiceURL       string       `json:"voice_url"`
	StatusCallback string       `json:"status_callback"`
	Capabilities   Capabilities `json:"capabilities"`
}

// Capabilities flags what a number can carry.
type Capabilities struct {
	Voice bool `json:"voice"`
	SMS   bool `json:"sms"`
	MMS   bool `json:"mms"`
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint. Primarily used in tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// Client talks to the provider's account REST API.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	client     *http.Client
}

// New creates a Client authenticating as the given account.
func New(accountSID, authToken string, opts ...Option) *Client {
	c := &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    defaultBaseURL,
		client:     &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ListNumbers returns up to limit numbers owned by the account.
func (c *Client) ListNumbers(ctx context.Context, limit int) ([]Number, error) {
	if limit <= 0 {
		limit = 50
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/IncomingPhoneNumbers.json?PageSize=%d",
		c.baseURL, url.PathEscape(c.accountSID), limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("telephony: build request: %w", err)
	}

	var page struct {
		IncomingPhoneNumbers []Number `json:"incoming_phone_numbers"`
	}
	if err := c.do(req, &page); err != nil {
		return nil, fmt.Errorf("telephony: list numbers: %w", err)
	}
	return page.IncomingPhoneNumbers, nil
}

// ConfigureWebhooks points a number's voice webhook and status callback
// at the given URLs. Empty values are left unchanged.
func (c *Client) ConfigureWebhooks(ctx context.Context, numberSID, voiceURL, statusCallback string) (*Number, error) {
	form := url.Values{}
	if voiceURL != "" {
		form.Set("VoiceUrl", voiceURL)
	}
	if statusCallback != "" {
		form.Set("StatusCallback", statusCallback)
	}
	if len(form) == 0 {
		return nil, fmt.Errorf("telephony: nothing to configure for number %q", numberSID)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/IncomingPhoneNumbers/%s.json",
		c.baseURL, url.PathEscape(c.accountSID), url.PathEscape(numberSID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("telephony: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var number Number
	if err := c.do(req, &number); err != nil {
		return nil, fmt.Errorf("telephony: configure number %s: %w", numberSID, err)
	}
	return &number, nil
}

// do sends an authenticated request and decodes a JSON response into out.
func (c *Client) do(req *http.Request, out any) error {
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiError extracts the provider's structured error when present.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var apiErr struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("api error %d (http %d): %s", apiErr.Code, resp.StatusCode, apiErr.Message)
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}
