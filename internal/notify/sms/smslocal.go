// Package sms delivers confirmation messages through the SMS Local HTTP API.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sms-confirmation/internal/notify"
)

const (
	defaultTimeout = 15 * time.Second
	defaultBaseURL = "https://www.smslocal.com/dev/bulkV2"
)

// ErrNoAPIKey is returned by Send when the client has no API key.
var ErrNoAPIKey = errors.New("sms: API key not configured")

// Client sends SMS via SMS Local. It implements notify.Gateway.
// See https://www.smslocal.com/dev/bulkV2.
type Client struct {
	APIKey     string
	BaseURL    string
	Sender     string
	HTTPClient *http.Client
}

// NewClient returns a client that uses the given API key and optional base URL and default sender.
func NewClient(apiKey, baseURL, sender string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		APIKey:     apiKey,
		BaseURL:    baseURL,
		Sender:     sender,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

type request struct {
	Route     string `json:"route"`
	Numbers   string `json:"numbers"`
	Variables string `json:"variables,omitempty"`
	Message   string `json:"message,omitempty"`
	SenderID  string `json:"sender_id,omitempty"`
}

// Send delivers msg. Confirmation tokens go out on the otp route; other kinds as plain text.
// Neither the number nor the token appears in returned errors.
func (c *Client) Send(ctx context.Context, msg notify.Message) error {
	if c.APIKey == "" {
		return ErrNoAPIKey
	}
	body := request{Numbers: digits(msg.To), SenderID: c.Sender}
	if msg.Sender != "" {
		body.SenderID = msg.Sender
	}
	switch msg.Kind {
	case notify.KindConfirmationRequested:
		body.Route = "otp"
		body.Variables = msg.Token
	default:
		body.Route = "q"
		body.Message = notify.Render(msg)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.APIKey)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sms: request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sms: request failed status=%d kind=%s", resp.StatusCode, msg.Kind)
	}
	return nil
}

// digits strips everything but digits; SMS Local expects country code + number.
func digits(phone string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
}
