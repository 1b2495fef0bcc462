package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client is a client for the payment gateway API. It handles token exchange
// and payment initiation; settlement arrives separately via callback.
type Client struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	CallbackURL    string
	HTTPClient     *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// Config holds gateway client settings
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	CallbackURL    string
	Timeout        time.Duration
}

// NewClient creates a new payment gateway client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:        cfg.BaseURL,
		ConsumerKey:    cfg.ConsumerKey,
		ConsumerSecret: cfg.ConsumerSecret,
		ShortCode:      cfg.ShortCode,
		CallbackURL:    cfg.CallbackURL,
		HTTPClient:     &http.Client{Timeout: timeout},
	}
}

// InitiationResponse is the gateway's acknowledgment of a payment request.
// ResponseCode "0" means the request was accepted for processing; final
// settlement arrives later on the callback URL.
type InitiationResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ConversationID      string `json:"ConversationID"`
}

// Accepted reports whether the gateway accepted the payment request.
func (r *InitiationResponse) Accepted() bool {
	return r.ResponseCode == "0"
}

// ErrorResponse represents an error returned by the gateway API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"errorCode"`
	Message    string `json:"errorMessage"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("gateway error: http status %d", e.StatusCode)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// token returns a cached OAuth access token, refreshing it when expired.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	url := c.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.SetBasicAuth(c.ConsumerKey, c.ConsumerSecret)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.readError(resp)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("gateway returned empty access token")
	}

	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(tokenLifetime(tok.ExpiresIn))
	return c.accessToken, nil
}

// tokenLifetime derives the cache window from the gateway-reported expiry,
// refreshing one minute early. An absent or unparseable value falls back to
// the gateway's documented one-hour token minus the refresh margin.
func tokenLifetime(expiresIn string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(expiresIn))
	if err != nil || secs <= 0 {
		return 59 * time.Minute
	}

	lifetime := time.Duration(secs)*time.Second - time.Minute
	if lifetime <= 0 {
		// Short-lived tokens keep half their lifetime as cache window.
		lifetime = time.Duration(secs) * time.Second / 2
	}
	return lifetime
}

type initiationRequest struct {
	ShortCode        string `json:"BusinessShortCode"`
	Amount           string `json:"Amount"`
	PhoneNumber      string `json:"PhoneNumber"`
	AccountReference string `json:"AccountReference"`
	CallBackURL      string `json:"CallBackURL"`
	TransactionDesc  string `json:"TransactionDesc"`
}

// InitiatePayment asks the gateway to charge the given phone for a meter
// top-up. Only the conversation id and response code matter to the caller;
// the conversation id is what the settlement callback will reference.
func (c *Client) InitiatePayment(ctx context.Context, meterNumber, phone string, amount float64) (*InitiationResponse, error) {
	accessToken, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	payload := initiationRequest{
		ShortCode:        c.ShortCode,
		Amount:           fmt.Sprintf("%.2f", amount),
		PhoneNumber:      phone,
		AccountReference: meterNumber,
		CallBackURL:      c.CallbackURL,
		TransactionDesc:  "Prepaid meter top-up",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initiation request: %w", err)
	}

	url := c.BaseURL + "/payment/v1/processrequest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build initiation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("initiation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.readError(resp)
	}

	var initiation InitiationResponse
	if err := json.NewDecoder(resp.Body).Decode(&initiation); err != nil {
		return nil, fmt.Errorf("failed to decode initiation response: %w", err)
	}

	return &initiation, nil
}

func (c *Client) readError(resp *http.Response) error {
	gatewayErr := &ErrorResponse{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(body) > 0 {
		_ = json.Unmarshal(body, gatewayErr)
	}
	return gatewayErr
}
