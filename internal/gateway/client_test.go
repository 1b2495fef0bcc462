package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newGatewayStub(t *testing.T, expiresIn string, tokenCalls *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/oauth/v1/generate"):
			*tokenCalls++
			user, pass, ok := r.BasicAuth()
			if !ok || user != "consumer-key" || pass != "consumer-secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{
				"access_token": "tok-abc",
				"expires_in":   expiresIn,
			})
		case r.URL.Path == "/payment/v1/processrequest":
			if r.Header.Get("Authorization") != "Bearer tok-abc" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{
				"ResponseCode":        "0",
				"ResponseDescription": "Accept the service request successfully.",
				"ConversationID":      "AG_20260830_0001",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newStubClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL:        baseURL,
		ConsumerKey:    "consumer-key",
		ConsumerSecret: "consumer-secret",
		ShortCode:      "174379",
		CallbackURL:    "https://billing.example.com/api/v1/payments/callback",
		Timeout:        5 * time.Second,
	})
}

func TestInitiatePayment_ReusesTokenWithinReportedLifetime(t *testing.T) {
	tokenCalls := 0
	srv := newGatewayStub(t, "3599", &tokenCalls)
	defer srv.Close()

	c := newStubClient(srv.URL)

	for i := 0; i < 3; i++ {
		resp, err := c.InitiatePayment(context.Background(), "MTR-0400", "254700000001", 125.0)
		if err != nil {
			t.Fatalf("Unexpected error on call %d: %v", i, err)
		}
		if !resp.Accepted() {
			t.Fatalf("Expected accepted response, got code %s", resp.ResponseCode)
		}
		if resp.ConversationID != "AG_20260830_0001" {
			t.Errorf("Unexpected conversation id: %s", resp.ConversationID)
		}
	}

	if tokenCalls != 1 {
		t.Errorf("Expected one token fetch across calls within the reported lifetime, got %d", tokenCalls)
	}
}

func TestInitiatePayment_UnparseableExpiryStillWorks(t *testing.T) {
	tokenCalls := 0
	srv := newGatewayStub(t, "soon-ish", &tokenCalls)
	defer srv.Close()

	c := newStubClient(srv.URL)

	resp, err := c.InitiatePayment(context.Background(), "MTR-0401", "254700000001", 50.0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !resp.Accepted() {
		t.Errorf("Expected accepted response, got code %s", resp.ResponseCode)
	}
	if tokenCalls != 1 {
		t.Errorf("Expected one token fetch, got %d", tokenCalls)
	}
}

func TestTokenLifetime(t *testing.T) {
	cases := []struct {
		expiresIn string
		want      time.Duration
	}{
		{"3600", 59 * time.Minute},
		{"3599", 3599*time.Second - time.Minute},
		{" 900 ", 14 * time.Minute},
		{"30", 15 * time.Second}, // shorter than the margin, half-life applies
		{"", 59 * time.Minute},
		{"abc", 59 * time.Minute},
		{"-5", 59 * time.Minute},
	}

	for _, tc := range cases {
		if got := tokenLifetime(tc.expiresIn); got != tc.want {
			t.Errorf("tokenLifetime(%q) = %v, want %v", tc.expiresIn, got, tc.want)
		}
	}
}

func TestInitiatePayment_GatewayErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/oauth/v1/generate") {
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-abc", "expires_in": "3599"})
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - Invalid Amount",
		})
	}))
	defer srv.Close()

	c := newStubClient(srv.URL)

	_, err := c.InitiatePayment(context.Background(), "MTR-0402", "254700000001", -1)
	if err == nil {
		t.Fatal("Expected error from gateway")
	}

	var gatewayErr *ErrorResponse
	if !errors.As(err, &gatewayErr) {
		t.Fatalf("Expected ErrorResponse, got %T: %v", err, err)
	}
	if gatewayErr.Code != "400.002.02" {
		t.Errorf("Expected gateway error code surfaced, got %s", gatewayErr.Code)
	}
	if !strings.Contains(gatewayErr.Error(), "Invalid Amount") {
		t.Errorf("Expected gateway message in error text, got %s", gatewayErr.Error())
	}
}
