package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/estate-ledger/internal/circuitbreaker"
	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/logging"
)

// PayoutClient moves dividend money to a recipient. A returned reference
// identifies the payout on the provider side; a PayoutError carries the
// provider's rejection reason.
type PayoutClient interface {
	Pay(ctx context.Context, recipientID string, amount int64) (string, error)
}

// PayoutError is a definitive provider rejection, as opposed to a transport
// failure. It marks the payment failed instead of retryable.
type PayoutError struct {
	Reason string
}

func (e *PayoutError) Error() string {
	return "payout rejected: " + e.Reason
}

// HTTPPayoutClient talks to the payout provider's REST API.
type HTTPPayoutClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logging.Logger
}

// HTTPPayoutConfig holds payout provider configuration.
type HTTPPayoutConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewHTTPPayoutClient creates a payout client
func NewHTTPPayoutClient(cfg *HTTPPayoutConfig, logger *logging.Logger) *HTTPPayoutClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPPayoutClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("payout"), logger),
		logger:  logger.WithField("component", "payout"),
	}
}

type payoutRequest struct {
	RecipientID string `json:"recipientId"`
	Amount      int64  `json:"amount"`
}

type payoutResponse struct {
	Success     bool   `json:"success"`
	ExternalRef string `json:"externalRef"`
	Reason      string `json:"reason"`
}

// Pay sends one payout. Transport and 5xx failures come back as external
// service errors so the caller can retry; a provider rejection comes back as
// a PayoutError and is final.
func (c *HTTPPayoutClient) Pay(ctx context.Context, recipientID string, amount int64) (string, error) {
	body, err := json.Marshal(payoutRequest{RecipientID: recipientID, Amount: amount})
	if err != nil {
		return "", apperrors.NewInternalError("failed to encode payout request", err)
	}

	var result payoutResponse
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payouts", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("payout provider returned %d", resp.StatusCode)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &result)
	})
	if err != nil {
		return "", apperrors.NewExternalServiceError("payout", err)
	}

	if !result.Success {
		return "", &PayoutError{Reason: result.Reason}
	}

	return result.ExternalRef, nil
}
