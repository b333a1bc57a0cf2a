package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/logging"
)

// NotifierClient delivers a user-facing message. Delivery is best-effort;
// the outbox dispatcher retries on failure.
type NotifierClient interface {
	Notify(ctx context.Context, userID, msgType, title, message string) error
}

// HTTPNotifierClient posts notifications to the notification service.
type HTTPNotifierClient struct {
	baseURL string
	client  *http.Client
	logger  *logging.Logger
}

// NewHTTPNotifierClient creates a notifier client
func NewHTTPNotifierClient(baseURL string, timeout time.Duration, logger *logging.Logger) *HTTPNotifierClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPNotifierClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.WithField("component", "notifier"),
	}
}

type notifyRequest struct {
	UserID  string `json:"userId"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Notify sends one notification.
func (c *HTTPNotifierClient) Notify(ctx context.Context, userID, msgType, title, message string) error {
	body, err := json.Marshal(notifyRequest{UserID: userID, Type: msgType, Title: title, Message: message})
	if err != nil {
		return apperrors.NewInternalError("failed to encode notification", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/notifications", bytes.NewReader(body))
	if err != nil {
		return apperrors.NewExternalServiceError("notifier", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.NewExternalServiceError("notifier", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apperrors.NewExternalServiceError("notifier", fmt.Errorf("notifier returned %d", resp.StatusCode))
	}

	return nil
}
