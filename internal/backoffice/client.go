// Package backoffice предоставляет клиент для уведомления бэк-офиса.
package backoffice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом бэк-офиса.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// RefundRequest описывает уведомление о запросе возврата взноса.
type RefundRequest struct {
	BackerID int64   `json:"backer_id"`
	UserID   int64   `json:"user_id"`
	Value    float64 `json:"value"`
}

// NewClient создаёт HTTP-клиент для обращения к бэк-офису по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// NotifyRefundRequest отправляет в бэк-офис уведомление о запросе возврата.
// Вызывается один раз при успешном переходе взноса в requested_refund.
func (c *Client) NotifyRefundRequest(ctx context.Context, notification RefundRequest) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("backoffice client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := base + "/api/refund-requests"

	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
