// Package notify предоставляет клиент внешнего сервиса доставки push-уведомлений.
// Сам сервис доставки внешний; здесь только отправка события после успешного
// коммита транзакции — внутри повторяемого тела транзакции уведомления не шлются.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом доставки уведомлений.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Event описывает событие для доставки пользователю.
type Event struct {
	UserID       int64  `json:"user_id"`
	Kind         string `json:"kind"`
	ComplimentID int64  `json:"compliment_id,omitempty"`
	Text         string `json:"text,omitempty"`
}

// Виды событий, известные сервису доставки.
const (
	EventClaimRequested = "claim_requested"
	EventComplimentSent = "compliment_sent"
	EventTipSettled     = "tip_settled"
)

// NewClient создаёт HTTP-клиент для обращения к сервису уведомлений по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Send отправляет событие сервису доставки. Ошибка не фатальна для вызывающего:
// доставка уведомлений негарантированная.
func (c *Client) Send(ctx context.Context, ev Event) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("notify client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	url := fmt.Sprintf("%s/api/events", base)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
