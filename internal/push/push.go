// Package push delivers identity domain notifications to registered device
// tokens through an external push gateway.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tessera.org/internal/identity"
	"tessera.org/internal/obs"
)

// Sender delivers one notification to one device.
type Sender interface {
	Send(ctx context.Context, deviceToken string, n identity.Notification) error
}

// HTTPSender posts notifications to a push gateway as JSON.
type HTTPSender struct {
	url    string
	client *http.Client
}

// NewHTTPSender constructs a sender for the gateway URL. The timeout bounds
// each delivery attempt.
func NewHTTPSender(url string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type payload struct {
	DeviceToken string `json:"device_token"`
	Tenant      string `json:"tenant"`
	Operation   string `json:"operation"`
	Identifier  string `json:"identifier"`
	OccurredAt  string `json:"occurred_at"`
}

func (s *HTTPSender) Send(ctx context.Context, deviceToken string, n identity.Notification) error {
	body, err := json.Marshal(payload{
		DeviceToken: deviceToken,
		Tenant:      n.Tenant,
		Operation:   string(n.Operation),
		Identifier:  n.Identifier,
		OccurredAt:  n.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("deliver push: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Dispatcher resolves the devices registered for a notification's subject and
// hands each one to the sender. It plugs in as a domain notifier; delivery is
// best-effort and never blocks the emitting operation beyond the timeout.
type Dispatcher struct {
	tokens  identity.PushTokenStore
	sender  Sender
	timeout time.Duration
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(tokens identity.PushTokenStore, sender Sender, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{tokens: tokens, sender: sender, timeout: timeout}
}

var _ identity.Notifier = (*Dispatcher)(nil)

// Notify fans the notification out to every device registered for its subject.
func (d *Dispatcher) Notify(n identity.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	registered, err := d.tokens.ByUser(ctx, n.Tenant, n.Identifier)
	if err != nil {
		obs.LogRequest(map[string]any{
			"level": "warn", "msg": "push token lookup failed",
			"tenant": n.Tenant, "identifier": n.Identifier, "error": err.Error(),
		})
		return
	}
	for _, token := range registered {
		if err := d.sender.Send(ctx, token.DeviceToken, n); err != nil {
			obs.LogRequest(map[string]any{
				"level": "warn", "msg": "push delivery failed",
				"tenant": n.Tenant, "identifier": n.Identifier, "error": err.Error(),
			})
		}
	}
}
