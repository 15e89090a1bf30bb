// Package notify delivers claim details to recipients. Delivery is best
// effort; callers log failures and carry on.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"claimdrop/internal/hmacauth"
	"claimdrop/internal/log"
	"claimdrop/internal/validate"
)

const DefaultTimeout = 5 * time.Second

type Event string

const (
	EventFunded   Event = "funded"
	EventRedeemed Event = "redeemed"
)

type Notification struct {
	Event      Event            `json:"event"`
	Recipient  string           `json:"recipient"`
	Code       string           `json:"code,omitempty"`
	Commitment string           `json:"commitment"`
	Amount     float64          `json:"amount"`
	Network    validate.Network `json:"network"`
	EscrowID   uint64           `json:"escrowId"`
	TxID       string           `json:"txId,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. The claim code is never logged.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	log.L(ctx).Infof("notify %s: %s escrow=%d amount=%v network=%s", n.Recipient, n.Event, n.EscrowID, n.Amount, n.Network)
	return nil
}

// WebhookNotifier posts each notification as signed JSON to a URL.
type WebhookNotifier struct {
	client *resty.Client
	url    string
	signer *hmacauth.Signer
}

func NewWebhookNotifier(url, secret string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &WebhookNotifier{
		client: resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json"),
		url:    url,
		signer: &hmacauth.Signer{Secret: secret},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	res, err := w.signer.Apply(w.client.R().SetContext(ctx), body).Post(w.url)
	if err != nil {
		return fmt.Errorf("notification webhook: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("notification webhook returned %d: %s", res.StatusCode(), strings.TrimSpace(res.String()))
	}
	log.L(ctx).Debugf("delivered %s notification for escrow %d", n.Event, n.EscrowID)
	return nil
}
