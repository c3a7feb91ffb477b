package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"staysync/internal/domain"
	"staysync/internal/models"
)

// HTTPPaymentGateway asks an external payment service to capture a hold.
type HTTPPaymentGateway struct {
	url    string
	client *http.Client
}

func NewHTTPPaymentGateway(url string, timeout time.Duration) *HTTPPaymentGateway {
	return &HTTPPaymentGateway{url: url, client: &http.Client{Timeout: timeout}}
}

type paymentRequest struct {
	ReservationID string `json:"reservation_id"`
}

type paymentResponse struct {
	Outcome models.PaymentOutcome `json:"outcome"`
}

func (g *HTTPPaymentGateway) Confirm(ctx context.Context, reservationID string) (models.PaymentOutcome, error) {
	body, err := json.Marshal(paymentRequest{ReservationID: reservationID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrPaymentUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return "", fmt.Errorf("%w: status %d", domain.ErrPaymentUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("payment gateway returned status %d", resp.StatusCode)
	}

	var out paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode payment response: %w", err)
	}
	switch out.Outcome {
	case models.PaymentOK, models.PaymentDeclined:
		return out.Outcome, nil
	default:
		return "", fmt.Errorf("unknown payment outcome %q", out.Outcome)
	}
}
