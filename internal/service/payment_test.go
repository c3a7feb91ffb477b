package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"staysync/internal/domain"
	"staysync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPPaymentGateway(t *testing.T) {
	status := http.StatusOK
	outcome := "ok"
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body paymentRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		seen = body.ReservationID
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"outcome":"` + outcome + `"}`))
	}))
	defer srv.Close()

	gw := NewHTTPPaymentGateway(srv.URL, time.Second)
	ctx := context.Background()

	got, err := gw.Confirm(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentOK, got)
	assert.Equal(t, "r-1", seen)

	outcome = "declined"
	got, err = gw.Confirm(ctx, "r-2")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentDeclined, got)

	outcome = "pending"
	_, err = gw.Confirm(ctx, "r-3")
	assert.Error(t, err)

	status = http.StatusBadGateway
	_, err = gw.Confirm(ctx, "r-4")
	assert.ErrorIs(t, err, domain.ErrPaymentUnavailable)

	status = http.StatusNotFound
	_, err = gw.Confirm(ctx, "r-5")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrPaymentUnavailable)
}

func TestHTTPPaymentGateway_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPPaymentGateway(url, time.Second).Confirm(context.Background(), "r-1")
	assert.ErrorIs(t, err, domain.ErrPaymentUnavailable)
}
