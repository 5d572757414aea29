package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_AttachesProofHeaders(t *testing.T) {
	var gotTx, gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTx = r.Header.Get("Payment-Tx")
		gotSig = r.Header.Get("Payment-Signature")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"service":"/api/premium"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)

	body, err := c.Get(context.Background(), "/api/premium", &Proof{TxHash: "0xabc"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"service":"/api/premium"}`, string(body))
	assert.Equal(t, "0xabc", gotTx)
	assert.Empty(t, gotSig)

	_, err = c.Get(context.Background(), "/api/premium", &Proof{Signature: "c2lnbmVk"})
	require.NoError(t, err)
	assert.Equal(t, "c2lnbmVk", gotSig)
}

func TestGet_PaymentRequiredOffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":       "offer-1",
			"error":    "payment required",
			"resource": "/api/premium",
			"accepts": []map[string]interface{}{
				{"scheme": "eip3009", "network": "eip155:8453", "amount": "50000000"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)

	_, err := c.Get(context.Background(), "/api/premium", nil)
	require.Error(t, err)

	var payErr *PaymentRequiredError
	require.True(t, errors.As(err, &payErr))
	require.NotNil(t, payErr.Offer)
	assert.Equal(t, "/api/premium", payErr.Offer.Resource)
	require.Len(t, payErr.Offer.Accepts, 1)
	assert.Equal(t, "50000000", payErr.Offer.Accepts[0].Amount)
}

func TestGet_PaymentRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]string{
			"error":  "payment_verification_failed",
			"reason": "amount_mismatch",
			"detail": "amount mismatch: expected 50000000, received 100",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)

	_, err := c.Get(context.Background(), "/api/premium", &Proof{TxHash: "0xabc"})
	require.Error(t, err)

	var payErr *PaymentRequiredError
	require.True(t, errors.As(err, &payErr))
	assert.Nil(t, payErr.Offer)
	assert.Equal(t, "amount_mismatch", payErr.Reason)
}

func TestHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/payments/0xc0ffee254729296a45a3885639ac7e10f9d54979", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(History{
			Address: "0xc0ffee254729296a45a3885639ac7e10f9d54979",
			Payments: []*Payment{
				{TxHash: "0xabc", Amount: "50000000", Service: "/api/premium"},
			},
			Count: 1,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)

	history, err := c.History(context.Background(), "0xc0ffee254729296a45a3885639ac7e10f9d54979", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, history.Count)
	assert.Equal(t, "0xabc", history.Payments[0].TxHash)
}

func TestStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Stats{Count: 2, TotalAmount: "80000000", TotalUSD: "80.00", UniquePayers: 2})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Count)
	assert.Equal(t, "80.00", stats.TotalUSD)
}

func TestServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)

	_, err := c.Stats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "internal server error")
}
