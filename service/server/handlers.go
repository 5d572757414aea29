package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"regexp"
	"strings"

	"github.com/brojonat/paygate/service/config"
	"github.com/brojonat/paygate/service/db"
	"github.com/brojonat/paygate/service/verify"
)

const (
	headerPaymentTx        = "Payment-Tx"
	headerPaymentSignature = "Payment-Signature"
	headerPaymentRequired  = "PAYMENT-REQUIRED"
)

// validAddressRegex matches a 0x-prefixed 20-byte hex address.
var validAddressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// PaymentVerifier is the verification surface the HTTP layer needs.
// *verify.Verifier satisfies it.
type PaymentVerifier interface {
	VerifyTransaction(ctx context.Context, txHash, expectedAmount, service string) verify.Result
	VerifySignature(ctx context.Context, auth *verify.Authorization, expectedAmount string) verify.Result
}

// Ledger is the read side of the payment store used by the history and stats
// handlers. *db.Store satisfies it.
type Ledger interface {
	ListPaymentsByPayer(ctx context.Context, fromAddress string, limit int32) ([]*db.Payment, error)
	GetStats(ctx context.Context) (*db.Stats, error)
}

type contextKey string

const paymentResultKey contextKey = "paymentResult"

// requirePayment wraps a priced resource handler. Requests carrying a valid
// payment proof pass through with the verification result in the context;
// everything else gets a 402 with a structured payment offer.
func requirePayment(verifier PaymentVerifier, cfg *config.Config, path string, svc config.ServiceConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// A zero price means the resource is free.
			if svc.Price == "0" {
				next.ServeHTTP(w, r)
				return
			}

			var res verify.Result
			switch {
			case r.Header.Get(headerPaymentTx) != "":
				txHash := strings.TrimSpace(r.Header.Get(headerPaymentTx))
				res = verifier.VerifyTransaction(r.Context(), txHash, svc.Price, path)

			case r.Header.Get(headerPaymentSignature) != "":
				auth, err := verify.DecodeAuthorization(r.Header.Get(headerPaymentSignature))
				if err != nil {
					logger.Debug("malformed payment signature", "path", path, "error", err)
					writePaymentRejected(w, verify.Result{
						Reason: verify.ReasonInvalidSignature,
						Detail: err.Error(),
					})
					return
				}
				res = verifier.VerifySignature(r.Context(), auth, svc.Price)

			default:
				offer := newPaymentOffer(cfg, path, svc)
				logger.Debug("payment required", "path", path, "offer_id", offer.ID)
				w.Header().Set(headerPaymentRequired, encodeOfferHeader(offer))
				writeJSON(w, offer, http.StatusPaymentRequired)
				return
			}

			if !res.Valid {
				logger.Info("payment rejected",
					"path", path,
					"reason", res.Reason,
					"detail", res.Detail,
				)
				writePaymentRejected(w, res)
				return
			}

			ctx := context.WithValue(r.Context(), paymentResultKey, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writePaymentRejected writes the 402 body for a proof that failed verification.
func writePaymentRejected(w http.ResponseWriter, res verify.Result) {
	writeJSON(w, map[string]interface{}{
		"error":  "payment_verification_failed",
		"reason": res.Reason,
		"detail": res.Detail,
	}, http.StatusPaymentRequired)
}

// paymentReceipt is the payment summary attached to a paid resource response.
type paymentReceipt struct {
	Method string `json:"method"` // "transaction" or "authorization"
	TxHash string `json:"tx_hash,omitempty"`
	Payer  string `json:"payer,omitempty"`
	Amount string `json:"amount,omitempty"`
	Cached bool   `json:"cached,omitempty"`
	Signer string `json:"signer,omitempty"`
}

// handleResource returns the handler for a priced resource. It runs only
// after requirePayment has accepted a proof (or the resource is free).
func handleResource(path string, svc config.ServiceConfig, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"service":     path,
			"description": svc.Description,
		}

		if res, ok := r.Context().Value(paymentResultKey).(verify.Result); ok {
			receipt := paymentReceipt{Signer: res.Signer}
			if res.Payment != nil {
				receipt.Method = "transaction"
				receipt.TxHash = res.Payment.TxHash
				receipt.Payer = res.Payment.FromAddress
				receipt.Amount = res.Payment.Amount
				receipt.Cached = res.Cached
			} else {
				receipt.Method = "authorization"
			}
			resp["payment"] = receipt

			logger.Info("paid resource served",
				"path", path,
				"cached", res.Cached,
			)
		}

		writeJSON(w, resp, http.StatusOK)
	})
}

// handlePaymentHistory returns a handler that lists verified payments from one payer.
// GET /api/v1/payments/{address}?limit=N
func handlePaymentHistory(store Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")

		if !validAddressRegex.MatchString(address) {
			writeError(w, "invalid address: must be a 0x-prefixed 20-byte hex string", http.StatusBadRequest)
			return
		}
		address = config.CanonicalAddress(address)

		// Parse limit (default 20, max 100)
		limit := int32(20)
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			var parsed int
			if _, err := fmt.Sscanf(limitStr, "%d", &parsed); err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsed < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if parsed > 100 {
				writeError(w, "limit cannot exceed 100", http.StatusBadRequest)
				return
			}
			limit = int32(parsed)
		}

		payments, err := store.ListPaymentsByPayer(r.Context(), address, limit)
		if err != nil {
			logger.Error("failed to list payments", "address", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("payments listed", "address", address, "count", len(payments))

		writeJSON(w, map[string]interface{}{
			"address":  address,
			"payments": payments,
			"count":    len(payments),
		}, http.StatusOK)
	})
}

// handleStats returns a handler that reports aggregate payment statistics.
// GET /api/v1/stats
func handleStats(store Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.GetStats(r.Context())
		if err != nil {
			logger.Error("failed to get stats", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"count":         stats.Count,
			"total_amount":  stats.TotalAmount,
			"total_usd":     amountToUSD(stats.TotalAmount),
			"unique_payers": stats.UniquePayers,
		}, http.StatusOK)
	})
}

// amountToUSD renders a smallest-unit USDC amount (6 decimals) as a dollar
// string, e.g. "80000000" -> "80.00". The sum is arbitrary precision so it is
// carried as a string end to end and only formatted here.
func amountToUSD(amount string) string {
	v, ok := new(big.Float).SetString(amount)
	if !ok {
		return "0.00"
	}
	v.Quo(v, big.NewFloat(1e6))
	return v.Text('f', 2)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
