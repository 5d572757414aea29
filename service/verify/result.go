package verify

import "github.com/brojonat/paygate/service/db"

// Reason identifies why a verification was rejected. Every failure path maps
// to exactly one reason; the HTTP layer exposes it to the client verbatim.
type Reason string

const (
	// ReasonNotFound: the transaction has no receipt (absent or unconfirmed).
	ReasonNotFound Reason = "not_found"

	// ReasonTxFailed: the transaction executed but reverted.
	ReasonTxFailed Reason = "tx_failed"

	// ReasonNoTransferFound: no token transfer to the payment address was
	// found in the transaction's logs.
	ReasonNoTransferFound Reason = "no_transfer_found"

	// ReasonAmountMismatch: the transferred or authorized value does not
	// exactly equal the required amount.
	ReasonAmountMismatch Reason = "amount_mismatch"

	// ReasonNonceReused: the authorization's nonce was already consumed.
	ReasonNonceReused Reason = "nonce_reused"

	// ReasonInvalidRecipient: the authorization pays someone other than the
	// configured payment address.
	ReasonInvalidRecipient Reason = "invalid_recipient"

	// ReasonExpired: the current time is outside the authorization's
	// validity window.
	ReasonExpired Reason = "expired"

	// ReasonInvalidSignature: signer recovery failed or the recovered
	// address does not match the claimed sender.
	ReasonInvalidSignature Reason = "invalid_signature"

	// ReasonAlreadyConsumed: a concurrent request consumed the nonce between
	// our replay check and our consume. Terminal, same as NonceReused.
	ReasonAlreadyConsumed Reason = "already_consumed"

	// ReasonVerificationError: unexpected chain I/O, decoding, or storage
	// failure. Catch-all; never a panic.
	ReasonVerificationError Reason = "verification_error"
)

// Result is the outcome of a verification. Exactly one of the two shapes
// holds: Valid with payment/signer details, or invalid with a Reason.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason Reason `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`

	// On-chain path: the ledger row, and whether it came from the cache
	// rather than a fresh chain lookup. A cached success is
	// indistinguishable from a fresh one except through this flag.
	Payment *db.Payment `json:"payment,omitempty"`
	Cached  bool        `json:"cached,omitempty"`

	// Off-chain path: the recovered signer address (canonical form).
	Signer string `json:"signer,omitempty"`
}

func invalid(reason Reason, detail string) Result {
	return Result{Reason: reason, Detail: detail}
}

func validPayment(p *db.Payment, cached bool) Result {
	return Result{Valid: true, Payment: p, Cached: cached}
}

func validSigner(signer string) Result {
	return Result{Valid: true, Signer: signer}
}
