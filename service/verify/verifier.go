package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/brojonat/paygate/service/config"
	"github.com/brojonat/paygate/service/db"
	"github.com/brojonat/paygate/service/eth"
	"github.com/brojonat/paygate/service/metrics"
	"github.com/brojonat/paygate/service/nats"
)

// Store is the persistence surface the verifier needs: the payment ledger
// and the nonce replay guard. *db.Store satisfies it.
type Store interface {
	GetPayment(ctx context.Context, txHash string) (*db.Payment, error)
	InsertPaymentIfAbsent(ctx context.Context, p *db.Payment) (bool, error)
	HasNonce(ctx context.Context, nonce string) (bool, error)
	ConsumeNonce(ctx context.Context, nonce string, usedAt int64) error
}

// ChainReader is the chain access surface the verifier needs.
// *eth.Client satisfies it.
type ChainReader interface {
	Receipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	Header(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
}

// Verifier decides whether a caller has paid. It exposes the two
// verification entry points (on-chain transaction, off-chain signed
// authorization) to the HTTP layer. All shared mutable state lives in the
// store, so a Verifier is safe for concurrent use.
type Verifier struct {
	store Store
	chain ChainReader

	paymentAddress string // canonical
	tokenAddress   string // canonical
	tokenName      string
	tokenVersion   string
	chainID        int64

	publisher nats.Publisher // optional
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// now is swappable for tests of the validity window.
	now func() time.Time
}

// NewVerifier creates a Verifier. The publisher and metrics may be nil.
func NewVerifier(store Store, chain ChainReader, cfg *config.Config, publisher nats.Publisher, m *metrics.Metrics, logger *slog.Logger) *Verifier {
	return &Verifier{
		store:          store,
		chain:          chain,
		paymentAddress: config.CanonicalAddress(cfg.PaymentAddress),
		tokenAddress:   config.CanonicalAddress(cfg.TokenAddress),
		tokenName:      cfg.TokenName,
		tokenVersion:   cfg.TokenVersion,
		chainID:        cfg.ChainID,
		publisher:      publisher,
		metrics:        m,
		logger:         logger,
		now:            time.Now,
	}
}

// VerifyTransaction checks that the given transaction transferred exactly
// expectedAmount of the token to the payment address, and records it in the
// ledger. A transaction already in the ledger is accepted immediately with
// Cached set and no chain I/O, which makes retries cheap and idempotent.
func (v *Verifier) VerifyTransaction(ctx context.Context, txHash, expectedAmount, service string) Result {
	start := time.Now()
	res := v.verifyTransaction(ctx, txHash, expectedAmount, service)
	v.recordOutcome("transaction", res, time.Since(start))
	return res
}

func (v *Verifier) verifyTransaction(ctx context.Context, txHash, expectedAmount, service string) Result {
	txHash = strings.ToLower(strings.TrimSpace(txHash))

	// Cache hit short-circuits before any network call.
	existing, err := v.store.GetPayment(ctx, txHash)
	if err == nil {
		v.logger.DebugContext(ctx, "payment already verified", "tx_hash", txHash)
		return validPayment(existing, true)
	}
	if !errors.Is(err, db.ErrNotFound) {
		v.logger.ErrorContext(ctx, "failed to look up payment", "tx_hash", txHash, "error", err)
		return invalid(ReasonVerificationError, "storage lookup failed")
	}

	receipt, err := v.chain.Receipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, eth.ErrNotFound) {
		return invalid(ReasonNotFound, "transaction not found or not confirmed")
	}
	if err != nil {
		return invalid(ReasonVerificationError, fmt.Sprintf("failed to fetch receipt: %v", err))
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return invalid(ReasonTxFailed, "transaction failed")
	}

	// Only transfers paying our address count; the same transaction may move
	// the token between unrelated parties.
	events := eth.ParseTransferLogs(receipt.Logs, common.HexToAddress(v.tokenAddress))
	var matched *eth.TransferEvent
	for i := range events {
		if events[i].To == v.paymentAddress {
			matched = &events[i]
			break
		}
	}
	if matched == nil {
		return invalid(ReasonNoTransferFound, "no transfer to payment address found")
	}

	// Exact string equality in the smallest unit: no overpayment credit,
	// no underpayment partial credit.
	received := matched.Value.String()
	if received != expectedAmount {
		return invalid(ReasonAmountMismatch,
			fmt.Sprintf("amount mismatch: expected %s, received %s", expectedAmount, received))
	}

	header, err := v.chain.Header(ctx, receipt.BlockNumber)
	if err != nil {
		return invalid(ReasonVerificationError, fmt.Sprintf("failed to fetch block: %v", err))
	}

	payment := &db.Payment{
		TxHash:      txHash,
		FromAddress: matched.From,
		Amount:      received,
		Service:     service,
		BlockTime:   int64(header.Time),
		VerifiedAt:  v.now().Unix(),
	}

	inserted, err := v.store.InsertPaymentIfAbsent(ctx, payment)
	if err != nil {
		v.logger.ErrorContext(ctx, "failed to record payment", "tx_hash", txHash, "error", err)
		return invalid(ReasonVerificationError, "failed to record payment")
	}

	if !inserted {
		// A concurrent verification of the same transaction won the insert.
		// Return its row so the ledger stays the single source of truth.
		existing, err := v.store.GetPayment(ctx, txHash)
		if err != nil {
			return invalid(ReasonVerificationError, "failed to load payment record")
		}
		return validPayment(existing, true)
	}

	v.logger.InfoContext(ctx, "payment verified",
		"tx_hash", txHash,
		"from", payment.FromAddress,
		"amount", payment.Amount,
		"service", service,
	)
	if v.metrics != nil {
		v.metrics.RecordPaymentRecorded(service)
	}
	v.publishPayment(ctx, payment)

	return validPayment(payment, false)
}

// VerifySignature checks an off-chain signed authorization: replay guard,
// recipient, exact amount, validity window, then signer recovery against the
// domain-separated hash. On success the nonce is consumed so the same
// authorization can never be accepted again. No chain I/O is involved, and
// deliberately nothing is written to the payment ledger: the authorization
// unlocks the resource, it is not an on-chain settlement record.
func (v *Verifier) VerifySignature(ctx context.Context, auth *Authorization, expectedAmount string) Result {
	start := time.Now()
	res := v.verifySignature(ctx, auth, expectedAmount)
	v.recordOutcome("signature", res, time.Since(start))
	return res
}

func (v *Verifier) verifySignature(ctx context.Context, auth *Authorization, expectedAmount string) Result {
	nonce := strings.ToLower(auth.Nonce)

	used, err := v.store.HasNonce(ctx, nonce)
	if err != nil {
		v.logger.ErrorContext(ctx, "failed to check nonce", "error", err)
		return invalid(ReasonVerificationError, "storage lookup failed")
	}
	if used {
		return invalid(ReasonNonceReused, "nonce already used")
	}

	if config.CanonicalAddress(auth.To) != v.paymentAddress {
		return invalid(ReasonInvalidRecipient, "invalid recipient address")
	}

	if auth.Value != expectedAmount {
		return invalid(ReasonAmountMismatch,
			fmt.Sprintf("amount mismatch: expected %s, got %s", expectedAmount, auth.Value))
	}

	// Both bounds are inclusive.
	now := v.now().Unix()
	if now < auth.ValidAfter || now > auth.ValidBefore {
		return invalid(ReasonExpired, "authorization expired or not yet valid")
	}

	digest, err := HashAuthorization(auth, v.tokenName, v.tokenVersion, v.chainID, v.tokenAddress)
	if err != nil {
		return invalid(ReasonVerificationError, fmt.Sprintf("failed to hash authorization: %v", err))
	}

	signer, err := RecoverSigner(auth, digest)
	if err != nil {
		return invalid(ReasonInvalidSignature, "invalid signature")
	}
	if signer != config.CanonicalAddress(auth.From) {
		return invalid(ReasonInvalidSignature, "invalid signature")
	}

	// Atomic check-and-insert: if a concurrent request got here first, the
	// storage layer rejects the duplicate and this request fails too.
	if err := v.store.ConsumeNonce(ctx, nonce, now); err != nil {
		if errors.Is(err, db.ErrNonceAlreadyUsed) {
			return invalid(ReasonAlreadyConsumed, "nonce already used")
		}
		v.logger.ErrorContext(ctx, "failed to consume nonce", "error", err)
		return invalid(ReasonVerificationError, "failed to consume nonce")
	}

	v.logger.InfoContext(ctx, "authorization verified",
		"signer", signer,
		"value", auth.Value,
	)
	if v.metrics != nil {
		v.metrics.RecordNonceConsumed()
	}

	return validSigner(signer)
}

// publishPayment publishes a freshly recorded payment. Publishing is
// best-effort: the payment is already durable, so failures are only logged.
func (v *Verifier) publishPayment(ctx context.Context, p *db.Payment) {
	if v.publisher == nil {
		return
	}
	if err := v.publisher.PublishPayment(ctx, nats.FromPayment(p)); err != nil {
		v.logger.ErrorContext(ctx, "failed to publish payment event",
			"tx_hash", p.TxHash,
			"error", err,
		)
		if v.metrics != nil {
			v.metrics.RecordNATSPublish(nats.SubjectVerified, "error")
		}
		return
	}
	if v.metrics != nil {
		v.metrics.RecordNATSPublish(nats.SubjectVerified, "success")
	}
}

func (v *Verifier) recordOutcome(path string, res Result, elapsed time.Duration) {
	if v.metrics == nil {
		return
	}
	outcome := string(res.Reason)
	if res.Valid {
		outcome = "valid"
		if res.Cached {
			outcome = "cached"
		}
	}
	v.metrics.RecordVerification(path, outcome, elapsed.Seconds())
}
