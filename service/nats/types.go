package nats

import (
	"time"

	"github.com/brojonat/paygate/service/db"
)

// PaymentEvent represents a verified payment published to NATS.
// This is published to the subject "payments.verified" in JetStream when a
// fresh on-chain payment is recorded (cache hits are not re-published).
type PaymentEvent struct {
	TxHash      string `json:"tx_hash"`
	FromAddress string `json:"from_address"`
	Amount      string `json:"amount"`
	Service     string `json:"service"`
	BlockTime   int64  `json:"block_time"`
	VerifiedAt  int64  `json:"verified_at"`

	PublishedAt time.Time `json:"published_at"`
}

// FromPayment converts a ledger payment to a PaymentEvent for publishing.
func FromPayment(p *db.Payment) *PaymentEvent {
	return &PaymentEvent{
		TxHash:      p.TxHash,
		FromAddress: p.FromAddress,
		Amount:      p.Amount,
		Service:     p.Service,
		BlockTime:   p.BlockTime,
		VerifiedAt:  p.VerifiedAt,
		PublishedAt: time.Now().UTC(),
	}
}
