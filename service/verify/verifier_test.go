package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/paygate/service/config"
	"github.com/brojonat/paygate/service/db"
	"github.com/brojonat/paygate/service/eth"
	"github.com/brojonat/paygate/service/nats"
)

const (
	testTokenAddress   = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	testPaymentAddress = "0xaa31f97be2c7f90ff2cf3b7ed44855e750cef81f"
	testPayerAddress   = "0xc0ffee254729296a45a3885639ac7e10f9d54979"
	testChainID        = int64(8453)
	testBlockTime      = uint64(1700000000)
)

// fakeStore is an in-memory Store with the same atomicity semantics as the
// real pgx-backed store.
type fakeStore struct {
	mu       sync.Mutex
	payments map[string]*db.Payment
	nonces   map[string]int64

	getErr     error
	insertErr  error
	consumeErr error
	// loseInsertRace makes InsertPaymentIfAbsent report a lost race without
	// inserting, simulating a concurrent winner.
	loseInsertRace bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payments: make(map[string]*db.Payment),
		nonces:   make(map[string]int64),
	}
}

func (s *fakeStore) GetPayment(ctx context.Context, txHash string) (*db.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	p, ok := s.payments[txHash]
	if !ok {
		return nil, db.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) InsertPaymentIfAbsent(ctx context.Context, p *db.Payment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return false, s.insertErr
	}
	if s.loseInsertRace {
		s.loseInsertRace = false
		s.payments[p.TxHash] = p
		return false, nil
	}
	if _, ok := s.payments[p.TxHash]; ok {
		return false, nil
	}
	s.payments[p.TxHash] = p
	return true, nil
}

func (s *fakeStore) HasNonce(ctx context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nonces[nonce]
	return ok, nil
}

func (s *fakeStore) ConsumeNonce(ctx context.Context, nonce string, usedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumeErr != nil {
		return s.consumeErr
	}
	if _, ok := s.nonces[nonce]; ok {
		return db.ErrNonceAlreadyUsed
	}
	s.nonces[nonce] = usedAt
	return nil
}

// fakeChain is a ChainReader with swappable behavior, counting calls so
// tests can assert the cache short-circuit skips chain I/O.
type fakeChain struct {
	receiptFunc  func(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	headerFunc   func(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	receiptCalls int
	headerCalls  int
}

func (c *fakeChain) Receipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	c.receiptCalls++
	return c.receiptFunc(ctx, txHash)
}

func (c *fakeChain) Header(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	c.headerCalls++
	if c.headerFunc != nil {
		return c.headerFunc(ctx, number)
	}
	return &ethtypes.Header{Time: testBlockTime, Number: number}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		DatabaseURL:    "postgres://localhost/paygate",
		EthRPCURL:      "https://mainnet.base.org",
		ChainID:        testChainID,
		RPCTimeout:     10 * time.Second,
		TokenAddress:   testTokenAddress,
		TokenName:      "USD Coin",
		TokenVersion:   "2",
		PaymentAddress: testPaymentAddress,
	}
}

func newTestVerifier(store Store, chain ChainReader) *Verifier {
	logger := slog.New(slog.DiscardHandler)
	v := NewVerifier(store, chain, testConfig(), nil, nil, logger)
	v.now = func() time.Time { return time.Unix(1700000100, 0) }
	return v
}

// transferLog builds an ERC-20 Transfer log for the given token contract.
func transferLog(token, from, to string, value *big.Int) *ethtypes.Log {
	return &ethtypes.Log{
		Address: common.HexToAddress(token),
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")),
			common.BytesToHash(common.HexToAddress(from).Bytes()),
			common.BytesToHash(common.HexToAddress(to).Bytes()),
		},
		Data: common.LeftPadBytes(value.Bytes(), 32),
	}
}

// successReceipt builds a successful receipt with the given logs.
func successReceipt(logs ...*ethtypes.Log) *ethtypes.Receipt {
	return &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(123456),
		Logs:        logs,
	}
}

func paidChain(value *big.Int) *fakeChain {
	return &fakeChain{
		receiptFunc: func(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
			return successReceipt(transferLog(testTokenAddress, testPayerAddress, testPaymentAddress, value)), nil
		},
	}
}

func TestVerifyTransaction_Valid(t *testing.T) {
	store := newFakeStore()
	chain := paidChain(big.NewInt(50000000))
	v := newTestVerifier(store, chain)

	res := v.VerifyTransaction(context.Background(), "0xABC123", "50000000", "/api/x")

	require.True(t, res.Valid, "detail: %s", res.Detail)
	assert.False(t, res.Cached)
	require.NotNil(t, res.Payment)
	assert.Equal(t, "0xabc123", res.Payment.TxHash, "tx hash is canonicalized")
	assert.Equal(t, testPayerAddress, res.Payment.FromAddress)
	assert.Equal(t, "50000000", res.Payment.Amount)
	assert.Equal(t, "/api/x", res.Payment.Service)
	assert.Equal(t, int64(testBlockTime), res.Payment.BlockTime)
	assert.Equal(t, int64(1700000100), res.Payment.VerifiedAt)
}

func TestVerifyTransaction_Idempotent(t *testing.T) {
	store := newFakeStore()
	chain := paidChain(big.NewInt(50000000))
	v := newTestVerifier(store, chain)

	first := v.VerifyTransaction(context.Background(), "0xabc123", "50000000", "/api/x")
	require.True(t, first.Valid)
	assert.False(t, first.Cached)

	second := v.VerifyTransaction(context.Background(), "0xabc123", "50000000", "/api/x")
	require.True(t, second.Valid)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Payment.TxHash, second.Payment.TxHash)

	// Exactly one row, and the cache hit made no chain calls.
	assert.Len(t, store.payments, 1)
	assert.Equal(t, 1, chain.receiptCalls)
	assert.Equal(t, 1, chain.headerCalls)
}

func TestVerifyTransaction_NotFound(t *testing.T) {
	chain := &fakeChain{
		receiptFunc: func(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
			return nil, eth.ErrNotFound
		},
	}
	v := newTestVerifier(newFakeStore(), chain)

	res := v.VerifyTransaction(context.Background(), "0xmissing", "50000000", "/api/x")
	require.False(t, res.Valid)
	assert.Equal(t, ReasonNotFound, res.Reason)
}

func TestVerifyTransaction_TxFailed(t *testing.T) {
	chain := &fakeChain{
		receiptFunc: func(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
			return &ethtypes.Receipt{
				Status:      ethtypes.ReceiptStatusFailed,
				BlockNumber: big.NewInt(123456),
			}, nil
		},
	}
	v := newTestVerifier(newFakeStore(), chain)

	res := v.VerifyTransaction(context.Background(), "0xreverted", "50000000", "/api/x")
	require.False(t, res.Valid)
	assert.Equal(t, ReasonTxFailed, res.Reason)
}

func TestVerifyTransaction_NoTransferFound(t *testing.T) {
	tests := []struct {
		name string
		logs []*ethtypes.Log
	}{
		{"no logs at all", nil},
		{
			"transfer between unrelated parties",
			[]*ethtypes.Log{
				transferLog(testTokenAddress, testPayerAddress, "0x1111111111111111111111111111111111111111", big.NewInt(50000000)),
			},
		},
		{
			"transfer of a different token",
			[]*ethtypes.Log{
				transferLog("0x2222222222222222222222222222222222222222", testPayerAddress, testPaymentAddress, big.NewInt(50000000)),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := &fakeChain{
				receiptFunc: func(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
					return successReceipt(tt.logs...), nil
				},
			}
			v := newTestVerifier(newFakeStore(), chain)

			res := v.VerifyTransaction(context.Background(), "0xtx", "50000000", "/api/x")
			require.False(t, res.Valid)
			assert.Equal(t, ReasonNoTransferFound, res.Reason)
		})
	}
}

func TestVerifyTransaction_AmountMismatch(t *testing.T) {
	for _, amount := range []int64{49999999, 50000001, 1, 0} {
		t.Run(fmt.Sprintf("received_%d", amount), func(t *testing.T) {
			v := newTestVerifier(newFakeStore(), paidChain(big.NewInt(amount)))

			res := v.VerifyTransaction(context.Background(), "0xtx", "50000000", "/api/x")
			require.False(t, res.Valid)
			assert.Equal(t, ReasonAmountMismatch, res.Reason)
			assert.Contains(t, res.Detail, "expected 50000000")
		})
	}
}

func TestVerifyTransaction_InsertRaceReturnsCached(t *testing.T) {
	store := newFakeStore()
	store.loseInsertRace = true
	v := newTestVerifier(store, paidChain(big.NewInt(50000000)))

	res := v.VerifyTransaction(context.Background(), "0xtx", "50000000", "/api/x")
	require.True(t, res.Valid)
	assert.True(t, res.Cached, "losing the insert race reads back the winner's row")
	assert.Len(t, store.payments, 1)
}

func TestVerifyTransaction_ChainErrorIsVerificationError(t *testing.T) {
	chain := &fakeChain{
		receiptFunc: func(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
			return nil, errors.New("rpc timeout")
		},
	}
	v := newTestVerifier(newFakeStore(), chain)

	res := v.VerifyTransaction(context.Background(), "0xtx", "50000000", "/api/x")
	require.False(t, res.Valid)
	assert.Equal(t, ReasonVerificationError, res.Reason)
}

func TestVerifyTransaction_HeaderErrorIsVerificationError(t *testing.T) {
	chain := paidChain(big.NewInt(50000000))
	chain.headerFunc = func(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
		return nil, errors.New("rpc timeout")
	}
	v := newTestVerifier(newFakeStore(), chain)

	res := v.VerifyTransaction(context.Background(), "0xtx", "50000000", "/api/x")
	require.False(t, res.Valid)
	assert.Equal(t, ReasonVerificationError, res.Reason)
}

func TestVerifyTransaction_PublishesFreshPaymentsOnly(t *testing.T) {
	store := newFakeStore()
	pub := nats.NewMockPublisher()
	logger := slog.New(slog.DiscardHandler)
	v := NewVerifier(store, paidChain(big.NewInt(50000000)), testConfig(), pub, nil, logger)
	v.now = func() time.Time { return time.Unix(1700000100, 0) }

	res := v.VerifyTransaction(context.Background(), "0xtx", "50000000", "/api/x")
	require.True(t, res.Valid)

	events := pub.GetPublishedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "0xtx", events[0].TxHash)
	assert.Equal(t, "50000000", events[0].Amount)

	// Cache hit does not re-publish.
	res = v.VerifyTransaction(context.Background(), "0xtx", "50000000", "/api/x")
	require.True(t, res.Valid)
	assert.Len(t, pub.GetPublishedEvents(), 1)
}

func TestVerifyTransaction_PublishFailureDoesNotFailVerification(t *testing.T) {
	store := newFakeStore()
	pub := nats.NewMockPublisher()
	pub.SetPublishError(errors.New("nats down"))
	logger := slog.New(slog.DiscardHandler)
	v := NewVerifier(store, paidChain(big.NewInt(50000000)), testConfig(), pub, nil, logger)
	v.now = func() time.Time { return time.Unix(1700000100, 0) }

	res := v.VerifyTransaction(context.Background(), "0xtx", "50000000", "/api/x")
	assert.True(t, res.Valid)
}
