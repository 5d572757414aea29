package eth

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRPC implements RPCClient with swappable behavior.
type mockRPC struct {
	transactionReceiptFunc func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	headerByNumberFunc     func(ctx context.Context, number *big.Int) (*types.Header, error)
}

func (m *mockRPC) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return m.transactionReceiptFunc(ctx, txHash)
}

func (m *mockRPC) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return m.headerByNumberFunc(ctx, number)
}

func newTestClient(rpc RPCClient, timeout time.Duration) *Client {
	return NewClient(rpc, timeout, nil, slog.New(slog.DiscardHandler))
}

func TestReceipt_NotFoundSentinel(t *testing.T) {
	rpc := &mockRPC{
		transactionReceiptFunc: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			return nil, ErrNotFound
		},
	}
	c := newTestClient(rpc, time.Second)

	_, err := c.Receipt(context.Background(), common.HexToHash("0xabc"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReceipt_PassesThroughOtherErrors(t *testing.T) {
	rpcErr := errors.New("connection refused")
	rpc := &mockRPC{
		transactionReceiptFunc: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			return nil, rpcErr
		},
	}
	c := newTestClient(rpc, time.Second)

	_, err := c.Receipt(context.Background(), common.HexToHash("0xabc"))
	require.Error(t, err)
	assert.ErrorIs(t, err, rpcErr)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestReceipt_TimeoutBoundsSlowNode(t *testing.T) {
	rpc := &mockRPC{
		transactionReceiptFunc: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			// Simulate a stalled node that only returns when the call's
			// deadline fires.
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	c := newTestClient(rpc, 50*time.Millisecond)

	start := time.Now()
	_, err := c.Receipt(context.Background(), common.HexToHash("0xabc"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHeader_ReturnsTimestamp(t *testing.T) {
	rpc := &mockRPC{
		headerByNumberFunc: func(ctx context.Context, number *big.Int) (*types.Header, error) {
			return &types.Header{Number: number, Time: 1700000000}, nil
		},
	}
	c := newTestClient(rpc, time.Second)

	header, err := c.Header(context.Background(), big.NewInt(123456))
	require.NoError(t, err)
	assert.Equal(t, uint64(1700000000), header.Time)
}
