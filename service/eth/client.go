package eth

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/brojonat/paygate/service/metrics"
)

// ErrNotFound is returned when the chain has no record of the requested
// transaction or block. It wraps the go-ethereum sentinel so callers don't
// need to import the ethereum package.
var ErrNotFound = ethereum.NotFound

// RPCClient is an interface for the Ethereum RPC operations we need.
// It is satisfied by *ethclient.Client and allows tests to mock the RPC
// layer without hitting real nodes.
type RPCClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// NewRPCClient dials the given Ethereum JSON-RPC endpoint.
func NewRPCClient(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	return ethclient.DialContext(ctx, rpcURL)
}

// Client provides chain reads for payment verification. It wraps the RPC
// client with structured logging, metrics, and a bounded per-call timeout so
// a stalled node cannot hold a verification request indefinitely.
type Client struct {
	rpc     RPCClient
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewClient creates a new chain client.
// If m is nil, no metrics are recorded.
func NewClient(rpc RPCClient, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:     rpc,
		timeout: timeout,
		metrics: m,
		logger:  logger,
	}
}

// Receipt fetches the finalized receipt for a transaction.
// Returns ErrNotFound if the transaction is absent or unconfirmed.
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	receipt, err := c.rpc.TransactionReceipt(ctx, txHash)
	c.record("TransactionReceipt", time.Since(start), err)

	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			c.logger.DebugContext(ctx, "transaction receipt not found", "tx_hash", txHash.Hex())
			return nil, ErrNotFound
		}
		c.logger.ErrorContext(ctx, "failed to fetch transaction receipt",
			"tx_hash", txHash.Hex(),
			"error", err,
		)
		return nil, err
	}

	c.logger.DebugContext(ctx, "fetched transaction receipt",
		"tx_hash", txHash.Hex(),
		"status", receipt.Status,
		"block_number", receipt.BlockNumber,
		"log_count", len(receipt.Logs),
	)

	return receipt, nil
}

// Header fetches the block header for the given block number, used to read
// the on-chain timestamp of a payment.
func (c *Client) Header(ctx context.Context, number *big.Int) (*types.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	header, err := c.rpc.HeaderByNumber(ctx, number)
	c.record("HeaderByNumber", time.Since(start), err)

	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrNotFound
		}
		c.logger.ErrorContext(ctx, "failed to fetch block header",
			"block_number", number,
			"error", err,
		)
		return nil, err
	}

	return header, nil
}

func (c *Client) record(method string, elapsed time.Duration, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, elapsed.Seconds())
}
