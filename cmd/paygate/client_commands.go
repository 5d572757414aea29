package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/paygate/client"
	"github.com/brojonat/paygate/service/config"
	"github.com/brojonat/paygate/service/verify"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the paygate service",
		Subcommands: []*cli.Command{
			getCommand(),
			historyCommand(),
			clientStatsCommand(),
			signAuthCommand(),
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Fetch a priced resource, optionally with a payment proof",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "tx",
				Usage: "Transaction hash to send in the Payment-Tx header",
			},
			&cli.StringFlag{
				Name:  "auth",
				Usage: "Base64 signed authorization to send in the Payment-Signature header",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "Filter the JSON response with a jq expression",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: resource path (e.g. /api/premium)")
			}
			if c.String("tx") != "" && c.String("auth") != "" {
				return fmt.Errorf("--tx and --auth are mutually exclusive")
			}

			cl := newServiceClient(c)
			proof := &client.Proof{
				TxHash:    c.String("tx"),
				Signature: c.String("auth"),
			}

			body, err := cl.Get(context.Background(), c.Args().First(), proof)
			if err != nil {
				return err
			}

			if expr := c.String("jq"); expr != "" {
				return outputFiltered(body, expr)
			}

			var pretty interface{}
			if err := json.Unmarshal(body, &pretty); err != nil {
				// Not JSON; print raw
				fmt.Println(string(body))
				return nil
			}
			return outputJSON(pretty)
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "List verified payments from a payer address via the HTTP API",
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   20,
				Usage:   "Maximum number of payments to list (max 100)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: payer address")
			}

			cl := newServiceClient(c)
			history, err := cl.History(context.Background(), c.Args().First(), c.Int("limit"))
			if err != nil {
				return err
			}
			return outputJSON(history)
		},
	}
}

func clientStatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show aggregate payment statistics via the HTTP API",
		Action: func(c *cli.Context) error {
			cl := newServiceClient(c)
			stats, err := cl.Stats(context.Background())
			if err != nil {
				return err
			}
			return outputJSON(stats)
		},
	}
}

func signAuthCommand() *cli.Command {
	return &cli.Command{
		Name:  "sign-auth",
		Usage: "Sign a test transfer authorization and print the Payment-Signature header value",
		Description: `Builds a TransferWithAuthorization message, signs it with the given private
key, and prints the base64 payload for the Payment-Signature header. A random
32-byte nonce is generated for each invocation.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "key",
				Usage:    "Hex-encoded private key for signing",
				EnvVars:  []string{"PAYGATE_PRIVATE_KEY"},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "to",
				Usage:    "Recipient (the service's payment address)",
				EnvVars:  []string{"PAYMENT_ADDRESS"},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "value",
				Usage:    "Amount in the token's smallest unit (e.g. 50000000 for $50 USDC)",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "valid-for",
				Value: 5 * time.Minute,
				Usage: "How long the authorization stays valid",
			},
			&cli.StringFlag{
				Name:    "token",
				Value:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				Usage:   "Token contract address for the signing domain",
				EnvVars: []string{"TOKEN_ADDRESS"},
			},
			&cli.StringFlag{
				Name:    "token-name",
				Value:   "USD Coin",
				Usage:   "Token name for the signing domain",
				EnvVars: []string{"TOKEN_NAME"},
			},
			&cli.StringFlag{
				Name:    "token-version",
				Value:   "2",
				Usage:   "Token version for the signing domain",
				EnvVars: []string{"TOKEN_VERSION"},
			},
			&cli.Int64Flag{
				Name:    "chain-id",
				Value:   8453,
				Usage:   "Chain id for the signing domain",
				EnvVars: []string{"CHAIN_ID"},
			},
		},
		Action: func(c *cli.Context) error {
			key, err := crypto.HexToECDSA(strings.TrimPrefix(c.String("key"), "0x"))
			if err != nil {
				return fmt.Errorf("invalid private key: %w", err)
			}

			var nonce [32]byte
			if _, err := rand.Read(nonce[:]); err != nil {
				return fmt.Errorf("failed to generate nonce: %w", err)
			}

			now := time.Now().Unix()
			auth := &verify.Authorization{
				From:        config.CanonicalAddress(crypto.PubkeyToAddress(key.PublicKey).Hex()),
				To:          config.CanonicalAddress(c.String("to")),
				Value:       c.String("value"),
				ValidAfter:  now - 60, // tolerate small clock skew
				ValidBefore: now + int64(c.Duration("valid-for").Seconds()),
				Nonce:       "0x" + hex.EncodeToString(nonce[:]),
			}

			digest, err := verify.HashAuthorization(auth,
				c.String("token-name"),
				c.String("token-version"),
				c.Int64("chain-id"),
				c.String("token"),
			)
			if err != nil {
				return fmt.Errorf("failed to hash authorization: %w", err)
			}

			sig, err := crypto.Sign(digest, key)
			if err != nil {
				return fmt.Errorf("failed to sign authorization: %w", err)
			}
			auth.R = "0x" + hex.EncodeToString(sig[0:32])
			auth.S = "0x" + hex.EncodeToString(sig[32:64])
			auth.V = sig[64] + 27

			raw, err := json.Marshal(auth)
			if err != nil {
				return fmt.Errorf("failed to marshal authorization: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(auth)
			}

			fmt.Println(base64.StdEncoding.EncodeToString(raw))
			return nil
		},
	}
}

// newServiceClient creates an HTTP client from CLI flags.
func newServiceClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	httpClient := &http.Client{Timeout: 30 * time.Second}
	return client.NewClient(c.String("server-url"), httpClient, logger)
}

// outputFiltered runs a jq expression over a JSON body and prints each result.
func outputFiltered(body []byte, expr string) error {
	query, err := gojq.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return fmt.Errorf("response is not JSON: %w", err)
	}

	iter := query.Run(data)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return fmt.Errorf("jq evaluation failed: %w", err)
		}
		if err := outputJSON(v); err != nil {
			return err
		}
	}
	return nil
}
