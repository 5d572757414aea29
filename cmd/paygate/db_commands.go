package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/paygate/service/config"
	"github.com/brojonat/paygate/service/db"
)

func listPaymentsCommand() *cli.Command {
	return &cli.Command{
		Name:      "payments",
		Usage:     "List verified payments from a payer address",
		Aliases:   []string{"ls"},
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

			address := config.CanonicalAddress(c.Args().First())
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			payments, err := store.ListPaymentsByPayer(context.Background(), address, int32(c.Int("limit")))
			if err != nil {
				return fmt.Errorf("failed to list payments: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(payments)
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TX HASH\tAMOUNT\tSERVICE\tBLOCK TIME\tVERIFIED")
			for _, p := range payments {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					p.TxHash,
					p.Amount,
					p.Service,
					time.Unix(p.BlockTime, 0).UTC().Format(time.RFC3339),
					time.Unix(p.VerifiedAt, 0).UTC().Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d payments\n", len(payments))
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show aggregate payment statistics",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			stats, err := store.GetStats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(stats)
			}

			fmt.Printf("Payments:      %d\n", stats.Count)
			fmt.Printf("Total Amount:  %s\n", stats.TotalAmount)
			fmt.Printf("Unique Payers: %d\n", stats.UniquePayers)
			return nil
		},
	}
}

func nonceCommand() *cli.Command {
	return &cli.Command{
		Name:      "nonce",
		Usage:     "Check whether an authorization nonce has been consumed",
		ArgsUsage: "<nonce>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: nonce (32-byte hex)")
			}

			nonce := config.CanonicalAddress(c.Args().First())
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			used, err := store.HasNonce(context.Background(), nonce)
			if err != nil {
				return fmt.Errorf("failed to check nonce: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{"nonce": nonce, "used": used})
			}

			if used {
				fmt.Printf("Nonce %s has been consumed\n", nonce)
			} else {
				fmt.Printf("Nonce %s is unused\n", nonce)
			}
			return nil
		},
	}
}

// getStore creates a database store from CLI flags.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" && c.App != nil {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool)
	closer := func() { pool.Close() }

	return store, closer, nil
}

// outputJSON prints a value as indented JSON to stdout.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
