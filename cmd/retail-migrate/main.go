// retail-migrate applies the embedded schema migrations. The service binary
// never alters schema on its own.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/config"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/migrations"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg := config.Load()

	var dsn, command string
	var timeout time.Duration
	flagSet := pflag.NewFlagSet("retail-migrate", pflag.ContinueOnError)
	flagSet.StringVar(&dsn, "dsn", cfg.DatabaseURL, "PostgreSQL connection string (default: $DB_DSN)")
	flagSet.StringVarP(&command, "command", "c", "up", "one of: up, down, status, version")
	flagSet.DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if dsn == "" {
		return errors.New("--dsn or DB_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	switch command {
	case "up":
		return migrations.Up(ctx, db)
	case "down":
		return migrations.Down(ctx, db)
	case "status":
		return migrations.Status(ctx, db)
	case "version":
		version, err := migrations.Version(ctx, db)
		if err != nil {
			return err
		}
		fmt.Println(version)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
