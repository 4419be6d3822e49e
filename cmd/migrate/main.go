// migrate runs DB migrations from embedded SQL; use with go run ./cmd/migrate -direction up.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"sms-confirmation/internal/config"
	"sms-confirmation/internal/confirmable/domain"
	"sms-confirmation/internal/db"
	"sms-confirmation/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	showVersion := flag.Bool("version", false, "Print the applied schema version and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, migrate.ErrEmptyDSN)
		os.Exit(1)
	}

	if *showVersion {
		v, dirty, err := migrate.Version(cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintln(os.Stderr, "migrate:", err)
			os.Exit(1)
		}
		fmt.Printf("version %d (dirty=%t)\n", v, dirty)
		return
	}

	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	if *direction != "up" {
		return
	}
	if err := checkSchema(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "schema:", err)
		os.Exit(1)
	}
}

// checkSchema verifies the identities table carries the columns every configured class needs.
func checkSchema(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	return db.CheckColumns(ctx, pool, "identities", requiredColumns(cfg))
}

func requiredColumns(cfg *config.Config) []string {
	cols := []string{"id", "class", "phone", "lock_version"}
	for _, class := range cfg.Classes() {
		p, _ := cfg.Policy(class)
		cols = append(cols, domain.RequiredFields(p.Reconfirmable)...)
	}
	return cols
}
