package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"

	_ "github.com/lib/pq"

	"percolator/internal/audit"
	"percolator/internal/observability"
	"percolator/internal/persistence"
)

// audit walks the persisted event journal and recomputes the hash chain
// from genesis, printing a JSON report. Exit code 1 on any break or gap.
func main() {
	logger := observability.NewLogger("audit")

	pgURL := os.Getenv("PERC_POSTGRES_DSN")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/percolator?sslmode=disable"
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	report, err := audit.VerifyJournal(ctx, persistence.NewRecovery(db))
	if err != nil {
		logger.Fatal().Err(err).Msg("verify journal")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(report)

	if !report.Healthy {
		os.Exit(1)
	}
}
