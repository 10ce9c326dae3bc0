package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"percolator/internal/event"
	"percolator/internal/persistence"
	"percolator/internal/testutil"
)

func TestJournalRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	writer := persistence.NewJournalWriter(db, 10, 50*time.Millisecond, 100, zerolog.Nop(), nil)
	log := event.NewLog(event.NewIdempotencyChecker(100, nil), writer)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		writer.Run(runCtx)
		close(done)
	}()

	holdID := uuid.New()
	env, appended, err := log.Emit(&event.HoldReserved{
		HoldID:    holdID,
		Trader:    "alice",
		Market:    "BTC-PERP",
		Timestamp: time.Now(),
	}, time.Now())
	if err != nil || !appended {
		t.Fatalf("emit: appended=%v err=%v", appended, err)
	}

	// Wait for the flush timer, then stop the writer.
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	rec := persistence.NewRecovery(db)
	seq, stateHash, ok, err := rec.ChainHead(ctx)
	if err != nil {
		t.Fatalf("chain head: %v", err)
	}
	if !ok || seq != env.Sequence || stateHash != env.StateHash {
		t.Errorf("chain head: seq=%d ok=%v", seq, ok)
	}

	keys, err := rec.RecentKeys(ctx, 10)
	if err != nil {
		t.Fatalf("recent keys: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("recent keys: %v", keys)
	}

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate(env.EventType.String(), env.IdempotencyKey)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Error("persisted event not detected as duplicate")
	}

	dup, err = checker.IsDuplicate(env.EventType.String(), "never-seen")
	if err != nil || dup {
		t.Errorf("unknown key: dup=%v err=%v", dup, err)
	}
}
