package ingestion_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"percolator/internal/fixedpoint"
	"percolator/internal/ingestion"
	"percolator/internal/oracle"
)

func runConsumer(t *testing.T, msgs []ingestion.RawMessage) *oracle.Cache {
	t.Helper()

	ch := make(chan ingestion.RawMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)

	oracles := oracle.NewCache()
	c := ingestion.NewConsumer(ch, oracles, nil, zerolog.Nop(), nil)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("consumer run: %v", err)
	}
	return oracles
}

func TestConsumer_MarkPriceFlowsToCache(t *testing.T) {
	acked := false
	oracles := runConsumer(t, []ingestion.RawMessage{{
		Subject: "perc.prices.BTC-PERP",
		Data: []byte(`{"market_id":"BTC-PERP","nowcast":100000000,"realized":100000000,
			"valid_from":1700000000,"valid_to":1700000060,"sequence":1}`),
		Timestamp: time.Now(),
		AckFunc:   func() { acked = true },
		NakFunc:   func() { t.Error("unexpected nak") },
	}})

	if !acked {
		t.Error("message not acked")
	}
	od, err := oracles.Latest("BTC-PERP", 1700000030)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if od.Realized != fixedpoint.FromInt(100) {
		t.Errorf("realized: got %s", od.Realized)
	}
}

func TestConsumer_PoisonMessageAcked(t *testing.T) {
	acked := false
	runConsumer(t, []ingestion.RawMessage{{
		Subject:   "perc.prices.BTC-PERP",
		Data:      []byte(`not json`),
		Timestamp: time.Now(),
		AckFunc:   func() { acked = true },
		NakFunc:   func() { t.Error("poison message should be acked, not nacked") },
	}})

	if !acked {
		t.Error("poison message not acked")
	}
}

func TestConsumer_UnroutableSubjectAcked(t *testing.T) {
	acked := false
	runConsumer(t, []ingestion.RawMessage{{
		Subject:   "perc.unknown.subject",
		Data:      []byte(`{}`),
		Timestamp: time.Now(),
		AckFunc:   func() { acked = true },
		NakFunc:   func() {},
	}})

	if !acked {
		t.Error("unroutable message not acked")
	}
}
