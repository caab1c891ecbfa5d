package engine

import (
	"context"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/p2pdesk/escrow/internal/domain"
)

// Every tick sweeps trades before orders and reports each count once.
func TestProperty_SweepOrderAndCounts(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nTrades := rapid.IntRange(0, 20).Draw(t, "nTrades")
		nOrders := rapid.IntRange(0, 20).Draw(t, "nOrders")
		ticks := rapid.IntRange(1, 5).Draw(t, "ticks")

		trades := &fakeTradeExpirer{result: make([]*domain.Trade, nTrades)}
		orders := &fakeOrderExpirer{result: make([]*domain.Order, nOrders)}
		obs := &recordingObserver{}
		s := NewSweeper(time.Second, trades, orders, obs, nil)

		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < ticks; i++ {
			s.tick(context.Background(), base.Add(time.Duration(i)*time.Second))
		}

		if len(obs.records) != 2*ticks {
			t.Fatalf("expected %d observations, got %d", 2*ticks, len(obs.records))
		}
		for i := 0; i < ticks; i++ {
			tr, or := obs.records[2*i], obs.records[2*i+1]
			if tr.kind != "trades" || tr.expired != nTrades {
				t.Fatalf("tick %d: first record %v, want trades/%d", i, tr, nTrades)
			}
			if or.kind != "orders" || or.expired != nOrders {
				t.Fatalf("tick %d: second record %v, want orders/%d", i, or, nOrders)
			}
			if !trades.calls[i].Equal(orders.calls[i]) {
				t.Fatalf("tick %d: expirers saw different times", i)
			}
		}
	})
}
