package repo

import (
	"context"
	"testing"

	"github.com/openalpha/perp-engine/types"
)

func limitOrder(id string, side types.Side, priceUnits int64) *types.Order {
	o := types.NewOrder(id, "0xabc", "BTC", side, types.OrderTypeLimit, unit(1), unit(priceUnits), 1000)
	o.Leverage = 100_000
	return o
}

func stopLossSell(id string, triggerUnits int64) *types.Order {
	o := types.NewOrder(id, "0xabc", "BTC", types.SideShort, types.OrderTypeStopLoss, unit(1), unit(0), 1000)
	o.TriggerPrice = unit(triggerUnits)
	return o
}

func takeProfitSell(id string, triggerUnits int64) *types.Order {
	o := types.NewOrder(id, "0xabc", "BTC", types.SideShort, types.OrderTypeTakeProfit, unit(1), unit(0), 1000)
	o.TriggerPrice = unit(triggerUnits)
	return o
}

func TestOrdersPendingSet(t *testing.T) {
	r, _ := newTestRepos(t)
	ctx := context.Background()

	active := limitOrder("o1", types.SideLong, 100)
	if err := r.Orders.Save(ctx, active); err != nil {
		t.Fatalf("save: %v", err)
	}
	// A waiting conditional order is indexed by trigger, not pending.
	waiting := stopLossSell("o2", 90)
	if err := r.Orders.Save(ctx, waiting); err != nil {
		t.Fatalf("save conditional: %v", err)
	}

	pending := r.Orders.PendingByToken(ctx, "BTC")
	if len(pending) != 1 || pending[0].ID != "o1" {
		t.Fatalf("pending = %v, want [o1]", ids(pending))
	}

	// Cancellation drops it from the pending set.
	active.Cancel(2000)
	if err := r.Orders.Save(ctx, active); err != nil {
		t.Fatalf("save cancelled: %v", err)
	}
	if pending := r.Orders.PendingByToken(ctx, "BTC"); len(pending) != 0 {
		t.Fatalf("pending after cancel = %v, want empty", ids(pending))
	}

	// A triggered conditional order becomes book-resident, so it joins.
	waiting.Trigger(3000)
	if err := r.Orders.Save(ctx, waiting); err != nil {
		t.Fatalf("save triggered: %v", err)
	}
	pending = r.Orders.PendingByToken(ctx, "BTC")
	if len(pending) != 1 || pending[0].ID != "o2" {
		t.Fatalf("pending after trigger = %v, want [o2]", ids(pending))
	}
}

func TestOrdersTriggerIndexFireOnFall(t *testing.T) {
	r, _ := newTestRepos(t)
	ctx := context.Background()

	// Stop-loss sell at 90 fires when the price falls to 90.
	o := stopLossSell("sl1", 90)
	if err := r.Orders.Save(ctx, o); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := r.Orders.AddTrigger(ctx, o); err != nil {
		t.Fatalf("addTrigger: %v", err)
	}

	if fired := r.Orders.TriggeredLong(ctx, "BTC", unit(95)); len(fired) != 0 {
		t.Fatalf("fired above trigger: %v", ids(fired))
	}
	fired := r.Orders.TriggeredLong(ctx, "BTC", unit(90))
	if len(fired) != 1 || fired[0].ID != "sl1" {
		t.Fatalf("at trigger = %v, want [sl1]", ids(fired))
	}
	if fired := r.Orders.TriggeredLong(ctx, "BTC", unit(80)); len(fired) != 1 {
		t.Fatalf("below trigger = %v, want [sl1]", ids(fired))
	}

	if err := r.Orders.RemoveTrigger(ctx, o); err != nil {
		t.Fatalf("removeTrigger: %v", err)
	}
	if fired := r.Orders.TriggeredLong(ctx, "BTC", unit(80)); len(fired) != 0 {
		t.Fatalf("fired after removal: %v", ids(fired))
	}
}

func TestOrdersTriggerIndexFireOnRise(t *testing.T) {
	r, _ := newTestRepos(t)
	ctx := context.Background()

	// Take-profit sell at 150 fires when the price rises to 150.
	o := takeProfitSell("tp1", 150)
	if err := r.Orders.AddTrigger(ctx, o); err != nil {
		t.Fatalf("addTrigger: %v", err)
	}
	if err := r.Orders.Save(ctx, o); err != nil {
		t.Fatalf("save: %v", err)
	}

	if fired := r.Orders.TriggeredShort(ctx, "BTC", unit(149)); len(fired) != 0 {
		t.Fatalf("fired below trigger: %v", ids(fired))
	}
	fired := r.Orders.TriggeredShort(ctx, "BTC", unit(150))
	if len(fired) != 1 || fired[0].ID != "tp1" {
		t.Fatalf("at trigger = %v, want [tp1]", ids(fired))
	}
}

func TestOrdersReseatTrigger(t *testing.T) {
	r, _ := newTestRepos(t)
	ctx := context.Background()

	o := types.NewOrder("ts1", "0xabc", "BTC", types.SideShort, types.OrderTypeTrailingStop, unit(1), unit(0), 1000)
	o.TriggerPrice = unit(95)
	o.TrailDelta = unit(5)
	if err := r.Orders.Save(ctx, o); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := r.Orders.AddTrigger(ctx, o); err != nil {
		t.Fatalf("addTrigger: %v", err)
	}

	// Market moved up: trail follows to 100.
	o.TriggerPrice = unit(100)
	o.UpdatedAt = 2000
	if err := r.Orders.ReseatTrigger(ctx, o); err != nil {
		t.Fatalf("reseat: %v", err)
	}

	if fired := r.Orders.TriggeredLong(ctx, "BTC", unit(98)); len(fired) != 1 {
		t.Fatalf("reseated trigger not firing at 98: %v", ids(fired))
	}
	got, err := r.Orders.Get(ctx, "ts1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.TriggerPrice.Equal(unit(100)) {
		t.Fatalf("stored trigger = %s, want %s", got.TriggerPrice, unit(100))
	}
}

func TestOrdersDeleteCleansIndexes(t *testing.T) {
	r, _ := newTestRepos(t)
	ctx := context.Background()

	o := stopLossSell("sl1", 90)
	if err := r.Orders.Save(ctx, o); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := r.Orders.AddTrigger(ctx, o); err != nil {
		t.Fatalf("addTrigger: %v", err)
	}
	if err := r.Orders.Delete(ctx, o); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := r.Orders.Get(ctx, "sl1"); err == nil {
		t.Fatal("order survived delete")
	}
	if fired := r.Orders.TriggeredLong(ctx, "BTC", unit(80)); len(fired) != 0 {
		t.Fatalf("trigger index survived delete: %v", ids(fired))
	}
}

func ids(orders []*types.Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}
