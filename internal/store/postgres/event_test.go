package postgres_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/10log10/tinylvt-sub001/internal/clock"
	"github.com/10log10/tinylvt-sub001/internal/event"
)

func TestEventStore_AppendAndLoad(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	repos := newTestRepos(t, clk)

	data, _ := json.Marshal(event.BidData{SpaceID: "s1", UserID: "u1"})
	evt := event.Event{
		AggregateID: "round-1",
		Type:        event.BidPlaced,
		Data:        data,
	}
	if err := repos.Events.Append(ctx, evt); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	clk.Advance(time.Minute)
	data2, _ := json.Marshal(event.BidData{SpaceID: "s1", UserID: "u1"})
	if err := repos.Events.Append(ctx, event.Event{
		AggregateID: "round-1",
		Type:        event.BidDeleted,
		Data:        data2,
	}); err != nil {
		t.Fatal(err)
	}

	events, err := repos.Events.Load(ctx, "round-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != event.BidPlaced || events[1].Type != event.BidDeleted {
		t.Errorf("events out of order: %s, %s", events[0].Type, events[1].Type)
	}

	byType, err := repos.Events.LoadByType(ctx, event.BidPlaced)
	if err != nil {
		t.Fatalf("LoadByType() error = %v", err)
	}
	if len(byType) != 1 {
		t.Errorf("got %d bid.placed events, want 1", len(byType))
	}
}
