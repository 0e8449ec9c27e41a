package progress

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/automix/internal/model"
)

func TestBus_RelaysPublishedEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	bus := NewBus(rdb, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []byte, 1)
	if err := bus.Subscribe(ctx, "s1", func(p []byte) { got <- p }); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	total, current := 3, 1
	ev := model.NewProgressEvent(&model.SessionStatus{
		SessionID:      "s1",
		Phase:          model.PhaseRendering,
		CurrentSegment: &current,
		TotalSegments:  &total,
	})
	if err := bus.Publish(ctx, "s1", ev); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	// other sessions are not delivered
	if err := bus.Publish(ctx, "s2", ev); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	select {
	case raw := <-got:
		var decoded model.ProgressEvent
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("payload is not a progress event: %v", err)
		}
		if decoded.Type != model.WSMessageTypeProgress || decoded.Phase != model.PhaseRendering {
			t.Errorf("unexpected event %+v", decoded)
		}
		if decoded.CurrentSegment == nil || *decoded.CurrentSegment != 1 {
			t.Errorf("expected currentSegment 1, got %v", decoded.CurrentSegment)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case raw := <-got:
		t.Errorf("unexpected second delivery: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_PublishWithoutSubscriberIsDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	bus := NewBus(rdb, nil)
	ev := model.NewProgressEvent(&model.SessionStatus{SessionID: "s1", Phase: model.PhaseAnalyzing})
	if err := bus.Publish(context.Background(), "s1", ev); err != nil {
		t.Fatalf("Publish() without subscribers should succeed, got %v", err)
	}
}
