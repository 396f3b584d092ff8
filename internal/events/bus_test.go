package events

import "testing"

func TestSubscribeAndEmit(t *testing.T) {
	bus := NewBus()
	var got []Event
	unsub := bus.Subscribe(func(ev Event) { got = append(got, ev) })

	bus.Emit(StageStarted, map[string]any{"stage": "market-prices"})
	bus.Emit(StageProgress, map[string]any{"processed": 5, "total": 10})

	if len(got) != 2 {
		t.Fatalf("received %d events, want 2", len(got))
	}
	if got[0].Type != StageStarted || got[0].Fields["stage"] != "market-prices" {
		t.Errorf("first event = %+v", got[0])
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}

	unsub()
	bus.Emit(StageCompleted, nil)
	if len(got) != 2 {
		t.Error("handler still invoked after unsubscribe")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	a, b := 0, 0
	bus.Subscribe(func(Event) { a++ })
	bus.Subscribe(func(Event) { b++ })

	bus.Emit(ProviderSelection, nil)
	if a != 1 || b != 1 {
		t.Errorf("fan-out broken: a=%d b=%d", a, b)
	}
}

func TestDiscard(t *testing.T) {
	// must not panic
	Discard.Emit(StageFailed, map[string]any{"error": "x"})
}
