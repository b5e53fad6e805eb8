package magma_test

import (
	"testing"

	"github.com/magmastream/magmastream-go/pkg/magma"
)

func TestBusSubscribeAndEmit(t *testing.T) {
	t.Parallel()
	bus := magma.NewBus()

	var got []string
	bus.Subscribe(magma.EventDebug, func(ev magma.Event) {
		got = append(got, ev.(magma.DebugEvent).Message)
	})
	bus.Emit(magma.DebugEvent{Message: "one"})
	bus.Emit(magma.DebugEvent{Message: "two"})

	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("got %v, want [one two]", got)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	t.Parallel()
	bus := magma.NewBus()

	calls := 0
	stop := bus.Subscribe(magma.EventDebug, func(magma.Event) { calls++ })
	bus.Emit(magma.DebugEvent{Message: "a"})
	stop()
	bus.Emit(magma.DebugEvent{Message: "b"})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestOn_TypedHandler(t *testing.T) {
	t.Parallel()
	bus := magma.NewBus()

	var ends []magma.TrackEndEvent
	magma.On(bus, func(ev magma.TrackEndEvent) { ends = append(ends, ev) })
	// A different event type must not reach the handler.
	magma.On(bus, func(ev magma.QueueEndEvent) {})

	bus.Emit(magma.TrackEndEvent{Reason: "finished"})
	bus.Emit(magma.QueueEndEvent{})

	if len(ends) != 1 || string(ends[0].Reason) != "finished" {
		t.Errorf("ends = %v, want one finished end", ends)
	}
}

func TestBusEmit_NoSubscribers(t *testing.T) {
	t.Parallel()
	// Must not panic.
	magma.NewBus().Emit(magma.DebugEvent{Message: "lonely"})
}
