package emitter

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestEmitter() *Emitter {
	logger := zerolog.Nop()
	return New(&logger)
}

func TestPanickingListenerDoesNotStopOthers(t *testing.T) {
	e := newTestEmitter()

	var panics int
	e.OnPanic(func(string) { panics++ })

	var got []any
	e.On("client-offer", func(any) { panic("boom") })
	e.On("client-offer", func(v any) { got = append(got, v) })

	e.Emit("client-offer", 42)

	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("second listener got %v, want [42]", got)
	}
	if panics != 1 {
		t.Fatalf("recovered panics = %d, want 1", panics)
	}
}

func TestUnsubscribe(t *testing.T) {
	e := newTestEmitter()

	var calls int
	off := e.On("ready", func(any) { calls++ })
	e.Emit("ready", nil)
	off()
	off()
	e.Emit("ready", nil)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if n := e.ListenerCount("ready"); n != 0 {
		t.Fatalf("listener count = %d, want 0", n)
	}
}

func TestUnsubscribeDuringEmit(t *testing.T) {
	e := newTestEmitter()

	var order []string
	var offSecond func()
	e.On("x", func(any) {
		order = append(order, "first")
		offSecond()
	})
	offSecond = e.On("x", func(any) { order = append(order, "second") })

	// The snapshot taken by Emit still contains the second listener.
	e.Emit("x", nil)
	e.Emit("x", nil)

	want := []string{"first", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestTypedKeys(t *testing.T) {
	e := newTestEmitter()
	key := Key[string]{Name: "hub-answer"}

	var got string
	On(e, key, func(s string) { got = s })

	// Wrong payload type is dropped, not delivered.
	e.Emit("hub-answer", 7)
	if got != "" {
		t.Fatalf("got %q after mistyped emit", got)
	}

	Emit(e, key, "sdp")
	if got != "sdp" {
		t.Fatalf("got %q, want %q", got, "sdp")
	}
}
