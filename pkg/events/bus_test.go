package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus(Config{BufferSize: 16}, testLogger(t))
	defer bus.Shutdown(context.Background())

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	bus.Subscribe("test", func(evt Event) {
		mu.Lock()
		got = append(got, evt.ResourceID)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	for _, ri := range []string{"a", "b", "c"} {
		if err := bus.Publish(Event{Type: TypeCreated, ResourceID: ri}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"a", "b", "c"} {
		if got[i] != want {
			t.Errorf("event %d = %s, want %s", i, got[i], want)
		}
	}
}

func TestSynchronousDelivery(t *testing.T) {
	bus := NewBus(Config{BufferSize: 0}, testLogger(t))
	defer bus.Shutdown(context.Background())

	delivered := false
	bus.Subscribe("test", func(evt Event) {
		delivered = true
	})

	if err := bus.Publish(Event{Type: TypeUpdated, ResourceID: "x"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if !delivered {
		t.Error("synchronous publish should deliver before returning")
	}
}

func TestFilteredSubscription(t *testing.T) {
	bus := NewBus(Config{BufferSize: 0}, testLogger(t))
	defer bus.Shutdown(context.Background())

	var created, deleted int
	bus.SubscribeFiltered("creates", FilterByType(TypeCreated), func(evt Event) {
		created++
	})
	bus.SubscribeFiltered("subs", FilterByResourceType(onem2m.ResourceTypeSubscription), func(evt Event) {
		deleted++
	})

	bus.Publish(Event{Type: TypeCreated, ResourceType: onem2m.ResourceTypeContainer})
	bus.Publish(Event{Type: TypeDeleted, ResourceType: onem2m.ResourceTypeSubscription})

	if created != 1 {
		t.Errorf("created filter matched %d events, want 1", created)
	}
	if deleted != 1 {
		t.Errorf("resource type filter matched %d events, want 1", deleted)
	}
}

func TestFilterAnnounceable(t *testing.T) {
	f := FilterAnnounceable()
	if !f(Event{Resource: onem2m.Attributes{"at": []any{"/cse-mn"}}}) {
		t.Error("resource with at should match")
	}
	if f(Event{Resource: onem2m.Attributes{"rn": "plain"}}) {
		t.Error("resource without at/aa should not match")
	}
	if f(Event{}) {
		t.Error("nil resource should not match")
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	bus := NewBus(Config{BufferSize: 0}, testLogger(t))
	defer bus.Shutdown(context.Background())

	reached := false
	bus.Subscribe("panics", func(evt Event) {
		panic("boom")
	})
	bus.Subscribe("after", func(evt Event) {
		reached = true
	})

	bus.Publish(Event{Type: TypeCreated, ResourceID: "x"})
	if !reached {
		t.Error("a panicking handler must not stop delivery to later subscribers")
	}
}

func TestShutdownDrainsBuffer(t *testing.T) {
	bus := NewBus(Config{BufferSize: 64}, testLogger(t))

	var mu sync.Mutex
	count := 0
	bus.Subscribe("test", func(evt Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: TypeCreated})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bus.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("delivered %d events before shutdown, want 10", count)
	}
}
