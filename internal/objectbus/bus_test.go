package objectbus

import "testing"

func TestPublishRequiresAddService(t *testing.T) {
	b := NewInMemoryBus()
	if err := b.Publish("com.victronenergy.grid.cg_1", "/Ac/Power", 100, nil); err == nil {
		t.Fatal("Publish on unknown service: want error, got nil")
	}
}

func TestPublishAndValue(t *testing.T) {
	b := NewInMemoryBus()
	const svc = "com.victronenergy.grid.cg_1"
	if err := b.AddService(svc); err != nil {
		t.Fatalf("AddService: %v", err)
	}

	if err := b.Publish(svc, "/Ac/Power", 100, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	v, ok := b.Value(svc, "/Ac/Power")
	if !ok || v != 100 {
		t.Fatalf("Value = %v, %v; want 100, true", v, ok)
	}
}

func TestClearRemovesValue(t *testing.T) {
	b := NewInMemoryBus()
	const svc = "com.victronenergy.grid.cg_1"
	b.AddService(svc)
	b.Publish(svc, "/Ac/Power", 100, nil)

	b.Clear(svc, "/Ac/Power")
	if _, ok := b.Value(svc, "/Ac/Power"); ok {
		t.Fatal("Value after Clear: want absent")
	}
}

func TestWriteInvokesRegisteredFunc(t *testing.T) {
	b := NewInMemoryBus()
	const svc = "com.victronenergy.grid.cg_1"
	b.AddService(svc)

	var got any
	b.Publish(svc, "/Mode", 0, func(v any) error {
		got = v
		return nil
	})

	if err := b.Write(svc, "/Mode", 1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got != 1 {
		t.Fatalf("write func saw %v, want 1", got)
	}
}

func TestWriteRejectsReadOnlyPath(t *testing.T) {
	b := NewInMemoryBus()
	const svc = "com.victronenergy.grid.cg_1"
	b.AddService(svc)
	b.Publish(svc, "/Ac/Power", 100, nil)

	if err := b.Write(svc, "/Ac/Power", 200); err == nil {
		t.Fatal("Write to read-only path: want error, got nil")
	}
}

func TestSubscribeFiresOnlyOnChange(t *testing.T) {
	b := NewInMemoryBus()
	const svc = "com.victronenergy.grid.cg_1"
	b.AddService(svc)

	var calls int
	b.Subscribe(svc, func(path string, value any) { calls++ })

	b.Publish(svc, "/Ac/Power", 100, nil)
	b.Publish(svc, "/Ac/Power", 100, nil) // unchanged, should not fire again
	b.Publish(svc, "/Ac/Power", 200, nil)

	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	b := NewInMemoryBus()
	const svc = "com.victronenergy.grid.cg_1"
	b.AddService(svc)

	var calls int
	handle := b.Subscribe(svc, func(path string, value any) { calls++ })
	b.Unsubscribe(svc, handle)

	b.Publish(svc, "/Ac/Power", 100, nil)
	if calls != 0 {
		t.Fatalf("calls after Unsubscribe = %d, want 0", calls)
	}
}

func TestRemoveServiceDropsPaths(t *testing.T) {
	b := NewInMemoryBus()
	const svc = "com.victronenergy.grid.cg_1"
	b.AddService(svc)
	b.Publish(svc, "/Ac/Power", 100, nil)

	b.RemoveService(svc)
	if _, ok := b.Value(svc, "/Ac/Power"); ok {
		t.Fatal("Value after RemoveService: want absent")
	}
	if err := b.Publish(svc, "/Ac/Power", 100, nil); err == nil {
		t.Fatal("Publish after RemoveService: want error, got nil")
	}
}
