package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemory_GetSetRemove(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "zt:tab"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	if err := m.Set(ctx, "zt:tab", []byte(`"overview"`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := m.Get(ctx, "zt:tab")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `"overview"` {
		t.Errorf("expected %q, got %q", `"overview"`, got)
	}

	// Mutating the returned slice must not affect the stored value
	got[0] = 'X'
	again, _ := m.Get(ctx, "zt:tab")
	if string(again) != `"overview"` {
		t.Errorf("stored value was mutated through Get result: %q", again)
	}

	if err := m.Remove(ctx, "zt:tab"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := m.Get(ctx, "zt:tab"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound after remove, got %v", err)
	}
}

func TestMemory_Clear(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.Set(ctx, "a", []byte("1"))
	m.Set(ctx, "b", []byte("2"))

	if err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if keys := m.Keys(); len(keys) != 0 {
		t.Errorf("expected no keys after clear, got %v", keys)
	}
}

func TestMemory_Subscribe(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var changes []Change
	unsubscribe := m.Subscribe(func(c Change) {
		changes = append(changes, c)
	})

	m.Set(ctx, "k", []byte("v1"))
	m.Set(ctx, "k", []byte("v2"))
	m.Remove(ctx, "k")
	m.Remove(ctx, "missing")

	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(changes))
	}
	if changes[0].OldValue != nil || string(changes[0].NewValue) != "v1" {
		t.Errorf("unexpected first change: %+v", changes[0])
	}
	if string(changes[1].OldValue) != "v1" || string(changes[1].NewValue) != "v2" {
		t.Errorf("unexpected second change: %+v", changes[1])
	}
	if string(changes[2].OldValue) != "v2" || changes[2].NewValue != nil {
		t.Errorf("unexpected remove change: %+v", changes[2])
	}

	unsubscribe()
	m.Set(ctx, "k", []byte("v3"))
	if len(changes) != 3 {
		t.Errorf("listener called after unsubscribe")
	}
}

func TestMemory_Usage(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "a", []byte("123"))
	m.Set(ctx, "bb", []byte("45"))

	u, err := m.Usage(ctx)
	if err != nil {
		t.Fatalf("usage failed: %v", err)
	}
	if u.Keys != 2 || u.BytesInUse != 8 {
		t.Errorf("expected 2 keys and 8 bytes, got %+v", u)
	}
}
