package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newID(t *testing.T) string {
	t.Helper()
	return uuid.NewString()
}

func TestLocalBackend_StoreAndRetrieve(t *testing.T) {
	b := NewLocalBackend(100, nil)
	defer b.Close()
	ctx := context.Background()
	id := newID(t)

	_, err := b.Store(ctx, id, []TokenBinding{{Token: "t1", Original: "Sarah"}}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	sess, err := b.Retrieve(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if sess == nil || len(sess.Bindings) != 1 {
		t.Fatalf("got %+v", sess)
	}
}

func TestLocalBackend_StoreDedupesByOriginal(t *testing.T) {
	b := NewLocalBackend(100, nil)
	defer b.Close()
	ctx := context.Background()
	id := newID(t)

	b.Store(ctx, id, []TokenBinding{{Token: "t1", Original: "Sarah"}}, time.Minute)
	b.Store(ctx, id, []TokenBinding{{Token: "t2", Original: "Sarah"}, {Token: "t3", Original: "John"}}, time.Minute)

	sess, _ := b.Retrieve(ctx, id)
	if len(sess.Bindings) != 2 {
		t.Fatalf("got %d bindings, want 2 (dedup): %+v", len(sess.Bindings), sess.Bindings)
	}
	for _, bnd := range sess.Bindings {
		if bnd.Original == "Sarah" && bnd.Token != "t1" {
			t.Errorf("dedup should preserve the first token, got %s", bnd.Token)
		}
	}
}

func TestLocalBackend_InvalidSessionID_StoreFails(t *testing.T) {
	b := NewLocalBackend(100, nil)
	defer b.Close()
	_, err := b.Store(context.Background(), "not-a-uuid", nil, time.Minute)
	if err == nil {
		t.Fatal("expected InvalidSessionId error")
	}
}

func TestLocalBackend_RetrieveUnknown_ReturnsNil(t *testing.T) {
	b := NewLocalBackend(100, nil)
	defer b.Close()
	sess, err := b.Retrieve(context.Background(), newID(t))
	if err != nil || sess != nil {
		t.Errorf("got (%v, %v), want (nil, nil)", sess, err)
	}
}

func TestLocalBackend_RetrieveExpired_ReturnsNilAndDeletes(t *testing.T) {
	b := NewLocalBackend(100, nil)
	defer b.Close()
	ctx := context.Background()
	id := newID(t)
	b.Store(ctx, id, []TokenBinding{{Token: "t1", Original: "x"}}, -time.Second)

	sess, err := b.Retrieve(ctx, id)
	if err != nil || sess != nil {
		t.Errorf("expired session should not be retrievable, got (%v, %v)", sess, err)
	}
	if n, _ := b.Size(ctx); n != 0 {
		t.Errorf("expired session should be removed, size = %d", n)
	}
}

func TestLocalBackend_DeleteNeverResurrects(t *testing.T) {
	b := NewLocalBackend(100, nil)
	defer b.Close()
	ctx := context.Background()
	id := newID(t)
	b.Store(ctx, id, []TokenBinding{{Token: "t1", Original: "x"}}, time.Minute)

	ok, err := b.Delete(ctx, id)
	if err != nil || !ok {
		t.Fatalf("delete: got (%v, %v)", ok, err)
	}
	sess, _ := b.Retrieve(ctx, id)
	if sess != nil {
		t.Error("deleted session resurrected")
	}
}

func TestLocalBackend_Extend(t *testing.T) {
	b := NewLocalBackend(100, nil)
	defer b.Close()
	ctx := context.Background()
	id := newID(t)
	b.Store(ctx, id, []TokenBinding{{Token: "t1", Original: "x"}}, time.Second)

	ok, err := b.Extend(ctx, id, time.Hour)
	if err != nil || !ok {
		t.Fatalf("extend: got (%v, %v)", ok, err)
	}
	sess, _ := b.Retrieve(ctx, id)
	if sess == nil {
		t.Fatal("extended session should still be retrievable")
	}
}

func TestLocalBackend_CapacityEviction_RemovesOldestTenPercent(t *testing.T) {
	b := NewLocalBackend(10_000, nil)
	defer b.Close()
	ctx := context.Background()

	ids := make([]string, 10_000)
	for i := range ids {
		ids[i] = newID(t)
		b.Store(ctx, ids[i], []TokenBinding{{Token: "t", Original: ids[i]}}, time.Hour)
	}

	size, _ := b.Size(ctx)
	if size != 9_000 {
		t.Fatalf("got size %d, want 9000 after eviction", size)
	}

	// The earliest-created session should have been evicted.
	sess, _ := b.Retrieve(ctx, ids[0])
	if sess != nil {
		t.Error("oldest session should have been evicted")
	}
	// The most-recently-created session should survive.
	sess, _ = b.Retrieve(ctx, ids[len(ids)-1])
	if sess == nil {
		t.Error("newest session should not have been evicted")
	}
}

func TestLocalBackend_DeleteAll(t *testing.T) {
	b := NewLocalBackend(100, nil)
	defer b.Close()
	ctx := context.Background()
	b.Store(ctx, newID(t), []TokenBinding{{Token: "t1", Original: "x"}}, time.Minute)
	b.Store(ctx, newID(t), []TokenBinding{{Token: "t2", Original: "y"}}, time.Minute)

	n, err := b.DeleteAll(ctx)
	if err != nil || n != 2 {
		t.Fatalf("got (%d, %v), want (2, nil)", n, err)
	}
	size, _ := b.Size(ctx)
	if size != 0 {
		t.Errorf("size after DeleteAll: got %d", size)
	}
}

func TestLocalBackend_GetAllSessions_SortedByCreatedAtDescending(t *testing.T) {
	b := NewLocalBackend(100, nil)
	defer b.Close()
	ctx := context.Background()
	store := New(b)

	idA, idB := newID(t), newID(t)
	b.Store(ctx, idA, []TokenBinding{{Token: "t1", Original: "x"}}, time.Minute)
	time.Sleep(2 * time.Millisecond)
	b.Store(ctx, idB, []TokenBinding{{Token: "t2", Original: "y"}}, time.Minute)

	sessions, err := store.GetAllSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions", len(sessions))
	}
	if sessions[0].ID != idB {
		t.Errorf("expected most-recently-created session first, got %+v", sessions)
	}
}

func TestLocalBackend_Search(t *testing.T) {
	b := NewLocalBackend(100, nil)
	defer b.Close()
	ctx := context.Background()
	id := newID(t)
	b.Store(ctx, id, []TokenBinding{{Token: "t1", Original: "Sarah Connor", Category: "PERSON"}}, time.Minute)

	results, err := b.Search(ctx, "sarah")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
}

func TestLocalBackend_GetStorageStats(t *testing.T) {
	b := NewLocalBackend(100, nil)
	defer b.Close()
	ctx := context.Background()
	b.Store(ctx, newID(t), []TokenBinding{{Token: "t1", Original: "x"}}, time.Minute)

	stats, err := b.GetStorageStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Backend != "local" || stats.SessionCount != 1 || stats.BindingCount != 1 {
		t.Errorf("got %+v", stats)
	}
}
