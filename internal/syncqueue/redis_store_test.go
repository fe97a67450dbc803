package syncqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestStorage(t *testing.T) *RedisStorage {
	t.Helper()
	s := miniredis.RunT(t)
	storage, err := NewRedisStorage("redis://"+s.Addr(), "u1")
	if err != nil {
		t.Fatalf("failed to create redis storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestRedisQueueOrderSurvivesStatusUpdates(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	for i, id := range []string{"q1", "q2", "q3"} {
		err := storage.UpsertQueueItem(ctx, Item{
			ID:              id,
			NoteID:          "n1",
			Operation:       OpUpdate,
			ClientUpdatedAt: now.Add(time.Duration(i) * time.Second),
			Status:          StatusPending,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	if err := storage.MarkQueueItemStatus(ctx, "q2", StatusFailed, "boom"); err != nil {
		t.Fatal(err)
	}

	items, err := storage.GetQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("queue size = %d, want 3", len(items))
	}
	for i, want := range []string{"q1", "q2", "q3"} {
		if items[i].ID != want {
			t.Fatalf("queue[%d] = %s, want %s (insertion order)", i, items[i].ID, want)
		}
	}
	if items[1].Status != StatusFailed || items[1].LastError != "boom" {
		t.Fatalf("q2 = %+v, want failed with message", items[1])
	}
}

func TestRedisUpsertExistingKeepsPosition(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if err := storage.UpsertQueue(ctx, []Item{
		{ID: "q1", NoteID: "n1", Operation: OpCreate, Status: StatusPending},
		{ID: "q2", NoteID: "n2", Operation: OpCreate, Status: StatusPending},
	}); err != nil {
		t.Fatal(err)
	}
	// Re-upserting q1 must not move it to the back.
	if err := storage.UpsertQueueItem(ctx, Item{ID: "q1", NoteID: "n1", Operation: OpUpdate, Status: StatusPending}); err != nil {
		t.Fatal(err)
	}

	items, err := storage.GetQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ID != "q1" || items[1].ID != "q2" {
		t.Fatalf("order = %+v, want q1 then q2", items)
	}
	if items[0].Operation != OpUpdate {
		t.Fatal("upsert must replace the stored item")
	}
}

func TestRedisGetPendingBatch(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if err := storage.UpsertQueue(ctx, []Item{
		{ID: "q1", NoteID: "n1", Status: StatusFailed},
		{ID: "q2", NoteID: "n2", Status: StatusPending},
		{ID: "q3", NoteID: "n3", Status: StatusPending},
		{ID: "q4", NoteID: "n4", Status: StatusPending},
	}); err != nil {
		t.Fatal(err)
	}

	batch, err := storage.GetPendingBatch(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 || batch[0].ID != "q2" || batch[1].ID != "q3" {
		t.Fatalf("batch = %+v, want the two oldest pending items", batch)
	}

	// Reading must not consume.
	again, err := storage.GetPendingBatch(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 2 {
		t.Fatal("getPendingBatch must not remove items")
	}
}

func TestRedisPopQueueBatchRemoves(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if err := storage.UpsertQueue(ctx, []Item{
		{ID: "q1", NoteID: "n1", Status: StatusPending},
		{ID: "q2", NoteID: "n2", Status: StatusPending},
		{ID: "q3", NoteID: "n3", Status: StatusPending},
	}); err != nil {
		t.Fatal(err)
	}

	batch, err := storage.PopQueueBatch(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 || batch[0].ID != "q1" {
		t.Fatalf("batch = %+v, want oldest two", batch)
	}

	rest, err := storage.GetQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].ID != "q3" {
		t.Fatalf("remaining = %+v, want only q3", rest)
	}
}

func TestRedisRemoveQueueItems(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if err := storage.UpsertQueue(ctx, []Item{
		{ID: "a", NoteID: "n1", Status: StatusPending},
		{ID: "b", NoteID: "n2", Status: StatusPending},
		{ID: "c", NoteID: "n3", Status: StatusPending},
	}); err != nil {
		t.Fatal(err)
	}

	if err := storage.RemoveQueueItems(ctx, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}

	items, err := storage.GetQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "c" {
		t.Fatalf("remaining = %+v, want only c", items)
	}
}

func TestRedisSyncingIncrementsAttempts(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if err := storage.UpsertQueueItem(ctx, Item{ID: "q1", NoteID: "n1", Status: StatusPending}); err != nil {
		t.Fatal(err)
	}
	if err := storage.MarkQueueItemStatus(ctx, "q1", StatusSyncing, ""); err != nil {
		t.Fatal(err)
	}
	if err := storage.MarkQueueItemStatus(ctx, "q1", StatusFailed, "timeout"); err != nil {
		t.Fatal(err)
	}
	if err := storage.MarkQueueItemStatus(ctx, "q1", StatusSyncing, ""); err != nil {
		t.Fatal(err)
	}

	items, err := storage.GetQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if items[0].Attempts != 2 {
		t.Fatalf("attempts = %d, want 2 (one per syncing transition)", items[0].Attempts)
	}
	if items[0].LastError != "" {
		t.Fatal("re-syncing must clear the previous error")
	}
}

func TestRedisCachedNotes(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	if err := storage.SaveNotes(ctx, []CachedNote{
		{ID: "n1", Title: "Old", UpdatedAt: now.Add(-time.Hour), Status: NotePending},
		{ID: "n2", Title: "New", UpdatedAt: now, Status: NotePending},
	}); err != nil {
		t.Fatal(err)
	}

	notes, err := storage.LoadNotes(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 2 || notes[0].ID != "n2" {
		t.Fatalf("notes = %+v, want newest first", notes)
	}

	if err := storage.MarkSynced(ctx, "n1", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	notes, err = storage.LoadNotes(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if notes[0].ID != "n1" || notes[0].Status != NoteSynced {
		t.Fatalf("n1 = %+v, want synced with bumped timestamp", notes[0])
	}

	if err := storage.DeleteNote(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	notes, err = storage.LoadNotes(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].ID != "n2" {
		t.Fatalf("notes = %+v, want only n2", notes)
	}
}

func TestRedisClearAll(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if err := storage.SaveNote(ctx, CachedNote{ID: "n1", Status: NotePending}); err != nil {
		t.Fatal(err)
	}
	if err := storage.UpsertQueueItem(ctx, Item{ID: "q1", NoteID: "n1", Status: StatusPending}); err != nil {
		t.Fatal(err)
	}

	if err := storage.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}

	notes, err := storage.LoadNotes(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	items, err := storage.GetQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 0 || len(items) != 0 {
		t.Fatalf("clearAll left notes=%d items=%d", len(notes), len(items))
	}
}

func TestRedisNamespacesAreIsolated(t *testing.T) {
	s := miniredis.RunT(t)
	a, err := NewRedisStorage("redis://"+s.Addr(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b := NewRedisStorageWithClient(a.client, "bob")

	ctx := context.Background()
	if err := a.UpsertQueueItem(ctx, Item{ID: "q1", NoteID: "n1", Status: StatusPending}); err != nil {
		t.Fatal(err)
	}

	bobItems, err := b.GetQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(bobItems) != 0 {
		t.Fatalf("bob sees alice's queue: %+v", bobItems)
	}
}
