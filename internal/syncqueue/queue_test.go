package syncqueue

import (
	"context"
	"testing"
	"time"

	"inkwell/api/internal/notes"
)

type fakeStorage struct {
	Storage

	upsertItemCalls  int
	upsertQueueCalls int
	removeCalls      int
	markCalls        int

	lastItem    Item
	lastBatch   []Item
	lastRemoved []string
	lastMarked  struct {
		id     string
		status Status
		errMsg string
	}

	pending []Item
}

func (f *fakeStorage) UpsertQueueItem(ctx context.Context, item Item) error {
	f.upsertItemCalls++
	f.lastItem = item
	return nil
}

func (f *fakeStorage) UpsertQueue(ctx context.Context, items []Item) error {
	f.upsertQueueCalls++
	f.lastBatch = items
	return nil
}

func (f *fakeStorage) GetQueue(ctx context.Context) ([]Item, error) {
	return f.pending, nil
}

func (f *fakeStorage) GetPendingBatch(ctx context.Context, batchSize int) ([]Item, error) {
	if batchSize < len(f.pending) {
		return f.pending[:batchSize], nil
	}
	return f.pending, nil
}

func (f *fakeStorage) RemoveQueueItems(ctx context.Context, ids []string) error {
	f.removeCalls++
	f.lastRemoved = ids
	return nil
}

func (f *fakeStorage) MarkQueueItemStatus(ctx context.Context, id string, status Status, lastError string) error {
	f.markCalls++
	f.lastMarked.id = id
	f.lastMarked.status = status
	f.lastMarked.errMsg = lastError
	return nil
}

func strptr(s string) *string { return &s }

func TestEnqueueFillsDefaults(t *testing.T) {
	storage := &fakeStorage{}
	q := NewQueue(storage)

	item, err := q.Enqueue(context.Background(), ItemInput{
		NoteID:          "n1",
		Operation:       OpUpdate,
		Payload:         notes.Patch{Title: strptr("Groceries")},
		ClientUpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if item.ID == "" {
		t.Error("enqueue must assign an id")
	}
	if item.Status != StatusPending {
		t.Errorf("status = %q, want pending", item.Status)
	}
	if item.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", item.Attempts)
	}
	if storage.upsertItemCalls != 1 {
		t.Errorf("upsertQueueItem calls = %d, want 1", storage.upsertItemCalls)
	}
	if storage.lastItem.ID != item.ID {
		t.Error("persisted item differs from returned item")
	}
}

func TestEnqueuePreservesExplicitFields(t *testing.T) {
	storage := &fakeStorage{}
	q := NewQueue(storage)

	item, err := q.Enqueue(context.Background(), ItemInput{
		ID:        "custom-id",
		NoteID:    "n1",
		Operation: OpDelete,
		Status:    StatusFailed,
		Attempts:  3,
		LastError: "boom",
	})
	if err != nil {
		t.Fatal(err)
	}
	if item.ID != "custom-id" || item.Status != StatusFailed || item.Attempts != 3 || item.LastError != "boom" {
		t.Errorf("explicit fields must survive: %+v", item)
	}
}

func TestEnqueueManySingleBatchInOrder(t *testing.T) {
	storage := &fakeStorage{}
	q := NewQueue(storage)

	now := time.Now()
	inputs := []ItemInput{
		{NoteID: "n1", Operation: OpCreate, ClientUpdatedAt: now},
		{NoteID: "n2", Operation: OpUpdate, ClientUpdatedAt: now.Add(time.Second)},
		{NoteID: "n1", Operation: OpUpdate, ClientUpdatedAt: now.Add(2 * time.Second)},
	}
	items, err := q.EnqueueMany(context.Background(), inputs)
	if err != nil {
		t.Fatal(err)
	}
	if storage.upsertQueueCalls != 1 {
		t.Fatalf("batch upsert calls = %d, want exactly 1", storage.upsertQueueCalls)
	}
	if storage.upsertItemCalls != 0 {
		t.Fatal("enqueueMany must not fall back to per-item writes")
	}
	if len(storage.lastBatch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(storage.lastBatch))
	}
	for i, input := range inputs {
		if storage.lastBatch[i].NoteID != input.NoteID || storage.lastBatch[i].Operation != input.Operation {
			t.Errorf("batch[%d] out of input order: %+v", i, storage.lastBatch[i])
		}
	}
	seen := map[string]bool{}
	for _, item := range items {
		if item.ID == "" || seen[item.ID] {
			t.Errorf("ids must be unique and non-empty, got %q", item.ID)
		}
		seen[item.ID] = true
	}
}

func TestRemoveItemsSingleCall(t *testing.T) {
	storage := &fakeStorage{}
	q := NewQueue(storage)

	if err := q.RemoveItems(context.Background(), []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if storage.removeCalls != 1 {
		t.Fatalf("removal calls = %d, want exactly 1", storage.removeCalls)
	}
	if len(storage.lastRemoved) != 2 || storage.lastRemoved[0] != "a" || storage.lastRemoved[1] != "b" {
		t.Fatalf("removed ids = %v, want [a b]", storage.lastRemoved)
	}
}

func TestMarkStatusPassthrough(t *testing.T) {
	storage := &fakeStorage{}
	q := NewQueue(storage)

	if err := q.MarkStatus(context.Background(), "q1", StatusFailed, "network down"); err != nil {
		t.Fatal(err)
	}
	if storage.lastMarked.id != "q1" || storage.lastMarked.status != StatusFailed || storage.lastMarked.errMsg != "network down" {
		t.Fatalf("mark = %+v", storage.lastMarked)
	}
}

func TestGetPendingBatchDefaultsSize(t *testing.T) {
	storage := &fakeStorage{}
	for i := 0; i < 15; i++ {
		storage.pending = append(storage.pending, Item{ID: rune2id(i), Status: StatusPending})
	}
	q := NewQueue(storage)

	batch, err := q.GetPendingBatch(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != DefaultBatchSize {
		t.Fatalf("batch size = %d, want default %d", len(batch), DefaultBatchSize)
	}
}

func rune2id(i int) string {
	return string(rune('a' + i))
}
