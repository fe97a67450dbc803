// Package syncqueue is the offline mutation queue: a durable,
// order-preserving log of note mutations recorded while the backend is
// unreachable, replayed in batches once connectivity returns. The queue
// itself never reorders or drops items on its own; only explicit
// RemoveItems and MarkStatus calls change it.
package syncqueue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"inkwell/api/internal/notes"
)

// Operation is the kind of note mutation an item records.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Status tracks an item through the replay lifecycle. Items become
// syncing when a replay batch picks them up, done on acknowledgement
// (then removed), failed with an attached error otherwise.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
	StatusDone    Status = "done"
)

// Item is one queued mutation. Its id identifies the queue entry, not
// the note.
type Item struct {
	ID              string      `json:"id"`
	NoteID          string      `json:"noteId"`
	Operation       Operation   `json:"operation"`
	Payload         notes.Patch `json:"payload"`
	ClientUpdatedAt time.Time   `json:"clientUpdatedAt"`
	Status          Status      `json:"status"`
	Attempts        int         `json:"attempts"`
	LastError       string      `json:"lastError,omitempty"`
}

// ItemInput is what callers provide on enqueue; id and status are filled
// in unless supplied.
type ItemInput struct {
	ID              string
	NoteID          string
	Operation       Operation
	Payload         notes.Patch
	ClientUpdatedAt time.Time
	Status          Status
	Attempts        int
	LastError       string
}

// NoteSyncStatus is a cached note's relationship to the backend.
type NoteSyncStatus string

const (
	NoteSynced  NoteSyncStatus = "synced"
	NotePending NoteSyncStatus = "pending"
	NoteFailed  NoteSyncStatus = "failed"
)

// CachedNote is a locally cached note plus sync bookkeeping.
type CachedNote struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Tags        []string       `json:"tags"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Status      NoteSyncStatus `json:"status"`
	PendingOps  []Operation    `json:"pendingOps,omitempty"`
}

// State is a point-in-time sync summary for health indicators.
type State struct {
	LastSyncAt time.Time `json:"lastSyncAt,omitzero"`
	Online     bool      `json:"isOnline"`
	QueueSize  int       `json:"queueSize"`
}

// Storage persists cached notes and the mutation queue. Implementations
// serialize their own writes; the queue adds no locking of its own.
type Storage interface {
	LoadNotes(ctx context.Context, limit, offset int) ([]CachedNote, error)
	SaveNote(ctx context.Context, note CachedNote) error
	SaveNotes(ctx context.Context, notes []CachedNote) error
	DeleteNote(ctx context.Context, noteID string) error

	GetQueue(ctx context.Context) ([]Item, error)
	UpsertQueueItem(ctx context.Context, item Item) error
	UpsertQueue(ctx context.Context, items []Item) error
	PopQueueBatch(ctx context.Context, batchSize int) ([]Item, error)
	GetPendingBatch(ctx context.Context, batchSize int) ([]Item, error)
	RemoveQueueItems(ctx context.Context, ids []string) error
	MarkSynced(ctx context.Context, noteID string, updatedAt time.Time) error
	MarkQueueItemStatus(ctx context.Context, id string, status Status, lastError string) error

	EnforceLimit(ctx context.Context) error
	ClearAll(ctx context.Context) error
}

// DefaultBatchSize bounds how many items one replay cycle attempts.
const DefaultBatchSize = 10

// Queue records mutations against a Storage adapter.
type Queue struct {
	storage Storage
}

func NewQueue(storage Storage) *Queue {
	return &Queue{storage: storage}
}

func materialize(input ItemInput) Item {
	item := Item{
		ID:              input.ID,
		NoteID:          input.NoteID,
		Operation:       input.Operation,
		Payload:         input.Payload,
		ClientUpdatedAt: input.ClientUpdatedAt,
		Status:          input.Status,
		Attempts:        input.Attempts,
		LastError:       input.LastError,
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	return item
}

// Enqueue records one mutation. It touches only local storage and never
// blocks on the network.
func (q *Queue) Enqueue(ctx context.Context, input ItemInput) (Item, error) {
	item := materialize(input)
	if err := q.storage.UpsertQueueItem(ctx, item); err != nil {
		return Item{}, err
	}
	return item, nil
}

// EnqueueMany records a batch through a single storage write-set, in
// input order.
func (q *Queue) EnqueueMany(ctx context.Context, inputs []ItemInput) ([]Item, error) {
	items := make([]Item, 0, len(inputs))
	for _, input := range inputs {
		items = append(items, materialize(input))
	}
	if err := q.storage.UpsertQueue(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (q *Queue) GetQueue(ctx context.Context) ([]Item, error) {
	return q.storage.GetQueue(ctx)
}

// GetPendingBatch returns up to batchSize pending items, oldest first,
// without removing them.
func (q *Queue) GetPendingBatch(ctx context.Context, batchSize int) ([]Item, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return q.storage.GetPendingBatch(ctx, batchSize)
}

// PopBatch removes and returns up to batchSize items.
//
// Deprecated: replay should use GetPendingBatch and confirm with
// RemoveItems so a crash mid-batch cannot lose mutations.
func (q *Queue) PopBatch(ctx context.Context, batchSize int) ([]Item, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return q.storage.PopQueueBatch(ctx, batchSize)
}

// RemoveItems deletes confirmed entries by id in one storage call.
func (q *Queue) RemoveItems(ctx context.Context, ids []string) error {
	return q.storage.RemoveQueueItems(ctx, ids)
}

// MarkStatus transitions a single item. Retry policy lives in the replay
// driver, not here.
func (q *Queue) MarkStatus(ctx context.Context, id string, status Status, lastError string) error {
	return q.storage.MarkQueueItemStatus(ctx, id, status, lastError)
}

// UpsertQueue bulk replaces/merges items, used for full-queue
// reconciliation after a bulk local change.
func (q *Queue) UpsertQueue(ctx context.Context, items []Item) error {
	return q.storage.UpsertQueue(ctx, items)
}
