package syncqueue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Apply pushes one queued mutation to the backend.
type Apply func(ctx context.Context, item Item) error

// Manager is the replay driver: it owns the online flag, drains the
// queue in batches when connectivity returns, and does the retry
// bookkeeping the queue itself refuses to do.
type Manager struct {
	queue     *Queue
	apply     Apply
	batchSize int

	mu         sync.Mutex
	online     bool
	lastSyncAt time.Time
	draining   bool
}

// NewManager wires a queue to an apply function. The manager starts
// online; callers flip the flag from their connectivity signal.
func NewManager(storage Storage, apply Apply, batchSize int) *Manager {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Manager{
		queue:     NewQueue(storage),
		apply:     apply,
		batchSize: batchSize,
		online:    true,
	}
}

// Queue exposes the underlying queue for direct enqueue access.
func (m *Manager) Queue() *Queue {
	return m.queue
}

// Enqueue records a mutation and, when online, immediately tries to
// drain it.
func (m *Manager) Enqueue(ctx context.Context, input ItemInput) (Item, error) {
	item, err := m.queue.Enqueue(ctx, input)
	if err != nil {
		return Item{}, err
	}
	if m.isOnline() {
		if err := m.Drain(ctx); err != nil {
			log.Printf("syncqueue: drain after enqueue: %v", err)
		}
	}
	return item, nil
}

// HandleOnline marks the backend reachable and drains whatever queued
// up while offline.
func (m *Manager) HandleOnline(ctx context.Context) error {
	m.mu.Lock()
	m.online = true
	m.mu.Unlock()
	return m.Drain(ctx)
}

// HandleOffline stops replay until connectivity returns.
func (m *Manager) HandleOffline() {
	m.mu.Lock()
	m.online = false
	m.mu.Unlock()
}

func (m *Manager) isOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Drain replays pending items in batches until the queue is empty, the
// manager goes offline, or a whole batch makes no progress. One item's
// failure is recorded on the item and does not abort the rest, except
// that later items for the same note are skipped so a failed edit can
// never be overtaken by a newer one.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	if !m.online || m.draining {
		m.mu.Unlock()
		return nil
	}
	m.draining = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.draining = false
		m.mu.Unlock()
	}()

	blockedNotes := make(map[string]bool)

	for m.isOnline() {
		batch, err := m.queue.GetPendingBatch(ctx, m.batchSize)
		if err != nil {
			return fmt.Errorf("read pending batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		progressed := false
		var applied []string

		for _, item := range batch {
			if blockedNotes[item.NoteID] {
				continue
			}
			if err := m.queue.MarkStatus(ctx, item.ID, StatusSyncing, ""); err != nil {
				return fmt.Errorf("mark syncing: %w", err)
			}

			if err := m.apply(ctx, item); err != nil {
				log.Printf("syncqueue: apply %s %s: %v", item.Operation, item.NoteID, err)
				if markErr := m.queue.MarkStatus(ctx, item.ID, StatusFailed, err.Error()); markErr != nil {
					return fmt.Errorf("mark failed: %w", markErr)
				}
				blockedNotes[item.NoteID] = true
				continue
			}

			if err := m.queue.MarkStatus(ctx, item.ID, StatusDone, ""); err != nil {
				return fmt.Errorf("mark done: %w", err)
			}
			applied = append(applied, item.ID)
			progressed = true
		}

		if len(applied) > 0 {
			if err := m.queue.RemoveItems(ctx, applied); err != nil {
				return fmt.Errorf("remove applied items: %w", err)
			}
		}
		if !progressed {
			return nil
		}

		m.mu.Lock()
		m.lastSyncAt = time.Now()
		m.mu.Unlock()
	}
	return nil
}

// RetryFailed re-marks failed items as pending and drains. This is the
// manual retry hook for a sync-health indicator.
func (m *Manager) RetryFailed(ctx context.Context) error {
	items, err := m.queue.GetQueue(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Status != StatusFailed {
			continue
		}
		if err := m.queue.MarkStatus(ctx, item.ID, StatusPending, ""); err != nil {
			return err
		}
	}
	return m.Drain(ctx)
}

// State reports a point-in-time summary for health indicators.
func (m *Manager) State(ctx context.Context) (State, error) {
	items, err := m.queue.GetQueue(ctx)
	if err != nil {
		return State{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		LastSyncAt: m.lastSyncAt,
		Online:     m.online,
		QueueSize:  len(items),
	}, nil
}
