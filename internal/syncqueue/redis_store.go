package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheLimitBytes caps how much a namespace's cached notes may occupy.
// EnforceLimit evicts the oldest notes past it; the queue is never
// evicted since queued mutations are not reproducible.
const CacheLimitBytes = 4 << 20

// RedisStorage implements Storage on Redis. The queue lives in a list
// (insertion order) plus a hash (items by id) so order survives status
// updates. Keys are namespaced per owner, typically the user id.
type RedisStorage struct {
	client *redis.Client
	ns     string
}

// NewRedisStorage connects to Redis and scopes all keys under ns.
func NewRedisStorage(redisURL, ns string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStorage{client: client, ns: ns}, nil
}

// NewRedisStorageWithClient wraps an existing client, for sharing one
// connection pool across namespaces.
func NewRedisStorageWithClient(client *redis.Client, ns string) *RedisStorage {
	return &RedisStorage{client: client, ns: ns}
}

func (s *RedisStorage) notesKey() string { return "syncqueue:" + s.ns + ":notes" }
func (s *RedisStorage) itemsKey() string { return "syncqueue:" + s.ns + ":queue:items" }
func (s *RedisStorage) orderKey() string { return "syncqueue:" + s.ns + ":queue:order" }

func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// LoadNotes returns cached notes, newest first, paginated.
func (s *RedisStorage) LoadNotes(ctx context.Context, limit, offset int) ([]CachedNote, error) {
	raw, err := s.client.HGetAll(ctx, s.notesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("load cached notes: %w", err)
	}

	notes := make([]CachedNote, 0, len(raw))
	for _, blob := range raw {
		var note CachedNote
		if err := json.Unmarshal([]byte(blob), &note); err != nil {
			continue
		}
		notes = append(notes, note)
	}
	sort.Slice(notes, func(i, j int) bool {
		return notes[i].UpdatedAt.After(notes[j].UpdatedAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(notes) {
		return []CachedNote{}, nil
	}
	notes = notes[offset:]
	if limit > 0 && limit < len(notes) {
		notes = notes[:limit]
	}
	return notes, nil
}

func (s *RedisStorage) SaveNote(ctx context.Context, note CachedNote) error {
	blob, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal cached note: %w", err)
	}
	if err := s.client.HSet(ctx, s.notesKey(), note.ID, blob).Err(); err != nil {
		return fmt.Errorf("save cached note: %w", err)
	}
	return nil
}

func (s *RedisStorage) SaveNotes(ctx context.Context, notes []CachedNote) error {
	if len(notes) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(notes))
	for _, note := range notes {
		blob, err := json.Marshal(note)
		if err != nil {
			return fmt.Errorf("marshal cached note %s: %w", note.ID, err)
		}
		fields[note.ID] = blob
	}
	if err := s.client.HSet(ctx, s.notesKey(), fields).Err(); err != nil {
		return fmt.Errorf("save cached notes: %w", err)
	}
	return nil
}

func (s *RedisStorage) DeleteNote(ctx context.Context, noteID string) error {
	if err := s.client.HDel(ctx, s.notesKey(), noteID).Err(); err != nil {
		return fmt.Errorf("delete cached note: %w", err)
	}
	return nil
}

// GetQueue returns all items in insertion order.
func (s *RedisStorage) GetQueue(ctx context.Context) ([]Item, error) {
	ids, err := s.client.LRange(ctx, s.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read queue order: %w", err)
	}
	if len(ids) == 0 {
		return []Item{}, nil
	}

	blobs, err := s.client.HMGet(ctx, s.itemsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("read queue items: %w", err)
	}

	items := make([]Item, 0, len(blobs))
	for _, blob := range blobs {
		str, ok := blob.(string)
		if !ok {
			continue
		}
		var item Item
		if err := json.Unmarshal([]byte(str), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *RedisStorage) UpsertQueueItem(ctx context.Context, item Item) error {
	return s.UpsertQueue(ctx, []Item{item})
}

// UpsertQueue writes a batch as one pipeline. New ids append to the
// order list; existing ids keep their position.
func (s *RedisStorage) UpsertQueue(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	known, err := s.client.HKeys(ctx, s.itemsKey()).Result()
	if err != nil {
		return fmt.Errorf("read queue ids: %w", err)
	}
	exists := make(map[string]bool, len(known))
	for _, id := range known {
		exists[id] = true
	}

	pipe := s.client.TxPipeline()
	for _, item := range items {
		blob, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal queue item %s: %w", item.ID, err)
		}
		pipe.HSet(ctx, s.itemsKey(), item.ID, blob)
		if !exists[item.ID] {
			pipe.RPush(ctx, s.orderKey(), item.ID)
			exists[item.ID] = true
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert queue: %w", err)
	}
	return nil
}

// PopQueueBatch removes and returns the oldest batchSize items.
func (s *RedisStorage) PopQueueBatch(ctx context.Context, batchSize int) ([]Item, error) {
	items, err := s.GetQueue(ctx)
	if err != nil {
		return nil, err
	}
	if batchSize < len(items) {
		items = items[:batchSize]
	}
	if len(items) == 0 {
		return []Item{}, nil
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	if err := s.RemoveQueueItems(ctx, ids); err != nil {
		return nil, err
	}
	return items, nil
}

// GetPendingBatch returns up to batchSize pending items, oldest first,
// without removing them.
func (s *RedisStorage) GetPendingBatch(ctx context.Context, batchSize int) ([]Item, error) {
	items, err := s.GetQueue(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]Item, 0, batchSize)
	for _, item := range items {
		if item.Status != StatusPending {
			continue
		}
		pending = append(pending, item)
		if len(pending) == batchSize {
			break
		}
	}
	return pending, nil
}

func (s *RedisStorage) RemoveQueueItems(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.itemsKey(), ids...)
	for _, id := range ids {
		pipe.LRem(ctx, s.orderKey(), 1, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove queue items: %w", err)
	}
	return nil
}

// MarkSynced flips a cached note to synced and stamps the
// server-confirmed updatedAt.
func (s *RedisStorage) MarkSynced(ctx context.Context, noteID string, updatedAt time.Time) error {
	blob, err := s.client.HGet(ctx, s.notesKey(), noteID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cached note: %w", err)
	}

	var note CachedNote
	if err := json.Unmarshal([]byte(blob), &note); err != nil {
		return fmt.Errorf("unmarshal cached note: %w", err)
	}
	note.Status = NoteSynced
	note.UpdatedAt = updatedAt
	note.PendingOps = nil
	return s.SaveNote(ctx, note)
}

func (s *RedisStorage) MarkQueueItemStatus(ctx context.Context, id string, status Status, lastError string) error {
	blob, err := s.client.HGet(ctx, s.itemsKey(), id).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read queue item: %w", err)
	}

	var item Item
	if err := json.Unmarshal([]byte(blob), &item); err != nil {
		return fmt.Errorf("unmarshal queue item: %w", err)
	}
	item.Status = status
	item.LastError = lastError
	if status == StatusSyncing {
		item.Attempts++
	}

	updated, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	if err := s.client.HSet(ctx, s.itemsKey(), id, updated).Err(); err != nil {
		return fmt.Errorf("mark queue item: %w", err)
	}
	return nil
}

// EnforceLimit evicts the oldest cached notes until the cache fits the
// byte budget. Queued mutations are never evicted.
func (s *RedisStorage) EnforceLimit(ctx context.Context) error {
	raw, err := s.client.HGetAll(ctx, s.notesKey()).Result()
	if err != nil {
		return fmt.Errorf("read cached notes: %w", err)
	}

	size := 0
	type entry struct {
		note CachedNote
		size int
	}
	entries := make([]entry, 0, len(raw))
	for _, blob := range raw {
		var note CachedNote
		if err := json.Unmarshal([]byte(blob), &note); err != nil {
			continue
		}
		entries = append(entries, entry{note: note, size: len(blob)})
		size += len(blob)
	}
	if size <= CacheLimitBytes {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].note.UpdatedAt.Before(entries[j].note.UpdatedAt)
	})

	var evict []string
	for _, e := range entries {
		if size <= CacheLimitBytes {
			break
		}
		evict = append(evict, e.note.ID)
		size -= e.size
	}
	if len(evict) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.notesKey(), evict...).Err(); err != nil {
		return fmt.Errorf("evict cached notes: %w", err)
	}
	return nil
}

// ClearAll wipes the namespace, cache and queue both.
func (s *RedisStorage) ClearAll(ctx context.Context) error {
	if err := s.client.Del(ctx, s.notesKey(), s.itemsKey(), s.orderKey()).Err(); err != nil {
		return fmt.Errorf("clear offline storage: %w", err)
	}
	return nil
}
