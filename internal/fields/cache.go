// Package fields implements the collected-fields cache: a process-local,
// write-through store mapping conversation id to the structured field
// values extracted from that conversation so far.
package fields

import (
	"context"
	"log/slog"
	"sync"
)

// Store persists a conversation's collected fields. The reference
// implementation writes through to conversation metadata (see
// PostgresStore); tests may substitute an in-memory stub.
type Store interface {
	Load(ctx context.Context, conversationID string) (map[string]string, error)
	Save(ctx context.Context, conversationID string, fields map[string]string) error
}

// Cache is the process-local collected-fields cache described by the
// dispatcher's field-extraction contract. It is safe for concurrent use,
// though callers are expected to serialize writes for a single conversation
// via their own per-conversation lock (see package dispatch) since Cache
// does not itself order concurrent updates for the same key beyond
// last-writer-wins.
type Cache struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]map[string]string
}

// New creates a Cache backed by store. A nil store is permitted and makes
// the cache purely in-memory, which is useful in tests.
func New(store Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:   store,
		logger:  logger,
		entries: make(map[string]map[string]string),
	}
}

// GetCollectedFields returns a defensive copy of the fields collected so far
// for conversationID, loading from the backing store on first access.
func (c *Cache) GetCollectedFields(ctx context.Context, conversationID string) (map[string]string, error) {
	c.mu.Lock()
	cached, ok := c.entries[conversationID]
	c.mu.Unlock()
	if ok {
		return copyFields(cached), nil
	}

	loaded := map[string]string{}
	if c.store != nil {
		stored, err := c.store.Load(ctx, conversationID)
		if err != nil {
			c.logger.Warn("fields: load failed, starting with empty set",
				slog.String("conversation_id", conversationID), slog.Any("error", err))
		} else if stored != nil {
			loaded = stored
		}
	}

	c.mu.Lock()
	c.entries[conversationID] = loaded
	c.mu.Unlock()
	return copyFields(loaded), nil
}

// UpdateCollectedFields shallow-merges newFields over the current set for
// conversationID, persists the merged result, and returns a defensive copy
// of the merged set. An empty newFields is a no-op that still returns the
// current set.
func (c *Cache) UpdateCollectedFields(ctx context.Context, conversationID string, newFields map[string]string) (map[string]string, error) {
	current, err := c.GetCollectedFields(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(newFields) == 0 {
		return current, nil
	}

	merged := copyFields(current)
	for k, v := range newFields {
		merged[k] = v
	}

	c.mu.Lock()
	c.entries[conversationID] = merged
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Save(ctx, conversationID, merged); err != nil {
			c.logger.Warn("fields: persist failed, keeping in-memory update",
				slog.String("conversation_id", conversationID), slog.Any("error", err))
		}
	}

	return copyFields(merged), nil
}

// GetMissingFields returns the subset of declared field names absent from
// the cached set for conversationID.
func (c *Cache) GetMissingFields(ctx context.Context, conversationID string, declared []string) ([]string, error) {
	current, err := c.GetCollectedFields(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	missing := make([]string, 0, len(declared))
	for _, name := range declared {
		if _, ok := current[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
