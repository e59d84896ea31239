// Package cache keeps the first page of each conversation's messages in
// memory. Entries are deleted, never patched, when the underlying data
// changes; concurrent loads for the same conversation collapse into one
// fetch.
package cache

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/CJackHwang/HeyMean-sub000/internal/model"
)

// PageLoader fetches one page of messages from persistent storage.
// *storage.Store satisfies this.
type PageLoader interface {
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, bool, error)
}

// Entry is one cached page.
type Entry struct {
	Messages []model.Message // newest first
	HasMore  bool
}

// Cache is constructed once at session start and passed to every consumer;
// it is never a package-level singleton.
type Cache struct {
	loader   PageLoader
	pageSize int
	logger   zerolog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]*Entry
	gen     map[string]uint64 // bumped by Delete; stale fetches don't land
}

// New creates a cache reading pages of pageSize from loader.
func New(loader PageLoader, pageSize int, logger zerolog.Logger) *Cache {
	return &Cache{
		loader:   loader,
		pageSize: pageSize,
		logger:   logger.With().Str("component", "cache").Logger(),
		entries:  make(map[string]*Entry),
		gen:      make(map[string]uint64),
	}
}

// Preload populates the entry for id in the background, best effort.
// Concurrent Preload/Load calls for the same id share one fetch.
func (c *Cache) Preload(ctx context.Context, id string) {
	go func() {
		if _, err := c.Load(ctx, id); err != nil {
			c.logger.Debug().Err(err).Str("conversation_id", id).Msg("preload failed")
		}
	}()
}

// Load returns the cached entry for id, fetching page one from storage if
// absent. The returned entry reflects persisted state as of its population.
func (c *Cache) Load(ctx context.Context, id string) (*Entry, error) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		c.mu.Unlock()
		return e, nil
	}
	gen := c.gen[id]
	c.mu.Unlock()

	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		messages, hasMore, err := c.loader.ListMessages(ctx, id, c.pageSize, 0)
		if err != nil {
			return nil, err
		}
		e := &Entry{Messages: messages, HasMore: hasMore}

		c.mu.Lock()
		if c.gen[id] == gen {
			c.entries[id] = e
		}
		// If a Delete landed mid-fetch the entry is not cached, but the
		// fetched page is still returned to this caller.
		c.mu.Unlock()

		c.logger.Debug().Str("conversation_id", id).Int("messages", len(messages)).Msg("cache populated")
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// Delete invalidates the entry for id. Callers re-fetch on next access;
// there is no partial-merge or patch path.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.gen[id]++
	c.mu.Unlock()
	// Detach any in-flight fetch so the next Load starts fresh rather
	// than joining a read that predates the write.
	c.group.Forget(id)
	c.logger.Debug().Str("conversation_id", id).Msg("cache invalidated")
}
