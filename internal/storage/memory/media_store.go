package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mediascope/crawler/internal/media"
)

// MediaProvider hands out per-collection in-memory media stores.
type MediaProvider struct {
	mu          sync.Mutex
	collections map[string]*collectionData
	handles     map[string][]*MediaStore
}

type collectionData struct {
	mu    sync.RWMutex
	items map[string]media.MediaItem
	pages map[string]bool
	seq   map[string]int
	next  int
}

// NewMediaProvider constructs a MediaProvider.
func NewMediaProvider() *MediaProvider {
	return &MediaProvider{
		collections: make(map[string]*collectionData),
		handles:     make(map[string][]*MediaStore),
	}
}

// Open returns a handle onto the collection, creating it if absent.
func (p *MediaProvider) Open(_ context.Context, collection string) (media.MediaStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.collections[collection]
	if !ok {
		data = &collectionData{
			items: make(map[string]media.MediaItem),
			pages: make(map[string]bool),
			seq:   make(map[string]int),
		}
		p.collections[collection] = data
	}
	handle := &MediaStore{data: data}
	p.handles[collection] = append(p.handles[collection], handle)
	return handle, nil
}

// InvalidateHandles marks every issued handle for the collection stale,
// which tests use to exercise stale-handle recovery.
func (p *MediaProvider) InvalidateHandles(collection string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.handles[collection] {
		h.Invalidate()
	}
	p.handles[collection] = nil
}

// Drop removes the whole collection namespace.
func (p *MediaProvider) Drop(_ context.Context, collection string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.collections, collection)
	delete(p.handles, collection)
	return nil
}

// MediaStore is an in-memory handle onto one collection's media rows.
type MediaStore struct {
	data  *collectionData
	stale atomic.Bool
}

// Invalidate makes every subsequent call fail with ErrStaleHandle, which
// tests use to exercise stale-handle recovery.
func (s *MediaStore) Invalidate() {
	s.stale.Store(true)
}

func (s *MediaStore) check() error {
	if s.stale.Load() {
		return media.ErrStaleHandle
	}
	return nil
}

// Insert adds a media row and, for images, a dependent page record.
func (s *MediaStore) Insert(_ context.Context, item media.MediaItem) error {
	if err := s.check(); err != nil {
		return err
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	if _, exists := s.data.items[item.ID]; exists {
		return fmt.Errorf("media %s already exists", item.ID)
	}
	s.data.items[item.ID] = item
	s.data.seq[item.ID] = s.data.next
	s.data.next++
	if item.Type == media.MediaTypeImage {
		s.data.pages[item.ID] = true
	}
	return nil
}

// NotIndexed returns up to limit unindexed rows of one media type in
// insertion order.
func (s *MediaStore) NotIndexed(_ context.Context, mt media.MediaType, limit int) ([]media.MediaItem, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	out := make([]media.MediaItem, 0)
	for _, item := range s.data.items {
		if item.Type == mt && !item.Indexed {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.data.seq[out[i].ID] < s.data.seq[out[j].ID]
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkIndexed performs a conditional update keyed by URL and returns the
// matched row count.
func (s *MediaStore) MarkIndexed(_ context.Context, mt media.MediaType, url string, _ media.IndexAnnotation) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	var matched int64
	for id, item := range s.data.items {
		if item.Type == mt && item.URL == url && !item.Indexed {
			item.Indexed = true
			s.data.items[id] = item
			matched++
		}
	}
	return matched, nil
}

// Delete removes one media row.
func (s *MediaStore) Delete(_ context.Context, mt media.MediaType, id string) error {
	if err := s.check(); err != nil {
		return err
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	item, ok := s.data.items[id]
	if !ok || item.Type != mt {
		return fmt.Errorf("media %s: %w", id, media.ErrNotFound)
	}
	delete(s.data.items, id)
	delete(s.data.seq, id)
	return nil
}

// DeletePage removes the page record an image came from.
func (s *MediaStore) DeletePage(_ context.Context, mediaID string) error {
	if err := s.check(); err != nil {
		return err
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	if !s.data.pages[mediaID] {
		return fmt.Errorf("page for %s: %w", mediaID, media.ErrNotFound)
	}
	delete(s.data.pages, mediaID)
	return nil
}

// Count returns the number of rows for one media type.
func (s *MediaStore) Count(_ context.Context, mt media.MediaType) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	var n int64
	for _, item := range s.data.items {
		if item.Type == mt {
			n++
		}
	}
	return n, nil
}

// LastInserted returns the most recent crawl date for one media type.
func (s *MediaStore) LastInserted(_ context.Context, mt media.MediaType) (time.Time, error) {
	if err := s.check(); err != nil {
		return time.Time{}, err
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	var last time.Time
	for _, item := range s.data.items {
		if item.Type == mt && item.CrawlDate.After(last) {
			last = item.CrawlDate
		}
	}
	return last, nil
}
