package media

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by store and adapter implementations.
var (
	// ErrConflict signals a new-collection submission against an existing name.
	ErrConflict = errors.New("collection already exists")
	// ErrNotFound signals a missing job or media row.
	ErrNotFound = errors.New("not found")
	// ErrStaleHandle signals that a per-collection store handle became invalid
	// and must be reopened through the provider.
	ErrStaleHandle = errors.New("stale store handle")
)

// JobStore persists crawl job records.
type JobStore interface {
	Create(ctx context.Context, job CrawlJob) error
	Get(ctx context.Context, id string) (CrawlJob, error)
	// ListByStates returns jobs in any of the given states ordered by creation
	// date, oldest first.
	ListByStates(ctx context.Context, states ...JobState) ([]CrawlJob, error)
	// FindByCollection returns all jobs for the collection, any state.
	FindByCollection(ctx context.Context, collection string) ([]CrawlJob, error)
	Update(ctx context.Context, job CrawlJob) error
	Delete(ctx context.Context, id string) error
}

// MediaStore is a handle onto one collection's media rows. Implementations may
// return ErrStaleHandle once the underlying handle is no longer valid, in
// which case the caller reopens it through the MediaStoreProvider.
type MediaStore interface {
	NotIndexed(ctx context.Context, mt MediaType, limit int) ([]MediaItem, error)
	// MarkIndexed performs a conditional update keyed by URL and returns the
	// number of matched rows.
	MarkIndexed(ctx context.Context, mt MediaType, url string, ann IndexAnnotation) (int64, error)
	Insert(ctx context.Context, item MediaItem) error
	Delete(ctx context.Context, mt MediaType, id string) error
	// DeletePage removes the webpage record an image was extracted from.
	DeletePage(ctx context.Context, mediaID string) error
	Count(ctx context.Context, mt MediaType) (int64, error)
	LastInserted(ctx context.Context, mt MediaType) (time.Time, error)
}

// MediaStoreProvider opens per-collection media store handles and drops whole
// collection namespaces during cleanup.
type MediaStoreProvider interface {
	Open(ctx context.Context, collection string) (MediaStore, error)
	Drop(ctx context.Context, collection string) error
}

// VectorIndex is the adapter for the external feature/index service.
type VectorIndex interface {
	CreateCollection(ctx context.Context, name string) error
	// Extract computes the feature vector for a media URL; an absent vector is
	// returned as an empty slice with a nil error.
	Extract(ctx context.Context, mediaURL string) ([]float32, error)
	// Index submits a vector; false means the service rejected it.
	Index(ctx context.Context, collection, mediaID string, vector []float32) (bool, error)
	DeleteCollection(ctx context.Context, name string) error
}

// AgentControl signals a named external crawl agent to stop.
type AgentControl interface {
	RequestStop(ctx context.Context, collection string) error
}

// FeedService manages keyword and geo feed subscriptions for a collection.
type FeedService interface {
	AddKeywordFeeds(ctx context.Context, collection string, keywords []string) error
	AddGeoFeeds(ctx context.Context, collection string, bbox BoundingBox) error
	CancelFeeds(ctx context.Context, collection string, isGeo bool) error
}

// Publisher pushes indexed-media notifications to a downstream sink.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// GeoCrawlHandle controls one live geo crawl. Handles live in a process-local
// registry only; after a restart geo cancellation is unavailable until the
// crawl is re-submitted.
type GeoCrawlHandle interface {
	Stop(ctx context.Context) error
}

// CrawlLauncher starts the external crawling processes for a job.
type CrawlLauncher interface {
	StartKeywordCrawl(ctx context.Context, job CrawlJob) error
	StartGeoCrawl(ctx context.Context, job CrawlJob) (GeoCrawlHandle, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
