package indexing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mediascope/crawler/internal/media"
	pubmemory "github.com/mediascope/crawler/internal/publisher/memory"
	"github.com/mediascope/crawler/internal/storage/memory"
)

// fakeVIndex scripts Extract and Index behavior per media URL / ID.
type fakeVIndex struct {
	mu          sync.Mutex
	vectors     map[string][]float32
	extractErrs map[string]error
	rejected    map[string]bool
	indexed     []string
	dropped     []string
}

func newFakeVIndex() *fakeVIndex {
	return &fakeVIndex{
		vectors:     make(map[string][]float32),
		extractErrs: make(map[string]error),
		rejected:    make(map[string]bool),
	}
}

func (f *fakeVIndex) CreateCollection(context.Context, string) error { return nil }

func (f *fakeVIndex) DeleteCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, name)
	return nil
}

func (f *fakeVIndex) Extract(_ context.Context, mediaURL string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.extractErrs[mediaURL]; ok {
		return nil, err
	}
	return f.vectors[mediaURL], nil
}

func (f *fakeVIndex) Index(_ context.Context, _ string, mediaID string, _ []float32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejected[mediaID] {
		return false, nil
	}
	f.indexed = append(f.indexed, mediaID)
	return true, nil
}

func (f *fakeVIndex) indexedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.indexed...)
}

func insertItem(t *testing.T, provider *memory.MediaProvider, collection string, item media.MediaItem) {
	t.Helper()
	store, err := provider.Open(context.Background(), collection)
	require.NoError(t, err)
	require.NoError(t, store.Insert(context.Background(), item))
}

func countUnindexed(t *testing.T, provider *memory.MediaProvider, collection string) int {
	t.Helper()
	store, err := provider.Open(context.Background(), collection)
	require.NoError(t, err)
	images, err := store.NotIndexed(context.Background(), media.MediaTypeImage, 1000)
	require.NoError(t, err)
	videos, err := store.NotIndexed(context.Background(), media.MediaTypeVideo, 1000)
	require.NoError(t, err)
	return len(images) + len(videos)
}

func fastConfig() Config {
	return Config{
		BatchSize:          10,
		Workers:            4,
		InFlightMultiplier: 10,
		IdlePeriod:         20 * time.Millisecond,
		StopGrace:          time.Second,
		StopKill:           time.Second,
		Topic:              "indexed-media",
	}
}

func TestPipelineIndexesAndDeletesPerOutcome(t *testing.T) {
	t.Parallel()

	provider := memory.NewMediaProvider()
	vindex := newFakeVIndex()
	publisher := pubmemory.New()

	// Three images and two videos: one image is rejected by the index
	// service, the rest succeed.
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("img-%d", i)
		url := fmt.Sprintf("https://example.com/%s.jpg", id)
		insertItem(t, provider, "protests", media.MediaItem{ID: id, URL: url, Type: media.MediaTypeImage})
		vindex.vectors[url] = []float32{float32(i)}
	}
	for i := 1; i <= 2; i++ {
		id := fmt.Sprintf("vid-%d", i)
		url := fmt.Sprintf("https://example.com/%s.mp4", id)
		insertItem(t, provider, "protests", media.MediaItem{ID: id, URL: url, Type: media.MediaTypeVideo})
		vindex.vectors[url] = []float32{float32(10 + i)}
	}
	vindex.rejected["img-3"] = true

	p := NewPipeline("protests", provider, vindex, publisher, fastConfig(), zap.NewNop())
	go p.Run(context.Background())

	require.Eventually(t, func() bool {
		return countUnindexed(t, provider, "protests") == 0
	}, 5*time.Second, 10*time.Millisecond)

	p.StopWhenFinished()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after drain")
	}

	require.Len(t, vindex.indexedIDs(), 4)

	// The rejected image was deleted outright rather than annotated.
	store, err := provider.Open(context.Background(), "protests")
	require.NoError(t, err)
	images, err := store.Count(context.Background(), media.MediaTypeImage)
	require.NoError(t, err)
	require.EqualValues(t, 2, images)
	videos, err := store.Count(context.Background(), media.MediaTypeVideo)
	require.NoError(t, err)
	require.EqualValues(t, 2, videos)

	require.Len(t, publisher.Messages(), 4)
}

func TestPipelineDeletesOnExtractionFailure(t *testing.T) {
	t.Parallel()

	provider := memory.NewMediaProvider()
	vindex := newFakeVIndex()

	insertItem(t, provider, "protests", media.MediaItem{
		ID: "img-1", URL: "https://example.com/broken.jpg", Type: media.MediaTypeImage,
	})
	vindex.extractErrs["https://example.com/broken.jpg"] = fmt.Errorf("download failed")

	// Empty vector counts as undescribable media and is deleted too.
	insertItem(t, provider, "protests", media.MediaItem{
		ID: "img-2", URL: "https://example.com/blank.jpg", Type: media.MediaTypeImage,
	})

	p := NewPipeline("protests", provider, vindex, nil, fastConfig(), zap.NewNop())
	go p.Run(context.Background())

	require.Eventually(t, func() bool {
		store, err := provider.Open(context.Background(), "protests")
		require.NoError(t, err)
		n, err := store.Count(context.Background(), media.MediaTypeImage)
		require.NoError(t, err)
		return n == 0
	}, 5*time.Second, 10*time.Millisecond)

	p.Stop()
	require.Empty(t, vindex.indexedIDs())
}

func TestPipelineStopWhenFinishedWaitsForDrain(t *testing.T) {
	t.Parallel()

	provider := memory.NewMediaProvider()
	vindex := newFakeVIndex()

	url := "https://example.com/a.jpg"
	insertItem(t, provider, "protests", media.MediaItem{ID: "img-1", URL: url, Type: media.MediaTypeImage})
	vindex.vectors[url] = []float32{1}

	p := NewPipeline("protests", provider, vindex, nil, fastConfig(), zap.NewNop())
	// Flag drain-stop before the pipeline even starts: it must still process
	// the pending item before exiting.
	p.StopWhenFinished()
	go p.Run(context.Background())

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after drain")
	}
	require.Equal(t, []string{"img-1"}, vindex.indexedIDs())
}

func TestPipelineIndexesMediaInsertedBeforeDrainStop(t *testing.T) {
	t.Parallel()

	provider := memory.NewMediaProvider()
	vindex := newFakeVIndex()

	cfg := fastConfig()
	cfg.IdlePeriod = time.Hour

	url := "https://example.com/late.jpg"
	vindex.vectors[url] = []float32{1}

	p := NewPipeline("protests", provider, vindex, nil, cfg, zap.NewNop())
	go p.Run(context.Background())

	// Let the pipeline see the empty collection and park in its idle sleep.
	time.Sleep(100 * time.Millisecond)

	// Media harvested while the loop is idle, then the crawl reports finished.
	// The item was present before the drain request and must be indexed before
	// the pipeline exits.
	insertItem(t, provider, "protests", media.MediaItem{ID: "img-late", URL: url, Type: media.MediaTypeImage})
	p.StopWhenFinished()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after drain")
	}
	require.Equal(t, []string{"img-late"}, vindex.indexedIDs())
}

func TestPipelineStopImmediatelyAfterStart(t *testing.T) {
	t.Parallel()

	provider := memory.NewMediaProvider()
	p := NewPipeline("protests", provider, newFakeVIndex(), nil, fastConfig(), zap.NewNop())
	go p.Run(context.Background())
	p.Stop()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestPipelineStopCancelsIdleLoop(t *testing.T) {
	t.Parallel()

	provider := memory.NewMediaProvider()
	cfg := fastConfig()
	cfg.IdlePeriod = time.Hour

	p := NewPipeline("protests", provider, newFakeVIndex(), nil, cfg, zap.NewNop())
	go p.Run(context.Background())

	// Let the loop reach its idle sleep, then force a stop.
	time.Sleep(50 * time.Millisecond)
	p.Stop()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestPipelineRecoversStaleHandle(t *testing.T) {
	t.Parallel()

	provider := memory.NewMediaProvider()
	vindex := newFakeVIndex()

	url := "https://example.com/a.jpg"
	vindex.vectors[url] = []float32{1}

	p := NewPipeline("protests", provider, vindex, nil, fastConfig(), zap.NewNop())
	go p.Run(context.Background())

	// Give the pipeline time to open its handle, then invalidate every
	// issued handle: the next pull fails with a stale-handle error and the
	// pipeline reopens through the provider.
	time.Sleep(100 * time.Millisecond)
	provider.InvalidateHandles("protests")

	insertItem(t, provider, "protests", media.MediaItem{ID: "img-1", URL: url, Type: media.MediaTypeImage})

	require.Eventually(t, func() bool {
		return countUnindexed(t, provider, "protests") == 0
	}, 5*time.Second, 10*time.Millisecond)

	p.Stop()
	require.Equal(t, []string{"img-1"}, vindex.indexedIDs())
}

func TestPipelineBackpressureCeilingLeavesLeftoversForNextPull(t *testing.T) {
	t.Parallel()

	provider := memory.NewMediaProvider()
	vindex := newFakeVIndex()

	cfg := fastConfig()
	cfg.Workers = 1
	cfg.InFlightMultiplier = 2

	for i := 1; i <= 6; i++ {
		id := fmt.Sprintf("img-%d", i)
		url := fmt.Sprintf("https://example.com/%s.jpg", id)
		insertItem(t, provider, "protests", media.MediaItem{ID: id, URL: url, Type: media.MediaTypeImage})
		vindex.vectors[url] = []float32{float32(i)}
	}

	p := NewPipeline("protests", provider, vindex, nil, cfg, zap.NewNop())
	go p.Run(context.Background())

	// Items beyond the in-flight ceiling stay unindexed and get picked up by
	// later pulls until every item is processed.
	require.Eventually(t, func() bool {
		return countUnindexed(t, provider, "protests") == 0
	}, 5*time.Second, 10*time.Millisecond)

	p.StopWhenFinished()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after drain")
	}
	require.Len(t, vindex.indexedIDs(), 6)
}

func TestPipelinePublishFailureDoesNotBlockIndexing(t *testing.T) {
	t.Parallel()

	provider := memory.NewMediaProvider()
	vindex := newFakeVIndex()
	publisher := pubmemory.New()
	publisher.FailNext()

	url := "https://example.com/a.jpg"
	insertItem(t, provider, "protests", media.MediaItem{ID: "img-1", URL: url, Type: media.MediaTypeImage})
	vindex.vectors[url] = []float32{1}

	p := NewPipeline("protests", provider, vindex, publisher, fastConfig(), zap.NewNop())
	go p.Run(context.Background())

	require.Eventually(t, func() bool {
		return countUnindexed(t, provider, "protests") == 0
	}, 5*time.Second, 10*time.Millisecond)

	p.Stop()
	require.Equal(t, []string{"img-1"}, vindex.indexedIDs())
	require.Empty(t, publisher.Messages())
}
