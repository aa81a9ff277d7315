// Package indexing implements the per-collection media indexing pipeline.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mediascope/crawler/internal/media"
	"github.com/mediascope/crawler/internal/metrics"
)

// Config controls Pipeline behavior.
type Config struct {
	// BatchSize bounds each "not yet indexed" pull, per media type.
	BatchSize int
	// Workers is the worker pool size for feature extraction tasks.
	Workers int
	// InFlightMultiplier derives the backpressure ceiling:
	// Workers * InFlightMultiplier. The ceiling is advisory and enforced at
	// submission time, not by the pool itself.
	InFlightMultiplier int
	// IdlePeriod is the sleep between pulls when no unindexed media exists.
	IdlePeriod time.Duration
	// StopGrace bounds the graceful wait for in-flight tasks on Stop;
	// StopKill bounds the second wait after forced cancellation.
	StopGrace time.Duration
	StopKill  time.Duration
	// Topic, when non-empty, publishes indexed media to the notification sink.
	Topic string
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.InFlightMultiplier <= 0 {
		c.InFlightMultiplier = 10
	}
	if c.IdlePeriod <= 0 {
		c.IdlePeriod = 30 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 60 * time.Second
	}
	if c.StopKill <= 0 {
		c.StopKill = 60 * time.Second
	}
	return c
}

// taskResult carries one completed extraction back to the drain loop.
type taskResult struct {
	item   media.MediaItem
	vector []float32
	err    error
}

// Pipeline continuously drains not-yet-indexed media for one collection,
// fans extraction out to a bounded worker pool and applies success/failure
// policy as results complete, out of submission order.
type Pipeline struct {
	collection string
	provider   media.MediaStoreProvider
	store      media.MediaStore
	vindex     media.VectorIndex
	publisher  media.Publisher
	cfg        Config
	logger     *zap.Logger

	maxInFlight int
	inFlight    int
	results     chan taskResult
	sem         chan struct{}
	tasks       sync.WaitGroup

	stopWhenDone atomic.Bool
	wake         chan struct{}

	loopCtx    context.Context
	loopCancel context.CancelFunc
	taskCtx    context.Context
	taskCancel context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
}

// NewPipeline constructs a Pipeline for one collection.
func NewPipeline(
	collection string,
	provider media.MediaStoreProvider,
	vindex media.VectorIndex,
	publisher media.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	cfg = cfg.withDefaults()
	maxInFlight := cfg.Workers * cfg.InFlightMultiplier
	loopCtx, loopCancel := context.WithCancel(context.Background())
	taskCtx, taskCancel := context.WithCancel(context.Background())
	return &Pipeline{
		collection:  collection,
		provider:    provider,
		vindex:      vindex,
		publisher:   publisher,
		cfg:         cfg,
		logger:      logger.With(zap.String("collection", collection)),
		maxInFlight: maxInFlight,
		results:     make(chan taskResult, maxInFlight),
		sem:         make(chan struct{}, cfg.Workers),
		wake:        make(chan struct{}, 1),
		loopCtx:     loopCtx,
		loopCancel:  loopCancel,
		taskCtx:     taskCtx,
		taskCancel:  taskCancel,
		done:        make(chan struct{}),
	}
}

// Run blocks, processing batches until Stop or StopWhenFinished takes effect.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.done)
	defer p.taskCancel()
	defer p.loopCancel()

	unbind := context.AfterFunc(ctx, func() {
		p.loopCancel()
		p.taskCancel()
	})
	defer unbind()

	loopCtx, taskCtx := p.loopCtx, p.taskCtx

	store, err := p.provider.Open(loopCtx, p.collection)
	if err != nil {
		p.logger.Error("open media store failed", zap.Error(err))
		return
	}
	p.store = store

	p.logger.Info("indexing pipeline started",
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Int("workers", p.cfg.Workers),
		zap.Int("max_inflight", p.maxInFlight),
	)

	for {
		if loopCtx.Err() != nil {
			return
		}
		if p.runCycle(loopCtx, taskCtx) {
			p.logger.Info("stopping after drain")
			return
		}
	}
}

// runCycle runs one pull-submit-drain iteration. It returns true when the
// pipeline should exit: the pull came back empty and the stop-when-finished
// request was already visible before the pull began, so anything inserted up
// to the request is guaranteed to have been picked up.
func (p *Pipeline) runCycle(loopCtx, taskCtx context.Context) bool {
	start := time.Now()
	stopRequested := p.stopWhenDone.Load()

	images, err := p.store.NotIndexed(loopCtx, media.MediaTypeImage, p.cfg.BatchSize)
	if err != nil {
		p.recoverStore(loopCtx, err)
		return false
	}
	videos, err := p.store.NotIndexed(loopCtx, media.MediaTypeVideo, p.cfg.BatchSize)
	if err != nil {
		p.recoverStore(loopCtx, err)
		return false
	}

	if len(images) == 0 && len(videos) == 0 {
		if stopRequested {
			return true
		}
		select {
		case <-loopCtx.Done():
		case <-p.wake:
		case <-time.After(p.cfg.IdlePeriod):
		}
		return false
	}

	p.logger.Debug("pulled unindexed media",
		zap.Int("images", len(images)),
		zap.Int("videos", len(videos)),
	)

	// One task per media item, submitted only while the in-flight count is
	// below the ceiling. Items left over stay unindexed and reappear in the
	// next pull.
	pending := make(map[string]media.MediaItem)
	submitted := 0
	for _, item := range append(images, videos...) {
		if p.inFlight >= p.maxInFlight {
			break
		}
		p.submit(taskCtx, item)
		pending[item.ID] = item
		submitted++
	}

	// Drain completions out of submission order until every submitted task
	// has reported. Each result is consumed exactly once.
	for completed := 0; completed < submitted; {
		select {
		case <-taskCtx.Done():
			return false
		case res := <-p.results:
			completed++
			p.inFlight--
			metrics.SetInFlightTasks(p.collection, p.inFlight)
			delete(pending, res.item.ID)
			p.handleResult(loopCtx, res)
		}
	}

	// Anything submitted but never confirmed as indexed or failed is
	// treated as failed to index.
	for _, item := range pending {
		p.logger.Warn("media never reported a result, deleting", zap.String("id", item.ID))
		p.deleteMedia(loopCtx, item)
	}

	metrics.ObserveBatch(p.collection, time.Since(start))
	return false
}

func (p *Pipeline) submit(ctx context.Context, item media.MediaItem) {
	p.inFlight++
	metrics.SetInFlightTasks(p.collection, p.inFlight)
	p.tasks.Add(1)
	go func() {
		defer p.tasks.Done()
		res := taskResult{item: item}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					res.err = fmt.Errorf("extraction panicked: %v", rec)
				}
			}()
			select {
			case p.sem <- struct{}{}:
				defer func() { <-p.sem }()
			case <-ctx.Done():
				res.err = ctx.Err()
				return
			}
			res.vector, res.err = p.vindex.Extract(ctx, item.URL)
		}()
		select {
		case p.results <- res:
		case <-ctx.Done():
		}
	}()
}

// handleResult applies the success/failure policy for one drained result.
// Success persists an indexed annotation through a conditional update keyed
// by URL; every failure mode deletes the media row.
func (p *Pipeline) handleResult(ctx context.Context, res taskResult) {
	item := res.item
	if res.err != nil {
		p.logger.Warn("indexing task failed, deleting media",
			zap.String("id", item.ID), zap.Error(res.err))
		metrics.ObserveIndexingTask(p.collection, "failed")
		p.deleteMedia(ctx, item)
		return
	}
	if len(res.vector) == 0 {
		p.logger.Debug("empty vector, deleting media", zap.String("id", item.ID))
		metrics.ObserveIndexingTask(p.collection, "deleted")
		p.deleteMedia(ctx, item)
		return
	}

	accepted, err := p.vindex.Index(ctx, p.collection, item.ID, res.vector)
	if err != nil || !accepted {
		p.logger.Warn("vector index rejected media, deleting",
			zap.String("id", item.ID), zap.Error(err))
		metrics.ObserveIndexingTask(p.collection, "deleted")
		p.deleteMedia(ctx, item)
		return
	}

	matched, err := p.store.MarkIndexed(ctx, item.Type, item.URL, media.DefaultAnnotation())
	if err != nil {
		p.logger.Error("indexed annotation update failed",
			zap.String("id", item.ID), zap.Error(err))
		return
	}
	if matched == 0 {
		p.logger.Error("indexed annotation matched no row",
			zap.String("id", item.ID), zap.String("url", item.URL))
		return
	}
	metrics.ObserveIndexingTask(p.collection, "indexed")

	if p.publisher != nil && p.cfg.Topic != "" {
		item.Indexed = true
		if _, err := p.publisher.Publish(ctx, p.cfg.Topic, item); err != nil {
			p.logger.Warn("publish indexed media failed",
				zap.String("id", item.ID), zap.Error(err))
		}
	}
}

// deleteMedia removes a failed media row; image deletions also remove the
// dependent webpage record.
func (p *Pipeline) deleteMedia(ctx context.Context, item media.MediaItem) {
	if err := p.store.Delete(ctx, item.Type, item.ID); err != nil {
		p.logger.Error("delete media failed", zap.String("id", item.ID), zap.Error(err))
	}
	if item.Type == media.MediaTypeImage {
		if err := p.store.DeletePage(ctx, item.ID); err != nil && !errors.Is(err, media.ErrNotFound) {
			p.logger.Error("delete page failed", zap.String("id", item.ID), zap.Error(err))
		}
	}
}

// recoverStore handles a failed store pull. Stale handles are reopened
// through the provider; any other error is logged and the loop continues.
func (p *Pipeline) recoverStore(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, media.ErrStaleHandle) {
		p.logger.Warn("stale media store handle, reopening")
		store, openErr := p.provider.Open(ctx, p.collection)
		if openErr != nil {
			p.logger.Error("reopen media store failed", zap.Error(openErr))
			select {
			case <-ctx.Done():
			case <-time.After(p.cfg.IdlePeriod):
			}
			return
		}
		p.store = store
		return
	}
	p.logger.Error("media pull failed", zap.Error(err))
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.IdlePeriod):
	}
}

// StopWhenFinished lets the pipeline drain naturally: it exits only after an
// empty pull observed at or after the request, guaranteeing media present at
// request time is processed first.
func (p *Pipeline) StopWhenFinished() {
	p.stopWhenDone.Store(true)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop disables new task submission, waits StopGrace for in-flight tasks,
// then force-cancels and waits StopKill more.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.loopCancel()
		if !p.waitTasks(p.cfg.StopGrace) {
			p.logger.Warn("graceful drain timed out, cancelling tasks")
			p.taskCancel()
			if !p.waitTasks(p.cfg.StopKill) {
				p.logger.Error("worker pool did not terminate")
			}
		}
		p.taskCancel()
		<-p.done
	})
}

func (p *Pipeline) waitTasks(timeout time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		p.tasks.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Done exposes pipeline termination to the manager.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}
