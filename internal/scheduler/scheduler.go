// Package scheduler owns the crawl admission state machine, the periodic
// poller and job lifecycle transitions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mediascope/crawler/internal/media"
	"github.com/mediascope/crawler/internal/metrics"
)

// Config controls Scheduler behavior.
type Config struct {
	// NumCrawls caps jobs simultaneously in {RUNNING, STARTING}.
	NumCrawls int
	CrawlsDir string
	VisualDir string
	// PollInitialDelay and PollPeriod drive the launch retry poller.
	PollInitialDelay time.Duration
	PollPeriod       time.Duration
}

// PipelineManager starts and stops per-collection indexing pipelines.
type PipelineManager interface {
	Start(collection string)
	StopWhenFinished(collection string)
	Stop(collection string)
}

// Scheduler admits crawl submissions under a concurrency cap and drives job
// lifecycle transitions. All state-mutating operations share one critical
// section: tryLaunch reads aggregate counts and then writes a STARTING row, so
// two racing callers must not both claim the same capacity slot.
type Scheduler struct {
	mu sync.Mutex

	jobs      media.JobStore
	provider  media.MediaStoreProvider
	vindex    media.VectorIndex
	agentCtl  media.AgentControl
	feeds     media.FeedService
	launcher  media.CrawlLauncher
	pipelines PipelineManager
	clock     media.Clock
	idGen     media.IDGenerator

	// geoHandles is process-scoped only: geo-crawl cancellation is unavailable
	// after a restart until the crawl is re-submitted.
	geoHandles map[string]media.GeoCrawlHandle

	cfg    Config
	poller *Poller
	logger *zap.Logger

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New constructs a Scheduler. Start must be called before use.
func New(
	jobs media.JobStore,
	provider media.MediaStoreProvider,
	vindex media.VectorIndex,
	agentCtl media.AgentControl,
	feeds media.FeedService,
	launcher media.CrawlLauncher,
	pipelines PipelineManager,
	clock media.Clock,
	idGen media.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.NumCrawls <= 0 {
		cfg.NumCrawls = 1
	}
	if cfg.PollInitialDelay <= 0 {
		cfg.PollInitialDelay = 10 * time.Second
	}
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = 60 * time.Second
	}
	return &Scheduler{
		jobs:       jobs,
		provider:   provider,
		vindex:     vindex,
		agentCtl:   agentCtl,
		feeds:      feeds,
		launcher:   launcher,
		pipelines:  pipelines,
		clock:      clock,
		idGen:      idGen,
		geoHandles: make(map[string]media.GeoCrawlHandle),
		cfg:        cfg,
		logger:     logger,
	}
}

// Start launches the admission poller.
func (s *Scheduler) Start(ctx context.Context) {
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.poller = NewPoller(s.cfg.PollInitialDelay, s.cfg.PollPeriod, s.TryLaunch, s.logger)
	s.poller.Start(s.runCtx)
}

// Submit persists a new WAITING keyword job and attempts immediate admission.
// A new submission fails with media.ErrConflict if a crawl-data directory or a
// job row for the collection already exists.
func (s *Scheduler) Submit(ctx context.Context, isNew bool, collection string, keywords []string) (media.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("crawl submit",
		zap.String("collection", collection),
		zap.Strings("keywords", keywords),
		zap.Bool("is_new", isNew),
	)

	crawlDataPath := filepath.Join(s.cfg.CrawlsDir, collection)
	if isNew {
		existing, err := s.jobs.FindByCollection(ctx, collection)
		if err != nil {
			return media.CrawlJob{}, fmt.Errorf("check existing jobs: %w", err)
		}
		if _, statErr := os.Stat(crawlDataPath); statErr == nil || len(existing) > 0 {
			return media.CrawlJob{}, fmt.Errorf("collection %q: %w", collection, media.ErrConflict)
		}
	}

	job, err := s.newJob(collection)
	if err != nil {
		return media.CrawlJob{}, err
	}
	job.Keywords = keywords
	job.CrawlDataPath = crawlDataPath
	job.IsNew = isNew

	if err := s.jobs.Create(ctx, job); err != nil {
		return media.CrawlJob{}, fmt.Errorf("persist job: %w", err)
	}
	metrics.ObserveJobState(string(media.JobStateWaiting))
	if err := s.tryLaunchLocked(ctx); err != nil {
		s.logger.Error("launch attempt after submit failed", zap.Error(err))
	}
	return job, nil
}

// SubmitGeo persists a new WAITING geo job. Conflict semantics are not
// enforced for geo submissions.
func (s *Scheduler) SubmitGeo(ctx context.Context, collection string, bbox media.BoundingBox) (media.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("geo crawl submit",
		zap.String("collection", collection),
		zap.Float64("lon_min", bbox.LonMin),
	)

	job, err := s.newJob(collection)
	if err != nil {
		return media.CrawlJob{}, err
	}
	job.BBox = bbox
	job.CrawlDataPath = filepath.Join(s.cfg.CrawlsDir, collection)

	if err := s.jobs.Create(ctx, job); err != nil {
		return media.CrawlJob{}, fmt.Errorf("persist job: %w", err)
	}
	metrics.ObserveJobState(string(media.JobStateWaiting))
	if err := s.tryLaunchLocked(ctx); err != nil {
		s.logger.Error("launch attempt after submit failed", zap.Error(err))
	}
	return job, nil
}

func (s *Scheduler) newJob(collection string) (media.CrawlJob, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return media.CrawlJob{}, fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	return media.CrawlJob{
		ID:              id,
		Collection:      collection,
		State:           media.JobStateWaiting,
		CreationDate:    now,
		LastStateChange: now,
	}, nil
}

// Stop transitions a RUNNING job to STOPPING and signals its crawl process.
func (s *Scheduler) Stop(ctx context.Context, id string) (media.CrawlJob, error) {
	return s.cancel(ctx, id, false)
}

// Kill transitions a RUNNING job to KILLING and signals its crawl process.
func (s *Scheduler) Kill(ctx context.Context, id string) (media.CrawlJob, error) {
	return s.cancel(ctx, id, true)
}

func (s *Scheduler) cancel(ctx context.Context, id string, immediately bool) (media.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return media.CrawlJob{}, fmt.Errorf("load job %s: %w", id, err)
	}
	if job.State != media.JobStateRunning {
		s.logger.Info("only RUNNING crawls accept stop/kill, ignoring",
			zap.String("id", id),
			zap.String("state", string(job.State)),
		)
		return job, nil
	}

	next := media.JobStateStopping
	if immediately {
		next = media.JobStateKilling
	}
	job.State = next
	job.LastStateChange = s.clock.Now()
	// The persisted transition is the source of truth; it must land before
	// any external cancellation signal is sent.
	if err := s.jobs.Update(ctx, job); err != nil {
		return media.CrawlJob{}, fmt.Errorf("persist %s: %w", next, err)
	}
	metrics.ObserveJobState(string(next))

	s.signalCancelLocked(ctx, job)
	return job, nil
}

// signalCancelLocked fires the external cancellation path for a job.
// Failures are logged, never retried and never rolled back.
func (s *Scheduler) signalCancelLocked(ctx context.Context, job media.CrawlJob) {
	if job.IsGeo() {
		if handle, ok := s.geoHandles[job.Collection]; ok {
			if err := handle.Stop(ctx); err != nil {
				s.logger.Error("geo crawl stop failed",
					zap.String("collection", job.Collection), zap.Error(err))
			}
			delete(s.geoHandles, job.Collection)
		} else {
			s.logger.Warn("no geo crawl handle for collection, cancellation unavailable",
				zap.String("collection", job.Collection))
		}
		return
	}
	if err := s.agentCtl.RequestStop(ctx, job.Collection); err != nil {
		s.logger.Error("agent stop request failed",
			zap.String("collection", job.Collection), zap.Error(err))
	}
	if err := s.feeds.CancelFeeds(ctx, job.Collection, false); err != nil {
		s.logger.Error("feed cancellation failed",
			zap.String("collection", job.Collection), zap.Error(err))
	}
}

// Delete removes a FINISHED job and all its collection-scoped data, or marks
// a RUNNING job for deferred deletion behind a cancellation signal. Any other
// state is a logged no-op.
func (s *Scheduler) Delete(ctx context.Context, id string) (media.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return media.CrawlJob{}, fmt.Errorf("load job %s: %w", id, err)
	}

	switch job.State {
	case media.JobStateFinished:
		job.State = media.JobStateDeleting
		job.LastStateChange = s.clock.Now()
		if err := s.jobs.Update(ctx, job); err != nil {
			s.logger.Error("persist DELETING failed", zap.String("id", id), zap.Error(err))
		}
		metrics.ObserveJobState(string(media.JobStateDeleting))
		s.cleanupLocked(ctx, job)
		return job, nil
	case media.JobStateRunning:
		job.State = media.JobStateDeleting
		job.PendingDelete = true
		job.LastStateChange = s.clock.Now()
		if err := s.jobs.Update(ctx, job); err != nil {
			return media.CrawlJob{}, fmt.Errorf("persist DELETING: %w", err)
		}
		metrics.ObserveJobState(string(media.JobStateDeleting))
		s.signalCancelLocked(ctx, job)
		return job, nil
	default:
		s.logger.Info("only RUNNING or FINISHED crawls can be deleted, ignoring",
			zap.String("id", id),
			zap.String("state", string(job.State)),
		)
		return job, nil
	}
}

// cleanupLocked removes everything owned by a collection. Every step is
// independently guarded: a failure in one is logged and does not abort the
// rest, so cleanup stays idempotent under re-invocation.
func (s *Scheduler) cleanupLocked(ctx context.Context, job media.CrawlJob) {
	if s.pipelines != nil {
		s.pipelines.Stop(job.Collection)
	}

	if err := s.jobs.Delete(ctx, job.ID); err != nil {
		s.logger.Error("delete job row failed", zap.String("id", job.ID), zap.Error(err))
	}
	if err := s.provider.Drop(ctx, job.Collection); err != nil {
		s.logger.Error("drop media namespace failed",
			zap.String("collection", job.Collection), zap.Error(err))
	}
	if err := s.vindex.DeleteCollection(ctx, job.Collection); err != nil {
		s.logger.Error("vector index deletion failed",
			zap.String("collection", job.Collection), zap.Error(err))
	}
	if err := os.RemoveAll(job.CrawlDataPath); err != nil {
		s.logger.Error("remove crawl data dir failed",
			zap.String("path", job.CrawlDataPath), zap.Error(err))
	}
	visualPath := filepath.Join(s.cfg.VisualDir, job.Collection)
	if err := os.RemoveAll(visualPath); err != nil {
		s.logger.Error("remove visual data dir failed",
			zap.String("path", visualPath), zap.Error(err))
	}
	delete(s.geoHandles, job.Collection)
}

// OnCrawlFinished is invoked when an external crawl process reports
// completion for a collection. It settles the job in FINISHED and completes
// any deferred deletion.
func (s *Scheduler) OnCrawlFinished(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.jobs.FindByCollection(ctx, collection)
	if err != nil {
		return fmt.Errorf("load jobs for %s: %w", collection, err)
	}
	var job media.CrawlJob
	found := false
	for _, j := range jobs {
		switch j.State {
		case media.JobStateStarting, media.JobStateRunning,
			media.JobStateStopping, media.JobStateKilling, media.JobStateDeleting:
			job = j
			found = true
		}
	}
	if !found {
		return fmt.Errorf("collection %s: %w", collection, media.ErrNotFound)
	}

	s.logger.Info("crawl finished", zap.String("collection", collection))
	delete(s.geoHandles, collection)

	if job.PendingDelete {
		s.cleanupLocked(ctx, job)
		return nil
	}

	job.State = media.JobStateFinished
	job.LastStateChange = s.clock.Now()
	if err := s.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("persist FINISHED: %w", err)
	}
	metrics.ObserveJobState(string(media.JobStateFinished))
	if s.pipelines != nil {
		s.pipelines.StopWhenFinished(collection)
	}
	return nil
}

// TryLaunch performs one admission check and at most one launch.
func (s *Scheduler) TryLaunch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tryLaunchLocked(ctx)
}

func (s *Scheduler) tryLaunchLocked(ctx context.Context) error {
	active, err := s.jobs.ListByStates(ctx, media.JobStateRunning, media.JobStateStarting)
	if err != nil {
		return fmt.Errorf("list active crawls: %w", err)
	}
	metrics.SetActiveCrawls(len(active))
	if len(active) >= s.cfg.NumCrawls {
		return nil
	}

	waiting, err := s.jobs.ListByStates(ctx, media.JobStateWaiting)
	if err != nil {
		return fmt.Errorf("list waiting crawls: %w", err)
	}
	if len(waiting) == 0 {
		return nil
	}

	job := waiting[0]
	job.State = media.JobStateStarting
	job.LastStateChange = s.clock.Now()
	if err := s.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("persist STARTING: %w", err)
	}
	metrics.ObserveJobState(string(media.JobStateStarting))

	// Launching the external process may block on network I/O; it must not
	// run inside the critical section.
	launchCtx := s.runCtx
	if launchCtx == nil {
		launchCtx = ctx
	}
	go s.launch(launchCtx, job)
	return nil
}

// launch starts the external crawl process for a STARTING job and settles it
// in RUNNING. Runs outside the scheduler critical section.
func (s *Scheduler) launch(ctx context.Context, job media.CrawlJob) {
	s.logger.Info("starting crawl",
		zap.String("collection", job.Collection),
		zap.Bool("geo", job.IsGeo()),
	)

	var launchErr error
	if job.IsGeo() {
		var handle media.GeoCrawlHandle
		handle, launchErr = s.launcher.StartGeoCrawl(ctx, job)
		if launchErr == nil {
			s.mu.Lock()
			s.geoHandles[job.Collection] = handle
			s.mu.Unlock()
		}
	} else {
		launchErr = s.launcher.StartKeywordCrawl(ctx, job)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.jobs.Get(ctx, job.ID)
	if err != nil {
		s.logger.Error("reload job after launch failed", zap.String("id", job.ID), zap.Error(err))
		return
	}
	if launchErr != nil {
		// A failed launch settles the job as FINISHED so its capacity slot
		// frees up and the usual delete path applies.
		s.logger.Error("crawl launch failed",
			zap.String("collection", job.Collection), zap.Error(launchErr))
		current.State = media.JobStateFinished
		current.LastStateChange = s.clock.Now()
		if err := s.jobs.Update(ctx, current); err != nil {
			s.logger.Error("persist FINISHED after failed launch", zap.Error(err))
		}
		return
	}

	// The crawl may have reported completion while the job was still
	// STARTING: an embedded crawl with no reachable seeds finishes as soon as
	// its collector returns. States past STARTING are settled and only ever
	// move forward.
	switch current.State {
	case media.JobStateStarting:
		current.State = media.JobStateRunning
		current.LastStateChange = s.clock.Now()
		if err := s.jobs.Update(ctx, current); err != nil {
			s.logger.Error("persist RUNNING failed", zap.String("id", job.ID), zap.Error(err))
		}
		metrics.ObserveJobState(string(media.JobStateRunning))
	case media.JobStateFinished:
		s.logger.Info("crawl finished before launch settled",
			zap.String("collection", job.Collection))
	default:
		s.logger.Info("job settled during launch, leaving state",
			zap.String("id", job.ID), zap.String("state", string(current.State)))
		return
	}

	if err := s.vindex.CreateCollection(ctx, job.Collection); err != nil {
		s.logger.Error("vector index collection creation failed",
			zap.String("collection", job.Collection), zap.Error(err))
	}
	if s.pipelines != nil {
		s.pipelines.Start(job.Collection)
		if current.State == media.JobStateFinished {
			s.pipelines.StopWhenFinished(job.Collection)
		}
	}
}

// ActiveCrawls returns the status of every job not yet removed.
func (s *Scheduler) ActiveCrawls(ctx context.Context) ([]media.CrawlStatus, error) {
	jobs, err := s.jobs.ListByStates(ctx,
		media.JobStateWaiting, media.JobStateStarting, media.JobStateRunning,
		media.JobStateStopping, media.JobStateKilling,
		media.JobStateFinished, media.JobStateDeleting,
	)
	if err != nil {
		return nil, fmt.Errorf("list crawls: %w", err)
	}
	statuses := make([]media.CrawlStatus, 0, len(jobs))
	for _, job := range jobs {
		statuses = append(statuses, s.statusFromJob(ctx, job))
	}
	return statuses, nil
}

// Status returns the status projection for one job. Like ActiveCrawls it
// runs outside the critical section: the job read is a single store get and
// the media-store counts can block on the database.
func (s *Scheduler) Status(ctx context.Context, id string) (media.CrawlStatus, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return media.CrawlStatus{}, fmt.Errorf("load job %s: %w", id, err)
	}
	return s.statusFromJob(ctx, job), nil
}

func (s *Scheduler) statusFromJob(ctx context.Context, job media.CrawlJob) media.CrawlStatus {
	status := media.CrawlStatus{CrawlJob: job, LastItemInserted: "-"}

	store, err := s.provider.Open(ctx, job.Collection)
	if err != nil {
		s.logger.Warn("open media store for status failed",
			zap.String("collection", job.Collection), zap.Error(err))
	} else {
		var lastImage, lastVideo time.Time
		if n, err := store.Count(ctx, media.MediaTypeImage); err == nil {
			status.NumImages = n
		}
		if n, err := store.Count(ctx, media.MediaTypeVideo); err == nil {
			status.NumVideos = n
		}
		if t, err := store.LastInserted(ctx, media.MediaTypeImage); err == nil {
			lastImage = t
		}
		if t, err := store.LastInserted(ctx, media.MediaTypeVideo); err == nil {
			lastVideo = t
		}
		last := lastImage
		if lastVideo.After(last) {
			last = lastVideo
		}
		if !last.IsZero() {
			status.LastItemInserted = last.UTC().Format(time.RFC3339)
		}
	}

	switch job.State {
	case media.JobStateWaiting:
		status.DurationMs = 0
	case media.JobStateRunning, media.JobStateStopping, media.JobStateKilling:
		status.DurationMs = s.clock.Now().Sub(job.CreationDate).Milliseconds()
	default:
		status.DurationMs = job.LastStateChange.Sub(job.CreationDate).Milliseconds()
	}
	return status
}

// Shutdown stops the poller and kills every RUNNING job best-effort. It does
// not wait for external confirmation.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.poller != nil {
		s.poller.Stop()
	}
	running, err := s.jobs.ListByStates(ctx, media.JobStateRunning)
	if err != nil {
		return fmt.Errorf("list running crawls: %w", err)
	}
	var errs []error
	for _, job := range running {
		if _, err := s.Kill(ctx, job.ID); err != nil {
			s.logger.Error("kill during shutdown failed",
				zap.String("id", job.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if s.runCancel != nil {
		s.runCancel()
	}
	return errors.Join(errs...)
}
