package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mediascope/crawler/internal/media"
	"github.com/mediascope/crawler/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

type seqIDs struct{ n atomic.Int64 }

func (g *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", g.n.Add(1)), nil
}

type fakeVIndex struct {
	mu      sync.Mutex
	created []string
	dropped []string
}

func (f *fakeVIndex) CreateCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	return nil
}

func (f *fakeVIndex) Extract(context.Context, string) ([]float32, error) { return nil, nil }

func (f *fakeVIndex) Index(context.Context, string, string, []float32) (bool, error) {
	return true, nil
}

func (f *fakeVIndex) DeleteCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, name)
	return nil
}

type fakeAgentControl struct {
	mu      sync.Mutex
	stopped []string
	err     error
}

func (f *fakeAgentControl) RequestStop(_ context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.stopped = append(f.stopped, collection)
	return nil
}

type fakeFeeds struct {
	mu        sync.Mutex
	cancelled []string
	err       error
}

func (f *fakeFeeds) AddKeywordFeeds(context.Context, string, []string) error { return nil }

func (f *fakeFeeds) AddGeoFeeds(context.Context, string, media.BoundingBox) error { return nil }

func (f *fakeFeeds) CancelFeeds(_ context.Context, collection string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, collection)
	return nil
}

type fakeGeoHandle struct {
	mu      sync.Mutex
	stopped bool
}

func (h *fakeGeoHandle) Stop(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	keyword  []string
	geo      []string
	failNext bool
	handle   *fakeGeoHandle
	// onStart, when set, runs synchronously after a successful keyword start,
	// before the launch call returns to the scheduler.
	onStart func(collection string)
}

func (f *fakeLauncher) StartKeywordCrawl(_ context.Context, job media.CrawlJob) error {
	f.mu.Lock()
	if f.failNext {
		f.failNext = false
		f.mu.Unlock()
		return fmt.Errorf("agent unreachable")
	}
	f.keyword = append(f.keyword, job.Collection)
	onStart := f.onStart
	f.mu.Unlock()
	if onStart != nil {
		onStart(job.Collection)
	}
	return nil
}

func (f *fakeLauncher) StartGeoCrawl(_ context.Context, job media.CrawlJob) (media.GeoCrawlHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, fmt.Errorf("agent unreachable")
	}
	f.geo = append(f.geo, job.Collection)
	if f.handle == nil {
		f.handle = &fakeGeoHandle{}
	}
	return f.handle, nil
}

type fakePipelines struct {
	mu      sync.Mutex
	started []string
	drained []string
	stopped []string
}

func (f *fakePipelines) Start(collection string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, collection)
}

func (f *fakePipelines) StopWhenFinished(collection string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drained = append(f.drained, collection)
}

func (f *fakePipelines) Stop(collection string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, collection)
}

type fixture struct {
	sched     *Scheduler
	jobs      *memory.JobStore
	provider  *memory.MediaProvider
	vindex    *fakeVIndex
	agent     *fakeAgentControl
	feeds     *fakeFeeds
	launcher  *fakeLauncher
	pipelines *fakePipelines
	clock     *fixedClock
}

func newFixture(t *testing.T, numCrawls int) *fixture {
	t.Helper()
	f := &fixture{
		jobs:      memory.NewJobStore(),
		provider:  memory.NewMediaProvider(),
		vindex:    &fakeVIndex{},
		agent:     &fakeAgentControl{},
		feeds:     &fakeFeeds{},
		launcher:  &fakeLauncher{},
		pipelines: &fakePipelines{},
		clock:     &fixedClock{now: time.Unix(1700000000, 0).UTC()},
	}
	dir := t.TempDir()
	f.sched = New(
		f.jobs, f.provider, f.vindex, f.agent, f.feeds, f.launcher, f.pipelines,
		f.clock, &seqIDs{},
		Config{
			NumCrawls: numCrawls,
			CrawlsDir: filepath.Join(dir, "crawls"),
			VisualDir: filepath.Join(dir, "visual"),
		},
		zap.NewNop(),
	)
	return f
}

func (f *fixture) waitState(t *testing.T, id string, want media.JobState) media.CrawlJob {
	t.Helper()
	var job media.CrawlJob
	require.Eventually(t, func() bool {
		var err error
		job, err = f.jobs.Get(context.Background(), id)
		return err == nil && job.State == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestSubmitLaunchesImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	job, err := f.sched.Submit(context.Background(), true, "protests", []string{"protest"})
	require.NoError(t, err)
	require.Equal(t, media.JobStateWaiting, job.State)

	f.waitState(t, job.ID, media.JobStateRunning)

	f.launcher.mu.Lock()
	require.Equal(t, []string{"protests"}, f.launcher.keyword)
	f.launcher.mu.Unlock()
	f.pipelines.mu.Lock()
	require.Equal(t, []string{"protests"}, f.pipelines.started)
	f.pipelines.mu.Unlock()
	f.vindex.mu.Lock()
	require.Equal(t, []string{"protests"}, f.vindex.created)
	f.vindex.mu.Unlock()
}

func TestSubmitConflictOnExistingJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	_, err := f.sched.Submit(context.Background(), true, "protests", []string{"protest"})
	require.NoError(t, err)

	_, err = f.sched.Submit(context.Background(), true, "protests", []string{"protest"})
	require.ErrorIs(t, err, media.ErrConflict)

	// Resuming an existing collection is allowed.
	f.waitState(t, "job-1", media.JobStateRunning)
	_, err = f.sched.Submit(context.Background(), false, "protests", []string{"protest"})
	require.NoError(t, err)
}

func TestSubmitConflictOnExistingCrawlDir(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	path := filepath.Join(f.sched.cfg.CrawlsDir, "protests")
	require.NoError(t, os.MkdirAll(path, 0o750))

	_, err := f.sched.Submit(context.Background(), true, "protests", []string{"protest"})
	require.ErrorIs(t, err, media.ErrConflict)
}

func TestAdmissionCapHoldsJobsWaiting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	first, err := f.sched.Submit(context.Background(), true, "one", []string{"a"})
	require.NoError(t, err)
	f.waitState(t, first.ID, media.JobStateRunning)

	second, err := f.sched.Submit(context.Background(), true, "two", []string{"b"})
	require.NoError(t, err)
	third, err := f.sched.Submit(context.Background(), true, "three", []string{"c"})
	require.NoError(t, err)

	got, err := f.jobs.Get(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, media.JobStateWaiting, got.State)

	// Capacity frees up when the first crawl reports completion; the oldest
	// waiting job goes next.
	require.NoError(t, f.sched.OnCrawlFinished(context.Background(), "one"))
	require.NoError(t, f.sched.TryLaunch(context.Background()))
	f.waitState(t, second.ID, media.JobStateRunning)

	got, err = f.jobs.Get(context.Background(), third.ID)
	require.NoError(t, err)
	require.Equal(t, media.JobStateWaiting, got.State)
}

func TestStopTransitionsAndSignals(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	job, err := f.sched.Submit(context.Background(), true, "protests", []string{"protest"})
	require.NoError(t, err)
	f.waitState(t, job.ID, media.JobStateRunning)

	stopped, err := f.sched.Stop(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, media.JobStateStopping, stopped.State)

	f.agent.mu.Lock()
	require.Equal(t, []string{"protests"}, f.agent.stopped)
	f.agent.mu.Unlock()
	f.feeds.mu.Lock()
	require.Equal(t, []string{"protests"}, f.feeds.cancelled)
	f.feeds.mu.Unlock()
}

func TestKillTransitions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	job, err := f.sched.Submit(context.Background(), true, "protests", []string{"protest"})
	require.NoError(t, err)
	f.waitState(t, job.ID, media.JobStateRunning)

	killed, err := f.sched.Kill(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, media.JobStateKilling, killed.State)
}

func TestStopNonRunningIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	// Fill the capacity slot so the second submission stays WAITING.
	first, err := f.sched.Submit(context.Background(), true, "one", []string{"a"})
	require.NoError(t, err)
	f.waitState(t, first.ID, media.JobStateRunning)
	second, err := f.sched.Submit(context.Background(), true, "two", []string{"b"})
	require.NoError(t, err)

	got, err := f.sched.Stop(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, media.JobStateWaiting, got.State)

	f.agent.mu.Lock()
	require.Empty(t, f.agent.stopped)
	f.agent.mu.Unlock()
}

func TestStopSignalFailuresDoNotRevertState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	f.agent.err = errors.New("agent down")
	f.feeds.err = errors.New("stream manager down")

	job, err := f.sched.Submit(context.Background(), true, "protests", []string{"protest"})
	require.NoError(t, err)
	f.waitState(t, job.ID, media.JobStateRunning)

	stopped, err := f.sched.Stop(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, media.JobStateStopping, stopped.State)

	got, err := f.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, media.JobStateStopping, got.State)
}

func TestGeoCrawlUsesHandleForStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	bbox := media.BoundingBox{LonMin: 22.9, LatMin: 40.5, LonMax: 23.1, LatMax: 40.7}
	job, err := f.sched.SubmitGeo(context.Background(), "floods", bbox)
	require.NoError(t, err)
	f.waitState(t, job.ID, media.JobStateRunning)

	_, err = f.sched.Stop(context.Background(), job.ID)
	require.NoError(t, err)

	f.launcher.handle.mu.Lock()
	require.True(t, f.launcher.handle.stopped)
	f.launcher.handle.mu.Unlock()

	// Geo crawls never go through the keyword agent.
	f.agent.mu.Lock()
	require.Empty(t, f.agent.stopped)
	f.agent.mu.Unlock()
}

func TestFailedLaunchSettlesFinished(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	f.launcher.failNext = true

	job, err := f.sched.Submit(context.Background(), true, "protests", []string{"protest"})
	require.NoError(t, err)
	f.waitState(t, job.ID, media.JobStateFinished)

	// The failed job no longer occupies a capacity slot.
	next, err := f.sched.Submit(context.Background(), true, "other", []string{"x"})
	require.NoError(t, err)
	f.waitState(t, next.ID, media.JobStateRunning)
}

func TestCrawlFinishingDuringLaunchStaysFinished(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	// An embedded crawl with nothing to fetch reports completion before the
	// start call even returns, while the job is still STARTING.
	f.launcher.onStart = func(collection string) {
		require.NoError(t, f.sched.OnCrawlFinished(context.Background(), collection))
	}

	job, err := f.sched.Submit(context.Background(), true, "protests", []string{"protest"})
	require.NoError(t, err)
	f.waitState(t, job.ID, media.JobStateFinished)

	// FINISHED is settled; the launch goroutine must not move the job back
	// to RUNNING once it reloads.
	time.Sleep(50 * time.Millisecond)
	got, err := f.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, media.JobStateFinished, got.State)

	// The capacity slot is free again. The finish-during-launch hook applies
	// only to the first crawl; clear it so the next launch settles normally.
	f.launcher.mu.Lock()
	f.launcher.onStart = nil
	f.launcher.mu.Unlock()
	next, err := f.sched.Submit(context.Background(), true, "other", []string{"x"})
	require.NoError(t, err)
	f.waitState(t, next.ID, media.JobStateRunning)

	// Whatever the short-lived crawl harvested still gets indexed: the
	// pipeline starts and immediately drains out.
	require.Eventually(t, func() bool {
		f.pipelines.mu.Lock()
		defer f.pipelines.mu.Unlock()
		return slices.Contains(f.pipelines.started, "protests") &&
			slices.Contains(f.pipelines.drained, "protests")
	}, 5*time.Second, 5*time.Millisecond)
}

func TestOnCrawlFinishedSettlesAndDrainsPipeline(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	job, err := f.sched.Submit(context.Background(), true, "protests", []string{"protest"})
	require.NoError(t, err)
	f.waitState(t, job.ID, media.JobStateRunning)

	require.NoError(t, f.sched.OnCrawlFinished(context.Background(), "protests"))

	got, err := f.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, media.JobStateFinished, got.State)

	f.pipelines.mu.Lock()
	require.Equal(t, []string{"protests"}, f.pipelines.drained)
	f.pipelines.mu.Unlock()
}

func TestOnCrawlFinishedUnknownCollection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	err := f.sched.OnCrawlFinished(context.Background(), "unknown")
	require.ErrorIs(t, err, media.ErrNotFound)
}

func TestDeleteFinishedCleansEverything(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	job, err := f.sched.Submit(context.Background(), true, "protests", []string{"protest"})
	require.NoError(t, err)
	f.waitState(t, job.ID, media.JobStateRunning)
	require.NoError(t, f.sched.OnCrawlFinished(context.Background(), "protests"))

	require.NoError(t, os.MkdirAll(filepath.Join(f.sched.cfg.CrawlsDir, "protests"), 0o750))

	_, err = f.sched.Delete(context.Background(), job.ID)
	require.NoError(t, err)

	_, err = f.jobs.Get(context.Background(), job.ID)
	require.ErrorIs(t, err, media.ErrNotFound)

	f.vindex.mu.Lock()
	require.Equal(t, []string{"protests"}, f.vindex.dropped)
	f.vindex.mu.Unlock()
	f.pipelines.mu.Lock()
	require.Equal(t, []string{"protests"}, f.pipelines.stopped)
	f.pipelines.mu.Unlock()

	_, statErr := os.Stat(filepath.Join(f.sched.cfg.CrawlsDir, "protests"))
	require.True(t, os.IsNotExist(statErr))
}

func TestDeleteRunningDefersCleanupUntilFinished(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	job, err := f.sched.Submit(context.Background(), true, "protests", []string{"protest"})
	require.NoError(t, err)
	f.waitState(t, job.ID, media.JobStateRunning)

	deleted, err := f.sched.Delete(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, media.JobStateDeleting, deleted.State)
	require.True(t, deleted.PendingDelete)

	// The cancellation signal fired but the row and data survive until the
	// crawl reports completion.
	f.agent.mu.Lock()
	require.Equal(t, []string{"protests"}, f.agent.stopped)
	f.agent.mu.Unlock()
	_, err = f.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)

	require.NoError(t, f.sched.OnCrawlFinished(context.Background(), "protests"))
	_, err = f.jobs.Get(context.Background(), job.ID)
	require.ErrorIs(t, err, media.ErrNotFound)
}

func TestDeleteWaitingIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	first, err := f.sched.Submit(context.Background(), true, "one", []string{"a"})
	require.NoError(t, err)
	f.waitState(t, first.ID, media.JobStateRunning)
	second, err := f.sched.Submit(context.Background(), true, "two", []string{"b"})
	require.NoError(t, err)

	got, err := f.sched.Delete(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, media.JobStateWaiting, got.State)

	_, err = f.jobs.Get(context.Background(), second.ID)
	require.NoError(t, err)
}

func TestStatusDurationSemantics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	job, err := f.sched.Submit(context.Background(), true, "protests", []string{"protest"})
	require.NoError(t, err)
	f.waitState(t, job.ID, media.JobStateRunning)

	// A running crawl measures duration against the wall clock.
	f.clock.now = f.clock.now.Add(2 * time.Minute)
	status, err := f.sched.Status(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, (2 * time.Minute).Milliseconds(), status.DurationMs)
	require.Equal(t, "-", status.LastItemInserted)

	// A settled crawl freezes duration at its last state change.
	require.NoError(t, f.sched.OnCrawlFinished(context.Background(), "protests"))
	f.clock.now = f.clock.now.Add(time.Hour)
	status, err = f.sched.Status(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, (2 * time.Minute).Milliseconds(), status.DurationMs)
}

func TestStatusCountsMedia(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	job, err := f.sched.Submit(context.Background(), true, "protests", []string{"protest"})
	require.NoError(t, err)
	f.waitState(t, job.ID, media.JobStateRunning)

	store, err := f.provider.Open(context.Background(), "protests")
	require.NoError(t, err)
	crawled := f.clock.now.Add(30 * time.Second)
	require.NoError(t, store.Insert(context.Background(), media.MediaItem{
		ID: "img-1", URL: "u1", Type: media.MediaTypeImage, CrawlDate: crawled,
	}))
	require.NoError(t, store.Insert(context.Background(), media.MediaItem{
		ID: "vid-1", URL: "u2", Type: media.MediaTypeVideo, CrawlDate: crawled.Add(time.Second),
	}))

	status, err := f.sched.Status(context.Background(), job.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, status.NumImages)
	require.EqualValues(t, 1, status.NumVideos)
	require.Equal(t, crawled.Add(time.Second).UTC().Format(time.RFC3339), status.LastItemInserted)
}

func TestStatusRunsOutsideSchedulerSection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	job, err := f.sched.Submit(context.Background(), true, "protests", []string{"protest"})
	require.NoError(t, err)
	f.waitState(t, job.ID, media.JobStateRunning)

	// A held critical section (a slow launch or cleanup elsewhere) must not
	// stall status reads.
	f.sched.mu.Lock()
	defer f.sched.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := f.sched.Status(context.Background(), job.ID)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("status blocked on the scheduler critical section")
	}
}

func TestActiveCrawlsListsEveryJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	first, err := f.sched.Submit(context.Background(), true, "one", []string{"a"})
	require.NoError(t, err)
	f.waitState(t, first.ID, media.JobStateRunning)
	_, err = f.sched.Submit(context.Background(), true, "two", []string{"b"})
	require.NoError(t, err)

	statuses, err := f.sched.ActiveCrawls(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)
}

func TestShutdownKillsRunningCrawls(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	job, err := f.sched.Submit(context.Background(), true, "protests", []string{"protest"})
	require.NoError(t, err)
	f.waitState(t, job.ID, media.JobStateRunning)

	require.NoError(t, f.sched.Shutdown(context.Background()))

	got, err := f.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, media.JobStateKilling, got.State)
}
