package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mediascope/crawler/internal/progress"
)

// PrometheusSink exports crawl progress metrics via Prometheus. It owns all
// collectors for crawls started/completed/running plus per-collection harvest
// counters.
type PrometheusSink struct {
	crawlsStarted   prometheus.Counter
	crawlsCompleted *prometheus.CounterVec
	crawlsRunning   prometheus.Gauge
	crawlRuntime    *prometheus.HistogramVec

	pagesVisited *prometheus.CounterVec
	mediaFound   *prometheus.CounterVec

	tracker *crawlTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		crawlsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_agent_crawls_started_total",
			Help: "Total crawls that have started.",
		}),
		crawlsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_agent_crawls_completed_total",
			Help: "Total crawls completed partitioned by result.",
		}, []string{"result"}),
		crawlsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_agent_crawls_running",
			Help: "Current number of running crawls.",
		}),
		crawlRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawl_agent_crawl_runtime_seconds",
			Help:    "Wall time per completed crawl.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		pagesVisited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_agent_pages_visited_total",
			Help: "Pages visited partitioned by collection and status class.",
		}, []string{"collection", "status_class"}),
		mediaFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_agent_media_found_total",
			Help: "Media items harvested partitioned by collection and type.",
		}, []string{"collection", "media_type"}),
		tracker: newCrawlTracker(),
	}
	var err error
	if s.crawlsStarted, err = registerCollector(reg, s.crawlsStarted); err != nil {
		return nil, err
	}
	if s.crawlsCompleted, err = registerCollector(reg, s.crawlsCompleted); err != nil {
		return nil, err
	}
	if s.crawlsRunning, err = registerCollector(reg, s.crawlsRunning); err != nil {
		return nil, err
	}
	if s.crawlRuntime, err = registerCollector(reg, s.crawlRuntime); err != nil {
		return nil, err
	}
	if s.pagesVisited, err = registerCollector(reg, s.pagesVisited); err != nil {
		return nil, err
	}
	if s.mediaFound, err = registerCollector(reg, s.mediaFound); err != nil {
		return nil, err
	}
	return s, nil
}

// registerCollector registers c, adopting an identical collector if one is
// already registered so repeated sink construction stays safe.
func registerCollector[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	var zero C
	return zero, fmt.Errorf("register progress collector: %w", err)
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCrawlStart, progress.StageCrawlDone, progress.StageCrawlError:
		s.handleCrawlEvent(evt)
	case progress.StagePageVisit:
		s.handlePageEvent(evt)
	case progress.StageMediaFound:
		s.mediaFound.WithLabelValues(evt.Collection, evt.MediaType).Inc()
	}
}

func (s *PrometheusSink) handleCrawlEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCrawlStart:
		s.crawlsStarted.Inc()
		if s.tracker.start(evt.Collection) {
			s.crawlsRunning.Inc()
		}
	case progress.StageCrawlDone:
		s.crawlsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageCrawlError:
		s.crawlsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageCrawlStart && s.tracker.complete(evt.Collection) {
		s.crawlsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.crawlRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handlePageEvent(evt progress.Event) {
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.pagesVisited.WithLabelValues(evt.Collection, statusClass).Inc()
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type crawlTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newCrawlTracker() *crawlTracker {
	return &crawlTracker{running: make(map[string]struct{})}
}

func (t *crawlTracker) start(collection string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[collection]; ok {
		return false
	}
	t.running[collection] = struct{}{}
	return true
}

func (t *crawlTracker) complete(collection string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[collection]; !ok {
		return false
	}
	delete(t.running, collection)
	return true
}
