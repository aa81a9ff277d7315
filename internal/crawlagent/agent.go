// Package crawlagent runs in-process keyword web crawls built on Colly. It
// walks seed search pages for each keyword, harvests image and video links
// into the collection's media store, and reports completion so the indexing
// side can pick the items up.
//
// Geo crawls are fed externally by the stream manager and have no in-process
// completion signal: the launcher never reports them finished, so a geo job
// that is stopped or delete-requested while running settles only once the
// stream manager (or an operator) calls the finished webhook.
package crawlagent

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/mediascope/crawler/internal/media"
	"github.com/mediascope/crawler/internal/progress"
)

// Config controls the embedded crawl agent.
type Config struct {
	UserAgent          string
	Concurrency        int
	RateLimitPerDomain int
	RequestTimeout     time.Duration
	MaxDepth           int
	// SeedTemplates are URL templates with a %s placeholder that gets one
	// query-escaped keyword each.
	SeedTemplates []string
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = "mediascope/1.0"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.RateLimitPerDomain <= 0 {
		c.RateLimitPerDomain = 2
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 20 * time.Second
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 2
	}
	return c
}

var videoExtensions = map[string]bool{
	".mp4":  true,
	".webm": true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
}

// CompletionReporter is told when a collection's crawl has wound down. The
// admission side uses this to settle the job and flip the pipeline into
// drain mode.
type CompletionReporter interface {
	OnCrawlFinished(ctx context.Context, collection string) error
}

// Launcher implements media.CrawlLauncher and media.AgentControl for crawls
// hosted inside this process.
type Launcher struct {
	cfg      Config
	provider media.MediaStoreProvider
	feeds    media.FeedService
	ids      media.IDGenerator
	clock    media.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	reporter CompletionReporter
	emitter  progress.Emitter
}

// NewLauncher constructs a Launcher. The completion reporter is attached
// afterwards via SetReporter since the two sides reference each other.
func NewLauncher(cfg Config, provider media.MediaStoreProvider, feedSvc media.FeedService,
	ids media.IDGenerator, clock media.Clock, logger *zap.Logger) (*Launcher, error) {
	if provider == nil {
		return nil, fmt.Errorf("media store provider is required")
	}
	if feedSvc == nil {
		return nil, fmt.Errorf("feed service is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{
		cfg:      cfg.withDefaults(),
		provider: provider,
		feeds:    feedSvc,
		ids:      ids,
		clock:    clock,
		logger:   logger,
		running:  make(map[string]context.CancelFunc),
	}, nil
}

// SetReporter attaches the completion reporter.
func (l *Launcher) SetReporter(r CompletionReporter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reporter = r
}

// SetEmitter attaches an optional progress emitter. Crawls report lifecycle,
// page visit and harvest milestones through it.
func (l *Launcher) SetEmitter(e progress.Emitter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emitter = e
}

func (l *Launcher) emit(evt progress.Event) {
	l.mu.Lock()
	emitter := l.emitter
	l.mu.Unlock()
	if emitter != nil {
		emitter.Emit(evt)
	}
}

// StartKeywordCrawl subscribes the collection's keyword feeds and kicks off
// the web crawl in the background.
func (l *Launcher) StartKeywordCrawl(ctx context.Context, job media.CrawlJob) error {
	if len(job.Keywords) == 0 {
		return fmt.Errorf("keyword crawl for %s has no keywords", job.Collection)
	}
	if err := l.feeds.AddKeywordFeeds(ctx, job.Collection, job.Keywords); err != nil {
		return fmt.Errorf("subscribe keyword feeds: %w", err)
	}
	store, err := l.provider.Open(ctx, job.Collection)
	if err != nil {
		return fmt.Errorf("open media store: %w", err)
	}

	crawlCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	if _, exists := l.running[job.Collection]; exists {
		l.mu.Unlock()
		cancel()
		return fmt.Errorf("crawl for %s is already running", job.Collection)
	}
	l.running[job.Collection] = cancel
	l.mu.Unlock()

	go l.run(crawlCtx, job, store)
	return nil
}

// StartGeoCrawl subscribes the collection's geo feeds. Geo crawls are fed
// entirely by the stream manager, so the returned handle only has to cancel
// the subscriptions.
func (l *Launcher) StartGeoCrawl(ctx context.Context, job media.CrawlJob) (media.GeoCrawlHandle, error) {
	if job.BBox.IsZero() {
		return nil, fmt.Errorf("geo crawl for %s has no bounding box", job.Collection)
	}
	if err := l.feeds.AddGeoFeeds(ctx, job.Collection, job.BBox); err != nil {
		return nil, fmt.Errorf("subscribe geo feeds: %w", err)
	}
	return &geoHandle{launcher: l, collection: job.Collection}, nil
}

// RequestStop cancels a running keyword crawl. Unknown collections are a
// logged no-op so stop stays idempotent.
func (l *Launcher) RequestStop(_ context.Context, collection string) error {
	l.mu.Lock()
	cancel, ok := l.running[collection]
	l.mu.Unlock()
	if !ok {
		l.logger.Warn("stop requested for unknown crawl", zap.String("collection", collection))
		return nil
	}
	cancel()
	return nil
}

func (l *Launcher) run(ctx context.Context, job media.CrawlJob, store media.MediaStore) {
	logger := l.logger.With(zap.String("collection", job.Collection))
	logger.Info("keyword crawl started", zap.Strings("keywords", job.Keywords))

	started := l.clock.Now()
	l.emit(progress.Event{
		Collection: job.Collection,
		TS:         started,
		Stage:      progress.StageCrawlStart,
	})

	if err := l.crawl(ctx, job, store); err != nil && ctx.Err() == nil {
		logger.Error("keyword crawl failed", zap.Error(err))
		l.emit(progress.Event{
			Collection: job.Collection,
			TS:         l.clock.Now(),
			Stage:      progress.StageCrawlError,
			Dur:        l.clock.Now().Sub(started),
			Note:       err.Error(),
		})
	} else {
		l.emit(progress.Event{
			Collection: job.Collection,
			TS:         l.clock.Now(),
			Stage:      progress.StageCrawlDone,
			Dur:        l.clock.Now().Sub(started),
		})
	}

	l.mu.Lock()
	delete(l.running, job.Collection)
	reporter := l.reporter
	l.mu.Unlock()

	logger.Info("keyword crawl finished")
	if reporter != nil {
		if err := reporter.OnCrawlFinished(context.Background(), job.Collection); err != nil {
			logger.Error("report crawl completion", zap.Error(err))
		}
	}
}

func (l *Launcher) crawl(ctx context.Context, job media.CrawlJob, store media.MediaStore) error {
	collector := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(l.cfg.UserAgent),
		colly.MaxDepth(l.cfg.MaxDepth),
		colly.StdlibContext(ctx),
	)
	collector.AllowURLRevisit = false
	collector.SetRequestTimeout(l.cfg.RequestTimeout)

	delay := time.Second / time.Duration(l.cfg.RateLimitPerDomain)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: l.cfg.Concurrency,
		Delay:       delay,
	}); err != nil {
		return fmt.Errorf("configure rate limit: %w", err)
	}

	collector.OnHTML("img[src]", func(e *colly.HTMLElement) {
		l.harvest(ctx, job.Collection, store, e.Request.AbsoluteURL(e.Attr("src")), media.MediaTypeImage)
	})
	collector.OnHTML("video source[src]", func(e *colly.HTMLElement) {
		l.harvest(ctx, job.Collection, store, e.Request.AbsoluteURL(e.Attr("src")), media.MediaTypeVideo)
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" || ctx.Err() != nil {
			return
		}
		if isVideoLink(link) {
			l.harvest(ctx, job.Collection, store, link, media.MediaTypeVideo)
			return
		}
		_ = e.Request.Visit(link)
	})
	collector.OnResponse(func(r *colly.Response) {
		l.emit(progress.Event{
			Collection:  job.Collection,
			TS:          l.clock.Now(),
			Stage:       progress.StagePageVisit,
			Site:        r.Request.URL.Hostname(),
			URL:         r.Request.URL.String(),
			StatusClass: progress.ClassifyStatus(r.StatusCode),
		})
	})
	collector.OnError(func(r *colly.Response, err error) {
		l.logger.Debug("page fetch failed",
			zap.String("url", r.Request.URL.String()),
			zap.Error(err))
	})

	for _, seed := range l.seeds(job.Keywords) {
		if err := collector.Visit(seed); err != nil {
			l.logger.Warn("visit seed failed", zap.String("seed", seed), zap.Error(err))
		}
	}
	collector.Wait()
	return ctx.Err()
}

func (l *Launcher) harvest(ctx context.Context, collection string, store media.MediaStore, link string, mt media.MediaType) {
	if link == "" || ctx.Err() != nil {
		return
	}
	normalized, err := normalizeURL(link)
	if err != nil {
		return
	}
	id, err := l.ids.NewID()
	if err != nil {
		l.logger.Error("generate media id", zap.Error(err))
		return
	}
	item := media.MediaItem{
		ID:        id,
		URL:       normalized,
		Type:      mt,
		CrawlDate: l.clock.Now(),
	}
	if err := store.Insert(ctx, item); err != nil {
		l.logger.Debug("insert harvested media",
			zap.String("url", normalized),
			zap.Error(err))
		return
	}
	l.emit(progress.Event{
		Collection: collection,
		TS:         item.CrawlDate,
		Stage:      progress.StageMediaFound,
		URL:        normalized,
		MediaType:  string(mt),
	})
}

func (l *Launcher) seeds(keywords []string) []string {
	templates := l.cfg.SeedTemplates
	out := make([]string, 0, len(templates)*len(keywords))
	for _, tmpl := range templates {
		for _, kw := range keywords {
			out = append(out, fmt.Sprintf(tmpl, url.QueryEscape(kw)))
		}
	}
	return out
}

func isVideoLink(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return videoExtensions[strings.ToLower(path.Ext(u.Path))]
}

// normalizeURL lowercases scheme and host, strips default ports and
// fragments, and sorts query parameters so revisits dedupe.
func normalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawQuery = u.Query().Encode()
	return u.String(), nil
}

type geoHandle struct {
	launcher   *Launcher
	collection string
	stopOnce   sync.Once
}

// Stop cancels the geo feed subscriptions behind the crawl.
func (h *geoHandle) Stop(ctx context.Context) error {
	var err error
	h.stopOnce.Do(func() {
		err = h.launcher.feeds.CancelFeeds(ctx, h.collection, true)
	})
	return err
}
