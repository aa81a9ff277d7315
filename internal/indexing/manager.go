package indexing

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mediascope/crawler/internal/media"
)

// Manager keeps one running Pipeline per active collection.
type Manager struct {
	mu        sync.Mutex
	pipelines map[string]*Pipeline

	provider  media.MediaStoreProvider
	vindex    media.VectorIndex
	publisher media.Publisher
	cfg       Config
	logger    *zap.Logger

	baseCtx context.Context
}

// NewManager constructs a Manager. Pipelines started by the manager run
// under the given base context.
func NewManager(
	ctx context.Context,
	provider media.MediaStoreProvider,
	vindex media.VectorIndex,
	publisher media.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		pipelines: make(map[string]*Pipeline),
		provider:  provider,
		vindex:    vindex,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		baseCtx:   ctx,
	}
}

// Start launches a pipeline for the collection if none is running.
func (m *Manager) Start(collection string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.pipelines[collection]; ok {
		select {
		case <-existing.Done():
			// fell through, replace it below
		default:
			return
		}
	}
	p := NewPipeline(collection, m.provider, m.vindex, m.publisher, m.cfg, m.logger)
	m.pipelines[collection] = p
	go p.Run(m.baseCtx)
}

// StopWhenFinished requests a graceful drain for the collection's pipeline.
func (m *Manager) StopWhenFinished(collection string) {
	m.mu.Lock()
	p, ok := m.pipelines[collection]
	m.mu.Unlock()
	if ok {
		p.StopWhenFinished()
	}
}

// Stop force-stops the collection's pipeline and forgets it.
func (m *Manager) Stop(collection string) {
	m.mu.Lock()
	p, ok := m.pipelines[collection]
	delete(m.pipelines, collection)
	m.mu.Unlock()
	if ok {
		p.Stop()
	}
}

// StopAll force-stops every pipeline, used at process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		all = append(all, p)
	}
	m.pipelines = make(map[string]*Pipeline)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range all {
		wg.Add(1)
		go func(p *Pipeline) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	wg.Wait()
}
