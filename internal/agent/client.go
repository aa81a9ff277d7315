// Package agent remote-controls the external keyword crawl agents.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/mediascope/crawler/internal/media"
)

// Config controls the agent HTTP client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements media.AgentControl against a remote crawl agent manager.
// Each collection's agent is addressed by name under /agent/.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates an agent control client. A zero Timeout defaults to 15s.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("agent.base_url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

type startRequest struct {
	JobID    string            `json:"job_id"`
	Keywords []string          `json:"keywords,omitempty"`
	BBox     media.BoundingBox `json:"bbox,omitempty"`
	DataPath string            `json:"data_path"`
}

// StartKeywordCrawl asks the agent manager to spin up a keyword crawl for
// the job's collection.
func (c *Client) StartKeywordCrawl(ctx context.Context, job media.CrawlJob) error {
	return c.start(ctx, job.Collection, startRequest{
		JobID:    job.ID,
		Keywords: job.Keywords,
		DataPath: job.CrawlDataPath,
	})
}

// StartGeoCrawl asks the agent manager to spin up a geo crawl. The returned
// handle routes cancellation back through the same agent endpoint.
func (c *Client) StartGeoCrawl(ctx context.Context, job media.CrawlJob) (media.GeoCrawlHandle, error) {
	err := c.start(ctx, job.Collection, startRequest{
		JobID:    job.ID,
		BBox:     job.BBox,
		DataPath: job.CrawlDataPath,
	})
	if err != nil {
		return nil, err
	}
	return &remoteGeoHandle{client: c, collection: job.Collection}, nil
}

func (c *Client) start(ctx context.Context, collection string, payload startRequest) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal start request: %w", err)
	}
	target := c.baseURL + "/agent/" + url.PathEscape(collection) + "/start"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request agent start: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("start crawl for %s: unexpected status %d", collection, resp.StatusCode)
	}
	return nil
}

type remoteGeoHandle struct {
	client     *Client
	collection string
}

func (h *remoteGeoHandle) Stop(ctx context.Context) error {
	return h.client.RequestStop(ctx, h.collection)
}

// RequestStop asks the agent crawling the named collection to shut down. The
// agent acknowledges immediately and winds down in the background; completion
// arrives later through the finished webhook.
func (c *Client) RequestStop(ctx context.Context, collection string) error {
	target := c.baseURL + "/agent/" + url.PathEscape(collection) + "/stop"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return fmt.Errorf("build stop request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request agent stop: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		c.logger.Info("agent stop requested", zap.String("collection", collection))
		return nil
	case http.StatusNotFound:
		// No live agent for the collection. The crawl may already be done.
		c.logger.Warn("no agent found for collection", zap.String("collection", collection))
		return nil
	default:
		return fmt.Errorf("request agent stop for %s: unexpected status %d", collection, resp.StatusCode)
	}
}
