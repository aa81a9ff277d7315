// Package feeds manages keyword and geo feed subscriptions on the external
// social stream manager.
package feeds

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

// Feed sources handled by the stream manager. Keyword crawls subscribe every
// keyword source; geo crawls subscribe the location sources.
var (
	KeywordSources = []string{"Twitter", "Flickr", "Instagram", "YouTube"}
	GeoSources     = []string{"StreetView", "Panoramio", "Wikimapia"}
)

// Lookback is how far back a new subscription asks the stream manager to
// backfill.
const Lookback = 30 * 24 * time.Hour

// Config controls the feeds HTTP client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements media.FeedService against the stream manager.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
	clock   media.Clock
}

// NewClient creates a feeds client. A zero Timeout defaults to 30s.
func NewClient(cfg Config, clock media.Clock, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("feeds.base_url is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		clock:   clock,
	}, nil
}

// FeedID names the subscription one source carries for one collection.
func FeedID(source, collection string) string {
	return source + "#" + collection
}

type keywordFeedRequest struct {
	ID       string    `json:"id"`
	Source   string    `json:"source"`
	Keywords []string  `json:"keywords"`
	Since    time.Time `json:"since"`
}

type geoFeedRequest struct {
	ID     string            `json:"id"`
	Source string            `json:"source"`
	BBox   media.BoundingBox `json:"bbox"`
	Since  time.Time         `json:"since"`
}

// AddKeywordFeeds subscribes the collection's keywords on every keyword
// source.
func (c *Client) AddKeywordFeeds(ctx context.Context, collection string, keywords []string) error {
	since := c.clock.Now().Add(-Lookback)
	for _, source := range KeywordSources {
		req := keywordFeedRequest{
			ID:       FeedID(source, collection),
			Source:   source,
			Keywords: keywords,
			Since:    since,
		}
		if err := c.postJSON(ctx, "/feeds/keywords", req); err != nil {
			return fmt.Errorf("add %s keyword feed: %w", source, err)
		}
	}
	return nil
}

// AddGeoFeeds subscribes the collection's bounding box on every geo source.
func (c *Client) AddGeoFeeds(ctx context.Context, collection string, bbox media.BoundingBox) error {
	since := c.clock.Now().Add(-Lookback)
	for _, source := range GeoSources {
		req := geoFeedRequest{
			ID:     FeedID(source, collection),
			Source: source,
			BBox:   bbox,
			Since:  since,
		}
		if err := c.postJSON(ctx, "/feeds/geo", req); err != nil {
			return fmt.Errorf("add %s geo feed: %w", source, err)
		}
	}
	return nil
}

// CancelFeeds removes the collection's subscriptions from every relevant
// source. Individual failures are logged and skipped so one unreachable
// source cannot leave the others subscribed.
func (c *Client) CancelFeeds(ctx context.Context, collection string, isGeo bool) error {
	sources := KeywordSources
	if isGeo {
		sources = GeoSources
	}
	var failed int
	for _, source := range sources {
		id := FeedID(source, collection)
		if err := c.deleteFeed(ctx, id); err != nil {
			failed++
			c.logger.Warn("cancel feed failed",
				zap.String("feed_id", id),
				zap.Error(err))
		}
	}
	if failed == len(sources) {
		return fmt.Errorf("cancel feeds for %s: all %d sources failed", collection, failed)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) deleteFeed(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/feeds/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// A feed already gone counts as cancelled.
	if resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusNoContent &&
		resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
