// Package vindex talks to the external visual feature extraction and
// similarity index service over HTTP.
package vindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Config controls the vindex HTTP client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements media.VectorIndex against the remote index service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a vindex client. A zero Timeout defaults to 30s.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("vindex.base_url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse vindex base url: %w", err)
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
	}, nil
}

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type extractResponse struct {
	Vector []float32 `json:"vector"`
}

type indexRequest struct {
	Collection string    `json:"collection"`
	MediaID    string    `json:"media_id"`
	Vector     []float32 `json:"vector"`
}

// CreateCollection provisions index structures for a new collection.
func (c *Client) CreateCollection(ctx context.Context, name string) error {
	var resp statusResponse
	if err := c.post(ctx, "/collections/"+url.PathEscape(name), nil, &resp); err != nil {
		return fmt.Errorf("create index collection: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("create index collection %s: %s", name, resp.Message)
	}
	return nil
}

// Extract computes the feature vector for a media URL. A media item the
// service cannot describe comes back as an empty vector with a nil error.
func (c *Client) Extract(ctx context.Context, mediaURL string) ([]float32, error) {
	body := map[string]string{"url": mediaURL}
	var resp extractResponse
	if err := c.post(ctx, "/extract", body, &resp); err != nil {
		return nil, fmt.Errorf("extract features: %w", err)
	}
	return resp.Vector, nil
}

// Index submits a vector for one media item; false means the service
// rejected it.
func (c *Client) Index(ctx context.Context, collection, mediaID string, vector []float32) (bool, error) {
	body := indexRequest{Collection: collection, MediaID: mediaID, Vector: vector}
	var resp statusResponse
	if err := c.post(ctx, "/index", body, &resp); err != nil {
		return false, fmt.Errorf("index media: %w", err)
	}
	if !resp.Success {
		c.logger.Debug("index service rejected vector",
			zap.String("collection", collection),
			zap.String("media_id", mediaID),
			zap.String("message", resp.Message))
	}
	return resp.Success, nil
}

// DeleteCollection removes a collection's index structures.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/collections/"+url.PathEscape(name), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete index collection: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("delete index collection %s: unexpected status %d", name, resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
