// Package media defines core types shared across subsystems.
package media

import (
	"time"
)

// JobState represents the lifecycle state of a crawl job.
type JobState string

// Job state values persisted in the job store. A job only moves forward
// along WAITING -> STARTING -> RUNNING -> STOPPING/KILLING -> FINISHED,
// with DELETING admissible from RUNNING or FINISHED.
const (
	JobStateWaiting  JobState = "WAITING"
	JobStateStarting JobState = "STARTING"
	JobStateRunning  JobState = "RUNNING"
	JobStateStopping JobState = "STOPPING"
	JobStateKilling  JobState = "KILLING"
	JobStateFinished JobState = "FINISHED"
	JobStateDeleting JobState = "DELETING"
)

// BoundingBox delimits a geography-bounded crawl.
type BoundingBox struct {
	LonMin float64 `json:"lon_min"`
	LatMin float64 `json:"lat_min"`
	LonMax float64 `json:"lon_max"`
	LatMax float64 `json:"lat_max"`
}

// IsZero reports whether no bounding box was supplied.
func (b BoundingBox) IsZero() bool {
	return b.LonMin == 0 && b.LatMin == 0 && b.LonMax == 0 && b.LatMax == 0
}

// CrawlJob represents the metadata persisted for each submitted crawl request.
// Keywords and BBox are mutually exclusive: an empty keyword set means the job
// is a geography-bounded crawl.
type CrawlJob struct {
	ID              string      `json:"id"`
	Collection      string      `json:"collection"`
	Keywords        []string    `json:"keywords,omitempty"`
	BBox            BoundingBox `json:"bbox,omitempty"`
	State           JobState    `json:"state"`
	CreationDate    time.Time   `json:"creation_date"`
	LastStateChange time.Time   `json:"last_state_change"`
	CrawlDataPath   string      `json:"crawl_data_path"`
	IsNew           bool        `json:"is_new"`
	// PendingDelete records a delete issued while the job was still running;
	// cleanup completes once the external crawl process reports FINISHED.
	PendingDelete bool `json:"pending_delete,omitempty"`
}

// IsGeo reports whether the job is a geography-bounded crawl.
func (j CrawlJob) IsGeo() bool {
	return len(j.Keywords) == 0
}

// MediaType tags a media item as image or video.
type MediaType string

// Media type values.
const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

// MediaItem is one crawled image or video owned by the media store. The core
// only reads unindexed batches, annotates on success or deletes on failure.
type MediaItem struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Type      MediaType `json:"type"`
	Indexed   bool      `json:"indexed"`
	CrawlDate time.Time `json:"crawl_date"`
}

// IndexAnnotation is persisted on a media record once its feature vector has
// been accepted by the vector index service.
type IndexAnnotation struct {
	DescriptorType  string `json:"descriptor_type"`
	FeatureEncoding string `json:"feature_encoding"`
	NumFeatures     int    `json:"num_features"`
	Library         string `json:"library"`
}

// DefaultAnnotation is the annotation written for every indexed media item.
func DefaultAnnotation() IndexAnnotation {
	return IndexAnnotation{
		DescriptorType:  "SURF",
		FeatureEncoding: "Vlad",
		NumFeatures:     1024,
		Library:         "multimedia-indexing",
	}
}

// CrawlStatus joins a job with media store counts for read-only projections.
type CrawlStatus struct {
	CrawlJob
	NumImages        int64  `json:"num_images"`
	NumVideos        int64  `json:"num_videos"`
	DurationMs       int64  `json:"duration_ms"`
	LastItemInserted string `json:"last_item_inserted"`
}
