// Package memory provides in-memory store implementations for
// development and testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mediascope/crawler/internal/media"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]media.CrawlJob
	seq  map[string]int
	next int
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]media.CrawlJob),
		seq:  make(map[string]int),
	}
}

// Create stores a new job.
func (s *JobStore) Create(_ context.Context, job media.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	s.seq[job.ID] = s.next
	s.next++
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(_ context.Context, id string) (media.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return media.CrawlJob{}, fmt.Errorf("job %s: %w", id, media.ErrNotFound)
	}
	return job, nil
}

// ListByStates returns jobs in any of the given states in insertion order,
// oldest first.
func (s *JobStore) ListByStates(_ context.Context, states ...media.JobState) ([]media.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[media.JobState]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}
	out := make([]media.CrawlJob, 0)
	for _, job := range s.jobs {
		if wanted[job.State] {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	return out, nil
}

// FindByCollection returns all jobs for a collection.
func (s *JobStore) FindByCollection(_ context.Context, collection string) ([]media.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]media.CrawlJob, 0)
	for _, job := range s.jobs {
		if job.Collection == collection {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	return out, nil
}

// Update replaces a job record.
func (s *JobStore) Update(_ context.Context, job media.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, media.ErrNotFound)
	}
	s.jobs[job.ID] = job
	return nil
}

// Delete removes a job row.
func (s *JobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %s: %w", id, media.ErrNotFound)
	}
	delete(s.jobs, id)
	delete(s.seq, id)
	return nil
}
