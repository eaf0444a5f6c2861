// Package fs is a filesystem-backed transcript archive, one JSON file
// per job under transcripts/ in the base directory.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gantrylab/gantry/internal/archive"
	"github.com/gantrylab/gantry/internal/domain"
)

const transcriptDir = "transcripts"

// Store is a filesystem-based implementation of archive.Store.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore creates a filesystem archive rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	dir := filepath.Join(baseDir, transcriptDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".json")
}

// SaveTranscript writes the job's transcript, replacing any previous
// export of the same job.
func (s *Store) SaveTranscript(ctx context.Context, job *domain.Job, events []*domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(archive.NewTranscript(job, events), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	if err := os.WriteFile(s.path(job.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}

	return nil
}

// LoadTranscript reads a job's transcript.
func (s *Store) LoadTranscript(ctx context.Context, jobID string) (*archive.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", archive.ErrTranscriptNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	var transcript archive.Transcript
	if err := json.Unmarshal(data, &transcript); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transcript: %w", err)
	}

	return &transcript, nil
}

// ListTranscripts returns the job ids with an archived transcript.
func (s *Store) ListTranscripts(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}

	return ids, nil
}

var _ archive.Store = (*Store)(nil)
