// Package gcs is a Google Cloud Storage transcript archive, one JSON
// object per job under the transcripts/ prefix.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/gantrylab/gantry/internal/archive"
	"github.com/gantrylab/gantry/internal/domain"
)

const objectPrefix = "transcripts/"

// Store is a GCS-based implementation of archive.Store.
type Store struct {
	client *storage.Client
	bucket string
}

// NewStore creates a GCS archive writing into bucketName. It assumes
// the environment provides credentials (e.g. via
// GOOGLE_APPLICATION_CREDENTIALS or workload identity).
func NewStore(ctx context.Context, bucketName string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &Store{
		client: client,
		bucket: bucketName,
	}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) objectName(jobID string) string {
	return objectPrefix + jobID + ".json"
}

// SaveTranscript writes the job's transcript object, replacing any
// previous export of the same job.
func (s *Store) SaveTranscript(ctx context.Context, job *domain.Job, events []*domain.Event) error {
	data, err := json.Marshal(archive.NewTranscript(job, events))
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	w := s.client.Bucket(s.bucket).Object(s.objectName(job.ID)).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write transcript object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize transcript object: %w", err)
	}

	return nil
}

// LoadTranscript reads a job's transcript object.
func (s *Store) LoadTranscript(ctx context.Context, jobID string) (*archive.Transcript, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.objectName(jobID)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", archive.ErrTranscriptNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to read transcript object: %w", err)
	}
	defer r.Close()

	var transcript archive.Transcript
	if err := json.NewDecoder(r).Decode(&transcript); err != nil {
		return nil, fmt.Errorf("failed to decode transcript: %w", err)
	}

	return &transcript, nil
}

// ListTranscripts returns the job ids with an archived transcript.
func (s *Store) ListTranscripts(ctx context.Context) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: objectPrefix})

	var ids []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list transcript objects: %w", err)
		}
		name := strings.TrimPrefix(attrs.Name, objectPrefix)
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}

	return ids, nil
}

var _ archive.Store = (*Store)(nil)
