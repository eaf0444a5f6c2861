package config

import "fmt"

// Archive backends.
const (
	ArchiveDisabled = ""
	ArchiveFS       = "fs"
	ArchiveGCS      = "gcs"
)

// ArchiveConfig selects where terminal-job transcripts are exported.
// Archiving is off unless a backend is configured.
type ArchiveConfig struct {
	Backend   string `env:"GANTRY_ARCHIVE_BACKEND"` // "", fs, gcs
	FSDir     string `env:"GANTRY_ARCHIVE_FS_DIR"`
	GCSBucket string `env:"GANTRY_ARCHIVE_GCS_BUCKET"`
}

// Validate checks backend-specific requirements.
func (c *ArchiveConfig) Validate() error {
	switch c.Backend {
	case ArchiveDisabled:
		return nil
	case ArchiveFS:
		if c.FSDir == "" {
			return fmt.Errorf("GANTRY_ARCHIVE_FS_DIR is required when GANTRY_ARCHIVE_BACKEND is 'fs'")
		}
	case ArchiveGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("GANTRY_ARCHIVE_GCS_BUCKET is required when GANTRY_ARCHIVE_BACKEND is 'gcs'")
		}
	default:
		return fmt.Errorf("unknown GANTRY_ARCHIVE_BACKEND: %s", c.Backend)
	}
	return nil
}
