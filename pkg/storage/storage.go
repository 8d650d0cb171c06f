// Package storage defines where artifacts live and the maintenance that runs
// over any store.
package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/supporttools/GoDBGuard/pkg/artifact"
	"github.com/supporttools/GoDBGuard/pkg/metrics"
)

// ArtifactStore holds artifacts and their metadata. Implementations must be
// safe for concurrent use.
type ArtifactStore interface {
	// Name identifies the backend in logs and metrics
	Name() string

	// OpenSink registers a non-finalized artifact and returns a writer for its bytes
	OpenSink(ctx context.Context, a artifact.Artifact) (io.WriteCloser, error)

	// Finalize records checksum and size and marks the artifact immutable.
	// A second call fails with AlreadyFinalized.
	Finalize(ctx context.Context, id, checksum string, size int64) error

	// OpenSource opens the stored bytes of an artifact
	OpenSource(ctx context.Context, id string) (io.ReadCloser, error)

	// Delete removes an artifact and its metadata
	Delete(ctx context.Context, id string) error

	// Get returns metadata, failing with ArtifactNotFound
	Get(ctx context.Context, id string) (artifact.Artifact, error)

	// List returns artifacts for targetKey, newest first. An empty key lists all.
	List(ctx context.Context, targetKey string) ([]artifact.Artifact, error)
}

// Presigner is implemented by stores that can hand out direct download URLs
type Presigner interface {
	PresignURL(ctx context.Context, id string, expiry time.Duration) (string, error)
}

// SortNewestFirst orders artifacts by creation time, newest first
func SortNewestFirst(list []artifact.Artifact) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
}

// EnforceRetention deletes the oldest finalized artifacts of targetKey beyond
// keep. A keep of zero or less keeps everything. Non-finalized artifacts are
// never touched.
func EnforceRetention(ctx context.Context, store ArtifactStore, targetKey string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}

	list, err := store.List(ctx, targetKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts for %s: %w", targetKey, err)
	}

	var deleted []string
	kept := 0
	for _, a := range list {
		if !a.Finalized {
			continue
		}
		if kept < keep {
			kept++
			continue
		}
		if err := store.Delete(ctx, a.ID); err != nil {
			return deleted, fmt.Errorf("failed to delete expired artifact %s: %w", a.ID, err)
		}
		deleted = append(deleted, a.ID)
		metrics.BackupRetentionDeletes.WithLabelValues(targetKey, store.Name()).Inc()
	}
	return deleted, nil
}

// CollectOrphans deletes non-finalized artifacts created before cutoff that
// are not in active
func CollectOrphans(ctx context.Context, store ArtifactStore, cutoff time.Time, active map[string]bool) ([]string, error) {
	list, err := store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	var deleted []string
	for _, a := range list {
		if a.Finalized || active[a.ID] || !a.CreatedAt.Before(cutoff) {
			continue
		}
		if err := store.Delete(ctx, a.ID); err != nil {
			return deleted, fmt.Errorf("failed to delete orphaned artifact %s: %w", a.ID, err)
		}
		deleted = append(deleted, a.ID)
		metrics.OrphansCollected.WithLabelValues(store.Name()).Inc()
	}
	return deleted, nil
}
