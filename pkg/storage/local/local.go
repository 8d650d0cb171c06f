// Package local stores artifacts on the local filesystem.
//
// Layout: <dir>/<engine>/<database>/<id>.gdba with a <id>.json metadata
// sidecar next to it.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/GoDBGuard/pkg/artifact"
	"github.com/supporttools/GoDBGuard/pkg/fault"
	"github.com/supporttools/GoDBGuard/pkg/storage"
)

const sidecarExt = ".json"

// Store is a filesystem artifact store
type Store struct {
	dir string
	log *logrus.Entry
	now func() time.Time

	// mu serialises sidecar updates
	mu sync.Mutex
}

var _ storage.ArtifactStore = (*Store)(nil)

// NewStore creates dir if needed and returns a store rooted there
func NewStore(dir string, log *logrus.Entry) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("local backup directory is not set")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", dir, err)
	}
	return &Store{dir: dir, log: log, now: time.Now}, nil
}

// Name identifies the backend
func (s *Store) Name() string {
	return "local"
}

// Dir returns the root directory
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) artifactDir(a artifact.Artifact) string {
	return filepath.Join(s.dir, string(a.Engine), artifact.SafeName(a.Engine, a.Database))
}

// OpenSink registers a and creates its file
func (s *Store) OpenSink(ctx context.Context, a artifact.Artifact) (io.WriteCloser, error) {
	if !artifact.ValidID(a.ID) {
		return nil, fmt.Errorf("invalid artifact id %q", a.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.findSidecar(a.ID); err == nil {
		return nil, fmt.Errorf("artifact %s already exists", a.ID)
	}

	dir := s.artifactDir(a)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}

	a.Location = filepath.Join(dir, a.ID+artifact.FileExt)
	a.Finalized = false
	a.FinalizedAt = nil
	a.Checksum = ""
	a.Size = 0

	f, err := os.OpenFile(a.Location, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact file: %w", err)
	}

	if err := s.writeSidecar(a); err != nil {
		f.Close()
		os.Remove(a.Location)
		return nil, err
	}

	s.log.WithField("artifact", a.ID).Debugf("Opened artifact sink at %s", a.Location)
	return f, nil
}

// Finalize records checksum and size and makes the artifact read-only
func (s *Store) Finalize(ctx context.Context, id, checksum string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.load(id)
	if err != nil {
		return err
	}
	if a.Finalized {
		return fault.New(fault.AlreadyFinalized, "finalize", "artifact %s is already finalized", id)
	}

	if err := os.Chmod(a.Location, 0444); err != nil {
		return fmt.Errorf("failed to seal artifact %s: %w", id, err)
	}

	now := s.now().UTC()
	a.Checksum = checksum
	a.Size = size
	a.Finalized = true
	a.FinalizedAt = &now
	if err := s.writeSidecar(a); err != nil {
		return err
	}

	if info, err := os.Stat(a.Location); err == nil {
		s.log.WithField("artifact", id).Infof("Finalized artifact (%s raw, %s stored)",
			humanize.Bytes(uint64(size)), humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

// OpenSource opens the artifact file for reading
func (s *Store) OpenSource(ctx context.Context, id string) (io.ReadCloser, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(a.Location)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Wrap(fault.ArtifactNotFound, "open artifact", err)
		}
		return nil, fmt.Errorf("failed to open artifact %s: %w", id, err)
	}
	return f, nil
}

// Delete removes the artifact file and its sidecar
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sidecar, err := s.findSidecar(id)
	if err != nil {
		return err
	}
	a, err := readSidecar(sidecar)
	if err != nil {
		return err
	}

	if err := os.Remove(a.Location); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove artifact %s: %w", id, err)
	}
	if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove artifact metadata %s: %w", id, err)
	}

	s.log.WithField("artifact", id).Debug("Removed artifact")
	return nil
}

// Get returns the metadata of id
func (s *Store) Get(ctx context.Context, id string) (artifact.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

// List returns the artifacts of targetKey, newest first
func (s *Store) List(ctx context.Context, targetKey string) ([]artifact.Artifact, error) {
	s.mu.Lock()
	sidecars, err := filepath.Glob(filepath.Join(s.dir, "*", "*", "*"+sidecarExt))
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", s.dir, err)
	}

	list := make([]artifact.Artifact, 0, len(sidecars))
	for _, path := range sidecars {
		a, err := readSidecar(path)
		if err != nil {
			// A sidecar can vanish between the glob and the read
			if fault.Is(err, fault.ArtifactNotFound) {
				continue
			}
			s.log.Warnf("Skipping unreadable artifact metadata %s: %v", path, err)
			continue
		}
		if targetKey != "" && a.TargetKey != targetKey {
			continue
		}
		list = append(list, a)
	}

	storage.SortNewestFirst(list)
	return list, nil
}

// Adopt writes metadata for an artifact file that exists without it. It is
// used by recovery tooling.
func (s *Store) Adopt(a artifact.Artifact) error {
	if !artifact.ValidID(a.ID) {
		return fmt.Errorf("invalid artifact id %q", a.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.findSidecar(a.ID); err == nil {
		return fmt.Errorf("artifact %s already has metadata", a.ID)
	}
	return s.writeSidecar(a)
}

func (s *Store) load(id string) (artifact.Artifact, error) {
	path, err := s.findSidecar(id)
	if err != nil {
		return artifact.Artifact{}, err
	}
	return readSidecar(path)
}

func (s *Store) findSidecar(id string) (string, error) {
	if !artifact.ValidID(id) {
		return "", fault.New(fault.ArtifactNotFound, "find artifact", "invalid artifact id %q", id)
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, "*", "*", id+sidecarExt))
	if err != nil {
		return "", fmt.Errorf("failed to look up artifact %s: %w", id, err)
	}
	if len(matches) == 0 {
		return "", fault.New(fault.ArtifactNotFound, "find artifact", "artifact %s not found", id)
	}
	return matches[0], nil
}

func (s *Store) writeSidecar(a artifact.Artifact) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode artifact metadata: %w", err)
	}
	path := filepath.Join(filepath.Dir(a.Location), a.ID+sidecarExt)
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write artifact metadata %s: %w", path, err)
	}
	return nil
}

func readSidecar(path string) (artifact.Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return artifact.Artifact{}, fault.Wrap(fault.ArtifactNotFound, "read artifact metadata", err)
		}
		return artifact.Artifact{}, fmt.Errorf("failed to read artifact metadata %s: %w", path, err)
	}
	var a artifact.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return artifact.Artifact{}, fmt.Errorf("failed to parse artifact metadata %s: %w", path, err)
	}
	return a, nil
}
