// Package lock provides the per-target mutual exclusion shared by backup and
// restore sessions.
package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"

	"github.com/supporttools/GoDBGuard/pkg/fault"
	"github.com/supporttools/GoDBGuard/pkg/metrics"
)

// Table holds one lock per target key. Acquisition never waits.
//
// A table with a lock directory also takes a non-blocking flock on
// <dir>/<hash(key)>.lock, so sessions in other processes sharing the
// directory (the CLI and a running daemon) exclude each other too.
type Table struct {
	dir  string
	mu   sync.Mutex
	held map[string]struct{}
}

// NewTable returns an empty in-process lock table
func NewTable() *Table {
	return &Table{held: make(map[string]struct{})}
}

// NewSharedTable returns a lock table that also locks across processes
// through files in dir
func NewSharedTable(dir string) (*Table, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &Table{dir: dir, held: make(map[string]struct{})}, nil
}

// Path returns the lock file used for key, or "" for an in-process table
func (t *Table) Path(key string) string {
	if t.dir == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(t.dir, hex.EncodeToString(sum[:8])+".lock")
}

// TryAcquire takes the lock for key or fails with TargetBusy. The returned
// release func is safe to call more than once.
func (t *Table) TryAcquire(key string) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.held[key]; busy {
		return nil, fault.New(fault.TargetBusy, "acquire lock", "target %s is busy", key)
	}

	var fl *flock.Flock
	if path := t.Path(key); path != "" {
		fl = flock.New(path)
		ok, err := fl.TryLock()
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "acquire lock", fmt.Errorf("failed to lock %s: %w", path, err))
		}
		if !ok {
			return nil, fault.New(fault.TargetBusy, "acquire lock", "target %s is busy in another process", key)
		}
	}

	t.held[key] = struct{}{}
	metrics.ActiveSessions.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			// the lock file stays; removing it would race with a new holder
			if fl != nil {
				fl.Unlock()
			}
			delete(t.held, key)
			t.mu.Unlock()
			metrics.ActiveSessions.Dec()
		})
	}, nil
}

// Held returns the keys currently locked by this table, sorted
func (t *Table) Held() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.held))
	for k := range t.held {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
