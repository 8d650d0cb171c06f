package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
)

const fileLedgerVersion = 1

type fileState struct {
	Version     int                   `json:"version"`
	LastUpdated time.Time             `json:"lastUpdated"`
	Jobs        []*Job                `json:"jobs"`
	Schedules   []*ScheduleDefinition `json:"schedules"`
}

// FileLedger keeps the ledger in one JSON document. The file is re-read on
// every operation so CLI invocations and a running daemon see each other's
// writes. Each read-modify-write holds an exclusive flock on <path>.lock and
// replaces the file atomically.
type FileLedger struct {
	path string
	log  *logrus.Entry
	now  func() time.Time
	// mu serialises use of flk inside the process
	mu  sync.Mutex
	flk *flock.Flock
}

var _ Ledger = (*FileLedger)(nil)

// NewFileLedger opens the ledger at path, creating its directory
func NewFileLedger(path string, log *logrus.Entry) (*FileLedger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is not set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	l := &FileLedger{path: path, log: log, now: time.Now, flk: flock.New(path + ".lock")}
	if _, err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLedger) load() (*fileState, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileState{Version: fileLedgerVersion}, nil
		}
		return nil, fmt.Errorf("failed to read ledger file: %w", err)
	}
	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse ledger file %s: %w", l.path, err)
	}
	return &st, nil
}

func (l *FileLedger) save(st *fileState) error {
	st.Version = fileLedgerVersion
	st.LastUpdated = l.now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}
	if err := atomic.WriteFile(l.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write ledger file: %w", err)
	}
	return nil
}

// update runs fn against the current state and saves it when fn succeeds
func (l *FileLedger) update(fn func(*fileState) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flk.Lock(); err != nil {
		return fmt.Errorf("failed to lock ledger file: %w", err)
	}
	defer l.flk.Unlock()

	st, err := l.load()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return l.save(st)
}

func (l *FileLedger) read() (*fileState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flk.RLock(); err != nil {
		return nil, fmt.Errorf("failed to lock ledger file: %w", err)
	}
	defer l.flk.Unlock()
	return l.load()
}

func (st *fileState) job(id string) (int, *Job) {
	for i, j := range st.Jobs {
		if j.ID == id {
			return i, j
		}
	}
	return -1, nil
}

func (st *fileState) schedule(ref string) (int, *ScheduleDefinition) {
	for i, d := range st.Schedules {
		if d.ID == ref {
			return i, d
		}
	}
	for i, d := range st.Schedules {
		if d.Name == ref {
			return i, d
		}
	}
	return -1, nil
}

func (l *FileLedger) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := l.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	return l.update(func(st *fileState) error {
		if i, _ := st.job(job.ID); i >= 0 {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		st.Jobs = append(st.Jobs, job.Clone())
		return nil
	})
}

func (l *FileLedger) SaveJob(ctx context.Context, job *Job) error {
	return l.update(func(st *fileState) error {
		i, stored := st.job(job.ID)
		if i < 0 {
			return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
		}
		if err := checkUpdate(stored, job); err != nil {
			return err
		}
		if job.UpdatedAt.IsZero() {
			job.UpdatedAt = l.now().UTC()
		}
		st.Jobs[i] = job.Clone()
		return nil
	})
}

func (l *FileLedger) GetJob(ctx context.Context, id string) (*Job, error) {
	st, err := l.read()
	if err != nil {
		return nil, err
	}
	if _, j := st.job(id); j != nil {
		return j, nil
	}
	return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
}

func (l *FileLedger) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	st, err := l.read()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(st.Jobs))
	for _, j := range st.Jobs {
		if filter.match(j) {
			jobs = append(jobs, j)
		}
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
		}
		return jobs[a].ID > jobs[b].ID
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (l *FileLedger) SaveSchedule(ctx context.Context, def *ScheduleDefinition) error {
	now := l.now().UTC()
	return l.update(func(st *fileState) error {
		for _, d := range st.Schedules {
			if d.Name == def.Name && d.ID != def.ID {
				return fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
			}
		}
		if def.ID == "" {
			def.ID = uuid.New().String()
		}
		if def.CreatedAt.IsZero() {
			def.CreatedAt = now
		}
		def.UpdatedAt = now
		for i, d := range st.Schedules {
			if d.ID == def.ID {
				st.Schedules[i] = def.Clone()
				return nil
			}
		}
		st.Schedules = append(st.Schedules, def.Clone())
		return nil
	})
}

func (l *FileLedger) GetSchedule(ctx context.Context, ref string) (*ScheduleDefinition, error) {
	st, err := l.read()
	if err != nil {
		return nil, err
	}
	if _, d := st.schedule(ref); d != nil {
		return d, nil
	}
	return nil, fmt.Errorf("schedule %s: %w", ref, ErrNotFound)
}

func (l *FileLedger) ListSchedules(ctx context.Context) ([]*ScheduleDefinition, error) {
	st, err := l.read()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(st.Schedules, func(a, b int) bool {
		return st.Schedules[a].Name < st.Schedules[b].Name
	})
	return st.Schedules, nil
}

func (l *FileLedger) DeleteSchedule(ctx context.Context, id string) error {
	return l.update(func(st *fileState) error {
		i, _ := st.schedule(id)
		if i < 0 {
			return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
		}
		st.Schedules = append(st.Schedules[:i], st.Schedules[i+1:]...)
		return nil
	})
}

func (l *FileLedger) TouchSchedule(ctx context.Context, id string, at time.Time) error {
	return l.update(func(st *fileState) error {
		i, d := st.schedule(id)
		if i < 0 {
			return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
		}
		at = at.UTC()
		d.LastEvaluatedAt = &at
		return nil
	})
}

// Close is a no-op; every write is already on disk
func (l *FileLedger) Close() error {
	return nil
}
