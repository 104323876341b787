package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

var (
	ErrTaskExists        = errors.New("task already exists")
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTaskID     = errors.New("invalid task id")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTaskTerminal      = errors.New("task record is terminal")
	ErrArtifactNotFound  = errors.New("scan artifact not found")

	taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

const (
	recordFilename   = "task.json"
	artifactFilename = "scan.nessus"
)

// Store keeps one directory per task under <dataDir>/tasks. Record writes are
// temp-file + rename so readers always see a complete snapshot; status
// changes additionally serialize through a per-task lock.
type Store struct {
	dataDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(dataDir string) (*Store, error) {
	tasksDir := filepath.Join(dataDir, "tasks")
	if err := os.MkdirAll(tasksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tasks dir: %w", err)
	}
	return &Store{
		dataDir: dataDir,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) tasksDir() string {
	return filepath.Join(s.dataDir, "tasks")
}

func (s *Store) taskDir(taskID string) string {
	return filepath.Join(s.tasksDir(), taskID)
}

// ArtifactPath returns where the native export for taskID lives. The file may
// not exist yet.
func (s *Store) ArtifactPath(taskID string) string {
	return filepath.Join(s.taskDir(taskID), artifactFilename)
}

func (s *Store) taskLock(taskID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[taskID] = lock
	}
	return lock
}

func (s *Store) dropLock(taskID string) {
	s.mu.Lock()
	delete(s.locks, taskID)
	s.mu.Unlock()
}

// Create persists a new task record. The task must be in QUEUED; an existing
// task_id fails with ErrTaskExists.
func (s *Store) Create(task *Task) error {
	if err := validateTaskID(task.TaskID); err != nil {
		return err
	}
	if task.Status != StatusQueued {
		return fmt.Errorf("%w: new tasks must be %s, got %s", ErrInvalidTransition, StatusQueued, task.Status)
	}

	if err := os.Mkdir(s.taskDir(task.TaskID), 0755); err != nil {
		if os.IsExist(err) {
			return ErrTaskExists
		}
		return fmt.Errorf("failed to create task dir: %w", err)
	}
	return s.writeRecord(task)
}

// Get loads a consistent snapshot of the record without taking the write lock.
func (s *Store) Get(taskID string) (*Task, error) {
	if err := validateTaskID(taskID); err != nil {
		return nil, err
	}
	return s.readRecord(taskID)
}

// TransitionState is the single entry point for status changes. It re-reads
// the record under the per-task lock, verifies the current status equals from
// and the pair is in the allowed table, applies the optional delta, stamps
// started_at/completed_at, and atomically rewrites the record.
func (s *Store) TransitionState(taskID string, from, to Status, apply func(*Task)) (*Task, error) {
	if err := validateTaskID(taskID); err != nil {
		return nil, err
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.readRecord(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != from {
		return nil, fmt.Errorf("%w: task %s is %s, expected %s", ErrInvalidTransition, taskID, task.Status, from)
	}

	task.Status = to
	now := Now()
	if to == StatusRunning && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if to.Terminal() && task.CompletedAt == nil {
		task.CompletedAt = &now
	}
	if apply != nil {
		apply(task)
	}

	if err := s.writeRecord(task); err != nil {
		return nil, err
	}
	return task, nil
}

// Mutate applies a status-preserving change (remote scan id, credential
// strip) under the per-task lock. Terminal records are immutable.
func (s *Store) Mutate(taskID string, apply func(*Task)) (*Task, error) {
	if err := validateTaskID(taskID); err != nil {
		return nil, err
	}

	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.readRecord(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, fmt.Errorf("%w: task %s is %s", ErrTaskTerminal, taskID, task.Status)
	}

	before := task.Status
	apply(task)
	if task.Status != before {
		return nil, fmt.Errorf("%w: use TransitionState for status changes", ErrInvalidTransition)
	}

	if err := s.writeRecord(task); err != nil {
		return nil, err
	}
	return task, nil
}

// WriteArtifact stores the native scanner export verbatim, atomically.
func (s *Store) WriteArtifact(taskID string, data []byte) error {
	if err := validateTaskID(taskID); err != nil {
		return err
	}
	if _, err := os.Stat(s.taskDir(taskID)); err != nil {
		if os.IsNotExist(err) {
			return ErrTaskNotFound
		}
		return err
	}
	return writeFileAtomic(s.ArtifactPath(taskID), data, 0600)
}

func (s *Store) ReadArtifact(taskID string) ([]byte, error) {
	if err := validateTaskID(taskID); err != nil {
		return nil, err
	}
	data, err := readFileUnder(s.tasksDir(), filepath.Join(taskID, artifactFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *Store) ArtifactSize(taskID string) (int64, error) {
	if err := validateTaskID(taskID); err != nil {
		return 0, err
	}
	info, err := os.Stat(s.ArtifactPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrArtifactNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

// Filter narrows List output. All set fields must match (AND).
type Filter struct {
	Statuses []Status
	Pool     string
	// Target matches against the stored comma-separated target list with
	// CIDR awareness: an IP query matches equal IPs and containing CIDRs, a
	// CIDR query matches contained IPs and overlapping CIDRs, and hostnames
	// compare case-insensitively.
	Target string
	Limit  int
}

func (f Filter) matches(task *Task) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, status := range f.Statuses {
			if task.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Pool != "" && task.ScannerPool != f.Pool {
		return false
	}
	if f.Target != "" && !matchesTargetList(task.Payload.Targets, f.Target) {
		return false
	}
	return true
}

// List iterates all task records, newest first by created_at. Unreadable
// records are skipped rather than failing the listing.
func (s *Store) List(filter Filter) ([]*Task, error) {
	entries, err := os.ReadDir(s.tasksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var tasks []*Task
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := validateTaskID(entry.Name()); err != nil {
			continue
		}
		task, err := s.readRecord(entry.Name())
		if err != nil {
			continue
		}
		if filter.matches(task) {
			tasks = append(tasks, task)
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt.Time)
	})

	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

// SweepStale returns RUNNING tasks whose run started before now minus
// olderThan. The housekeeper force-fails these when no heartbeat exists.
func (s *Store) SweepStale(olderThan time.Duration, now time.Time) ([]*Task, error) {
	running, err := s.List(Filter{Statuses: []Status{StatusRunning}})
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-olderThan)
	var stale []*Task
	for _, task := range running {
		started := task.CreatedAt.Time
		if task.StartedAt != nil {
			started = task.StartedAt.Time
		}
		if started.Before(cutoff) {
			stale = append(stale, task)
		}
	}
	return stale, nil
}

// Delete removes the task directory recursively. Housekeeper-only for
// terminal records; callers are trusted to have checked status.
func (s *Store) Delete(taskID string) error {
	if err := validateTaskID(taskID); err != nil {
		return err
	}
	lock := s.taskLock(taskID)
	lock.Lock()
	err := os.RemoveAll(s.taskDir(taskID))
	lock.Unlock()
	s.dropLock(taskID)
	return err
}

func (s *Store) readRecord(taskID string) (*Task, error) {
	data, err := readFileUnder(s.tasksDir(), filepath.Join(taskID, recordFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task record %s: %w", taskID, err)
	}
	return &task, nil
}

func (s *Store) writeRecord(task *Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.taskDir(task.TaskID), recordFilename)
	return writeFileAtomic(path, data, 0600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	return nil
}

func readFileUnder(baseDir, fileName string) ([]byte, error) {
	root, err := os.OpenRoot(baseDir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	return root.ReadFile(fileName)
}

func validateTaskID(taskID string) error {
	if taskID == "" || len(taskID) > 255 || !taskIDPattern.MatchString(taskID) {
		return ErrInvalidTaskID
	}
	return nil
}
