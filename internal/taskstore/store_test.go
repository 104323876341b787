package taskstore

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func sampleTask(taskID string) *Task {
	return &Task{
		TaskID:            taskID,
		TraceID:           "trace-1",
		ScanType:          ScanUntrusted,
		ScannerPool:       "nessus",
		ScannerInstanceID: "nessus-01",
		Status:            StatusQueued,
		Payload: Payload{
			Targets:       "192.168.1.0/24",
			Name:          "perimeter sweep",
			SchemaProfile: "summary",
		},
		CreatedAt: Now(),
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)

	task := sampleTask("nessus_nessus-01_20260401_120000_abc123")
	if err := store.Create(task); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(task.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TaskID != task.TaskID {
		t.Errorf("task_id: got %q, want %q", got.TaskID, task.TaskID)
	}
	if got.Status != StatusQueued {
		t.Errorf("status: got %s, want %s", got.Status, StatusQueued)
	}
	if got.Payload.Targets != task.Payload.Targets {
		t.Errorf("targets: got %q, want %q", got.Payload.Targets, task.Payload.Targets)
	}
	if got.StartedAt != nil {
		t.Errorf("started_at should be unset on a queued task")
	}
}

func TestCreateDuplicate(t *testing.T) {
	store := newTestStore(t)

	task := sampleTask("nessus_nessus-01_20260401_120000_abc123")
	if err := store.Create(task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(task); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("expected ErrTaskExists, got %v", err)
	}
}

func TestCreateRequiresQueued(t *testing.T) {
	store := newTestStore(t)

	task := sampleTask("nessus_nessus-01_20260401_120000_abc123")
	task.Status = StatusRunning
	if err := store.Create(task); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Get("nessus_nessus-01_20260401_120000_ffffff"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestGetInvalidID(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Get("../escape"); !errors.Is(err, ErrInvalidTaskID) {
		t.Fatalf("expected ErrInvalidTaskID, got %v", err)
	}
}

func TestTransitionLifecycle(t *testing.T) {
	store := newTestStore(t)

	task := sampleTask("nessus_nessus-01_20260401_120000_abc123")
	if err := store.Create(task); err != nil {
		t.Fatalf("create: %v", err)
	}

	running, err := store.TransitionState(task.TaskID, StatusQueued, StatusRunning, nil)
	if err != nil {
		t.Fatalf("transition to running: %v", err)
	}
	if running.StartedAt == nil {
		t.Fatal("started_at not stamped on RUNNING entry")
	}
	if running.CompletedAt != nil {
		t.Fatal("completed_at set before terminal state")
	}

	done, err := store.TransitionState(task.TaskID, StatusRunning, StatusCompleted, func(task *Task) {
		task.AuthenticationStatus = AuthNotApplicable
		task.ResultsSummary = &ResultsSummary{Hosts: 12, TotalFindings: 40}
	})
	if err != nil {
		t.Fatalf("transition to completed: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatal("completed_at not stamped on terminal entry")
	}
	if done.ResultsSummary == nil || done.ResultsSummary.Hosts != 12 {
		t.Fatalf("delta not applied: %+v", done.ResultsSummary)
	}

	got, err := store.Get(task.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status: got %s, want %s", got.Status, StatusCompleted)
	}
	if got.AuthenticationStatus != AuthNotApplicable {
		t.Errorf("authentication_status: got %s", got.AuthenticationStatus)
	}
}

func TestTransitionRejectsIllegalPairs(t *testing.T) {
	store := newTestStore(t)

	task := sampleTask("nessus_nessus-01_20260401_120000_abc123")
	if err := store.Create(task); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Not in the allowed table at all.
	if _, err := store.TransitionState(task.TaskID, StatusQueued, StatusCompleted, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("QUEUED->COMPLETED: expected ErrInvalidTransition, got %v", err)
	}

	// Legal pair but stale from-status.
	if _, err := store.TransitionState(task.TaskID, StatusRunning, StatusCompleted, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("stale from: expected ErrInvalidTransition, got %v", err)
	}

	if _, err := store.TransitionState(task.TaskID, StatusQueued, StatusRunning, nil); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if _, err := store.TransitionState(task.TaskID, StatusRunning, StatusTimeout, nil); err != nil {
		t.Fatalf("to timeout: %v", err)
	}

	// Terminal records have no outgoing edges.
	if _, err := store.TransitionState(task.TaskID, StatusTimeout, StatusRunning, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal: expected ErrInvalidTransition, got %v", err)
	}
}

func TestConcurrentTransitionSingleWinner(t *testing.T) {
	store := newTestStore(t)

	task := sampleTask("nessus_nessus-01_20260401_120000_abc123")
	if err := store.Create(task); err != nil {
		t.Fatalf("create: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.TransitionState(task.TaskID, StatusQueued, StatusRunning, nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winning transition, got %d", wins)
	}
}

func TestMutate(t *testing.T) {
	store := newTestStore(t)

	task := sampleTask("nessus_nessus-01_20260401_120000_abc123")
	task.Payload.Credentials = &Credentials{
		Kind:     "ssh_password",
		Username: "svc-scan",
		Password: "hunter2",
	}
	if err := store.Create(task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.TransitionState(task.TaskID, StatusQueued, StatusRunning, nil); err != nil {
		t.Fatalf("to running: %v", err)
	}

	// The worker persists the remote handle and strips credentials in one write.
	updated, err := store.Mutate(task.TaskID, func(task *Task) {
		task.RemoteScanID = "42"
		task.Payload.Credentials = nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if updated.RemoteScanID != "42" {
		t.Errorf("remote_scan_id: got %q", updated.RemoteScanID)
	}

	got, err := store.Get(task.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Payload.Credentials != nil {
		t.Fatal("credentials still present after strip")
	}

	// Raw record must not contain the secret anywhere.
	raw, err := os.ReadFile(store.taskDir(task.TaskID) + "/" + recordFilename)
	if err != nil {
		t.Fatalf("read raw record: %v", err)
	}
	if strings.Contains(string(raw), "hunter2") {
		t.Fatal("secret material leaked into persisted record")
	}
}

func TestMutateRejectsStatusChange(t *testing.T) {
	store := newTestStore(t)

	task := sampleTask("nessus_nessus-01_20260401_120000_abc123")
	if err := store.Create(task); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := store.Mutate(task.TaskID, func(task *Task) {
		task.Status = StatusRunning
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, _ := store.Get(task.TaskID)
	if got.Status != StatusQueued {
		t.Fatalf("status changed through Mutate: %s", got.Status)
	}
}

func TestMutateRejectsTerminal(t *testing.T) {
	store := newTestStore(t)

	task := sampleTask("nessus_nessus-01_20260401_120000_abc123")
	if err := store.Create(task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.TransitionState(task.TaskID, StatusQueued, StatusFailed, nil); err != nil {
		t.Fatalf("to failed: %v", err)
	}

	_, err := store.Mutate(task.TaskID, func(task *Task) {
		task.ErrorMessage = "late edit"
	})
	if !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("expected ErrTaskTerminal, got %v", err)
	}
}

func TestWriteAndReadArtifact(t *testing.T) {
	store := newTestStore(t)

	task := sampleTask("nessus_nessus-01_20260401_120000_abc123")
	if err := store.Create(task); err != nil {
		t.Fatalf("create: %v", err)
	}

	payload := []byte("<NessusClientData_v2></NessusClientData_v2>")
	if err := store.WriteArtifact(task.TaskID, payload); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	got, err := store.ReadArtifact(task.TaskID)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("artifact roundtrip mismatch")
	}

	size, err := store.ArtifactSize(task.TaskID)
	if err != nil {
		t.Fatalf("artifact size: %v", err)
	}
	if size != int64(len(payload)) {
		t.Errorf("artifact size: got %d, want %d", size, len(payload))
	}

	entries, err := os.ReadDir(store.taskDir(task.TaskID))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Fatalf("found leftover temp file: %s", entry.Name())
		}
	}
}

func TestArtifactMissingTask(t *testing.T) {
	store := newTestStore(t)

	if err := store.WriteArtifact("nessus_nessus-01_20260401_120000_ffffff", []byte("x")); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if _, err := store.ReadArtifact("nessus_nessus-01_20260401_120000_ffffff"); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("expected ErrArtifactNotFound, got %v", err)
	}
}

func TestListFiltersAndOrder(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	seed := []struct {
		id      string
		pool    string
		status  Status
		targets string
		offset  time.Duration
	}{
		{"nessus_a_20260401_120000_000001", "nessus", StatusQueued, "10.0.0.5", 0},
		{"nessus_a_20260401_120100_000002", "nessus", StatusRunning, "10.1.0.0/16", time.Minute},
		{"nessus_b_20260401_120200_000003", "nessus-dmz", StatusQueued, "web.example.com", 2 * time.Minute},
		{"nessus_a_20260401_120300_000004", "nessus", StatusCompleted, "10.0.0.0/24", 3 * time.Minute},
	}
	for _, row := range seed {
		task := sampleTask(row.id)
		task.ScannerPool = row.pool
		task.Payload.Targets = row.targets
		task.CreatedAt = At(base.Add(row.offset))
		if err := store.Create(task); err != nil {
			t.Fatalf("create %s: %v", row.id, err)
		}
		if row.status != StatusQueued {
			if _, err := store.TransitionState(row.id, StatusQueued, StatusRunning, nil); err != nil {
				t.Fatalf("to running %s: %v", row.id, err)
			}
			if row.status == StatusCompleted {
				if _, err := store.TransitionState(row.id, StatusRunning, StatusCompleted, nil); err != nil {
					t.Fatalf("to completed %s: %v", row.id, err)
				}
			}
		}
	}

	all, err := store.List(Filter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(all))
	}
	if all[0].TaskID != "nessus_a_20260401_120300_000004" {
		t.Errorf("expected newest first, got %s", all[0].TaskID)
	}

	queued, err := store.List(Filter{Statuses: []Status{StatusQueued}})
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected 2 queued tasks, got %d", len(queued))
	}

	dmz, err := store.List(Filter{Pool: "nessus-dmz"})
	if err != nil {
		t.Fatalf("list pool: %v", err)
	}
	if len(dmz) != 1 || dmz[0].TaskID != "nessus_b_20260401_120200_000003" {
		t.Fatalf("pool filter mismatch: %+v", dmz)
	}

	// CIDR query hits both the contained IP and the overlapping CIDR.
	byCIDR, err := store.List(Filter{Target: "10.0.0.0/24"})
	if err != nil {
		t.Fatalf("list by cidr: %v", err)
	}
	if len(byCIDR) != 2 {
		t.Fatalf("expected 2 matches for 10.0.0.0/24, got %d", len(byCIDR))
	}

	limited, err := store.List(Filter{Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit 2, got %d", len(limited))
	}
}

func TestSweepStale(t *testing.T) {
	store := newTestStore(t)

	fresh := sampleTask("nessus_a_20260401_120000_000001")
	stale := sampleTask("nessus_a_20260401_120000_000002")
	for _, task := range []*Task{fresh, stale} {
		if err := store.Create(task); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := store.TransitionState(task.TaskID, StatusQueued, StatusRunning, nil); err != nil {
			t.Fatalf("to running: %v", err)
		}
	}

	old := At(time.Now().Add(-72 * time.Hour))
	if _, err := store.Mutate(stale.TaskID, func(task *Task) {
		task.StartedAt = &old
	}); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	hits, err := store.SweepStale(48*time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(hits) != 1 || hits[0].TaskID != stale.TaskID {
		t.Fatalf("expected only the backdated task, got %+v", hits)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)

	task := sampleTask("nessus_nessus-01_20260401_120000_abc123")
	if err := store.Create(task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.WriteArtifact(task.TaskID, []byte("data")); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	if err := store.Delete(task.TaskID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(task.TaskID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound after delete, got %v", err)
	}
}

func TestTimestampFormat(t *testing.T) {
	ts := Timestamp{time.Date(2026, 4, 1, 12, 30, 45, 123000, time.UTC)}
	data, err := ts.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `"2026-04-01T12:30:45.000123Z"`
	if string(data) != want {
		t.Fatalf("timestamp format: got %s, want %s", data, want)
	}

	var parsed Timestamp
	if err := parsed.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !parsed.Equal(ts.Time) {
		t.Fatalf("roundtrip mismatch: got %v, want %v", parsed.Time, ts.Time)
	}
}

func TestNewTaskID(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 30, 45, 0, time.UTC)
	id := NewTaskID("nessus", "nessus-01", now)

	if !strings.HasPrefix(id, "nessus_nessus-01_20260401_123045_") {
		t.Fatalf("unexpected task id shape: %s", id)
	}
	suffix := id[strings.LastIndex(id, "_")+1:]
	if len(suffix) != 6 {
		t.Fatalf("expected 6 hex chars, got %q", suffix)
	}

	if id2 := NewTaskID("nessus", "nessus-01", now); id2 == id {
		t.Fatalf("two ids from the same clock collided: %s", id)
	}
}
