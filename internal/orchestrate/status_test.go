package orchestrate

import (
	"context"
	"errors"
	"testing"

	"github.com/scandhq/scand/internal/taskstore"
)

func failTask(t *testing.T, store *taskstore.Store, taskID string, auth taskstore.AuthStatus, msg string) {
	t.Helper()
	if _, err := store.TransitionState(taskID, taskstore.StatusQueued, taskstore.StatusRunning, nil); err != nil {
		t.Fatalf("to running: %v", err)
	}
	_, err := store.TransitionState(taskID, taskstore.StatusRunning, taskstore.StatusFailed, func(task *taskstore.Task) {
		task.AuthenticationStatus = auth
		task.ErrorMessage = msg
	})
	if err != nil {
		t.Fatalf("to failed: %v", err)
	}
}

func TestTaskStatusAuthFailureTroubleshooting(t *testing.T) {
	orch, store, _ := newTestOrchestrator(t)

	resp, err := orch.Submit(context.Background(), privilegedRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	failTask(t, store, resp.TaskID, taskstore.AuthFailed, "authentication failed on all targets")

	view, err := orch.TaskStatus(resp.TaskID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != taskstore.StatusFailed {
		t.Errorf("status: got %s", view.Status)
	}
	if view.Troubleshooting == nil || len(view.Troubleshooting.NextSteps) == 0 {
		t.Fatal("expected troubleshooting next steps for auth failure")
	}
	if view.Targets[0] != "10.0.0.5" {
		t.Errorf("targets: got %v", view.Targets)
	}
}

func TestTaskStatusNoTroubleshootingForOtherFailures(t *testing.T) {
	orch, store, _ := newTestOrchestrator(t)

	resp, err := orch.Submit(context.Background(), untrustedRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	failTask(t, store, resp.TaskID, "", "scanner unreachable")

	view, err := orch.TaskStatus(resp.TaskID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Troubleshooting != nil {
		t.Error("non-auth failure must not carry auth troubleshooting")
	}
	if view.ErrorMessage != "scanner unreachable" {
		t.Errorf("error message: got %q", view.ErrorMessage)
	}
}

func TestTaskStatusUnknownTask(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)

	_, err := orch.TaskStatus("nessus_nessus-01_20260301_120000_abc123")
	if !errors.Is(err, taskstore.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestListTasksFilters(t *testing.T) {
	orch, store, _ := newTestOrchestrator(t)
	ctx := context.Background()

	a, err := orch.Submit(ctx, untrustedRequest())
	if err != nil {
		t.Fatalf("submit a: %v", err)
	}
	dmz := untrustedRequest()
	dmz.ScannerPool = "nessus-dmz"
	dmz.Targets = "172.16.9.10"
	b, err := orch.Submit(ctx, dmz)
	if err != nil {
		t.Fatalf("submit b: %v", err)
	}
	failTask(t, store, a.TaskID, "", "boom")

	failed, err := orch.ListTasks(taskstore.Filter{Statuses: []taskstore.Status{taskstore.StatusFailed}})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].TaskID != a.TaskID {
		t.Fatalf("failed filter: got %d views", len(failed))
	}

	inDMZ, err := orch.ListTasks(taskstore.Filter{Pool: "nessus-dmz"})
	if err != nil {
		t.Fatalf("list pool: %v", err)
	}
	if len(inDMZ) != 1 || inDMZ[0].TaskID != b.TaskID {
		t.Fatalf("pool filter: got %d views", len(inDMZ))
	}

	byTarget, err := orch.ListTasks(taskstore.Filter{Target: "172.16.0.0/16"})
	if err != nil {
		t.Fatalf("list target: %v", err)
	}
	if len(byTarget) != 1 || byTarget[0].TaskID != b.TaskID {
		t.Fatalf("target filter: got %d views", len(byTarget))
	}
}
