package services

import (
	"sync"
	"testing"
	"time"
)

func TestProgressTrackerLifecycle(t *testing.T) {
	ps := NewProgressService()
	tracker := ps.CreateTracker("task-1")

	if again := ps.CreateTracker("task-1"); again != tracker {
		t.Fatal("CreateTracker should return the existing tracker")
	}

	sub := tracker.Subscribe()
	if first := <-sub; first.Status != StatusRunning {
		t.Fatalf("subscription should start with the current state, got %+v", first)
	}

	tracker.UpdateProgress(40, "halfway")
	tracker.UpdateProgress(10, "")
	if state := tracker.State(); state.Progress != 40 || state.Message != "halfway" {
		t.Errorf("progress must not go backwards: %+v", state)
	}

	tracker.Supersede()
	tracker.Complete("")
	select {
	case <-tracker.Done:
	default:
		t.Fatal("Done should be closed")
	}
	if state := tracker.State(); state.Status != StatusSuperseded || !state.IsFinal() {
		t.Errorf("first final status should stick: %+v", state)
	}

	tracker.Unsubscribe(sub)
	tracker.Unsubscribe(sub)
}

func TestCleanupCompletedTasks(t *testing.T) {
	ps := NewProgressService()
	ps.CreateTracker("running")
	ps.CreateTracker("done").Complete("ok")

	if removed := ps.CleanupCompletedTasks(time.Hour); removed != 0 {
		t.Errorf("fresh trackers should stay, removed %d", removed)
	}
	time.Sleep(5 * time.Millisecond)
	if removed := ps.CleanupCompletedTasks(time.Millisecond); removed != 1 {
		t.Errorf("expected the finished tracker to go, removed %d", removed)
	}
	if _, ok := ps.GetTracker("running"); !ok {
		t.Error("running tracker must survive cleanup")
	}
}

func TestLockManagerSerialises(t *testing.T) {
	lm := NewLockManager()
	defer lm.Stop()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.ExecuteWithSessionLock("s1", func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d", counter)
	}
	lm.ExecuteWithSessionReadLock("s2", func() error { return nil })
	if lm.Count() != 2 {
		t.Errorf("expected two locks, got %d", lm.Count())
	}
	lm.Forget("s1")
	if lm.Count() != 1 {
		t.Errorf("Forget should drop an idle lock, got %d", lm.Count())
	}
}
