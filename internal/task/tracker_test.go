package task

import (
	"fmt"
	"sync"
	"testing"
)

func TestTrackerLogsOnStatusChange(t *testing.T) {
	tracker := NewTracker()

	first := tracker.Observe("t1", StatusPending)
	if !first.ShouldLog || !first.StatusChanged {
		t.Fatalf("first observation should log: %+v", first)
	}

	second := tracker.Observe("t1", StatusPending)
	if second.ShouldLog {
		t.Fatalf("repeat observation of same status should be quiet: %+v", second)
	}

	third := tracker.Observe("t1", StatusStarted)
	if !third.ShouldLog || !third.StatusChanged {
		t.Fatalf("status change should log: %+v", third)
	}
}

func TestTrackerLogsEveryNthPoll(t *testing.T) {
	tracker := NewTracker()

	tracker.Observe("t1", StatusStarted)
	for i := 2; i < defaultLogEvery; i++ {
		obs := tracker.Observe("t1", StatusStarted)
		if obs.ShouldLog {
			t.Fatalf("poll %d should be quiet: %+v", i, obs)
		}
	}
	obs := tracker.Observe("t1", StatusStarted)
	if !obs.ShouldLog || obs.PollCount != defaultLogEvery {
		t.Fatalf("poll %d should log: %+v", defaultLogEvery, obs)
	}
}

func TestTrackerEvictsOnTerminal(t *testing.T) {
	tracker := NewTracker()

	tracker.Observe("t1", StatusPending)
	tracker.Observe("t1", StatusStarted)
	if tracker.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", tracker.Len())
	}

	obs := tracker.Observe("t1", StatusSuccess)
	if !obs.ShouldLog {
		t.Fatalf("terminal observation should log: %+v", obs)
	}
	if tracker.Len() != 0 {
		t.Fatalf("terminal observation should evict, got %d entries", tracker.Len())
	}

	// 终态之后的重复轮询从零计数，依旧不会累积。
	again := tracker.Observe("t1", StatusSuccess)
	if again.PollCount != 1 {
		t.Fatalf("post-terminal poll should restart counting: %+v", again)
	}
	if tracker.Len() != 0 {
		t.Fatalf("post-terminal polls must not leak entries, got %d", tracker.Len())
	}
}

func TestTrackerNoLeakAcrossManyTasks(t *testing.T) {
	tracker := NewTracker()
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("task-%d", i)
		tracker.Observe(id, StatusPending)
		tracker.Observe(id, StatusStarted)
		tracker.Observe(id, StatusFailure)
	}
	if tracker.Len() != 0 {
		t.Fatalf("expected all entries evicted, got %d", tracker.Len())
	}
}

func TestTrackerConcurrentObserve(t *testing.T) {
	tracker := NewTracker()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("task-%d", i%17)
				tracker.Observe(id, StatusStarted)
			}
		}(g)
	}
	wg.Wait()
	if tracker.Len() != 17 {
		t.Fatalf("expected 17 live entries, got %d", tracker.Len())
	}
}
