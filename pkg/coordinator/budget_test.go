package coordinator

import (
	"testing"
	"time"
)

func TestExecutionBudgetRemainingNoDeadline(t *testing.T) {
	var b ExecutionBudget
	if got := b.Remaining(time.Now()); got < 24*time.Hour {
		t.Fatalf("Remaining with no deadline = %v, want a very large duration", got)
	}
}

func TestExecutionBudgetRemainingCountsDownNormally(t *testing.T) {
	start := time.Now()
	b := &ExecutionBudget{Deadline: start.Add(time.Second)}

	remaining := b.Remaining(start.Add(400 * time.Millisecond))
	if remaining < 590*time.Millisecond || remaining > 610*time.Millisecond {
		t.Fatalf("Remaining = %v, want ~600ms", remaining)
	}
}

// TestExecutionBudgetExcludesPause models scenario S4: a 1s budget, 0.4s of
// real work, then a 5s approval wait, then the code finishes almost
// immediately after the decision arrives. The pause must be fully credited
// back so the execution is not cut short by the nominal 1s deadline.
func TestExecutionBudgetExcludesPause(t *testing.T) {
	start := time.Now()
	b := &ExecutionBudget{Deadline: start.Add(time.Second)}

	preApproval := start.Add(400 * time.Millisecond)
	b.Pause(preApproval)

	// While paused, Remaining must not keep draining toward zero; it
	// should stay pinned at roughly what it was when the pause began.
	midPause := preApproval.Add(2 * time.Second)
	if got := b.Remaining(midPause); got < 590*time.Millisecond || got > 610*time.Millisecond {
		t.Fatalf("Remaining mid-pause = %v, want ~600ms (frozen)", got)
	}

	resolved := preApproval.Add(5 * time.Second)
	b.Resume(resolved)

	if b.PausedTotal != 5*time.Second {
		t.Fatalf("PausedTotal = %v, want 5s", b.PausedTotal)
	}

	after := resolved.Add(10 * time.Millisecond)
	remaining := b.Remaining(after)
	if remaining < 580*time.Millisecond || remaining > 600*time.Millisecond {
		t.Fatalf("Remaining after resume = %v, want ~590ms", remaining)
	}
}

func TestExecutionBudgetResumeWithoutPauseIsNoop(t *testing.T) {
	b := &ExecutionBudget{}
	b.Resume(time.Now())
	if b.PausedTotal != 0 {
		t.Fatalf("PausedTotal = %v, want 0", b.PausedTotal)
	}
}
