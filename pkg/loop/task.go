package loop

import "github.com/benbjohnson/clock"

// Task is a handle to a closure scheduled with Loop.After.
//
// All methods must be called from the loop. A nil *Task is valid and
// behaves like a task that has already been cancelled.
type Task struct {
	fn    func()
	timer *clock.Timer

	cancelled bool
	fired     bool
}

// Cancel prevents the task from running. Safe to call more than once and
// after the task has fired.
func (t *Task) Cancel() {
	if t == nil || t.cancelled || t.fired {
		return
	}
	t.cancelled = true
	t.timer.Stop()
}

// Pending reports whether the task is still scheduled to run.
func (t *Task) Pending() bool {
	return t != nil && !t.cancelled && !t.fired
}

func (t *Task) fire() {
	if t.cancelled || t.fired {
		return
	}
	t.fired = true
	t.fn()
}
