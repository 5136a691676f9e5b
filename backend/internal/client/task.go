package client

import (
	"sync"
	"time"
)

// Task runs fn once, delay after the most recent Trigger. Triggering again
// before it fires reschedules it.
type Task struct {
	fn    func()
	delay time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func NewTask(fn func(), delay time.Duration) *Task {
	return &Task{fn: fn, delay: delay}
}

func (t *Task) Trigger() { t.TriggerAfter(t.delay) }

// TriggerAfter is Trigger with a one-off delay.
func (t *Task) TriggerAfter(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, t.fn)
}

// Cancel drops a pending run. A run already in progress is not interrupted.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Stop cancels the task for good; later triggers are ignored.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
