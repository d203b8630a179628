package jobs

import (
	"sync"
	"time"
)

// Trigger fires when either Threshold observations accumulate for a key or
// no observation arrives for Idle, whichever happens first.
type Trigger struct {
	Threshold int
	Idle      time.Duration
	Fire      func(key string)

	mu     sync.Mutex
	counts map[string]int
	timers map[string]*time.Timer
}

// NewTrigger creates a Trigger. A zero threshold or idle disables that arm.
func NewTrigger(threshold int, idle time.Duration, fire func(key string)) *Trigger {
	return &Trigger{
		Threshold: threshold,
		Idle:      idle,
		Fire:      fire,
		counts:    make(map[string]int),
		timers:    make(map[string]*time.Timer),
	}
}

// Observe records n new entries for key.
func (t *Trigger) Observe(key string, n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.counts[key] += n
	if timer, ok := t.timers[key]; ok {
		timer.Stop()
		delete(t.timers, key)
	}
	if t.Threshold > 0 && t.counts[key] >= t.Threshold {
		t.counts[key] = 0
		t.mu.Unlock()
		t.Fire(key)
		return
	}
	if t.Idle > 0 {
		var timer *time.Timer
		timer = time.AfterFunc(t.Idle, func() {
			t.mu.Lock()
			if t.timers[key] != timer {
				t.mu.Unlock()
				return
			}
			delete(t.timers, key)
			t.counts[key] = 0
			t.mu.Unlock()
			t.Fire(key)
		})
		t.timers[key] = timer
	}
	t.mu.Unlock()
}

// Forget stops the idle timer for key and clears its count.
func (t *Trigger) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[key]; ok {
		timer.Stop()
		delete(t.timers, key)
	}
	delete(t.counts, key)
}
