package gateway

import (
	"context"
	"sync"
)

type taskState struct {
	running bool
	failure string
}

func (s taskState) String() string {
	switch {
	case s.running:
		return "ok"
	case s.failure != "":
		return s.failure
	}
	return "stopped"
}

// GoroutineTracker reports the bridge servers, the config watcher and the
// expiry sweep on /readyz and the canvas dashboard.
type GoroutineTracker struct {
	mu    sync.Mutex
	tasks map[string]taskState
}

func NewGoroutineTracker() *GoroutineTracker {
	return &GoroutineTracker{tasks: map[string]taskState{}}
}

func (t *GoroutineTracker) update(name string, fn func(*taskState)) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.tasks[name]
	fn(&st)
	t.tasks[name] = st
}

// Checks returns "ok", the exit error, or "stopped" per task.
func (t *GoroutineTracker) Checks() map[string]string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.tasks))
	for name, st := range t.tasks {
		out[name] = st.String()
	}
	return out
}

// Forget removes a task that was stopped deliberately.
func (t *GoroutineTracker) Forget(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, name)
}

// Go runs fn in its own goroutine. Errors returned after ctx is done are
// shutdown noise and are not recorded.
func (t *GoroutineTracker) Go(ctx context.Context, wg *sync.WaitGroup, name string, fn func(context.Context) error) {
	if wg != nil {
		wg.Add(1)
	}
	t.update(name, func(st *taskState) { st.running = true })
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		err := fn(ctx)
		t.update(name, func(st *taskState) {
			st.running = false
			if err != nil && ctx.Err() == nil {
				st.failure = err.Error()
			}
		})
	}()
}
