package ipc

import (
	"sync"

	"github.com/rs/xid"
)

// TaskID identifies one "task" (a goroutine, in this implementation) in the
// process-wide task registry. It is opaque outside this package.
type TaskID string

// NoTask is the zero value, meaning "not owned by any task".
const NoTask TaskID = ""

// TaskTable maps a TaskID to whatever bookkeeping a caller needs attached to
// it (here: just a human-readable label and a liveness flag, since the real
// "kill -9" semantics the spec describes don't translate to goroutines; a
// task is "killed" by cancelling the context it was launched with).
type TaskTable struct {
	mu    sync.Mutex
	tasks map[TaskID]*taskEntry
}

type taskEntry struct {
	label string
	alive bool
}

func NewTaskTable() *TaskTable {
	return &TaskTable{tasks: make(map[TaskID]*taskEntry)}
}

// Self registers a new task under a fresh id and returns it. Call Delete
// when the task exits (ordinarily via `defer`).
func (t *TaskTable) Self(label string) TaskID {
	id := TaskID(xid.New().String())
	t.mu.Lock()
	t.tasks[id] = &taskEntry{label: label, alive: true}
	t.mu.Unlock()
	return id
}

func (t *TaskTable) Exists(id TaskID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.tasks[id]
	return ok && e.alive
}

// Kill marks a task as no longer alive; it is the caller's responsibility to
// have actually stopped the corresponding goroutine (typically by cancelling
// a shared context.Context). Mirrors the spec's "kill(sig)" as a cooperative
// signal rather than a forced OS-level kill.
func (t *TaskTable) Kill(id TaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.tasks[id]; ok {
		e.alive = false
	}
}

func (t *TaskTable) Delete(id TaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, id)
}
