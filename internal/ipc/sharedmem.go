package ipc

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// SharedMemory models a process-wide named shared memory segment. Within a
// single Go process there is nothing to share across address spaces, so the
// "segment" is a plain byte slice guarded by its own mutex; the contract
// (attach returns a pointer, an id, and whether the segment was newly
// created; detach/destroy) is kept identical so a caller doesn't need to
// know whether it is really crossing a process boundary. No package in this
// repository calls it outside of its tests.
type SharedMemory struct {
	ID    int
	Bytes []byte

	mu    sync.Mutex
	attns int32
}

type shmRegistry struct {
	mu       sync.Mutex
	byKey    map[string]*SharedMemory
	nextID   int32
	autoSeed int32
}

var registry = &shmRegistry{byKey: make(map[string]*SharedMemory)}

// Attach returns the segment for key, creating it with the given size if it
// does not exist. The bool result reports whether this call created it.
func (r *shmRegistry) Attach(key string, size int) (*SharedMemory, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seg, ok := r.byKey[key]; ok {
		atomic.AddInt32(&seg.attns, 1)
		return seg, false
	}
	r.nextID++
	seg := &SharedMemory{ID: int(r.nextID), Bytes: make([]byte, size), attns: 1}
	r.byKey[key] = seg
	return seg, true
}

// AttachAuto allocates a segment under a generated key, for callers that do
// not care about a stable name (the spec's "auto-generated key" case).
func (r *shmRegistry) AttachAuto(size int) (*SharedMemory, string) {
	r.mu.Lock()
	r.autoSeed++
	key := fmt.Sprintf("auto-%d", r.autoSeed)
	r.mu.Unlock()
	seg, _ := r.Attach(key, size)
	return seg, key
}

func (r *shmRegistry) Detach(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seg, ok := r.byKey[key]
	if !ok {
		return
	}
	if atomic.AddInt32(&seg.attns, -1) <= 0 {
		delete(r.byKey, key)
	}
}

func (r *shmRegistry) Destroy(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKey, key)
}

// Attach, Detach and Destroy expose the default process-wide registry, the
// only shared-memory registry there is (unlike TaskTable in tasktable.go,
// of which NewTaskTable creates independent instances).
func Attach(key string, size int) (*SharedMemory, bool) { return registry.Attach(key, size) }
func AttachAuto(size int) (*SharedMemory, string)       { return registry.AttachAuto(size) }
func Detach(key string)                                 { registry.Detach(key) }
func Destroy(key string)                                { registry.Destroy(key) }
