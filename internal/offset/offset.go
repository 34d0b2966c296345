// Package offset tracks settlement of log positions so that backends which
// settle messages out of order only ever commit a contiguous prefix.
package offset

import (
	"slices"
	"sync"
)

// Tracker records fetched offsets per partition and reports the highest
// offset below which everything has been settled.
//
// The zero value is ready to use.
type Tracker struct {
	mu    sync.Mutex
	parts map[int]*partition
}

type partition struct {
	pending []int64 // ascending, not yet committable
	done    map[int64]bool
}

// Track registers a fetched offset. Tracking an offset twice is a no-op.
func (t *Tracker) Track(part int, off int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.partition(part)
	if _, ok := p.done[off]; ok {
		return
	}
	p.done[off] = false
	i, _ := slices.BinarySearch(p.pending, off)
	p.pending = slices.Insert(p.pending, i, off)
}

// Done marks an offset settled. When that completes a contiguous run starting
// at the oldest tracked offset, it returns the last offset of the run and true.
func (t *Tracker) Done(part int, off int64) (commit int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.partition(part)
	if _, tracked := p.done[off]; !tracked {
		return 0, false
	}
	p.done[off] = true

	for len(p.pending) > 0 && p.done[p.pending[0]] {
		commit, ok = p.pending[0], true
		delete(p.done, commit)
		p.pending = p.pending[1:]
	}
	return commit, ok
}

// Pending returns the number of tracked offsets not yet committable.
func (t *Tracker) Pending(part int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.parts[part]; ok {
		return len(p.pending)
	}
	return 0
}

// Reset forgets everything tracked for a partition, e.g. after a rebalance.
func (t *Tracker) Reset(part int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.parts, part)
}

func (t *Tracker) partition(part int) *partition {
	if t.parts == nil {
		t.parts = make(map[int]*partition)
	}
	p, ok := t.parts[part]
	if !ok {
		p = &partition{done: make(map[int64]bool)}
		t.parts[part] = p
	}
	return p
}
