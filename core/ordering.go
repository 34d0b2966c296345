package core

import "sync"

// lanes serializes work sharing an ordering key. enter must be called in
// receive order; each caller waits on the returned channel (nil when there is
// nothing to wait for) and calls leave when its message is settled.
type lanes struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newLanes() *lanes {
	return &lanes{tails: make(map[string]chan struct{})}
}

func (l *lanes) enter(key string) (wait <-chan struct{}, leave func()) {
	if key == "" {
		return nil, func() {}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.tails[key]
	cur := make(chan struct{})
	l.tails[key] = cur

	return prev, func() {
		close(cur)
		l.mu.Lock()
		if l.tails[key] == cur {
			delete(l.tails, key)
		}
		l.mu.Unlock()
	}
}

// size reports the number of keys with work in flight.
func (l *lanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tails)
}
