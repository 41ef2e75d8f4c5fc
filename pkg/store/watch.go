package store

import (
	"sync"
)

// watchQueueDepth bounds how many pending notifications a single path's
// lane can hold before new ones are dropped rather than blocking the
// writer that triggered them. A watcher that falls behind should re-read
// the current value on its next delivery rather than stall a commit path.
const watchQueueDepth = 16

// pathKey identifies one watchable (kind, id) pair.
type pathKey struct {
	kind Kind
	id   string
}

// lane serializes delivery to every callback registered on one path: a
// single goroutine drains its queue so callbacks never run concurrently
// with each other on the same key, while distinct paths each get their
// own lane and therefore run concurrently with one another.
type lane struct {
	mu        sync.Mutex
	callbacks map[int]func()
	nextID    int
	queue     chan struct{}
	stop      chan struct{}
}

func newLane() *lane {
	l := &lane{
		callbacks: make(map[int]func()),
		queue:     make(chan struct{}, watchQueueDepth),
		stop:      make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *lane) run() {
	for {
		select {
		case <-l.queue:
			l.mu.Lock()
			cbs := make([]func(), 0, len(l.callbacks))
			for _, fn := range l.callbacks {
				cbs = append(cbs, fn)
			}
			l.mu.Unlock()
			for _, fn := range cbs {
				fn()
			}
		case <-l.stop:
			return
		}
	}
}

func (l *lane) add(fn func()) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.callbacks[id] = fn
	return id
}

func (l *lane) remove(id int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.callbacks, id)
	return len(l.callbacks)
}

func (l *lane) signal() {
	select {
	case l.queue <- struct{}{}:
	default:
		// Lane already has a pending wakeup queued; the callbacks will
		// observe the latest state when they next run, so dropping a
		// redundant signal is safe.
	}
}

// watchDispatcher fans committed writes out to registered callbacks,
// enqueuing delivery onto a bounded per-path work queue instead of
// calling back synchronously from inside the write path, since watch
// callbacks must never block a CAS commit on their own (possibly slow,
// possibly network-bound) work.
type watchDispatcher struct {
	mu    sync.Mutex
	lanes map[pathKey]*lane
}

func newWatchDispatcher() *watchDispatcher {
	return &watchDispatcher{lanes: make(map[pathKey]*lane)}
}

// subscribe registers fn against kind/id and returns a function that
// cancels it.
func (d *watchDispatcher) subscribe(kind Kind, id string, fn func()) func() {
	key := pathKey{kind: kind, id: id}

	d.mu.Lock()
	l, ok := d.lanes[key]
	if !ok {
		l = newLane()
		d.lanes[key] = l
	}
	d.mu.Unlock()

	cbID := l.add(fn)

	return func() {
		remaining := l.remove(cbID)
		if remaining == 0 {
			d.mu.Lock()
			if d.lanes[key] == l {
				delete(d.lanes, key)
			}
			d.mu.Unlock()
			close(l.stop)
		}
	}
}

// notify wakes the lane for kind/id, if anything is subscribed to it.
func (d *watchDispatcher) notify(kind Kind, id string) {
	d.mu.Lock()
	l, ok := d.lanes[pathKey{kind: kind, id: id}]
	d.mu.Unlock()
	if ok {
		l.signal()
	}
}
