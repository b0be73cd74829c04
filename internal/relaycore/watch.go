// Filesystem-watch fallback path: a debounced fsnotify watcher per
// endpoint new/ directory, backing a second delivery path for envelopes
// written by processes other than this Relay instance. The debounce
// pattern (a single run loop fed by a non-blocking signal channel, with
// per-source timers) is adapted from
// other_examples/.../kylesnowschwartz-tail-claude's sessionWatcher.
package relaycore

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 300 * time.Millisecond

// dispatchedSet is a bounded FIFO set of per-delivery filenames the
// synchronous publish path has already dispatched, so the filesystem-watch
// path can skip them. Capped at 10,000 entries with FIFO eviction of the
// oldest entry, per the spec's Open Question decision (see DESIGN.md).
type dispatchedSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
}

func newDispatchedSet(capacity int) *dispatchedSet {
	return &dispatchedSet{seen: make(map[string]struct{}), cap: capacity}
}

func (d *dispatchedSet) Add(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.seen[key]; exists {
		return
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
}

func (d *dispatchedSet) Contains(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[key]
	return ok
}

// fsWatcher watches a single endpoint's new/ directory and signals the
// relay to attempt dispatch of any file not already in the dispatched set.
type fsWatcher struct {
	endpointHash string
	watcher      *fsnotify.Watcher
	signals      chan string
	stop         chan struct{}
	done         chan struct{}
}

func newFSWatcher(endpointHash, newDirPath string) (*fsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(newDirPath); err != nil {
		w.Close()
		return nil, err
	}
	return &fsWatcher{
		endpointHash: endpointHash,
		watcher:      w,
		signals:      make(chan string, 64),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// run debounces rapid bursts of Create events for the same filename before
// emitting it once on signals.
func (fw *fsWatcher) run(onReady func(filename string)) {
	defer close(fw.done)

	timers := make(map[string]*time.Timer)
	var mu sync.Mutex

	fire := func(name string) {
		mu.Lock()
		delete(timers, name)
		mu.Unlock()
		select {
		case fw.signals <- name:
		default:
		}
	}

	go func() {
		for {
			select {
			case event, ok := <-fw.watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				name := baseFilename(event.Name)
				if name == "" {
					continue
				}
				mu.Lock()
				if t, exists := timers[name]; exists {
					t.Reset(watchDebounce)
				} else {
					timers[name] = time.AfterFunc(watchDebounce, func() { fire(name) })
				}
				mu.Unlock()
			case <-fw.watcher.Errors:
				// best-effort: errors are not fatal to the fallback path
			case <-fw.stop:
				fw.watcher.Close()
				return
			}
		}
	}()

	for {
		select {
		case name := <-fw.signals:
			onReady(name)
		case <-fw.stop:
			return
		}
	}
}

func (fw *fsWatcher) Stop() {
	close(fw.stop)
	<-fw.done
}

func baseFilename(path string) string {
	idx := len(path) - 1
	for idx >= 0 && path[idx] != '/' {
		idx--
	}
	name := path[idx+1:]
	if len(name) > 5 && name[len(name)-5:] == ".json" {
		return name[:len(name)-5]
	}
	return ""
}
