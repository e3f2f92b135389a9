package vpin

import (
	"reflect"
	"sync"
	"sync/atomic"

	"klipper-vpin/pkg/errors"
)

// Watcher receives every level change of a pin.
type Watcher interface {
	PinChanged(value bool) error
}

// WatcherFunc adapts a function to the Watcher interface. Function
// watchers cannot be compared, so subscribing one twice registers it twice.
type WatcherFunc func(value bool) error

// PinChanged calls f(value).
func (f WatcherFunc) PinChanged(value bool) error { return f(value) }

// FaultFunc is told about a watcher that failed or panicked.
type FaultFunc func(err error)

// WatcherRegistry fans level changes out to subscribed watchers.
type WatcherRegistry struct {
	mu       sync.Mutex
	watchers []Watcher
	faults   atomic.Uint64
	onFault  FaultFunc
}

// NewWatcherRegistry creates an empty registry. onFault may be nil.
func NewWatcherRegistry(onFault FaultFunc) *WatcherRegistry {
	return &WatcherRegistry{onFault: onFault}
}

// sameWatcher compares watchers by identity. Values whose dynamic type is
// comparable but which hold a func inside an interface field panic on ==,
// so those are treated as distinct.
func sameWatcher(a, b Watcher) (same bool) {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

func (r *WatcherRegistry) indexLocked(w Watcher) int {
	for i, existing := range r.watchers {
		if sameWatcher(existing, w) {
			return i
		}
	}
	return -1
}

// Subscribe adds w and immediately calls it with current. A watcher that
// is already subscribed is not added again but still gets the replay.
// It reports whether w was added.
func (r *WatcherRegistry) Subscribe(w Watcher, current bool) bool {
	if w == nil {
		return false
	}
	added := r.add(w)

	r.call(w, current)
	return added
}

func (r *WatcherRegistry) add(w Watcher) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(w) >= 0 {
		return false
	}
	r.watchers = append(r.watchers, w)
	return true
}

// Unsubscribe removes w. It reports whether w was subscribed.
func (r *WatcherRegistry) Unsubscribe(w Watcher) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(w)
	if i < 0 {
		return false
	}
	r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
	return true
}

// Notify calls every subscribed watcher with value and returns how many
// of them failed. No lock is held while watchers run.
func (r *WatcherRegistry) Notify(value bool) int {
	return r.NotifyUntil(value, nil)
}

// NotifyUntil is Notify, but it stops before the next watcher once stop
// reports true. stop may be nil.
func (r *WatcherRegistry) NotifyUntil(value bool, stop func() bool) int {
	r.mu.Lock()
	watchers := append([]Watcher(nil), r.watchers...)
	r.mu.Unlock()

	failed := 0
	for _, w := range watchers {
		if stop != nil && stop() {
			break
		}
		if !r.call(w, value) {
			failed++
		}
	}
	return failed
}

func (r *WatcherRegistry) call(w Watcher, value bool) bool {
	err := errors.CallSafely(func() error { return w.PinChanged(value) })
	if err == nil {
		return true
	}
	r.faults.Add(1)
	if r.onFault != nil {
		r.onFault(err)
	}
	return false
}

// Len returns the number of subscribed watchers.
func (r *WatcherRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers)
}

// Faults returns the number of failed watcher calls so far.
func (r *WatcherRegistry) Faults() uint64 {
	return r.faults.Load()
}
