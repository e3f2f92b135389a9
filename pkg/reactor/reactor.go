// Package reactor provides the cooperative event loop of the host.
// All pin, sensor and command state is mutated from callbacks running on the
// loop; other goroutines hand work over with RegisterAsyncCallback.
package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Constants
const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

// Common errors
var (
	ErrReactorClosed = errors.New("reactor: reactor closed")
	ErrQueueFull     = errors.New("reactor: async queue full")
)

// maxPendingPasses bounds RunPending so a timer that keeps rescheduling itself
// at the current time cannot spin forever.
const maxPendingPasses = 1000

// TimerCallback is called when a timer fires.
// The callback receives the event time and returns the next wake time.
// Return NEVER to leave the timer idle.
type TimerCallback func(eventtime float64) float64

// Timer represents a registered timer.
type Timer struct {
	id        uint64
	callback  TimerCallback
	waketime  float64
	isRunning bool
	mu        sync.Mutex
}

// Waketime returns the timer's current wake time.
func (t *Timer) Waketime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waketime
}

// Completion represents an async operation that will complete with a result.
type Completion struct {
	reactor *Reactor
	result  interface{}
	done    chan struct{}
	once    sync.Once
}

// Test returns true if the completion has a result.
func (c *Completion) Test() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Complete sets the completion result and wakes any waiters.
// Only the first call has an effect.
func (c *Completion) Complete(result interface{}) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

// Result returns the completed value, or nil when still pending.
func (c *Completion) Result() interface{} {
	if !c.Test() {
		return nil
	}
	return c.result
}

// Wait blocks until the completion is done or the timeout expires.
// Returns the result or timeoutResult if the timeout expires.
func (c *Completion) Wait(timeout time.Duration, timeoutResult interface{}) interface{} {
	if c.Test() {
		return c.result
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return c.result
	case <-timer.C:
		return timeoutResult
	case <-c.reactor.ctx.Done():
		return timeoutResult
	}
}

// WaitUntil blocks until the completion is done or the waketime is reached.
func (c *Completion) WaitUntil(waketime float64, waketimeResult interface{}) interface{} {
	if c.Test() {
		return c.result
	}
	if waketime >= NEVER {
		select {
		case <-c.done:
			return c.result
		case <-c.reactor.ctx.Done():
			return waketimeResult
		}
	}

	now := c.reactor.Monotonic()
	if waketime <= now {
		return waketimeResult
	}
	return c.Wait(secondsToDuration(waketime-now), waketimeResult)
}

// Reactor manages timers, callbacks, and event dispatch.
type Reactor struct {
	mu          sync.Mutex
	timers      []*Timer
	nextTimerID uint64
	nextWake    float64

	clock Clock

	// Async callback queue, drained on the loop
	asyncQueue chan func()
	wake       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a new Reactor driven by the system clock.
func New() *Reactor {
	return NewWithClock(NewSystemClock())
}

// NewWithClock creates a Reactor that reads time from clock.
func NewWithClock(clock Clock) *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		timers:     make([]*Timer, 0),
		nextWake:   NEVER,
		clock:      clock,
		asyncQueue: make(chan func(), 1000),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Monotonic returns the current monotonic time in seconds.
func (r *Reactor) Monotonic() float64 {
	return r.clock.Now()
}

// Clock returns the time source of the reactor.
func (r *Reactor) Clock() Clock {
	return r.clock
}

// RegisterTimer registers a new timer with the given callback and wake time.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextTimerID++
	timer := &Timer{
		id:       r.nextTimerID,
		callback: callback,
		waketime: waketime,
	}

	r.timers = append(r.timers, timer)
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.signal()
	return timer
}

// UnregisterTimer removes a timer.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	timer.mu.Lock()
	timer.waketime = NEVER
	timer.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer updates a timer's wake time.
func (r *Reactor) UpdateTimer(timer *Timer, waketime float64) {
	timer.mu.Lock()
	timer.waketime = waketime
	timer.mu.Unlock()

	r.mu.Lock()
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.mu.Unlock()
	r.signal()
}

// Completion creates a new Completion object.
func (r *Reactor) Completion() *Completion {
	return &Completion{
		reactor: r,
		done:    make(chan struct{}),
	}
}

// RegisterCallback schedules a one-shot callback to run on the loop at
// waketime (NOW for the next tick). The returned Completion carries the
// callback's result.
func (r *Reactor) RegisterCallback(callback func(eventtime float64) interface{}, waketime float64) *Completion {
	completion := r.Completion()

	var timer *Timer
	timer = r.RegisterTimer(func(eventtime float64) float64 {
		r.UnregisterTimer(timer)
		completion.Complete(callback(eventtime))
		return NEVER
	}, waketime)
	return completion
}

// RegisterAsyncCallback schedules a callback from another goroutine.
// When the queue is full the completion resolves to ErrQueueFull and the
// callback is dropped.
func (r *Reactor) RegisterAsyncCallback(callback func(eventtime float64) interface{}, waketime float64) *Completion {
	completion := r.Completion()

	select {
	case r.asyncQueue <- func() {
		r.RegisterCallback(func(eventtime float64) interface{} {
			result := callback(eventtime)
			completion.Complete(result)
			return result
		}, waketime)
	}:
		r.signal()
	default:
		completion.Complete(ErrQueueFull)
	}

	return completion
}

// Pause suspends the calling callback until the given wake time.
func (r *Reactor) Pause(waketime float64) float64 {
	now := r.Monotonic()
	if waketime <= now {
		return now
	}
	r.clock.Sleep(r.ctx, waketime)
	return r.Monotonic()
}

// Run starts the reactor's dispatch loop in its own goroutine.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}

	r.wg.Add(1)
	go r.dispatchLoop()
}

// End signals the reactor to stop.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Done is closed once End has been called.
func (r *Reactor) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Wait waits for the reactor to stop.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

// RunPending runs queued async work and every timer due at the current
// clock time, repeating until nothing is due. It is meant for callers that
// drive the reactor by hand (replays and tests) instead of calling Run.
func (r *Reactor) RunPending() {
	for i := 0; i < maxPendingPasses; i++ {
		r.processAsyncCallbacks()
		if r.checkTimers(r.Monotonic()) > 0 && len(r.asyncQueue) == 0 {
			return
		}
	}
}

// NextWake returns the earliest wake time of any registered timer.
func (r *Reactor) NextWake() float64 {
	r.mu.Lock()
	timers := make([]*Timer, len(r.timers))
	copy(timers, r.timers)
	r.mu.Unlock()

	next := NEVER
	for _, t := range timers {
		if w := t.Waketime(); w < next {
			next = w
		}
	}
	return next
}

func (r *Reactor) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()

	for r.running.Load() {
		r.processAsyncCallbacks()
		timeout := r.checkTimers(r.Monotonic())
		if timeout <= 0 {
			continue
		}

		delay := secondsToDuration(timeout)
		if delay > time.Second {
			delay = time.Second
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-r.wake:
		case <-r.ctx.Done():
			t.Stop()
			return
		}
		t.Stop()
	}
}

func (r *Reactor) processAsyncCallbacks() {
	for {
		select {
		case fn := <-r.asyncQueue:
			fn()
		default:
			return
		}
	}
}

// checkTimers fires due timers and returns the time until the next one.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	if eventtime < r.nextWake {
		delay := r.nextWake - eventtime
		r.mu.Unlock()
		return delay
	}
	timers := make([]*Timer, len(r.timers))
	copy(timers, r.timers)
	r.nextWake = NEVER
	r.mu.Unlock()

	for _, timer := range timers {
		timer.mu.Lock()
		if eventtime >= timer.waketime && !timer.isRunning {
			timer.waketime = NEVER
			timer.isRunning = true
			timer.mu.Unlock()

			newWaketime := timer.callback(eventtime)

			timer.mu.Lock()
			timer.isRunning = false
			if newWaketime < timer.waketime {
				timer.waketime = newWaketime
			}
		}
		waketime := timer.waketime
		timer.mu.Unlock()

		r.mu.Lock()
		if waketime < r.nextWake {
			r.nextWake = waketime
		}
		r.mu.Unlock()
	}

	// Timers registered by callbacks above were not in the snapshot.
	next := r.NextWake()
	r.mu.Lock()
	if next < r.nextWake {
		r.nextWake = next
	}
	delay := r.nextWake - r.Monotonic()
	r.mu.Unlock()

	if delay < 0 {
		delay = 0
	}
	return delay
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
