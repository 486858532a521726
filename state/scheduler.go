package state

import (
	"fmt"
	"sync"
	"time"
)

// TaskHandle cancels a scheduled or repeating task. Safe to call from any
// goroutine and more than once. The mutex covers the timer pointer too:
// repeating tasks re-arm from the timer goroutine while Cancel runs
// elsewhere.
type TaskHandle struct {
	mu      sync.Mutex
	stopped bool
	timer   *time.Timer
}

func (h *TaskHandle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
	}
}

func (h *TaskHandle) cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// arm starts the next timer unless the handle was cancelled first.
func (h *TaskHandle) arm(delay time.Duration, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.timer = time.AfterFunc(delay, fn)
}

// Dispatch Dispatches the function to run on the main thread without waiting for it to complete
func (e *Env) Dispatch(fun func(*State) error) {
	defer func() {
		if r := recover(); r != nil {
			e.Cancel(fmt.Errorf("panic: %v", r))
		}
	}()
	select {
	case e.DispatchChannel <- fun:
	case <-e.Context.Done():
	}
}

// DispatchWait Dispatches the function to run on the main thread and wait for it to complete
func (e *Env) DispatchWait(fun func(*State) (any, error)) (any, error) {
	ret := make(chan Pair[any, error], 1)
	e.Dispatch(func(s *State) error {
		res, err := fun(s)
		ret <- Pair[any, error]{res, err}
		return err
	})
	select {
	case res := <-ret:
		return res.V1, res.V2
	case <-e.Context.Done():
		return nil, e.Context.Err()
	}
}

// ScheduleTask runs fun on the dispatch goroutine after delay, unless the
// returned handle is cancelled first.
func (e *Env) ScheduleTask(fun func(*State) error, delay time.Duration) *TaskHandle {
	h := &TaskHandle{}
	h.arm(delay, func() {
		if h.cancelled() {
			return
		}
		e.Dispatch(fun)
	})
	return h
}

// RepeatTask runs fun on the dispatch goroutine every delay until the handle
// is cancelled or the environment shuts down.
func (e *Env) RepeatTask(fun func(*State) error, delay time.Duration) *TaskHandle {
	h := &TaskHandle{}
	var loop func()
	loop = func() {
		if h.cancelled() || e.Context.Err() != nil {
			return
		}
		e.Dispatch(fun)
		h.arm(delay, loop)
	}
	h.arm(delay, loop)
	return h
}
