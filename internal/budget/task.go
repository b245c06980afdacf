// Package budget models a host-granted, time-boxed permission to keep
// running background work.
//
// A Task moves from Pending to exactly one terminal state, Completed or
// Expired. The terminal outcome is recorded and replayed to observers that
// register late, so wiring order never loses a notification.
package budget

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrExpired is the cancellation cause of a Task's context once it expires.
var ErrExpired = errors.New("execution budget expired")

type State int

const (
	Pending State = iota
	Completed
	Expired
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

type Task struct {
	id string

	mu        sync.Mutex
	state     State
	success   bool
	onDone    []func(success bool)
	onExpire  []func()
	done      chan struct{}
	expiredCh chan struct{}
}

// New returns a pending task. An empty id gets a random UUID.
func New(id string) *Task {
	if id == "" {
		id = uuid.NewString()
	}
	return &Task{id: id, done: make(chan struct{}), expiredCh: make(chan struct{})}
}

func (t *Task) ID() string { return t.id }

// State returns the current state and, for terminal states, the recorded
// success flag (always false once expired).
func (t *Task) State() (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.success
}

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// ExpiredCh is closed only if the task expires.
func (t *Task) ExpiredCh() <-chan struct{} { return t.expiredCh }

// Complete records the outcome and notifies completion observers. Only the
// first terminal transition has any effect.
func (t *Task) Complete(success bool) {
	t.mu.Lock()
	if t.state != Pending {
		t.mu.Unlock()
		return
	}
	t.state = Completed
	t.success = success
	done := t.onDone
	t.onDone = nil
	t.onExpire = nil
	close(t.done)
	t.mu.Unlock()

	for _, fn := range done {
		fn(success)
	}
}

// Expire marks the task expired, notifies expiration observers and then
// completion observers with false. Only the first terminal transition has
// any effect.
func (t *Task) Expire() {
	t.mu.Lock()
	if t.state != Pending {
		t.mu.Unlock()
		return
	}
	t.state = Expired
	t.success = false
	done := t.onDone
	expire := t.onExpire
	t.onDone = nil
	t.onExpire = nil
	close(t.expiredCh)
	close(t.done)
	t.mu.Unlock()

	for _, fn := range expire {
		fn()
	}
	for _, fn := range done {
		fn(false)
	}
}

// OnCompletion registers fn to run once with the final success flag. If the
// task is already terminal, fn runs synchronously before OnCompletion
// returns.
func (t *Task) OnCompletion(fn func(success bool)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	if t.state == Pending {
		t.onDone = append(t.onDone, fn)
		t.mu.Unlock()
		return
	}
	success := t.success
	t.mu.Unlock()
	fn(success)
}

// OnExpiration registers fn to run once if the task expires. If it already
// expired, fn runs synchronously; if it completed normally, fn never runs.
func (t *Task) OnExpiration(fn func()) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	switch t.state {
	case Pending:
		t.onExpire = append(t.onExpire, fn)
		t.mu.Unlock()
	case Expired:
		t.mu.Unlock()
		fn()
	default:
		t.mu.Unlock()
	}
}

// Context derives a context from parent that is cancelled with ErrExpired
// when the task expires. The returned cancel releases its resources.
func (t *Task) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := make(chan struct{})
	go func() {
		select {
		case <-t.expiredCh:
			cancel(ErrExpired)
		case <-stop:
		case <-ctx.Done():
		}
	}()
	var once sync.Once
	return ctx, func() {
		once.Do(func() { close(stop) })
		cancel(context.Canceled)
	}
}
