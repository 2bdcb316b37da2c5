// Package flowcontrol implements a single cooperative cancellation
// primitive observed by every long-running operation (download, install,
// child process, blocking sleep). A small mutex-and-cond guarded state
// machine shared by everything participating in one update transaction.
package flowcontrol

import (
	"context"
	"fmt"
	"sync"
)

// State is one of {Running, Paused, Aborted}.
type State int

const (
	Running State = iota
	Paused
	Aborted
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// sentinel is a magic value embedded in every Token so a cross-FFI caller
// can validate it received a real token rather than a zero-valued struct.
const sentinel = 0x75707461 // "upta" in hex, arbitrary but fixed

// Token is shared by every long-running operation in one update transaction.
// Paused<->Running transitions are allowed; any->Aborted is terminal.
type Token struct {
	mu      sync.Mutex
	state   State
	cond    *sync.Cond
	magic   int
}

// New returns a Token in the Running state.
func New() *Token {
	t := &Token{state: Running, magic: sentinel}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Valid reports whether the token carries the expected sentinel, guarding
// against a zero-valued Token slipping through a cross-FFI boundary.
func (t *Token) Valid() bool { return t != nil && t.magic == sentinel }

// State returns the current state.
func (t *Token) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CanContinue reports whether the caller should proceed: false once Aborted,
// blocks while Paused.
func (t *Token) CanContinue() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.state == Paused {
		t.cond.Wait()
	}
	return t.state != Aborted
}

// Pause transitions Running->Paused. A no-op if already Paused or Aborted.
func (t *Token) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Running {
		t.state = Paused
	}
}

// Resume transitions Paused->Running and wakes every waiter. A no-op
// otherwise.
func (t *Token) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Paused {
		t.state = Running
		t.cond.Broadcast()
	}
}

// Abort transitions to Aborted from any state and wakes every waiter. Once
// Aborted, all subsequent CanContinue calls return false.
func (t *Token) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Aborted
	t.cond.Broadcast()
}

// ErrAborted is returned by cooperative operations observing an aborted token.
var ErrAborted = fmt.Errorf("flowcontrol: operation locally aborted")

// CheckContext blocks while paused and returns ErrAborted if the token is (or
// becomes) aborted, or ctx.Err() if ctx is done first.
func (t *Token) CheckContext(ctx context.Context) error {
	done := make(chan struct{})
	var ok bool
	go func() {
		ok = t.CanContinue()
		close(done)
	}()
	select {
	case <-done:
		if !ok {
			return ErrAborted
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Context returns a context.Context that is cancelled when the token is
// aborted, wrapping parent. Callers should still call the returned cancel
// function to release resources.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		t.mu.Lock()
		for t.state != Aborted {
			if ctx.Err() != nil {
				t.mu.Unlock()
				return
			}
			t.cond.Wait()
		}
		t.mu.Unlock()
		cancel()
	}()
	return ctx, cancel
}
