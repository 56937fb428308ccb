// Package interrupt provides the cancellation token shared by long-running transfer loops.
package interrupt

import (
	"io"
	"sync"
)

// Reason tells who stopped a token.
type Reason int

const (
	// Running means the token has not been interrupted.
	Running Reason = iota
	// BySystem is used for shutdown, transport failures and peer-side aborts we did not ask for.
	BySystem
	// ByUser is used when the local user (or the peer's user) cancelled the work.
	ByUser
)

func (r Reason) String() string {
	switch r {
	case Running:
		return "running"
	case BySystem:
		return "system"
	case ByUser:
		return "user"
	default:
		return "unknown"
	}
}

// Interrupter is a cooperative cancellation token with an optional forced stop.
//
// Loops poll Interrupted. When a loop is stuck in blocking I/O, ForceClose closes
// every registered closer so the blocked call returns.
type Interrupter struct {
	mu      sync.Mutex
	reason  Reason
	done    chan struct{}
	closers []io.Closer
	forced  bool
}

// New returns a running token.
func New() *Interrupter {
	return &Interrupter{done: make(chan struct{})}
}

// Interrupt stops the token. The first reason wins; it reports whether this call changed the state.
func (i *Interrupter) Interrupt(reason Reason) bool {
	if reason == Running {
		reason = BySystem
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.reason != Running {
		return false
	}
	i.reason = reason
	close(i.done)
	return true
}

// Interrupted reports whether the token was stopped for any reason.
func (i *Interrupter) Interrupted() bool {
	return i.Reason() != Running
}

// InterruptedByUser reports whether the token was stopped by a user action.
func (i *Interrupter) InterruptedByUser() bool {
	return i.Reason() == ByUser
}

// Reason returns the current state.
func (i *Interrupter) Reason() Reason {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.reason
}

// Done is closed once the token is interrupted.
func (i *Interrupter) Done() <-chan struct{} {
	return i.done
}

// AddCloser registers a resource that ForceClose shuts. If the token was already
// force-closed the resource is closed immediately.
func (i *Interrupter) AddCloser(c io.Closer) {
	if c == nil {
		return
	}

	i.mu.Lock()
	if i.forced {
		i.mu.Unlock()
		_ = c.Close()
		return
	}
	i.closers = append(i.closers, c)
	i.mu.Unlock()
}

// RemoveCloser unregisters a resource previously added with AddCloser.
func (i *Interrupter) RemoveCloser(c io.Closer) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for idx, existing := range i.closers {
		if existing == c {
			i.closers = append(i.closers[:idx], i.closers[idx+1:]...)
			return
		}
	}
}

// ForceClose interrupts the token with reason (if still running) and closes all closers.
func (i *Interrupter) ForceClose(reason Reason) {
	i.Interrupt(reason)

	i.mu.Lock()
	i.forced = true
	closers := i.closers
	i.closers = nil
	i.mu.Unlock()

	for _, c := range closers {
		_ = c.Close()
	}
}
