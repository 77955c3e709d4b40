package buyrequest

import (
	"errors"
	"sync"
)

var (
	ErrConfirmationClosed = errors.New("confirmation already closed")
	ErrNotConfirmed       = errors.New("cancel was not confirmed")
)

// Confirmation gates a destructive action behind an explicit yes. The action
// runs at most once, and never after Close.
type Confirmation struct {
	mu        sync.Mutex
	onConfirm func() error
	done      bool
}

func NewConfirmation(onConfirm func() error) *Confirmation {
	return &Confirmation{onConfirm: onConfirm}
}

func (c *Confirmation) Confirm() error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return ErrConfirmationClosed
	}
	c.done = true
	fn := c.onConfirm
	c.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn()
}

// Close dismisses the confirmation without running the action.
func (c *Confirmation) Close() {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
}
