package subagent

import (
	"context"
	"sync"
)

// Controllers maps an execution key (a run id, or a project|channel pair
// for top-level runs) to its cancel func. Exactly one controller is live
// per key at a time; registering over a live one cancels it first.
type Controllers struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewControllers() *Controllers {
	return &Controllers{cancels: map[string]context.CancelFunc{}}
}

func (c *Controllers) Register(key string, cancel context.CancelFunc) {
	c.mu.Lock()
	prev := c.cancels[key]
	c.cancels[key] = cancel
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Remove drops the registration without cancelling. Callers own the cancel
// func and release its context themselves.
func (c *Controllers) Remove(key string) {
	c.mu.Lock()
	delete(c.cancels, key)
	c.mu.Unlock()
}

// Cancel fires the controller for key and reports whether one was live,
// so callers can distinguish "interrupted" from "nothing to interrupt".
func (c *Controllers) Cancel(key string) bool {
	c.mu.Lock()
	cancel, ok := c.cancels[key]
	delete(c.cancels, key)
	c.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// CancelAll fires every live controller, for process shutdown.
func (c *Controllers) CancelAll() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.cancels))
	for key, cancel := range c.cancels {
		cancels = append(cancels, cancel)
		delete(c.cancels, key)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Active reports whether a controller is currently registered for key.
func (c *Controllers) Active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.cancels[key]
	return ok
}
