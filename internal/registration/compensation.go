package registration

import (
	"context"
	"fmt"
	"sync"

	"github.com/zeebo/errs"
)

// CompensationFunc undoes one side effect. cause is the failure that
// triggered the rollback.
type CompensationFunc func(ctx context.Context, cause error) error

type compensation struct {
	name string
	fn   CompensationFunc
}

// Compensations is a stack of undo actions. Rollback runs them newest
// first and every action runs at most once.
type Compensations struct {
	mu    sync.Mutex
	stack []compensation
	ran   []string
}

// Push records the undo action of a side effect that just succeeded.
func (c *Compensations) Push(name string, fn CompensationFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stack = append(c.stack, compensation{name: name, fn: fn})
}

// Len returns the number of pending actions.
func (c *Compensations) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stack)
}

// Rollback pops and runs every pending action. A failing action does not
// stop the others; all failures are combined.
func (c *Compensations) Rollback(ctx context.Context, cause error) error {
	var group errs.Group
	for {
		next, ok := c.pop()
		if !ok {
			break
		}
		if err := next.fn(ctx, cause); err != nil {
			group.Add(fmt.Errorf("%s: %w", next.name, err))
		}
		c.mu.Lock()
		c.ran = append(c.ran, next.name)
		c.mu.Unlock()
	}
	return group.Err()
}

func (c *Compensations) pop() (compensation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) == 0 {
		return compensation{}, false
	}
	last := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	return last, true
}

// Ran returns the names of the actions executed so far, in execution order.
func (c *Compensations) Ran() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ran...)
}

// Clear drops pending actions once the registration is durable.
func (c *Compensations) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stack = nil
}
