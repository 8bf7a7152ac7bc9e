package cache

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ZanzyTHEbar/stepflow"
)

// StepResultCache holds the outcome of every settled step of one plan run,
// keyed by step index.
type StepResultCache struct {
	mu      sync.RWMutex
	results map[int]stepflow.StepResult
}

// NewStepResultCache creates an empty cache sized for a plan of n steps.
func NewStepResultCache(n int) *StepResultCache {
	if n < 0 {
		n = 0
	}
	return &StepResultCache{results: make(map[int]stepflow.StepResult, n)}
}

// Set stores result under index, replacing any previous entry.
// The executor records results through Add; Set exists for tests and debugging.
func (c *StepResultCache) Set(index int, result stepflow.StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result.StepIndex = index
	c.results[index] = result
}

// Add stores result under result.StepIndex. Entries are write-once: adding an
// index that is already present fails and leaves the existing entry untouched.
func (c *StepResultCache) Add(result stepflow.StepResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.results[result.StepIndex]; exists {
		return stepflow.NewCacheError("cache", "add",
			fmt.Errorf("step %d already has a recorded result", result.StepIndex))
	}
	c.results[result.StepIndex] = result
	return nil
}

// Get returns the entry for index.
func (c *StepResultCache) Get(index int) (stepflow.StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[index]
	return r, ok
}

// Has reports whether step index has settled.
func (c *StepResultCache) Has(index int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.results[index]
	return ok
}

// Delete removes the entry for index and reports whether one existed.
func (c *StepResultCache) Delete(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.results[index]; !ok {
		return false
	}
	delete(c.results, index)
	return true
}

// Size returns the number of entries.
func (c *StepResultCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.results)
}

// AvailableSteps returns the indices with an entry, ascending.
func (c *StepResultCache) AvailableSteps() []int {
	c.mu.RLock()
	indices := make([]int, 0, len(c.results))
	for i := range c.results {
		indices = append(indices, i)
	}
	c.mu.RUnlock()
	sort.Ints(indices)
	return indices
}

// AllResults returns every entry ordered by step index, independent of insertion order.
func (c *StepResultCache) AllResults() []stepflow.StepResult {
	c.mu.RLock()
	out := make([]stepflow.StepResult, 0, len(c.results))
	for _, r := range c.results {
		out = append(out, r)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out
}

// Clear empties the cache.
func (c *StepResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = make(map[int]stepflow.StepResult)
}
