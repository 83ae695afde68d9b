package concurrency

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Deduplicator collapses concurrent calls with the same key into a single execution.
// The key is forgotten as soon as the call returns, success or failure.
type Deduplicator struct {
	group singleflight.Group

	mu      sync.Mutex
	waiters map[string]int
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{waiters: make(map[string]int)}
}

func (d *Deduplicator) Do(key string, fn func() (interface{}, error)) (interface{}, bool, error) {
	d.mu.Lock()
	d.waiters[key]++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.waiters[key]--; d.waiters[key] <= 0 {
			delete(d.waiters, key)
		}
		d.mu.Unlock()
	}()

	v, err, shared := d.group.Do(key, fn)
	return v, shared, err
}

// Waiters reports how many callers are currently inside Do for key.
func (d *Deduplicator) Waiters(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiters[key]
}

// InFlight reports the number of keys with at least one caller.
func (d *Deduplicator) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters)
}

// Dedup is the typed form of Deduplicator.Do.
func Dedup[T any](d *Deduplicator, key string, fn func() (T, error)) (T, bool, error) {
	v, shared, err := d.Do(key, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, shared, err
	}
	return v.(T), shared, nil
}
