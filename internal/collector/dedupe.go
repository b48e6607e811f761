package collector

import (
	"sync"
	"sync/atomic"

	"brokerstorm/internal/template"
)

// DefaultDedupeKey is the gjson path of the id field written by the default
// payload template.
const DefaultDedupeKey = "id"

// Deduper counts payloads whose key was already seen. It observes deliveries
// only; receive counts are unaffected by what it finds.
type Deduper struct {
	key template.KeyPath

	mu   sync.Mutex
	seen map[string]struct{}

	duplicates atomic.Int64
	unkeyed    atomic.Int64
}

// NewDeduper keys payloads on the value at path (gjson or $.json path syntax).
func NewDeduper(path string) *Deduper {
	if path == "" {
		path = DefaultDedupeKey
	}
	return &Deduper{key: template.ParseKeyPath(path), seen: make(map[string]struct{})}
}

// Observe records one delivered payload and reports whether it was a duplicate.
func (d *Deduper) Observe(payload []byte) bool {
	key, ok := d.key.Extract(payload)
	if !ok {
		d.unkeyed.Add(1)
		return false
	}
	d.mu.Lock()
	_, dup := d.seen[key]
	if !dup {
		d.seen[key] = struct{}{}
	}
	d.mu.Unlock()
	if dup {
		d.duplicates.Add(1)
	}
	return dup
}

// Duplicates returns the number of payloads whose key was seen before.
func (d *Deduper) Duplicates() int64 { return d.duplicates.Load() }

// Unkeyed returns the number of payloads without a usable key.
func (d *Deduper) Unkeyed() int64 { return d.unkeyed.Load() }

// Unique returns the number of distinct keys seen.
func (d *Deduper) Unique() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
