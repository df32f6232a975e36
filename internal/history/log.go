// Package history holds the ordered per-scope message log and its storage.
package history

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDuplicateID    = errors.New("record id already in log")
	ErrBelowHighWater = errors.New("log length not above high water mark")
	ErrLowWater       = errors.New("low water mark leaves nothing to extract")
)

// Log is the ordered record sequence of one scope. Every mutation is written
// to the store before it becomes visible in memory.
type Log struct {
	scope string
	store Store

	mu      sync.RWMutex
	entries []Entry
	index   map[string]int
	nextSeq int64
}

// Open loads the persisted entries of scope.
func Open(scope string, store Store) (*Log, error) {
	entries, err := store.Load(scope)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", scope, err)
	}
	l := &Log{scope: scope, store: store, entries: entries}
	l.reindex()
	for _, e := range entries {
		if e.Seq >= l.nextSeq {
			l.nextSeq = e.Seq + 1
		}
	}
	return l, nil
}

func (l *Log) Scope() string { return l.scope }

func (l *Log) reindex() {
	l.index = make(map[string]int, len(l.entries))
	for i, e := range l.entries {
		l.index[e.Record.ID] = i
	}
}

func (l *Log) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	if rec.Reactions == nil {
		rec.Reactions = []Reaction{}
	}
	e := Entry{Seq: l.nextSeq, Record: rec.clone()}
	if err := l.store.Insert(l.scope, e); err != nil {
		return fmt.Errorf("persist append: %w", err)
	}
	l.nextSeq++
	l.index[rec.ID] = len(l.entries)
	l.entries = append(l.entries, e)
	return nil
}

// UpdateByID replaces the record with the given id in place. It reports false
// when no such record exists.
func (l *Log) UpdateByID(id string, rec Record) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.index[id]
	if !ok {
		return false, nil
	}
	rec.ID = id
	if rec.Reactions == nil {
		rec.Reactions = []Reaction{}
	}
	e := Entry{Seq: l.entries[pos].Seq, Record: rec.clone()}
	if err := l.store.Update(l.scope, e); err != nil {
		return false, fmt.Errorf("persist update: %w", err)
	}
	l.entries[pos] = e
	return true, nil
}

// AddReaction records (user, emoji) on a record once. It reports whether the
// log changed.
func (l *Log) AddReaction(id, user, emoji string) (bool, error) {
	return l.mutate(id, func(r *Record) bool {
		if r.hasReaction(user, emoji) {
			return false
		}
		r.Reactions = append(r.Reactions, Reaction{User: user, Emoji: emoji})
		return true
	})
}

// RemoveReaction drops the exact (user, emoji) pair.
func (l *Log) RemoveReaction(id, user, emoji string) (bool, error) {
	return l.mutate(id, func(r *Record) bool {
		for i, re := range r.Reactions {
			if re.User == user && re.Emoji == emoji {
				r.Reactions = append(r.Reactions[:i], r.Reactions[i+1:]...)
				return true
			}
		}
		return false
	})
}

func (l *Log) mutate(id string, fn func(*Record) bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.index[id]
	if !ok {
		return false, nil
	}
	rec := l.entries[pos].Record.clone()
	if !fn(&rec) {
		return false, nil
	}
	e := Entry{Seq: l.entries[pos].Seq, Record: rec}
	if err := l.store.Update(l.scope, e); err != nil {
		return false, fmt.Errorf("persist update: %w", err)
	}
	l.entries[pos] = e
	return true, nil
}

// ExtractPrefixAndTrim removes the oldest Len()-low entries and returns them.
// The log must hold more than high entries, and more than low.
func (l *Log) ExtractPrefixAndTrim(high, low int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) <= high {
		return nil, ErrBelowHighWater
	}
	if low < 0 {
		low = 0
	}
	if low >= len(l.entries) {
		return nil, fmt.Errorf("%w: low %d, length %d", ErrLowWater, low, len(l.entries))
	}
	n := len(l.entries) - low
	prefix := make([]Entry, n)
	copy(prefix, l.entries[:n])

	if err := l.store.DeleteThrough(l.scope, prefix[n-1].Seq); err != nil {
		return nil, fmt.Errorf("persist trim: %w", err)
	}

	rest := make([]Entry, len(l.entries)-n)
	copy(rest, l.entries[n:])
	l.entries = rest
	l.reindex()
	return prefix, nil
}

// RestorePrefix puts entries previously taken by ExtractPrefixAndTrim back at
// the head of the log.
func (l *Log) RestorePrefix(prefix []Entry) error {
	if len(prefix) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range prefix {
		if _, ok := l.index[e.Record.ID]; ok {
			return fmt.Errorf("restore: %w: %s", ErrDuplicateID, e.Record.ID)
		}
	}
	if err := l.store.InsertBatch(l.scope, prefix); err != nil {
		return fmt.Errorf("persist restore: %w", err)
	}

	merged := make([]Entry, 0, len(prefix)+len(l.entries))
	merged = append(merged, prefix...)
	merged = append(merged, l.entries...)
	l.entries = merged
	l.reindex()
	return nil
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Records returns a copy of the log contents in order.
func (l *Log) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return RecordsOf(l.entries)
}

func (l *Log) Get(id string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.index[id]
	if !ok {
		return Record{}, false
	}
	return l.entries[pos].Record.clone(), true
}
