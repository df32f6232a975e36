// Package memory keeps the long-term summary of each scope and folds old
// history into it.
package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultText is the memory of a scope that has never been compacted.
const DefaultText = "[No previous memory]"

// Store keeps one text file per scope plus timestamped snapshots of every
// memory that was replaced.
type Store struct {
	dir        string
	archiveDir string
	now        func() time.Time
}

func NewStore(dir, archiveDir string) *Store {
	return &Store{dir: dir, archiveDir: archiveDir, now: time.Now}
}

// fileName maps a scope key to a file name that is valid on every platform.
func fileName(scope string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return r.Replace(scope)
}

func (s *Store) path(scope string) string {
	return filepath.Join(s.dir, fileName(scope)+".txt")
}

func (s *Store) Read(scope string) (string, error) {
	data, err := os.ReadFile(s.path(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultText, nil
		}
		return "", fmt.Errorf("read memory: %w", err)
	}
	return string(data), nil
}

// Write replaces the memory of scope atomically.
func (s *Store) Write(scope, text string) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, fileName(scope)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp memory: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp memory: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp memory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp memory: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(scope)); err != nil {
		return fmt.Errorf("replace memory: %w", err)
	}
	return nil
}

// Archive stores a snapshot of text as "<scope> - <unix ms>.txt". Existing
// snapshots are never overwritten.
func (s *Store) Archive(scope, text string) (string, error) {
	return s.writeSnapshot(scope, ".txt", text)
}

// ArchiveLost stores a transcript that could not be folded into memory.
func (s *Store) ArchiveLost(scope, transcript string) (string, error) {
	return s.writeSnapshot(scope, ".lost.txt", transcript)
}

func (s *Store) writeSnapshot(scope, suffix, text string) (string, error) {
	if err := os.MkdirAll(s.archiveDir, 0755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	ms := s.now().UnixMilli()
	for {
		path := filepath.Join(s.archiveDir, fmt.Sprintf("%s - %d%s", fileName(scope), ms, suffix))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			ms++
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create snapshot: %w", err)
		}
		if _, err := f.WriteString(text); err != nil {
			f.Close()
			return "", fmt.Errorf("write snapshot: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close snapshot: %w", err)
		}
		return path, nil
	}
}

// ListArchive returns the memory snapshots of scope, oldest first. Lost
// transcripts are not included.
func (s *Store) ListArchive(scope string) ([]string, error) {
	entries, err := os.ReadDir(s.archiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read archive dir: %w", err)
	}

	prefix := fileName(scope) + " - "
	type snapshot struct {
		path string
		ms   int64
	}
	var snaps []snapshot
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || strings.HasSuffix(name, ".lost.txt") {
			continue
		}
		var ms int64
		if _, err := fmt.Sscanf(strings.TrimPrefix(name, prefix), "%d.txt", &ms); err != nil {
			continue
		}
		snaps = append(snaps, snapshot{path: filepath.Join(s.archiveDir, name), ms: ms})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ms < snaps[j].ms })

	out := make([]string, len(snaps))
	for i, sn := range snaps {
		out[i] = sn.path
	}
	return out, nil
}
