package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ImportLegacy loads <dir>/<group id>.json message dumps into the store as
// scope <platform>:<group id>. Scopes that already hold records are skipped.
// It returns the number of records imported per scope.
func ImportLegacy(dir, platform string, store Store) (map[string]int, error) {
	imported := make(map[string]int)

	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return imported, nil
		}
		return nil, fmt.Errorf("read legacy dir: %w", err)
	}

	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		group := strings.TrimSuffix(f.Name(), ".json")
		if group == "" {
			continue
		}
		scope := platform + ":" + group

		n, err := store.Count(scope)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", scope, err)
		}
		if n > 0 {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name(), err)
		}
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.Name(), err)
		}

		entries := make([]Entry, 0, len(records))
		seen := make(map[string]bool, len(records))
		for _, r := range records {
			// Later duplicates of an id are dropped; the log index requires uniqueness.
			if r.ID == "" || seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			if r.Reactions == nil {
				r.Reactions = []Reaction{}
			}
			entries = append(entries, Entry{Seq: int64(len(entries)), Record: r})
		}
		if len(entries) == 0 {
			continue
		}
		if err := store.InsertBatch(scope, entries); err != nil {
			return nil, fmt.Errorf("import %s: %w", scope, err)
		}
		imported[scope] = len(entries)
	}
	return imported, nil
}
