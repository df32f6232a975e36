package history

// Store persists log entries per scope. Batch operations are atomic.
type Store interface {
	Load(scope string) ([]Entry, error)
	Insert(scope string, e Entry) error
	Update(scope string, e Entry) error
	// DeleteThrough removes every entry of scope with Seq <= seq.
	DeleteThrough(scope string, seq int64) error
	InsertBatch(scope string, entries []Entry) error
	Count(scope string) (int, error)
	Scopes() ([]string, error)
}
