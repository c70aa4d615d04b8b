package combine

// Store maps a path to the most recently observed value for it.
// It keeps no history and performs no validation. Store is not safe for
// concurrent use; the Engine that owns it serialises access.
type Store struct {
	values map[string]float64
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{values: make(map[string]float64)}
}

// Record overwrites the stored value for path.
func (s *Store) Record(path string, value float64) {
	s.values[path] = value
}

// Get returns the stored value for path and whether one exists.
func (s *Store) Get(path string) (float64, bool) {
	v, ok := s.values[path]
	return v, ok
}

// Clear removes every entry. Clearing an empty store is a no-op.
func (s *Store) Clear() {
	for k := range s.values {
		delete(s.values, k)
	}
}

// Len returns the number of paths with a value.
func (s *Store) Len() int {
	return len(s.values)
}

// Snapshot returns a copy of the current contents.
func (s *Store) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
