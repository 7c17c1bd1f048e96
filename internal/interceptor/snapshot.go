package interceptor

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// wordClass is the set of characters that may not touch a match on either side
const wordClass = `0-9A-Za-z_`

// Entry is one known secret value and its compiled matcher
type Entry struct {
	Path    string
	Value   string
	matcher *regexp.Regexp
}

// Snapshot is an immutable, point-in-time view of the known secret values.
// Entries are kept in ascending path order.
type Snapshot struct {
	entries    []Entry
	byPath     map[string]string
	duplicates [][]string

	// Version increases with every snapshot installed by the cache
	Version uint64
	// LoadedAt is when the underlying store read completed
	LoadedAt time.Time
}

// NewSnapshot compiles a matcher for every non-blank value
func NewSnapshot(values map[string]string, version uint64, loadedAt time.Time) *Snapshot {
	s := &Snapshot{
		entries:  make([]Entry, 0, len(values)),
		byPath:   make(map[string]string, len(values)),
		Version:  version,
		LoadedAt: loadedAt,
	}

	for path, value := range values {
		if strings.TrimSpace(value) == "" {
			continue
		}
		s.byPath[path] = value
		s.entries = append(s.entries, Entry{
			Path:    path,
			Value:   value,
			matcher: compileMatcher(value),
		})
	}

	sort.Slice(s.entries, func(i, j int) bool {
		return s.entries[i].Path < s.entries[j].Path
	})

	s.duplicates = findDuplicates(s.entries)
	return s
}

// compileMatcher builds a literal, case-insensitive matcher that refuses to
// match inside a longer word
func compileMatcher(value string) *regexp.Regexp {
	return regexp.MustCompile(
		`(?:^|[^` + wordClass + `])((?i:` + regexp.QuoteMeta(value) + `))(?:[^` + wordClass + `]|$)`,
	)
}

// findDuplicates groups paths whose values match the same text
func findDuplicates(entries []Entry) [][]string {
	groups := make(map[string][]string)
	var order []string
	for _, e := range entries {
		key := strings.ToLower(e.Value)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e.Path)
	}

	var dups [][]string
	for _, key := range order {
		if len(groups[key]) > 1 {
			dups = append(dups, groups[key])
		}
	}
	return dups
}

// Len returns the number of entries
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Entries returns the entries in path order
func (s *Snapshot) Entries() []Entry {
	if s == nil {
		return nil
	}
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Value returns the value stored at path
func (s *Snapshot) Value(path string) (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s.byPath[path]
	return v, ok
}

// Values returns a copy of the path to value mapping
func (s *Snapshot) Values() map[string]string {
	out := make(map[string]string, s.Len())
	if s == nil {
		return out
	}
	for k, v := range s.byPath {
		out[k] = v
	}
	return out
}

// Duplicates returns groups of paths that share one value.
// Only the first path of a group is ever reported by Scan.
func (s *Snapshot) Duplicates() [][]string {
	if s == nil {
		return nil
	}
	return s.duplicates
}
