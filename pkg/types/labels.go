package types

import (
	"database/sql/driver"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// Labels is an ordered, deduplicated set of runner/job labels,
// persisted as a JSON array.
type Labels []string

// NewLabels builds a normalized label set: trimmed, empties dropped,
// deduplicated, sorted. Label comparison is case-sensitive.
func NewLabels(labels ...string) Labels {
	cleaned := lo.FilterMap(labels, func(l string, _ int) (string, bool) {
		l = strings.TrimSpace(l)
		return l, l != ""
	})
	cleaned = lo.Uniq(cleaned)
	sort.Strings(cleaned)
	return cleaned
}

// Contains reports whether the set holds label.
func (l Labels) Contains(label string) bool {
	return lo.Contains(l, label)
}

// SubsetOf reports whether every label in l is present in other.
func (l Labels) SubsetOf(other Labels) bool {
	return lo.Every(other, l)
}

// Equal reports whether both sets contain exactly the same labels,
// ignoring order and duplicates.
func (l Labels) Equal(other Labels) bool {
	a, b := NewLabels(l...), NewLabels(other...)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String renders the set as a comma-joined list.
func (l Labels) String() string {
	return strings.Join(l, ",")
}

func (l Labels) Value() (driver.Value, error) { return jsonValue([]string(l)) }
func (l *Labels) Scan(src any) error          { return jsonScan(src, (*[]string)(l)) }
