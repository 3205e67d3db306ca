// Package category defines the closed set of event kinds the dispatcher runs,
// and the table that says which of them must never overlap.
//
// Categories are plain tags: the code that executes a category lives with the
// work producers, so adding a category never touches the dispatch kernel.
package category

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Category string

const (
	FeedPoll     Category = "feed-poll"
	FeedImport   Category = "feed-import"
	Archive      Category = "archive"
	Convert      Category = "convert"
	Transfer     Category = "transfer"
	Alert        Category = "alert"
	Cleanup      Category = "cleanup"
	Digest       Category = "digest"
	Index        Category = "index"
	Connectivity Category = "connectivity"
)

var ErrUnknownCategory = errors.New("unknown category")

var all = []Category{
	FeedPoll,
	FeedImport,
	Archive,
	Convert,
	Transfer,
	Alert,
	Cleanup,
	Digest,
	Index,
	Connectivity,
}

// All returns every known category in declaration order.
func All() []Category {
	out := make([]Category, len(all))
	copy(out, all)
	return out
}

func (c Category) String() string { return string(c) }

// Valid reports whether c is a member of the closed set.
func (c Category) Valid() bool {
	for _, k := range all {
		if k == c {
			return true
		}
	}
	return false
}

// Parse accepts names case-insensitively, with '_' as an alias for '-'.
func Parse(raw string) (Category, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "_", "-")
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, raw)
	}
	return c, nil
}

// Table is an immutable exclusivity lookup. The zero value treats every
// category as concurrency-safe.
type Table struct {
	exclusive map[Category]bool
}

// DefaultTable marks the categories whose side effects write shared
// checkpoints (feed state, archive index, outbound alert dedup) as exclusive.
func DefaultTable() Table {
	return Table{exclusive: map[Category]bool{
		FeedPoll:     true,
		FeedImport:   true,
		Archive:      true,
		Alert:        true,
		Cleanup:      true,
		Index:        true,
		Connectivity: true,
	}}
}

func (t Table) Exclusive(c Category) bool {
	return t.exclusive[c]
}

// WithOverrides returns a copy of t with the given entries replaced.
// Unknown names are reported and the table is left untouched.
func (t Table) WithOverrides(over map[string]bool) (Table, error) {
	m := make(map[Category]bool, len(t.exclusive)+len(over))
	for k, v := range t.exclusive {
		m[k] = v
	}
	for name, v := range over {
		c, err := Parse(name)
		if err != nil {
			return t, err
		}
		m[c] = v
	}
	return Table{exclusive: m}, nil
}

// ExclusiveSet lists exclusive categories sorted by name.
func (t Table) ExclusiveSet() []Category {
	out := make([]Category, 0, len(t.exclusive))
	for c, ex := range t.exclusive {
		if ex {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
