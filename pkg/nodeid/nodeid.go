// Package nodeid provides the hierarchical identifiers used to address nodes
// inside nested workflows.
//
// An ID is a path of integer suffixes such as "0:4:2": node 2 inside the
// metanode 0:4 of the project 0. IDs are immutable values, comparable with ==
// and usable as map keys. They are ordered lexicographically over their
// suffix path.
package nodeid

import (
	"fmt"
	"strconv"
	"strings"
)

const separator = ":"

// ID is a hierarchical node identifier. The zero value is the empty path and
// is never assigned to a node.
type ID struct {
	path string
}

// Root creates a top-level identifier with a single suffix.
func Root(suffix int) ID {
	return ID{path: strconv.Itoa(suffix)}
}

// New creates an identifier from a full suffix path.
func New(suffixes ...int) ID {
	if len(suffixes) == 0 {
		return ID{}
	}
	parts := make([]string, len(suffixes))
	for i, s := range suffixes {
		parts[i] = strconv.Itoa(s)
	}
	return ID{path: strings.Join(parts, separator)}
}

// Parse parses the textual form produced by String.
func Parse(s string) (ID, error) {
	if s == "" {
		return ID{}, fmt.Errorf("empty node id")
	}
	parts := strings.Split(s, separator)
	suffixes := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return ID{}, fmt.Errorf("invalid node id %q: %w", s, err)
		}
		if n < 0 {
			return ID{}, fmt.Errorf("invalid node id %q: negative suffix", s)
		}
		suffixes[i] = n
	}
	return New(suffixes...), nil
}

// MustParse is like Parse but panics on malformed input. Intended for tests
// and static tables.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Child returns the identifier of a node nested directly below id.
func (id ID) Child(suffix int) ID {
	if id.path == "" {
		return Root(suffix)
	}
	return ID{path: id.path + separator + strconv.Itoa(suffix)}
}

// Parent returns the enclosing identifier, or the zero ID for a root.
func (id ID) Parent() ID {
	idx := strings.LastIndex(id.path, separator)
	if idx < 0 {
		return ID{}
	}
	return ID{path: id.path[:idx]}
}

// Suffix returns the last element of the path, or -1 for the zero ID.
func (id ID) Suffix() int {
	if id.path == "" {
		return -1
	}
	idx := strings.LastIndex(id.path, separator)
	n, _ := strconv.Atoi(id.path[idx+1:])
	return n
}

// Path returns a copy of the suffix path.
func (id ID) Path() []int {
	if id.path == "" {
		return nil
	}
	parts := strings.Split(id.path, separator)
	out := make([]int, len(parts))
	for i, p := range parts {
		out[i], _ = strconv.Atoi(p)
	}
	return out
}

// Depth is the number of path elements.
func (id ID) Depth() int {
	if id.path == "" {
		return 0
	}
	return strings.Count(id.path, separator) + 1
}

// IsZero reports whether id is the empty path.
func (id ID) IsZero() bool {
	return id.path == ""
}

// HasPrefix reports whether prefix is a proper ancestor of id.
func (id ID) HasPrefix(prefix ID) bool {
	if prefix.path == "" {
		return id.path != ""
	}
	return strings.HasPrefix(id.path, prefix.path+separator)
}

// IsChildOf reports whether id is nested directly below parent.
func (id ID) IsChildOf(parent ID) bool {
	return !id.IsZero() && id.Parent() == parent
}

// Compare orders identifiers lexicographically by suffix path. A path sorts
// before every path it is a prefix of.
func (id ID) Compare(other ID) int {
	a, b := id.Path(), other.Path()
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

func (id ID) String() string {
	if id.path == "" {
		return "<none>"
	}
	return id.path
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.path), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = ID{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
