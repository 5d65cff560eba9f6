package persistence

import (
	"fmt"
	"strings"
	"sync"
)

// Severity ranks load diagnostics.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "OK"
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// Entry is one diagnostic message.
type Entry struct {
	Severity Severity
	Message  string
}

// LoadResult collects the problems found while loading a workflow. Loading
// never stops at a recoverable defect; callers inspect the result once the
// load completed. Results form a tree that mirrors the nested workflows.
type LoadResult struct {
	mu         sync.Mutex
	subject    string
	entries    []Entry
	children   []*LoadResult
	dirty      bool
	needsReset bool
}

// NewLoadResult creates an empty result for subject.
func NewLoadResult(subject string) *LoadResult {
	return &LoadResult{subject: subject}
}

// Subject names what the result describes.
func (r *LoadResult) Subject() string { return r.subject }

func (r *LoadResult) add(sev Severity, format string, args ...interface{}) {
	r.mu.Lock()
	r.entries = append(r.entries, Entry{Severity: sev, Message: fmt.Sprintf(format, args...)})
	r.mu.Unlock()
}

// AddError records a defect that changed what was loaded. The workflow is
// marked dirty since saving it will not reproduce the input.
func (r *LoadResult) AddError(format string, args ...interface{}) {
	r.add(SeverityError, format, args...)
	r.SetDirty()
}

// AddWarning records a defect that was repaired with a default.
func (r *LoadResult) AddWarning(format string, args ...interface{}) {
	r.add(SeverityWarning, format, args...)
}

// AddInfo records a note about the load.
func (r *LoadResult) AddInfo(format string, args ...interface{}) {
	r.add(SeverityInfo, format, args...)
}

// Child appends a nested result.
func (r *LoadResult) Child(subject string) *LoadResult {
	c := NewLoadResult(subject)
	r.mu.Lock()
	r.children = append(r.children, c)
	r.mu.Unlock()
	return c
}

// SetDirty marks the workflow as changed by the load.
func (r *LoadResult) SetDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

// SetNeedsReset marks that saved execution state could not be restored.
func (r *LoadResult) SetNeedsReset() {
	r.mu.Lock()
	r.needsReset = true
	r.mu.Unlock()
}

func (r *LoadResult) snapshot() ([]Entry, []*LoadResult, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...), append([]*LoadResult(nil), r.children...), r.dirty, r.needsReset
}

// Severity is the highest severity in the tree.
func (r *LoadResult) Severity() Severity {
	entries, children, _, _ := r.snapshot()
	max := SeverityOK
	for _, e := range entries {
		if e.Severity > max {
			max = e.Severity
		}
	}
	for _, c := range children {
		if s := c.Severity(); s > max {
			max = s
		}
	}
	return max
}

// HasErrors reports whether any entry in the tree is an error.
func (r *LoadResult) HasErrors() bool { return r.Severity() == SeverityError }

// Dirty reports whether any part of the tree was changed by the load.
func (r *LoadResult) Dirty() bool {
	_, children, dirty, _ := r.snapshot()
	for _, c := range children {
		dirty = dirty || c.Dirty()
	}
	return dirty
}

// NeedsReset reports whether any node was saved with state that was dropped.
func (r *LoadResult) NeedsReset() bool {
	_, children, _, reset := r.snapshot()
	for _, c := range children {
		reset = reset || c.NeedsReset()
	}
	return reset
}

// Entries returns this result's own entries.
func (r *LoadResult) Entries() []Entry {
	entries, _, _, _ := r.snapshot()
	return entries
}

// Children returns the nested results.
func (r *LoadResult) Children() []*LoadResult {
	_, children, _, _ := r.snapshot()
	return children
}

// Messages lists every entry of the tree at or above min, prefixed with
// the subject path.
func (r *LoadResult) Messages(min Severity) []string {
	var out []string
	r.collect(r.subject, min, &out)
	return out
}

func (r *LoadResult) collect(path string, min Severity, out *[]string) {
	entries, children, _, _ := r.snapshot()
	for _, e := range entries {
		if e.Severity >= min {
			*out = append(*out, fmt.Sprintf("%s: %s: %s", e.Severity, path, e.Message))
		}
	}
	for _, c := range children {
		c.collect(path+"/"+c.subject, min, out)
	}
}

// Err summarizes the errors of the tree, or returns nil.
func (r *LoadResult) Err() error {
	msgs := r.Messages(SeverityError)
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("workflow loaded with %d error(s): %s", len(msgs), strings.Join(msgs, "; "))
}

func (r *LoadResult) String() string {
	msgs := r.Messages(SeverityInfo)
	if len(msgs) == 0 {
		return fmt.Sprintf("%s: loaded without messages", r.subject)
	}
	return strings.Join(msgs, "\n")
}
