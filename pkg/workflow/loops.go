package workflow

import (
	"fmt"
	"sort"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

func illegalLoop(format string, args ...interface{}) error {
	return derrors.NewError(derrors.CodeIllegalLoop, fmt.Sprintf(format, args...), derrors.ErrIllegalLoopStructure)
}

// MatchingLoopEnd returns the end node closing the scope opened by start.
// The end is the unique node of the matching role whose innermost enclosing
// scope is start. The loop body is validated on the way.
func (wf *Workflow) MatchingLoopEnd(start nodeid.ID) (nodeid.ID, error) {
	a := wf.analysis()
	if a.err != nil {
		return nodeid.ID{}, a.err
	}
	nc, ok := wf.Node(start)
	if !ok {
		return nodeid.ID{}, derrors.NewError(derrors.CodeNodeNotFound, start.String(), derrors.ErrNodeNotFound)
	}
	if !nc.ScopeRole().IsStart() {
		return nodeid.ID{}, derrors.NewError(derrors.CodeIllegalLoop, start.String(), derrors.ErrNotLoopNode)
	}
	end, err := wf.findEnd(a, nc)
	if err != nil {
		return nodeid.ID{}, err
	}
	if err := wf.validateBody(a, start, end); err != nil {
		return nodeid.ID{}, err
	}
	return end, nil
}

// MatchingLoopStart returns the start node opening the scope closed by end.
func (wf *Workflow) MatchingLoopStart(end nodeid.ID) (nodeid.ID, error) {
	a := wf.analysis()
	if a.err != nil {
		return nodeid.ID{}, a.err
	}
	nc, ok := wf.Node(end)
	if !ok {
		return nodeid.ID{}, derrors.NewError(derrors.CodeNodeNotFound, end.String(), derrors.ErrNodeNotFound)
	}
	if !nc.ScopeRole().IsEnd() {
		return nodeid.ID{}, derrors.NewError(derrors.CodeIllegalLoop, end.String(), derrors.ErrNotLoopNode)
	}

	stack := a.forwardStack(end)
	if len(stack) == 0 {
		return nodeid.ID{}, illegalLoop("%s %s has no matching start", nc.ScopeRole(), end)
	}
	start := stack[len(stack)-1]
	snc, ok := wf.Node(start)
	if !ok || !nc.ScopeRole().closes(snc.ScopeRole()) {
		return nodeid.ID{}, illegalLoop("%s %s is enclosed by %s which it cannot close", nc.ScopeRole(), end, start)
	}
	found, err := wf.findEnd(a, snc)
	if err != nil {
		return nodeid.ID{}, err
	}
	if found != end {
		return nodeid.ID{}, illegalLoop("%s %s is closed by %s, not %s", snc.ScopeRole(), start, found, end)
	}
	if err := wf.validateBody(a, start, end); err != nil {
		return nodeid.ID{}, err
	}
	return start, nil
}

func (wf *Workflow) findEnd(a *analysis, start NodeContainer) (nodeid.ID, error) {
	var ends []nodeid.ID
	for _, nc := range wf.Nodes() {
		if !nc.ScopeRole().closes(start.ScopeRole()) {
			continue
		}
		s := a.forwardStack(nc.ID())
		if len(s) > 0 && s[len(s)-1] == start.ID() {
			ends = append(ends, nc.ID())
		}
	}
	switch len(ends) {
	case 0:
		return nodeid.ID{}, illegalLoop("%s %s has no matching end", start.ScopeRole(), start.ID())
	case 1:
		return ends[0], nil
	}
	return nodeid.ID{}, illegalLoop("%s %s is closed by several ends %v", start.ScopeRole(), start.ID(), ends)
}

// validateBody rejects loop bodies with a branch that also hangs off the
// loop end, or with a connection leaving the workflow.
func (wf *Workflow) validateBody(a *analysis, start, end nodeid.ID) error {
	level := len(a.forwardStack(start)) - 1
	body := a.scopeMembers(start, level)

	afterEnd := map[nodeid.ID]bool{}
	for _, id := range wf.Successors(end) {
		afterEnd[id] = true
	}

	for _, id := range body {
		if id == end {
			continue
		}
		if afterEnd[id] {
			return illegalLoop("branch leaves loop %s..%s at %s", start, end, id)
		}
		for _, c := range wf.ConnectionsBySource(id) {
			if c.Dest() == wf.id {
				return illegalLoop("loop %s..%s leaves the workflow at %s", start, end, id)
			}
		}
	}
	return nil
}

// NodesBetween returns the nodes downstream of start and upstream of end,
// excluding both, ordered by id.
func (wf *Workflow) NodesBetween(start, end nodeid.ID) []nodeid.ID {
	after := map[nodeid.ID]bool{}
	for _, id := range wf.Successors(start) {
		after[id] = true
	}
	var out []nodeid.ID
	for _, id := range wf.Predecessors(end) {
		if after[id] && id != start {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
