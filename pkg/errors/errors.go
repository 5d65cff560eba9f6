package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNodeNotFound indicates that a referenced node is not part of the workflow
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeExists indicates that a node with the same id is already registered
	ErrNodeExists = errors.New("node already exists")

	// ErrDuplicateEdge indicates that an identical connection already exists
	ErrDuplicateEdge = errors.New("duplicate connection")

	// ErrEdgeNotFound indicates that a connection is missing from the workflow indices
	ErrEdgeNotFound = errors.New("connection not found")

	// ErrInportOccupied indicates that the destination port already has an incoming connection
	ErrInportOccupied = errors.New("destination port already connected")

	// ErrInvalidPort indicates a port index outside the node's port range
	ErrInvalidPort = errors.New("invalid port index")

	// ErrIncompatiblePorts indicates that source and destination port types do not match
	ErrIncompatiblePorts = errors.New("incompatible port types")

	// ErrCycle indicates a cycle that is not closed by a matching loop start/end pair
	ErrCycle = errors.New("connection would create a cycle")

	// ErrIllegalLoopStructure indicates a loop without a consistent partner or a loop body leaving its scope
	ErrIllegalLoopStructure = errors.New("illegal loop structure")

	// ErrAmbiguousScope indicates a node reachable from two unrelated scope contexts
	ErrAmbiguousScope = errors.New("ambiguous scope")

	// ErrNotLoopNode indicates that a loop query was issued for a node without a loop role
	ErrNotLoopNode = errors.New("node is not a loop start or end")

	// ErrNodeInExecution indicates that a node or one of its successors is executing
	ErrNodeInExecution = errors.New("node is in execution")

	// ErrNotDeletable indicates an attempt to remove a connection flagged as not deletable
	ErrNotDeletable = errors.New("connection is not deletable")

	// ErrCircuitOpen indicates that the executor rejects jobs after repeated failures
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Error codes carried by structural failures.
const (
	CodeNodeNotFound   = "NODE_NOT_FOUND"
	CodeNodeExists     = "NODE_EXISTS"
	CodeDuplicateEdge  = "DUPLICATE_EDGE"
	CodeEdgeNotFound   = "EDGE_NOT_FOUND"
	CodeInvalidEdge    = "INVALID_EDGE"
	CodeCycle          = "CYCLE"
	CodeIllegalLoop    = "ILLEGAL_LOOP"
	CodeAmbiguousScope = "AMBIGUOUS_SCOPE"
	CodeInExecution    = "IN_EXECUTION"
)

// Error represents a structured error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Code returns the code of the first *Error in err's chain, or "".
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsStructural reports whether err describes a rejected structural change
// (as opposed to an execution or load problem).
func IsStructural(err error) bool {
	switch Code(err) {
	case CodeNodeNotFound, CodeNodeExists, CodeDuplicateEdge, CodeEdgeNotFound,
		CodeInvalidEdge, CodeCycle, CodeIllegalLoop, CodeAmbiguousScope:
		return true
	}
	return false
}

// Is and As re-export the standard library helpers so callers importing this
// package under its own name do not need a second errors import.
var (
	Is = errors.Is
	As = errors.As
)
