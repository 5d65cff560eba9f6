// Package workflow provides the graph container and execution lifecycle of
// Daedalus workflows.
//
// A workflow is a directed graph of nodes joined at typed ports. Nodes are
// native (a NodeModel computes their outputs), metanodes (a transparent
// nested workflow) or composite nodes (a nested workflow that runs as one
// node). Loop starts and loop ends delimit the only cycles a graph may have.
//
// # Key Components
//
// Workflow: The graph itself. It keeps every connection in two indices, by
// source and by destination, and rejects duplicate edges, occupied inports,
// incompatible port types and cycles that are not closed by a loop end.
//
// Analysis: Derived topology built lazily from the graph: node depth, scope
// stacks, loop matching and port connectivity through nested workflows. A
// generation counter shared by the whole tree tells a cached analysis that a
// nested graph changed underneath it.
//
// Manager: The entry point for editing and running a workflow. It adds and
// removes nodes and connections, configures nodes, executes them on the
// executor pool, cancels and resets them. Structural errors are returned as
// coded errors from pkg/errors and leave the workflow unchanged.
//
// CompositeNode: Wraps an inner workflow with a virtual input node and a
// virtual output node. Configure and execute run the inner workflow; its
// outputs are only visible once the composite is EXECUTED.
//
// # Node States
//
//	IDLE -> CONFIGURED -> MARKEDFOREXEC -> CONFIGURED_QUEUED
//	     -> PREEXECUTE -> EXECUTING -> POSTEXECUTE -> EXECUTED
//
// Reset takes EXECUTED back to IDLE, after every node downstream was reset.
// A transition that is not allowed from the current state panics with a
// *TransitionError.
//
// # Concurrency Model
//
// Two levels of locking:
//
// 1. Tree lock: one mutex per project, shared by the managers of all nested
// workflows. It is held for structural edits and for every traversal that
// touches more than one node.
//
// 2. Node lock: each node guards its own state machine, so a node's state
// can be read while the tree lock is held elsewhere.
//
// Node models run on executor workers without the tree lock. A composite
// node waits for its inner workflow on the worker that executes it; the
// wait is invisible to the pool so inner nodes still get workers.
//
// Events are delivered in order on a separate goroutine. Every event carries
// an Origin; a composite ignores inner events it caused itself and resets
// itself on inner changes made by anyone else.
package workflow
