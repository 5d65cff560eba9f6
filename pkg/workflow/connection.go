package workflow

import (
	"fmt"
	"sync/atomic"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/nodeid"
)

// ConnectionType tells whether a connection crosses the boundary of the
// workflow that owns it.
type ConnectionType int

const (
	// ConnectionStandard joins two nodes of the same workflow.
	ConnectionStandard ConnectionType = iota
	// ConnectionGraphIn leaves the workflow's own inport towards an inner node.
	ConnectionGraphIn
	// ConnectionGraphOut feeds the workflow's own outport from an inner node.
	ConnectionGraphOut
	// ConnectionGraphThrough joins an inport of the workflow directly to one of its outports.
	ConnectionGraphThrough
)

func (t ConnectionType) String() string {
	switch t {
	case ConnectionStandard:
		return "STANDARD"
	case ConnectionGraphIn:
		return "GRAPH_IN"
	case ConnectionGraphOut:
		return "GRAPH_OUT"
	case ConnectionGraphThrough:
		return "GRAPH_THROUGH"
	}
	return "UNKNOWN"
}

// UIInfo is editor metadata attached to a connection. It is the only mutable
// part of a connection.
type UIInfo struct {
	Bendpoints [][2]int
}

// Connection is an edge (source, sourcePort) -> (dest, destPort).
type Connection struct {
	source     nodeid.ID
	sourcePort int
	dest       nodeid.ID
	destPort   int
	typ        ConnectionType
	deletable  bool
	uiInfo     atomic.Pointer[UIInfo]
}

type connKey struct {
	source     nodeid.ID
	sourcePort int
	dest       nodeid.ID
	destPort   int
}

// ConnectionSpec describes a connection that has not been added yet.
type ConnectionSpec struct {
	Source     nodeid.ID
	SourcePort int
	Dest       nodeid.ID
	DestPort   int
	// Locked connections cannot be removed by RemoveConnection.
	Locked bool
}

// newConnection derives the boundary type from the owning workflow id.
func newConnection(owner nodeid.ID, spec ConnectionSpec) (*Connection, error) {
	var typ ConnectionType
	switch {
	case spec.Source == owner && spec.Dest == owner:
		typ = ConnectionGraphThrough
	case spec.Source == owner:
		typ = ConnectionGraphIn
	case spec.Dest == owner:
		typ = ConnectionGraphOut
	case spec.Source == spec.Dest:
		return nil, derrors.NewError(derrors.CodeInvalidEdge,
			fmt.Sprintf("connection %s[%d] -> %s[%d] joins a node to itself", spec.Source, spec.SourcePort, spec.Dest, spec.DestPort),
			derrors.ErrCycle)
	default:
		typ = ConnectionStandard
	}
	return &Connection{
		source:     spec.Source,
		sourcePort: spec.SourcePort,
		dest:       spec.Dest,
		destPort:   spec.DestPort,
		typ:        typ,
		deletable:  !spec.Locked,
	}, nil
}

func (c *Connection) Source() nodeid.ID    { return c.source }
func (c *Connection) SourcePort() int      { return c.sourcePort }
func (c *Connection) Dest() nodeid.ID      { return c.dest }
func (c *Connection) DestPort() int        { return c.destPort }
func (c *Connection) Type() ConnectionType { return c.typ }
func (c *Connection) IsDeletable() bool    { return c.deletable }

// UIInfo returns the editor metadata, or nil.
func (c *Connection) UIInfo() *UIInfo { return c.uiInfo.Load() }

// SetUIInfo replaces the editor metadata.
func (c *Connection) SetUIInfo(info *UIInfo) { c.uiInfo.Store(info) }

// Spec returns the description this connection was created from.
func (c *Connection) Spec() ConnectionSpec {
	return ConnectionSpec{
		Source:     c.source,
		SourcePort: c.sourcePort,
		Dest:       c.dest,
		DestPort:   c.destPort,
		Locked:     !c.deletable,
	}
}

func (c *Connection) key() connKey {
	return connKey{source: c.source, sourcePort: c.sourcePort, dest: c.dest, destPort: c.destPort}
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s[%d] -> %s[%d] (%s)", c.source, c.sourcePort, c.dest, c.destPort, c.typ)
}

func (k connKey) less(o connKey) bool {
	if k.source != o.source {
		return k.source.Less(o.source)
	}
	if k.sourcePort != o.sourcePort {
		return k.sourcePort < o.sourcePort
	}
	if k.dest != o.dest {
		return k.dest.Less(o.dest)
	}
	return k.destPort < o.destPort
}
