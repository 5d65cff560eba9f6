package persistence

import (
	"fmt"

	"go.uber.org/zap"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/nodeid"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Loader rebuilds workflows from settings trees.
type Loader struct {
	registry *Registry
	logger   *zap.Logger
}

// NewLoader creates a loader resolving node factories through registry.
func NewLoader(registry *Registry, logger *zap.Logger) (*Loader, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{registry: registry, logger: logger}, nil
}

// LoadProject creates a project manager and loads doc into it. The error
// is only set when no manager could be created; load defects are reported
// through the LoadResult.
func (l *Loader) LoadProject(doc *Document, cfg workflow.Config) (*workflow.Manager, *LoadResult, error) {
	if doc == nil {
		return nil, nil, fmt.Errorf("document cannot be nil")
	}
	name := doc.Name
	if name == "" {
		name = "workflow"
	}
	m, err := workflow.NewProject(name, cfg)
	if err != nil {
		return nil, nil, err
	}
	return m, l.Load(m, doc), nil
}

// Load adds the nodes and connections of doc to m, which should be empty.
func (l *Loader) Load(m *workflow.Manager, doc *Document) *LoadResult {
	res := NewLoadResult(m.Name())

	version, newer, err := ParseVersion(doc.Version)
	switch {
	case err != nil && doc.Version == "":
		res.AddWarning("no version given, assuming %s", CurrentVersion)
		version = CurrentVersion
	case err != nil:
		res.AddError("%v, loading as %s", err, CurrentVersion)
		version = CurrentVersion
	case newer:
		res.AddWarning("workflow was written by a newer version (%s), loading as %s; some settings may be lost", doc.Version, CurrentVersion)
		res.SetDirty()
	}

	l.loadWorkflow(m, doc, version, nil, res)
	m.ConfigureAll()

	l.logger.Info("workflow loaded",
		zap.String("workflow", m.Name()),
		zap.String("version", version.String()),
		zap.Int("nodes", len(doc.Nodes)),
		zap.Int("connections", len(doc.Connections)),
		zap.String("severity", res.Severity().String()),
		zap.Bool("dirty", res.Dirty()),
		zap.Bool("needs_reset", res.NeedsReset()))
	return res
}

// loadWorkflow loads one workflow level. skip holds the suffixes of nodes
// that already exist, such as the virtual nodes of a composite.
func (l *Loader) loadWorkflow(m *workflow.Manager, doc *Document, version Version, skip map[int]bool, res *LoadResult) {
	var placeholders []NodeSettings
	for _, ns := range doc.Nodes {
		if skip[ns.ID] {
			continue
		}
		if ns.ID < 0 {
			res.AddError("node %d: invalid id suffix, node dropped", ns.ID)
			continue
		}
		switch l.nodeType(ns, version, res) {
		case NodeTypeMetanode:
			l.loadMetanode(m, ns, version, res)
		case NodeTypeWrapped:
			l.loadComposite(m, ns, version, res)
		default:
			if !l.loadNative(m, ns, res) {
				placeholders = append(placeholders, ns)
			}
		}
	}

	specs := l.connectionSpecs(m, doc, version, res)
	for _, ns := range placeholders {
		n, err := m.AddPlaceholder(ns.ID, ns.Factory, ns.Name, specs, ns.Settings)
		if err != nil {
			res.AddError("node %d: %v", ns.ID, err)
			continue
		}
		if ns.UIInfo != nil {
			n.SetUIInfo(ns.UIInfo)
		}
		res.AddWarning("node %d: implementation %q not available, placeholder inserted", ns.ID, ns.Factory)
	}

	for i, spec := range specs {
		c, err := m.AddConnection(spec)
		if err != nil {
			cs := doc.Connections[i]
			if derrors.Is(err, derrors.ErrInportOccupied) {
				res.AddError("connection %s: destination port already connected, connection dropped", cs)
			} else {
				res.AddError("connection %s: %v", cs, err)
			}
			continue
		}
		if bp := doc.Connections[i].Bendpoints; len(bp) > 0 {
			c.SetUIInfo(&workflow.UIInfo{Bendpoints: bendpoints(bp, doc.Connections[i], res)})
		}
	}
}

// nodeType decides the kind of a node entry. Versions before 2.0 only know
// node_is_meta.
func (l *Loader) nodeType(ns NodeSettings, version Version, res *LoadResult) NodeType {
	if version < Version2_0 {
		if ns.IsMeta != nil && *ns.IsMeta {
			return NodeTypeMetanode
		}
		return NodeTypeNative
	}

	if ns.Type == "" {
		if ns.IsMeta != nil {
			res.AddInfo("node %d: node_type missing, using node_is_meta", ns.ID)
			if *ns.IsMeta {
				return NodeTypeMetanode
			}
			return NodeTypeNative
		}
		res.AddWarning("node %d: node_type missing, assuming %s", ns.ID, NodeTypeNative)
		return NodeTypeNative
	}
	t, ok := ParseNodeType(ns.Type)
	if !ok {
		res.AddWarning("node %d: unknown node_type %q, assuming %s", ns.ID, ns.Type, NodeTypeNative)
		return NodeTypeNative
	}
	if t == NodeTypeWrapped && version < Version3_0 {
		res.AddWarning("node %d: wrapped nodes are not part of version %s", ns.ID, version)
	}
	return t
}

// loadNative returns false when the factory is unknown and a placeholder
// has to be inserted once the connections are known.
func (l *Loader) loadNative(m *workflow.Manager, ns NodeSettings, res *LoadResult) bool {
	factory, ok := l.registry.Lookup(ns.Factory)
	if !ok {
		return false
	}
	n, err := m.AddNodeWithSuffix(ns.ID, factory)
	if err != nil {
		res.AddError("node %d: %v", ns.ID, err)
		return true
	}
	if ns.Settings != nil {
		if sm, ok := n.Model().(workflow.SettingsModel); ok {
			if err := sm.LoadSettings(ns.Settings); err != nil {
				res.AddWarning("node %d: settings not loaded: %v", ns.ID, err)
			}
		} else {
			res.AddInfo("node %d: %s has no settings, saved settings ignored", ns.ID, ns.Factory)
		}
	}
	if ns.UIInfo != nil {
		n.SetUIInfo(ns.UIInfo)
	}
	l.checkState(ns, res)
	return true
}

func (l *Loader) loadMetanode(m *workflow.Manager, ns NodeSettings, version Version, res *LoadResult) {
	inner, err := m.AddMetanodeWithSuffix(ns.ID, ns.Name, portTypes(ns.InPorts), portTypes(ns.OutPorts))
	if err != nil {
		res.AddError("metanode %d: %v", ns.ID, err)
		return
	}
	child := res.Child(fmt.Sprintf("%s (%s)", inner.ID(), ns.Name))
	if ns.Workflow == nil {
		child.AddWarning("metanode has no workflow, loaded empty")
		return
	}
	l.loadWorkflow(inner, ns.Workflow, version, nil, child)
}

func (l *Loader) loadComposite(m *workflow.Manager, ns NodeSettings, version Version, res *LoadResult) {
	c, err := m.AddCompositeWithSuffix(ns.ID, ns.Name, portTypes(ns.InPorts), portTypes(ns.OutPorts))
	if err != nil {
		res.AddError("wrapped node %d: %v", ns.ID, err)
		return
	}
	child := res.Child(fmt.Sprintf("%s (%s)", c.ID(), ns.Name))
	l.checkState(ns, child)
	if ns.Workflow == nil {
		child.AddWarning("wrapped node has no workflow, loaded empty")
		return
	}
	skip := map[int]bool{c.VirtualIn().Suffix(): true, c.VirtualOut().Suffix(): true}
	l.loadWorkflow(c.Inner(), ns.Workflow, version, skip, child)
}

// checkState notes saved states that cannot be restored. Output data is not
// persisted, so executed nodes come back configured.
func (l *Loader) checkState(ns NodeSettings, res *LoadResult) {
	if ns.State == "" {
		return
	}
	state, err := workflow.ParseState(ns.State)
	if err != nil {
		res.AddWarning("node %d: %v", ns.ID, err)
		return
	}
	if state == workflow.StateExecuted || state.IsExecutionInProgress() {
		res.AddInfo("node %d: saved as %s, execution state dropped", ns.ID, state)
		res.SetNeedsReset()
	}
}

// connectionSpecs converts the connection entries of doc, in order.
func (l *Loader) connectionSpecs(m *workflow.Manager, doc *Document, version Version, res *LoadResult) []workflow.ConnectionSpec {
	toID := func(suffix int) nodeid.ID {
		if suffix == BoundaryID {
			return m.ID()
		}
		return m.ID().Child(suffix)
	}

	specs := make([]workflow.ConnectionSpec, len(doc.Connections))
	for i, cs := range doc.Connections {
		locked := false
		if cs.IsDeletable != nil {
			if version < Version2_0 {
				res.AddInfo("connection %s: isDeletable is not part of version %s", cs, version)
			}
			locked = !*cs.IsDeletable
		}
		specs[i] = workflow.ConnectionSpec{
			Source:     toID(cs.SourceID),
			SourcePort: cs.SourcePort,
			Dest:       toID(cs.DestID),
			DestPort:   cs.DestPort,
			Locked:     locked,
		}
	}
	return specs
}

func bendpoints(raw [][]int, c ConnectionSettings, res *LoadResult) [][2]int {
	out := make([][2]int, 0, len(raw))
	for _, p := range raw {
		if len(p) != 2 {
			res.AddWarning("connection %s: bendpoint %v dropped", c, p)
			continue
		}
		out = append(out, [2]int{p[0], p[1]})
	}
	return out
}

func portTypes(ports []PortSettings) []workflow.PortType {
	out := make([]workflow.PortType, len(ports))
	for i, p := range ports {
		t := workflow.PortType{ID: p.Type, Optional: p.Optional}
		if t.ID == "" {
			t.ID = workflow.AnyPort.ID
		}
		out[i] = t
	}
	return out
}
