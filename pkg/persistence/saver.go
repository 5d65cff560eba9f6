package persistence

import (
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/nodeid"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Saver turns a workflow into a settings tree of CurrentVersion.
type Saver struct {
	logger *zap.Logger
}

// NewSaver creates a saver.
func NewSaver(logger *zap.Logger) *Saver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Saver{logger: logger}
}

// Save writes the nodes and connections of m, nested workflows included,
// together with meta.
func (s *Saver) Save(m *workflow.Manager, meta Metadata) *Document {
	doc := s.saveWorkflow(m, nil)
	doc.Version = CurrentVersion.String()
	doc.Name = meta.Name
	if doc.Name == "" {
		doc.Name = m.Name()
	}
	doc.Author = meta.Author
	doc.Annotations = meta.Annotations
	doc.Variables = meta.Variables
	doc.Extra = meta.Extra

	s.logger.Debug("workflow saved",
		zap.String("workflow", m.ID().String()),
		zap.Int("nodes", len(doc.Nodes)),
		zap.Int("connections", len(doc.Connections)))
	return doc
}

func (s *Saver) saveWorkflow(m *workflow.Manager, skip map[nodeid.ID]bool) *Document {
	doc := &Document{
		Nodes:       []NodeSettings{},
		Connections: []ConnectionSettings{},
	}
	for _, nc := range m.Nodes() {
		if skip[nc.ID()] {
			continue
		}
		ns := NodeSettings{ID: nc.ID().Suffix(), Name: nc.Name()}
		switch n := nc.(type) {
		case *workflow.NativeNode:
			ns.Type = string(NodeTypeNative)
			ns.Factory = n.FactoryType()
			ns.State = n.State().String()
			if sm, ok := n.Model().(workflow.SettingsModel); ok {
				ns.Settings = sm.SaveSettings()
			}
			if ui := n.UIInfo(); len(ui) > 0 {
				ns.UIInfo = ui
			}
		case *workflow.Metanode:
			inner := n.Inner()
			ns.Type = string(NodeTypeMetanode)
			ns.InPorts = portSettings(inner.Workflow().NrInPorts(), inner.Workflow().InPortType)
			ns.OutPorts = portSettings(inner.Workflow().NrOutPorts(), inner.Workflow().OutPortType)
			ns.Workflow = s.saveWorkflow(inner, nil)
		case *workflow.CompositeNode:
			ns.Type = string(NodeTypeWrapped)
			ns.State = n.State().String()
			ns.InPorts = portSettings(n.NrInPorts(), n.InPortType)
			ns.OutPorts = portSettings(n.NrOutPorts(), n.OutPortType)
			ns.Workflow = s.saveWorkflow(n.Inner(), map[nodeid.ID]bool{n.VirtualIn(): true, n.VirtualOut(): true})
		}
		doc.Nodes = append(doc.Nodes, ns)
	}

	suffix := func(id nodeid.ID) int {
		if id == m.ID() {
			return BoundaryID
		}
		return id.Suffix()
	}
	for _, c := range m.Workflow().Connections() {
		deletable := c.IsDeletable()
		cs := ConnectionSettings{
			SourceID:    suffix(c.Source()),
			SourcePort:  c.SourcePort(),
			DestID:      suffix(c.Dest()),
			DestPort:    c.DestPort(),
			IsDeletable: &deletable,
		}
		if ui := c.UIInfo(); ui != nil {
			for _, p := range ui.Bendpoints {
				cs.Bendpoints = append(cs.Bendpoints, []int{p[0], p[1]})
			}
		}
		doc.Connections = append(doc.Connections, cs)
	}
	return doc
}

func portSettings(n int, typeOf func(int) workflow.PortType) []PortSettings {
	if n == 0 {
		return nil
	}
	out := make([]PortSettings, n)
	for i := range out {
		t := typeOf(i)
		out[i] = PortSettings{Type: t.ID, Optional: t.Optional}
	}
	return out
}
