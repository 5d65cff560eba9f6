package persistence

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

// Version identifies a settings tree format.
type Version int

const (
	VersionUnknown Version = iota
	// Version1_0 knows native nodes and metanodes, distinguished by node_is_meta.
	Version1_0
	// Version2_0 replaced node_is_meta with node_type and added isDeletable.
	Version2_0
	// Version3_0 added wrapped (composite) nodes and connection bendpoints.
	Version3_0
)

// CurrentVersion is the version written by the Saver.
const CurrentVersion = Version3_0

var versionNames = map[Version]string{
	Version1_0: "1.0",
	Version2_0: "2.0",
	Version3_0: "3.0",
}

func (v Version) String() string {
	if s, ok := versionNames[v]; ok {
		return s
	}
	return "unknown"
}

// ParseVersion maps a version string to a Version. newer is set when the
// string is well formed but later than CurrentVersion; v is CurrentVersion
// then.
func ParseVersion(s string) (v Version, newer bool, err error) {
	s = strings.TrimSpace(s)
	for v, name := range versionNames {
		if name == s {
			return v, false, nil
		}
	}
	var major, minor int
	if _, err := fmt.Sscanf(s, "%d.%d", &major, &minor); err != nil {
		return VersionUnknown, false, fmt.Errorf("invalid workflow version %q", s)
	}
	if major > 3 {
		return CurrentVersion, true, nil
	}
	return VersionUnknown, false, fmt.Errorf("unsupported workflow version %q", s)
}

// NodeType is the persisted kind of a node.
type NodeType string

const (
	NodeTypeNative   NodeType = "native"
	NodeTypeMetanode NodeType = "metanode"
	NodeTypeWrapped  NodeType = "wrapped"
)

// nodeTypeAliases lists the spellings accepted for node_type after case folding.
var nodeTypeAliases = map[string]NodeType{
	"native":     NodeTypeNative,
	"nativenode": NodeTypeNative,
	"metanode":   NodeTypeMetanode,
	"meta":       NodeTypeMetanode,
	"wrapped":    NodeTypeWrapped,
	"subnode":    NodeTypeWrapped,
	"composite":  NodeTypeWrapped,
}

// ParseNodeType resolves a persisted node_type value. Matching ignores case.
func ParseNodeType(s string) (NodeType, bool) {
	t, ok := nodeTypeAliases[cases.Fold().String(strings.TrimSpace(s))]
	return t, ok
}

// Document is the settings tree of one workflow. Nested workflows of
// metanodes and wrapped nodes are stored inside their node entry.
type Document struct {
	Version     string                 `yaml:"version,omitempty" json:"version,omitempty"`
	Name        string                 `yaml:"name,omitempty" json:"name,omitempty"`
	Author      *Author                `yaml:"author,omitempty" json:"author,omitempty"`
	Annotations []Annotation           `yaml:"annotations,omitempty" json:"annotations,omitempty"`
	Variables   []Variable             `yaml:"variables,omitempty" json:"variables,omitempty"`
	Nodes       []NodeSettings         `yaml:"nodes" json:"nodes"`
	Connections []ConnectionSettings   `yaml:"connections" json:"connections"`
	Extra       map[string]interface{} `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// Author records who created and last edited a workflow.
type Author struct {
	CreatedBy  string `yaml:"created_by,omitempty" json:"created_by,omitempty"`
	CreatedAt  string `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	ModifiedBy string `yaml:"modified_by,omitempty" json:"modified_by,omitempty"`
	ModifiedAt string `yaml:"modified_at,omitempty" json:"modified_at,omitempty"`
}

// Annotation is a free text note placed on the canvas.
type Annotation struct {
	Text   string `yaml:"text" json:"text"`
	Bounds []int  `yaml:"bounds,omitempty" json:"bounds,omitempty"`
}

// Variable is a workflow variable with its initial value.
type Variable struct {
	Name  string      `yaml:"name" json:"name"`
	Value interface{} `yaml:"value" json:"value"`
}

// NodeSettings is the persisted form of one node.
type NodeSettings struct {
	// ID is the node id suffix within its workflow.
	ID int `yaml:"node_id_suffix" json:"node_id_suffix"`
	// Type is node_type; versions before 2.0 use IsMeta instead.
	Type    string `yaml:"node_type,omitempty" json:"node_type,omitempty"`
	IsMeta  *bool  `yaml:"node_is_meta,omitempty" json:"node_is_meta,omitempty"`
	Factory string `yaml:"factory,omitempty" json:"factory,omitempty"`
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
	// State is the state the node was saved in.
	State    string                 `yaml:"state,omitempty" json:"state,omitempty"`
	Settings map[string]interface{} `yaml:"model,omitempty" json:"model,omitempty"`
	UIInfo   map[string]interface{} `yaml:"ui_info,omitempty" json:"ui_info,omitempty"`
	InPorts  []PortSettings         `yaml:"inports,omitempty" json:"inports,omitempty"`
	OutPorts []PortSettings         `yaml:"outports,omitempty" json:"outports,omitempty"`
	Workflow *Document              `yaml:"workflow,omitempty" json:"workflow,omitempty"`
}

// PortSettings is a port of a metanode or wrapped node boundary.
type PortSettings struct {
	Type     string `yaml:"type" json:"type"`
	Optional bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// BoundaryID is the node id used in connections for the enclosing workflow.
const BoundaryID = -1

// ConnectionSettings is the persisted form of one connection.
type ConnectionSettings struct {
	SourceID   int `yaml:"sourceID" json:"sourceID"`
	SourcePort int `yaml:"sourcePort" json:"sourcePort"`
	DestID     int `yaml:"destID" json:"destID"`
	DestPort   int `yaml:"destPort" json:"destPort"`
	// IsDeletable defaults to true when absent.
	IsDeletable *bool    `yaml:"isDeletable,omitempty" json:"isDeletable,omitempty"`
	Bendpoints  [][]int  `yaml:"bendpoints,omitempty" json:"bendpoints,omitempty"`
}

func (c ConnectionSettings) String() string {
	return fmt.Sprintf("%d[%d] -> %d[%d]", c.SourceID, c.SourcePort, c.DestID, c.DestPort)
}

// Metadata is the workflow level information that the workflow package
// does not model itself.
type Metadata struct {
	Name        string
	Author      *Author
	Annotations []Annotation
	Variables   []Variable
	Extra       map[string]interface{}
}

// Metadata returns the workflow level fields of doc.
func (d *Document) Metadata() Metadata {
	return Metadata{
		Name:        d.Name,
		Author:      d.Author,
		Annotations: d.Annotations,
		Variables:   d.Variables,
		Extra:       d.Extra,
	}
}
