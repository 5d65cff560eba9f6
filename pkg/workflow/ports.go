package workflow

import "fmt"

// PortType describes what flows through a port. Two ports are compatible
// when their IDs match or either side is AnyPort.
type PortType struct {
	ID       string
	Optional bool
}

var (
	// DataPort carries tabular or structured data.
	DataPort = PortType{ID: "data"}

	// AnyPort accepts and produces anything. Placeholder nodes use it for ports
	// whose type cannot be inferred from their neighbours.
	AnyPort = PortType{ID: "any"}
)

// AsOptional returns a copy of p that may stay unconnected.
func (p PortType) AsOptional() PortType {
	p.Optional = true
	return p
}

// Accepts reports whether a connection from a port of type src into p is allowed.
func (p PortType) Accepts(src PortType) bool {
	return p.ID == AnyPort.ID || src.ID == AnyPort.ID || p.ID == src.ID
}

func (p PortType) String() string {
	if p.Optional {
		return p.ID + "?"
	}
	return p.ID
}

type inactiveBranch struct{}

func (inactiveBranch) String() string { return "inactive branch" }

// Inactive substitutes for both the spec and the object of a port that lies on
// an inactive branch.
var Inactive interface{} = inactiveBranch{}

// IsInactive reports whether v is the inactive-branch sentinel.
func IsInactive(v interface{}) bool {
	_, ok := v.(inactiveBranch)
	return ok
}

// Output is one outport of a node as seen by its consumers. For composite
// nodes it mirrors the result of the inner workflow.
type Output struct {
	Type    PortType
	Spec    interface{}
	Object  interface{}
	Summary string
}

// Specer is implemented by port objects that carry their own spec.
type Specer interface {
	Spec() interface{}
}

func specOf(obj interface{}) interface{} {
	if s, ok := obj.(Specer); ok {
		return s.Spec()
	}
	return nil
}

func summarize(obj interface{}) string {
	switch {
	case obj == nil:
		return "no output"
	case IsInactive(obj):
		return "inactive branch"
	}
	switch v := obj.(type) {
	case fmt.Stringer:
		return truncate(v.String())
	case string:
		return truncate(v)
	case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return fmt.Sprint(v)
	case []interface{}:
		return fmt.Sprintf("list of %d", len(v))
	case map[string]interface{}:
		return fmt.Sprintf("object with %d keys", len(v))
	}
	return fmt.Sprintf("%T", obj)
}

const maxSummaryLen = 80

func truncate(s string) string {
	if r := []rune(s); len(r) > maxSummaryLen {
		return string(r[:maxSummaryLen-3]) + "..."
	}
	return s
}

func checkPortIndex(index, count int) error {
	if index < 0 || index >= count {
		return fmt.Errorf("port %d out of range [0,%d)", index, count)
	}
	return nil
}
