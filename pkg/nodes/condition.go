package nodes

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Operator compares an input value with a condition's value.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpLessThan           Operator = "less_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"
	OpRegex              Operator = "regex"
	OpIsEmpty            Operator = "is_empty"
	OpIsNotEmpty         Operator = "is_not_empty"
)

// ValueType says how a condition's value is interpreted.
type ValueType string

const (
	ValueString  ValueType = "string"
	ValueNumber  ValueType = "number"
	ValueBoolean ValueType = "boolean"
)

// Logic combines condition results.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Condition tests the value at Path, or the whole input when Path is empty.
type Condition struct {
	Path            string
	Type            ValueType
	Operator        Operator
	Value           string
	CaseInsensitive bool

	re *regexp.Regexp
}

func (c *Condition) validate() error {
	if c.Type == "" {
		c.Type = ValueString
	}
	switch c.Type {
	case ValueString, ValueNumber, ValueBoolean:
	default:
		return fmt.Errorf("invalid type %q, must be string, number or boolean", c.Type)
	}

	switch c.Operator {
	case OpEquals, OpNotEquals, OpIsEmpty, OpIsNotEmpty:
	case OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual:
		if c.Type == ValueBoolean {
			return fmt.Errorf("operator %q is not supported for booleans", c.Operator)
		}
	case OpContains, OpNotContains, OpStartsWith, OpEndsWith, OpRegex:
		if c.Type != ValueString {
			return fmt.Errorf("operator %q is only supported for strings", c.Operator)
		}
	case "":
		return fmt.Errorf("operator is required")
	default:
		return fmt.Errorf("unsupported operator %q", c.Operator)
	}

	switch c.Type {
	case ValueNumber:
		if c.Operator != OpIsEmpty && c.Operator != OpIsNotEmpty {
			if _, err := strconv.ParseFloat(c.Value, 64); err != nil {
				return fmt.Errorf("value %q is not a number", c.Value)
			}
		}
	case ValueBoolean:
		if _, err := parseBool(c.Value); err != nil && c.Operator != OpIsEmpty && c.Operator != OpIsNotEmpty {
			return err
		}
	}

	if c.Operator == OpRegex {
		pattern := c.Value
		if c.CaseInsensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid regex %q: %w", c.Value, err)
		}
		c.re = re
	}
	return nil
}

// eval reports whether actual satisfies the condition. found is false when
// Path does not exist in the input.
func (c *Condition) eval(actual interface{}, found bool) (bool, error) {
	switch c.Operator {
	case OpIsEmpty:
		return !found || isEmpty(actual), nil
	case OpIsNotEmpty:
		return found && !isEmpty(actual), nil
	}
	if !found {
		return false, fmt.Errorf("field %q not found in input", c.Path)
	}

	switch c.Type {
	case ValueNumber:
		a, err := toFloat(actual)
		if err != nil {
			return false, fmt.Errorf("field %q: %w", c.Path, err)
		}
		want, _ := strconv.ParseFloat(c.Value, 64)
		return compareOrdered(c.Operator, a, want), nil
	case ValueBoolean:
		a, err := parseBool(toString(actual))
		if err != nil {
			return false, fmt.Errorf("field %q: %w", c.Path, err)
		}
		want, _ := parseBool(c.Value)
		if c.Operator == OpNotEquals {
			return a != want, nil
		}
		return a == want, nil
	}

	a, want := toString(actual), c.Value
	if c.CaseInsensitive && c.Operator != OpRegex {
		fold := cases.Fold()
		a, want = fold.String(a), fold.String(want)
	}
	switch c.Operator {
	case OpContains:
		return strings.Contains(a, want), nil
	case OpNotContains:
		return !strings.Contains(a, want), nil
	case OpStartsWith:
		return strings.HasPrefix(a, want), nil
	case OpEndsWith:
		return strings.HasSuffix(a, want), nil
	case OpRegex:
		return c.re.MatchString(a), nil
	}
	return compareOrdered(c.Operator, strings.Compare(a, want), 0), nil
}

func compareOrdered[T int | float64](op Operator, a, b T) bool {
	switch op {
	case OpEquals:
		return a == b
	case OpNotEquals:
		return a != b
	case OpGreaterThan:
		return a > b
	case OpLessThan:
		return a < b
	case OpGreaterThanOrEqual:
		return a >= b
	case OpLessThanOrEqual:
		return a <= b
	}
	return false
}

// Switch routes its input to the "true" or the "false" outport. The other
// outport carries the inactive branch marker, so nodes downstream of it are
// skipped until a BranchJoin.
type Switch struct {
	mu         sync.RWMutex
	logic      Logic
	conditions []Condition
}

var _ workflow.SettingsModel = (*Switch)(nil)

// SwitchFactory creates switch nodes evaluating conditions with logic.
func SwitchFactory(logic Logic, conditions ...Condition) Factory {
	return Factory{
		typ: TypeSwitch,
		desc: workflow.NodeDescriptor{
			Name:     "IF Switch",
			InPorts:  dataPorts(1),
			OutPorts: dataPorts(2),
		},
		model: func() workflow.NodeModel {
			s := &Switch{logic: logic}
			// Invalid conditions surface in Configure.
			_ = s.setConditions(logic, conditions)
			return s
		},
	}
}

func (s *Switch) setConditions(logic Logic, conditions []Condition) error {
	if logic == "" {
		logic = LogicAnd
	}
	logic = Logic(strings.ToUpper(string(logic)))
	if logic != LogicAnd && logic != LogicOr {
		return fmt.Errorf("invalid logic %q, must be AND or OR", logic)
	}
	checked := make([]Condition, len(conditions))
	for i, c := range conditions {
		if err := c.validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
		checked[i] = c
	}

	s.mu.Lock()
	s.logic, s.conditions = logic, checked
	s.mu.Unlock()
	return nil
}

func (s *Switch) Configure(inSpecs []interface{}) ([]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.conditions) == 0 {
		return nil, fmt.Errorf("no conditions configured")
	}
	if s.logic != LogicAnd && s.logic != LogicOr {
		return nil, fmt.Errorf("invalid logic %q", s.logic)
	}
	return []interface{}{inSpecs[0], inSpecs[0]}, nil
}

func (s *Switch) Execute(_ context.Context, exec *workflow.ExecutionContext, inData []interface{}) ([]interface{}, error) {
	s.mu.RLock()
	logic, conditions := s.logic, s.conditions
	s.mu.RUnlock()

	in := inData[0]
	var doc []byte
	met := logic == LogicAnd
	for i := range conditions {
		c := &conditions[i]
		actual, found := in, true
		if c.Path != "" {
			if doc == nil {
				b, err := jsonBytes(in)
				if err != nil {
					return nil, err
				}
				doc = b
			}
			res := gjson.GetBytes(doc, normalizePath(c.Path))
			actual, found = res.Value(), res.Exists()
		}
		ok, err := c.eval(actual, found)
		if err != nil {
			return nil, err
		}
		if logic == LogicAnd && !ok {
			met = false
			break
		}
		if logic == LogicOr && ok {
			met = true
			break
		}
	}

	if exec != nil {
		exec.Logger().Debug("Condition evaluated", zap.Bool("met", met), zap.String("logic", string(logic)))
	}
	if met {
		return []interface{}{in, workflow.Inactive}, nil
	}
	return []interface{}{workflow.Inactive, in}, nil
}

func (s *Switch) Reset() {}

func (s *Switch) SaveSettings() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]interface{}, len(s.conditions))
	for i, c := range s.conditions {
		list[i] = map[string]interface{}{
			"path":             c.Path,
			"type":             string(c.Type),
			"operator":         string(c.Operator),
			"value":            c.Value,
			"case_insensitive": c.CaseInsensitive,
		}
	}
	return map[string]interface{}{"logic": string(s.logic), "conditions": list}
}

func (s *Switch) LoadSettings(settings map[string]interface{}) error {
	logic, _, err := stringSetting(settings, "logic")
	if err != nil {
		return err
	}
	raw, ok := settings["conditions"].([]interface{})
	if !ok {
		return fmt.Errorf("setting %q: expected list, got %T", "conditions", settings["conditions"])
	}

	conditions := make([]Condition, 0, len(raw))
	for i, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return fmt.Errorf("condition %d: expected object, got %T", i, entry)
		}
		c := Condition{
			Path:     fmt.Sprint(valueOr(m["path"], "")),
			Type:     ValueType(fmt.Sprint(valueOr(m["type"], ""))),
			Operator: Operator(fmt.Sprint(valueOr(m["operator"], ""))),
			Value:    toString(m["value"]),
		}
		if ci, ok := m["case_insensitive"].(bool); ok {
			c.CaseInsensitive = ci
		}
		conditions = append(conditions, c)
	}
	return s.setConditions(Logic(logic), conditions)
}

// BranchJoin merges the branches of a Switch. It emits its first active
// input, or the inactive marker when every input is inactive.
type BranchJoin struct{}

var _ workflow.InactiveBranchConsumer = BranchJoin{}

// BranchJoinFactory creates join nodes. The second inport is optional.
func BranchJoinFactory() Factory {
	return Factory{
		typ: TypeBranchJoin,
		desc: workflow.NodeDescriptor{
			Name:     "End IF",
			InPorts:  []workflow.PortType{workflow.DataPort, workflow.DataPort.AsOptional()},
			OutPorts: dataPorts(1),
		},
		model: func() workflow.NodeModel { return BranchJoin{} },
	}
}

func (BranchJoin) ConsumesInactiveBranches() bool { return true }

func (BranchJoin) Configure(inSpecs []interface{}) ([]interface{}, error) {
	return []interface{}{firstActive(inSpecs)}, nil
}

func (BranchJoin) Execute(_ context.Context, _ *workflow.ExecutionContext, inData []interface{}) ([]interface{}, error) {
	return []interface{}{firstActive(inData)}, nil
}

func (BranchJoin) Reset() {}

func firstActive(values []interface{}) interface{} {
	for _, v := range values {
		if v != nil && !workflow.IsInactive(v) {
			return v
		}
	}
	return workflow.Inactive
}

func valueOr(v, def interface{}) interface{} {
	if v == nil {
		return def
	}
	return v
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("cannot convert %q to boolean", s)
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	}
	return false
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to number", t)
		}
		return f, nil
	}
	return 0, fmt.Errorf("cannot convert %T to number", v)
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}
