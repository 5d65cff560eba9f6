package nodes

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// JSONQuery extracts values from a JSON document with gjson paths. Slash
// paths ("/order/id") and "*" wildcards are accepted as well.
//
// With one path the node emits the value found there. With several it emits
// an object keyed by path, holding nil for paths that do not exist.
type JSONQuery struct {
	mu    sync.RWMutex
	paths []string
}

var _ workflow.SettingsModel = (*JSONQuery)(nil)

// JSONQueryFactory creates query nodes reading paths.
func JSONQueryFactory(paths ...string) Factory {
	return Factory{
		typ:  TypeJSONQuery,
		desc: workflow.NodeDescriptor{Name: "JSON Query", InPorts: dataPorts(1), OutPorts: dataPorts(1)},
		model: func() workflow.NodeModel {
			return &JSONQuery{paths: append([]string(nil), paths...)}
		},
	}
}

func (q *JSONQuery) Configure([]interface{}) ([]interface{}, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	switch len(q.paths) {
	case 0:
		return nil, fmt.Errorf("no path configured")
	case 1:
		return []interface{}{"any"}, nil
	}
	return []interface{}{"object"}, nil
}

func (q *JSONQuery) Execute(_ context.Context, _ *workflow.ExecutionContext, inData []interface{}) ([]interface{}, error) {
	q.mu.RLock()
	paths := q.paths
	q.mu.RUnlock()

	doc, err := jsonBytes(inData[0])
	if err != nil {
		return nil, err
	}

	if len(paths) == 1 {
		v, err := querySingle(doc, paths[0])
		if err != nil {
			return nil, err
		}
		return []interface{}{v}, nil
	}

	out := make(map[string]interface{}, len(paths))
	for _, p := range paths {
		res := gjson.GetBytes(doc, normalizePath(p))
		switch {
		case !res.Exists():
			out[p] = nil
		case isWildcard(p) && !res.IsArray():
			out[p] = []interface{}{res.Value()}
		default:
			out[p] = res.Value()
		}
	}
	return []interface{}{out}, nil
}

func (q *JSONQuery) Reset() {}

func (q *JSONQuery) SaveSettings() map[string]interface{} {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.paths) == 1 {
		return map[string]interface{}{"path": q.paths[0]}
	}
	paths := make([]interface{}, len(q.paths))
	for i, p := range q.paths {
		paths[i] = p
	}
	return map[string]interface{}{"paths": paths}
}

func (q *JSONQuery) LoadSettings(settings map[string]interface{}) error {
	var paths []string
	if p, ok, err := stringSetting(settings, "path"); err != nil {
		return err
	} else if ok {
		paths = append(paths, p)
	}
	if raw, ok := settings["paths"]; ok {
		list, ok := raw.([]interface{})
		if !ok {
			return fmt.Errorf("setting %q: expected list, got %T", "paths", raw)
		}
		for i, v := range list {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("setting %q: entry %d is %T, not a string", "paths", i, v)
			}
			paths = append(paths, s)
		}
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("empty path")
		}
	}

	q.mu.Lock()
	q.paths = paths
	q.mu.Unlock()
	return nil
}

func querySingle(doc []byte, path string) (interface{}, error) {
	res := gjson.GetBytes(doc, normalizePath(path))
	if isWildcard(path) {
		switch {
		case res.IsArray():
			return res.Value(), nil
		case res.Exists():
			return []interface{}{res.Value()}, nil
		}
		return []interface{}{}, nil
	}
	if !res.Exists() {
		return nil, fmt.Errorf("path %q does not exist", path)
	}
	return res.Value(), nil
}

// JSONOperation selects what JSONSet does at its path.
type JSONOperation string

const (
	JSONSetValue JSONOperation = "set"
	JSONDelete   JSONOperation = "delete"
)

// JSONSet writes or deletes one path of a JSON document and emits the
// decoded result.
type JSONSet struct {
	mu    sync.RWMutex
	op    JSONOperation
	path  string
	value interface{}
}

var _ workflow.SettingsModel = (*JSONSet)(nil)

// JSONSetFactory creates nodes setting path to value.
func JSONSetFactory(path string, value interface{}) Factory {
	return Factory{
		typ:  TypeJSONSet,
		desc: workflow.NodeDescriptor{Name: "JSON Set", InPorts: dataPorts(1), OutPorts: dataPorts(1)},
		model: func() workflow.NodeModel {
			return &JSONSet{op: JSONSetValue, path: path, value: value}
		},
	}
}

func (s *JSONSet) Configure([]interface{}) ([]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.path == "" {
		return nil, fmt.Errorf("no path configured")
	}
	if s.op != JSONSetValue && s.op != JSONDelete {
		return nil, fmt.Errorf("unknown operation %q", s.op)
	}
	return []interface{}{"object"}, nil
}

func (s *JSONSet) Execute(_ context.Context, _ *workflow.ExecutionContext, inData []interface{}) ([]interface{}, error) {
	s.mu.RLock()
	op, path, value := s.op, s.path, s.value
	s.mu.RUnlock()

	doc, err := jsonBytes(inData[0])
	if err != nil {
		return nil, err
	}

	switch op {
	case JSONDelete:
		doc, err = sjson.DeleteBytes(doc, normalizePath(path))
	default:
		doc, err = sjson.SetBytes(doc, normalizePath(path), value)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", op, path, err)
	}

	var out interface{}
	if err := sonic.Unmarshal(doc, &out); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return []interface{}{out}, nil
}

func (s *JSONSet) Reset() {}

func (s *JSONSet) SaveSettings() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]interface{}{"operation": string(s.op), "path": s.path}
	if s.op == JSONSetValue {
		out["value"] = s.value
	}
	return out
}

func (s *JSONSet) LoadSettings(settings map[string]interface{}) error {
	path, ok, err := stringSetting(settings, "path")
	if err != nil {
		return err
	}
	if !ok || path == "" {
		return fmt.Errorf("setting %q missing", "path")
	}
	op := JSONSetValue
	if raw, ok, err := stringSetting(settings, "operation"); err != nil {
		return err
	} else if ok {
		op = JSONOperation(strings.ToLower(strings.TrimSpace(raw)))
	}
	if op != JSONSetValue && op != JSONDelete {
		return fmt.Errorf("unknown operation %q", op)
	}

	s.mu.Lock()
	s.op, s.path, s.value = op, path, settings["value"]
	s.mu.Unlock()
	return nil
}

// jsonBytes returns the JSON text of v. Strings holding valid JSON are used
// as they are; any other value is marshalled.
func jsonBytes(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		if !gjson.ValidBytes(t) {
			return nil, fmt.Errorf("input is not valid JSON")
		}
		return t, nil
	case string:
		if gjson.Valid(t) {
			return []byte(t), nil
		}
	}
	b, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("input is not JSON serializable: %w", err)
	}
	return b, nil
}

// normalizePath turns "/a/b" into "a.b" and "*" into gjson's "#".
func normalizePath(path string) string {
	if strings.HasPrefix(path, "/") {
		path = strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", ".")
	}
	return strings.ReplaceAll(path, "*", "#")
}

func isWildcard(path string) bool {
	return strings.ContainsAny(path, "*#")
}
