package nodes

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// CaseMode selects a TextCase transformation.
type CaseMode string

const (
	CaseUpper CaseMode = "upper"
	CaseLower CaseMode = "lower"
	CaseTitle CaseMode = "title"
	CaseFold  CaseMode = "fold"
)

// TextCase changes the letter case of strings. Lists are transformed
// element by element; other values pass unchanged.
type TextCase struct {
	mu   sync.RWMutex
	mode CaseMode
	lang language.Tag
}

var _ workflow.SettingsModel = (*TextCase)(nil)

// TextCaseFactory creates text case nodes using mode by default.
func TextCaseFactory(mode CaseMode) Factory {
	return Factory{
		typ:   TypeTextCase,
		desc:  workflow.NodeDescriptor{Name: "Text Case", InPorts: dataPorts(1), OutPorts: dataPorts(1)},
		model: func() workflow.NodeModel { return &TextCase{mode: mode, lang: language.Und} },
	}
}

func (t *TextCase) Configure(inSpecs []interface{}) ([]interface{}, error) {
	if _, err := t.caser(); err != nil {
		return nil, err
	}
	return []interface{}{inSpecs[0]}, nil
}

func (t *TextCase) Execute(ctx context.Context, _ *workflow.ExecutionContext, inData []interface{}) ([]interface{}, error) {
	c, err := t.caser()
	if err != nil {
		return nil, err
	}
	return []interface{}{transformValue(ctx, c, inData[0])}, nil
}

func (t *TextCase) Reset() {}

// caser builds a new Caser per call; Casers keep state and must not be shared.
func (t *TextCase) caser() (cases.Caser, error) {
	t.mu.RLock()
	mode, lang := t.mode, t.lang
	t.mu.RUnlock()

	switch mode {
	case CaseUpper:
		return cases.Upper(lang), nil
	case CaseLower:
		return cases.Lower(lang), nil
	case CaseTitle:
		return cases.Title(lang), nil
	case CaseFold:
		return cases.Fold(), nil
	}
	return cases.Caser{}, fmt.Errorf("unknown case mode %q", mode)
}

func transformValue(ctx context.Context, c cases.Caser, v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return c.String(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			if ctx.Err() != nil {
				return val
			}
			out[i] = transformValue(ctx, c, item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, s := range val {
			out[i] = c.String(s)
		}
		return out
	}
	return v
}

func (t *TextCase) SaveSettings() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return map[string]interface{}{"mode": string(t.mode), "language": t.lang.String()}
}

func (t *TextCase) LoadSettings(settings map[string]interface{}) error {
	mode, ok, err := stringSetting(settings, "mode")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("setting %q missing", "mode")
	}
	lang := language.Und
	if raw, ok, err := stringSetting(settings, "language"); err != nil {
		return err
	} else if ok && raw != "" {
		lang, err = language.Parse(raw)
		if err != nil {
			return fmt.Errorf("setting %q: %w", "language", err)
		}
	}

	t.mu.Lock()
	t.mode = CaseMode(strings.ToLower(strings.TrimSpace(mode)))
	t.lang = lang
	t.mu.Unlock()
	return nil
}
