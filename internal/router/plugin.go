package router

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

const pluginScoreFuncName = "Score"

// PluginScorer wraps a scorer implemented as an interpreted plugin file.
type PluginScorer struct {
	// ID is the plugin file's base name without extension.
	ID   string
	Path string
	fn   func(name, description string, metadata map[string]string) float64
}

// Score implements Scorer by delegating to the interpreted function. The
// plugin's result is clamped to [0,1].
func (p *PluginScorer) Score(w Workload) float64 {
	return clampScore(p.fn(w.Name, w.Description, w.Metadata))
}

// LoadPluginDir evaluates every .go file in dir and collects scorers declared
// via Score(name, description string, metadata map[string]string) float64.
// A missing directory yields no scorers and no error.
func LoadPluginDir(dir string) ([]*PluginScorer, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("router: read plugin dir %s: %w", trimmed, err)
	}
	var scorers []*PluginScorer
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(entry.Name()) != ".go" {
			continue
		}
		scorer, err := loadPluginFile(filepath.Join(trimmed, entry.Name()))
		if err != nil {
			return nil, err
		}
		scorers = append(scorers, scorer)
	}
	sort.Slice(scorers, func(i, j int) bool { return scorers[i].Path < scorers[j].Path })
	return scorers, nil
}

func loadPluginFile(path string) (*PluginScorer, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("router: read plugin %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("router: plugin %s is empty", path)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("router: plugin %s: %w", path, err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("router: interpret %s: %w", path, err)
	}
	fnValue, err := i.Eval(pluginScoreFuncName)
	if err != nil {
		return nil, fmt.Errorf("router: plugin %s must define %s(string, string, map[string]string) float64: %w", path, pluginScoreFuncName, err)
	}
	fn, err := wrapPluginFunc(fnValue)
	if err != nil {
		return nil, fmt.Errorf("router: plugin %s: %w", path, err)
	}
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &PluginScorer{ID: id, Path: path, fn: fn}, nil
}

func wrapPluginFunc(value reflect.Value) (func(string, string, map[string]string) float64, error) {
	if !value.IsValid() {
		return nil, fmt.Errorf("missing %s function", pluginScoreFuncName)
	}
	if value.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", pluginScoreFuncName)
	}
	if typed, ok := value.Interface().(func(string, string, map[string]string) float64); ok {
		return typed, nil
	}
	t := value.Type()
	if t.NumIn() != 3 || t.NumOut() != 1 {
		return nil, fmt.Errorf("%s must take (string, string, map[string]string) and return float64", pluginScoreFuncName)
	}
	return func(name, description string, metadata map[string]string) float64 {
		if metadata == nil {
			metadata = map[string]string{}
		}
		out := value.Call([]reflect.Value{
			reflect.ValueOf(name),
			reflect.ValueOf(description),
			reflect.ValueOf(metadata),
		})
		result := out[0]
		if !result.CanFloat() {
			return 0
		}
		return result.Float()
	}, nil
}
