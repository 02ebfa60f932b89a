package engine

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/petrijr/conductor/pkg/api"
)

// renderValue renders every string found in v, descending into maps and
// slices. Strings without "{{" are returned as is.
func renderValue(r api.Renderer, v any, vars map[string]any) (any, error) {
	switch x := v.(type) {
	case string:
		if !strings.Contains(x, "{{") {
			return x, nil
		}
		return r.Render(x, vars)
	case map[string]any:
		out := make(map[string]any, len(x))
		for _, k := range slices.Sorted(maps.Keys(x)) {
			rv, err := renderValue(r, x[k], vars)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			rv, err := renderValue(r, item, vars)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = rv
		}
		return out, nil
	}
	return v, nil
}

func renderProperties(r api.Renderer, props map[string]any, vars map[string]any) (map[string]any, error) {
	out, err := renderValue(r, props, vars)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func renderStrings(r api.Renderer, m map[string]string, vars map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		s := m[k]
		if strings.Contains(s, "{{") {
			rendered, err := r.Render(s, vars)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			s = rendered
		}
		out[k] = s
	}
	return out, nil
}
