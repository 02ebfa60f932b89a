// Package expression renders the {{ ... }} templates used in flow
// definitions.
//
// A segment is either a JavaScript expression evaluated by goja against the
// variables ({{ inputs.size > 10 }}) or, when it starts with '$', a JSONPath
// evaluated by ojg ({{ $.outputs.fetch.items[0] }}). Text outside segments is
// copied verbatim.
package expression

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"github.com/ohler55/ojg/jp"

	"github.com/petrijr/conductor/pkg/api"
)

// ErrUnterminated is returned for a "{{" without matching "}}".
var ErrUnterminated = errors.New("unterminated expression")

// Renderer implements api.Renderer.
type Renderer struct {
	timeout time.Duration
}

var _ api.Renderer = (*Renderer)(nil)

// Option configures a Renderer.
type Option func(*Renderer)

// WithTimeout bounds the evaluation time of a single JavaScript segment.
func WithTimeout(d time.Duration) Option {
	return func(r *Renderer) { r.timeout = d }
}

// New creates a Renderer. The default timeout is one second.
func New(opts ...Option) *Renderer {
	r := &Renderer{timeout: time.Second}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Render renders every segment of expression.
func (r *Renderer) Render(expression string, vars map[string]any) (string, error) {
	var sb strings.Builder
	rest := expression
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return "", fmt.Errorf("%w in %q", ErrUnterminated, expression)
		}
		sb.WriteString(rest[:start])
		segment := strings.TrimSpace(rest[start+2 : start+end])
		value, err := r.Evaluate(segment, vars)
		if err != nil {
			return "", fmt.Errorf("render %q: %w", segment, err)
		}
		s, err := Stringify(value)
		if err != nil {
			return "", err
		}
		sb.WriteString(s)
		rest = rest[start+end+2:]
	}
}

// Evaluate evaluates one segment and returns its native value.
func (r *Renderer) Evaluate(segment string, vars map[string]any) (any, error) {
	if segment == "" {
		return nil, errors.New("empty expression")
	}
	if strings.HasPrefix(segment, "$") {
		return evaluatePath(segment, vars)
	}
	return r.evaluateScript(segment, vars)
}

func evaluatePath(segment string, vars map[string]any) (any, error) {
	x, err := jp.ParseString(segment)
	if err != nil {
		return nil, fmt.Errorf("jsonpath: %w", err)
	}
	results := x.Get(vars)
	switch len(results) {
	case 0:
		return nil, fmt.Errorf("jsonpath %s matched nothing", segment)
	case 1:
		return results[0], nil
	}
	return results, nil
}

func (r *Renderer) evaluateScript(segment string, vars map[string]any) (any, error) {
	vm := goja.New()
	for k, v := range vars {
		if err := vm.Set(k, v); err != nil {
			return nil, err
		}
	}
	if r.timeout > 0 {
		timer := time.AfterFunc(r.timeout, func() { vm.Interrupt("expression timeout") })
		defer timer.Stop()
	}
	v, err := vm.RunString(segment)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return v.Export(), nil
}

// Stringify converts an evaluated value to its rendered form. Structured
// values render as JSON.
func Stringify(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10), nil
		}
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	b, err := sonic.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("render value: %w", err)
	}
	return string(b), nil
}
