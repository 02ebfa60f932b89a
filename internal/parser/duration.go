package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"
)

// Duration decodes either a Go duration ("1m30s") or an ISO-8601 time
// duration ("PT1M30S", "P1D").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// ParseDuration parses a Go or ISO-8601 duration.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if !strings.HasPrefix(strings.ToUpper(s), "P") {
		return time.ParseDuration(s)
	}
	upper := strings.ToUpper(s[1:])
	var days time.Duration
	if i := strings.IndexByte(upper, 'D'); i >= 0 {
		n, err := time.ParseDuration(upper[:i] + "h")
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		days = n * 24
		upper = upper[i+1:]
	}
	upper = strings.TrimPrefix(upper, "T")
	if upper == "" {
		return days, nil
	}
	rest, err := time.ParseDuration(strings.ToLower(upper))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return days + rest, nil
}

func encodeValues(items []any) (string, error) {
	b, err := sonic.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
