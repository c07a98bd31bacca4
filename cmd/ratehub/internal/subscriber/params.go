package subscriber

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Params is the free-form plugin section of a subscriber entry.
// Values arrive from YAML or env as strings, numbers or lists, so every getter coerces.
type Params map[string]any

func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok {
		return cast.ToString(v)
	}
	return def
}

func (p Params) Strings(key string) []string {
	v, ok := p[key]
	if !ok {
		return nil
	}
	if s, ok := v.(string); ok {
		return splitList(s)
	}
	return cast.ToStringSlice(v)
}

func (p Params) Duration(key string, def time.Duration) time.Duration {
	if v, ok := p[key]; ok {
		if d, err := cast.ToDurationE(v); err == nil {
			return d
		}
	}
	return def
}

func (p Params) Float(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		if f, err := cast.ToFloat64E(v); err == nil {
			return f
		}
	}
	return def
}

func (p Params) Int(key string, def int) int {
	if v, ok := p[key]; ok {
		if i, err := cast.ToIntE(v); err == nil {
			return i
		}
	}
	return def
}

func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key]; ok {
		if b, err := cast.ToBoolE(v); err == nil {
			return b
		}
	}
	return def
}

// Maps reads a list of objects, e.g. the simulator instruments
func (p Params) Maps(key string) []map[string]any {
	v, ok := p[key]
	if !ok {
		return nil
	}
	items := cast.ToSlice(v)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, cast.ToStringMap(item))
	}
	return out
}

// Require fails when any of the keys is missing or empty
func (p Params) Require(keys ...string) error {
	for _, k := range keys {
		if p.String(k, "") == "" {
			return fmt.Errorf("param %q is required", k)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
