package config

import (
	"strings"
	"time"
)

// Config wraps a decoded settings map. Keys may be dotted paths into nested
// sections, so c.Int("rate_limit.per_ip.requests", 0) and
// c.Section("rate_limit").Section("per_ip").Int("requests", 0) agree.
type Config struct {
	data map[string]any
}

// New creates a Config from data. A nil map yields an empty Config.
func New(data map[string]any) Config {
	if data == nil {
		data = map[string]any{}
	}
	return Config{data: data}
}

// asMap accepts both JSON-style and YAML map[any]any nested maps.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if s, ok := k.(string); ok {
				out[s] = val
			}
		}
		return out, true
	}
	return nil, false
}

func (c Config) get(key string) (any, bool) {
	node := c.data
	for {
		head, rest, nested := strings.Cut(key, ".")
		v, ok := node[head]
		if !ok || !nested {
			return v, ok
		}
		if node, ok = asMap(v); !ok {
			return nil, false
		}
		key = rest
	}
}

// Has reports whether key is present.
func (c Config) Has(key string) bool {
	_, ok := c.get(key)
	return ok
}

// Section returns the nested map under key. Missing or non-map values yield
// an empty Config.
func (c Config) Section(key string) Config {
	v, _ := c.get(key)
	m, _ := asMap(v)
	return New(m)
}

// Sections returns the maps in the list under key, skipping other elements.
func (c Config) Sections(key string) []Config {
	v, _ := c.get(key)
	items, _ := v.([]any)
	var out []Config
	for _, item := range items {
		if m, ok := asMap(item); ok {
			out = append(out, New(m))
		}
	}
	return out
}

func (c Config) String(key, def string) string {
	if v, _ := c.get(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func (c Config) Bool(key string, def bool) bool {
	if v, _ := c.get(key); v != nil {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// number converts the numeric types produced by the YAML and JSON decoders.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Float returns the number under key, or def.
func (c Config) Float(key string, def float64) float64 {
	v, _ := c.get(key)
	if f, ok := number(v); ok {
		return f
	}
	return def
}

// Int returns the whole number under key, or def. 3.0 counts, 3.5 does not.
func (c Config) Int(key string, def int) int {
	v, _ := c.get(key)
	if f, ok := number(v); ok && f == float64(int(f)) {
		return int(f)
	}
	return def
}

// Duration accepts time.ParseDuration strings or a number of seconds.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	v, _ := c.get(key)
	if s, ok := v.(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
		return def
	}
	if d, ok := v.(time.Duration); ok {
		return d
	}
	if f, ok := number(v); ok {
		return time.Duration(f * float64(time.Second))
	}
	return def
}

// StringSlice returns the list of strings under key, or def when the value
// is not a list or holds anything but strings.
func (c Config) StringSlice(key string, def []string) []string {
	v, _ := c.get(key)
	if ss, ok := v.([]string); ok {
		return ss
	}
	items, ok := v.([]any)
	if !ok {
		return def
	}
	out := make([]string, len(items))
	for i, item := range items {
		if out[i], ok = item.(string); !ok {
			return def
		}
	}
	return out
}
