package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// MergeMaps recursively merges override into base and returns the result.
// Mappings merge by key; every other value (scalars, lists) overwrites.
// Neither input is mutated.
func MergeMaps(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range override {
		bm, baseIsMap := out[k].(map[string]any)
		om, overrideIsMap := ov.(map[string]any)
		if baseIsMap && overrideIsMap {
			out[k] = MergeMaps(bm, om)
			continue
		}
		out[k] = ov
	}
	return out
}

// ApplyOverride returns a new Config whose values are c overlaid with the
// given document (mappings merge by key, everything else overwrites). The
// receiver is not mutated, so a session's effective config never leaks back
// into the server defaults.
//
// Unknown keys in override are preserved in the raw document and remain
// reachable through [Config.GetPath]; this is the path used by remote device
// profiles, which may carry keys the typed tree does not model.
func (c *Config) ApplyOverride(override map[string]any) (*Config, error) {
	base := c.raw
	if base == nil {
		var err error
		base, err = toMap(c)
		if err != nil {
			return nil, err
		}
	}
	merged := MergeMaps(base, normalizeMap(override))

	out, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("config: marshal merged document: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(out, cfg); err != nil {
		return nil, fmt.Errorf("config: decode merged document: %w", err)
	}
	cfg.raw = merged
	return cfg, nil
}

// Clone returns a deep copy of c. Sessions receive a clone at creation so
// later mutations never affect other sessions.
func (c *Config) Clone() *Config {
	out, err := c.ApplyOverride(nil)
	if err != nil {
		// A config that round-tripped through yaml once cannot fail to do so
		// again; treat this as a programming error.
		panic(fmt.Sprintf("config: clone: %v", err))
	}
	return out
}

// GetPath resolves a dotted path (e.g. "providers.tts.model") against the raw
// configuration document and reports whether the key exists. It sees keys the
// typed tree does not model, which the remote-reload path relies on.
func (c *Config) GetPath(path string) (any, bool) {
	if c.raw == nil {
		m, err := toMap(c)
		if err != nil {
			return nil, false
		}
		c.raw = m
	}
	var cur any = c.raw
	for part := range strings.SplitSeq(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// toMap round-trips a Config through yaml into a generic document.
func toMap(c *Config) (map[string]any, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: marshal: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(out, &m); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return m, nil
}

// normalizeMap converts nested map[any]any values (as produced by some yaml
// decoders and by JSON-derived profiles) into map[string]any so MergeMaps can
// descend into them.
func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
