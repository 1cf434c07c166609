package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// toTree renders cfg as a generic JSON tree.
func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath retrieves a value by dot path, e.g. "probe.intervalSeconds" or
// "proxies.items.0.name".
func GetByPath(cfg *Config, path string) (any, error) {
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}

	var current any = tree
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// SetByPath sets a value by dot path. Missing intermediate objects are
// created; string values are coerced to bool or number when they parse.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	tree, err := toTree(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	var parent any = tree
	for _, key := range parts[:len(parts)-1] {
		switch v := parent.(type) {
		case map[string]any:
			child, ok := v[key]
			if !ok || child == nil {
				child = make(map[string]any)
				v[key] = child
			}
			parent = child
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return fmt.Errorf("invalid array index: %s", key)
			}
			parent = v[idx]
		default:
			return fmt.Errorf("cannot traverse into %T at %s", parent, key)
		}
	}

	last := parts[len(parts)-1]
	switch v := parent.(type) {
	case map[string]any:
		v[last] = parseValue(value)
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(v) {
			return fmt.Errorf("invalid array index: %s", last)
		}
		v[idx] = parseValue(value)
	default:
		return fmt.Errorf("cannot set %s on %T", last, parent)
	}

	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	var updated Config
	if err := json.Unmarshal(data, &updated); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	*cfg = updated
	return nil
}

func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a deep copy of cfg with secrets masked: the bot token,
// API client keys, proxy API keys and Authorization headers.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}

	if out.Telegram.Token != "" {
		out.Telegram.Token = maskString(out.Telegram.Token)
	}

	if len(out.API.Keys) > 0 {
		masked := make(map[string]string, len(out.API.Keys))
		for key, client := range out.API.Keys {
			masked[maskString(key)] = client
		}
		out.API.Keys = masked
	}

	for i := range out.Proxies.Items {
		p := &out.Proxies.Items[i]
		if p.APIKey != "" {
			p.APIKey = maskString(p.APIKey)
		}
		for h, v := range p.Headers {
			if strings.EqualFold(h, "Authorization") {
				p.Headers[h] = maskString(v)
			}
		}
	}

	return &out
}

// maskString keeps the first and last four characters.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf path with its current value.
func ListPaths(cfg *Config) map[string]any {
	tree, err := toTree(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flatten("", tree, result)
	return result
}

func flatten(prefix string, node any, result map[string]any) {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			flatten(join(prefix, k), child, result)
		}
	case []any:
		if len(v) == 0 {
			result[prefix] = v
		}
		for i, child := range v {
			flatten(join(prefix, strconv.Itoa(i)), child, result)
		}
	default:
		result[prefix] = v
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
