package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/objectfs/datacache/pkg/errors"
)

// Plugin is a parsed plugin string of the form name(key=value,...). Either
// part may be missing: "true", "lru" and "CacheSize=100" are all plugins.
// Values may be single quoted and may contain balanced parentheses.
type Plugin struct {
	Name  string
	Props map[string]string
}

// ParsePlugin parses a plugin string
func ParsePlugin(s string) (*Plugin, error) {
	s = strings.TrimSpace(s)
	p := &Plugin{Props: make(map[string]string)}
	if s == "" {
		return p, nil
	}

	open := strings.IndexByte(s, '(')
	eq := strings.IndexByte(s, '=')
	switch {
	case open >= 0 && (eq < 0 || open < eq):
		if !strings.HasSuffix(s, ")") {
			return nil, invalidPlugin(s, "missing closing parenthesis")
		}
		p.Name = strings.TrimSpace(s[:open])
		if err := parseProps(s[open+1:len(s)-1], p.Props); err != nil {
			return nil, invalidPlugin(s, err.Error())
		}
	case eq >= 0:
		if err := parseProps(s, p.Props); err != nil {
			return nil, invalidPlugin(s, err.Error())
		}
	default:
		p.Name = s
	}
	return p, nil
}

func invalidPlugin(s, reason string) error {
	return errors.NewError(errors.ErrCodeInvalidPlugin, "invalid plugin string: "+reason).
		WithComponent("config").
		WithContext("plugin", s)
}

// parseProps splits key=value pairs on top-level commas.
func parseProps(s string, out map[string]string) error {
	for _, part := range splitTopLevel(s) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			return fmt.Errorf("property %q is not key=value", part)
		}
		key := strings.TrimSpace(part[:eq])
		val := strings.TrimSpace(part[eq+1:])
		if len(val) >= 2 && val[0] == '\'' && val[len(val)-1] == '\'' {
			val = val[1 : len(val)-1]
		}
		out[key] = val
	}
	return nil
}

// splitTopLevel splits on commas outside quotes and parentheses.
func splitTopLevel(s string) []string {
	var (
		parts  []string
		depth  int
		quoted bool
		start  int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\'':
			quoted = !quoted
		case quoted:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// Enabled reports whether the plugin turns its component on. "false" and
// "none" disable; everything else enables.
func (p *Plugin) Enabled() bool {
	switch strings.ToLower(p.Name) {
	case "false", "none":
		return false
	}
	return true
}

// Get returns a property by case-insensitive key
func (p *Plugin) Get(key string) (string, bool) {
	if v, ok := p.Props[key]; ok {
		return v, true
	}
	for k, v := range p.Props {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// Int returns an integer property, or def when absent
func (p *Plugin) Int(key string, def int) (int, error) {
	v, ok := p.Get(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalidPlugin(key+"="+v, "not an integer")
	}
	return n, nil
}

// Bool returns a boolean property, or def when absent
func (p *Plugin) Bool(key string, def bool) (bool, error) {
	v, ok := p.Get(key)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, invalidPlugin(key+"="+v, "not a boolean")
	}
	return b, nil
}

// String renders the plugin back into its string form with sorted keys
func (p *Plugin) String() string {
	keys := make([]string, 0, len(p.Props))
	for k := range p.Props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		v := p.Props[k]
		if strings.ContainsAny(v, ",()") {
			v = "'" + v + "'"
		}
		parts[i] = k + "=" + v
	}
	if p.Name == "" {
		return strings.Join(parts, ",")
	}
	if len(parts) == 0 {
		return p.Name
	}
	return p.Name + "(" + strings.Join(parts, ",") + ")"
}

// PartitionDef is one entry of a partitions list
type PartitionDef struct {
	Name      string
	CacheSize int
	Type      string
}

// ParsePartitions parses "(name=a,cacheSize=100),(name=b,cacheSize=200)".
// Names are not validated here; the partitioned cache rejects bad names.
func ParsePartitions(s string) ([]PartitionDef, error) {
	var out []PartitionDef
	for _, part := range splitTopLevel(s) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, "(") || !strings.HasSuffix(part, ")") {
			return nil, invalidPlugin(s, fmt.Sprintf("partition %q is not parenthesised", part))
		}
		p, err := ParsePlugin(part[1 : len(part)-1])
		if err != nil {
			return nil, err
		}
		name, _ := p.Get("name")
		size, err := p.Int("cacheSize", 0)
		if err != nil {
			return nil, err
		}
		typ, _ := p.Get("type")
		out = append(out, PartitionDef{Name: name, CacheSize: size, Type: typ})
	}
	return out, nil
}
