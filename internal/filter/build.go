// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package filter

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	dps "github.com/markusmobius/go-dateparser"
	"gopkg.in/yaml.v3"
)

// Declaration keys.
const (
	KeyGroup         = "group"
	KeyGroupOperator = "group_operator"
	KeyFieldName     = "field_name"
	KeyComparator    = "comparator"
	KeyValue         = "value"
	KeyParseDate     = "parse_date"
)

// TimestampLayout is the ISO-8601 layout used for date values, always rendered in UTC.
const TimestampLayout = "2006-01-02T15:04:05-07:00"

// ErrInvalidDeclaration is returned for a declaration that is neither a valid criterion nor a valid group.
var ErrInvalidDeclaration = errors.New("invalid filter declaration")

type buildOptions struct {
	now func() time.Time
}

// Option configures Build.
type Option func(*buildOptions)

// WithNow fixes the reference time used to resolve relative date expressions.
func WithNow(now func() time.Time) Option {
	return func(o *buildOptions) { o.now = now }
}

// Parse decodes a YAML or JSON declaration document and builds the filter tree.
func Parse(data []byte, opts ...Option) (Node, error) {
	var decl map[string]any
	if err := yaml.Unmarshal(data, &decl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDeclaration, err)
	}
	if decl == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidDeclaration)
	}
	return Build(decl, opts...)
}

// Build turns a nested declaration into a filter tree.
// A declaration with a "group" key is a group, otherwise one with a "comparator" key is a criterion.
func Build(decl map[string]any, opts ...Option) (Node, error) {
	o := buildOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return build(decl, "$", &o)
}

func build(decl map[string]any, path string, o *buildOptions) (Node, error) {
	if raw, ok := decl[KeyGroup]; ok {
		return buildGroup(decl, raw, path, o)
	}
	if _, ok := decl[KeyComparator]; ok {
		return buildCriterion(decl, path, o)
	}
	return nil, invalid(path, "needs either %q or %q", KeyGroup, KeyComparator)
}

func buildGroup(decl map[string]any, raw any, path string, o *buildOptions) (Node, error) {
	opName, ok := decl[KeyGroupOperator].(string)
	if !ok {
		return nil, invalid(path+"."+KeyGroupOperator, "missing or not a string")
	}
	op, err := ParseOperator(opName)
	if err != nil {
		return nil, invalid(path+"."+KeyGroupOperator, "%v", err)
	}

	items, ok := raw.([]any)
	if !ok {
		return nil, invalid(path+"."+KeyGroup, "must be a list")
	}
	if len(items) == 0 {
		return nil, invalid(path+"."+KeyGroup, "must not be empty")
	}

	children := make([]Node, 0, len(items))
	for i, item := range items {
		childPath := fmt.Sprintf("%s.%s[%d]", path, KeyGroup, i)
		child, ok := asMap(item)
		if !ok {
			return nil, invalid(childPath, "must be a mapping")
		}
		n, err := build(child, childPath, o)
		if err != nil {
			return nil, err
		}
		children = append(children, n)
	}
	return &Group{operator: op, children: children}, nil
}

func buildCriterion(decl map[string]any, path string, o *buildOptions) (Node, error) {
	field, ok := decl[KeyFieldName].(string)
	if !ok || field == "" {
		return nil, invalid(path+"."+KeyFieldName, "missing or empty")
	}
	compName, ok := decl[KeyComparator].(string)
	if !ok {
		return nil, invalid(path+"."+KeyComparator, "not a string")
	}
	comp, err := ParseComparator(compName)
	if err != nil {
		return nil, invalid(path+"."+KeyComparator, "%v", err)
	}

	raw, ok := decl[KeyValue]
	if !ok || raw == nil {
		return nil, invalid(path+"."+KeyValue, "missing")
	}
	var (
		values []string
		multi  bool
	)
	switch v := raw.(type) {
	case []any:
		multi = true
		for i, item := range v {
			s, err := scalar(item)
			if err != nil {
				return nil, invalid(fmt.Sprintf("%s.%s[%d]", path, KeyValue, i), "%v", err)
			}
			values = append(values, s)
		}
		if len(values) == 0 {
			return nil, invalid(path+"."+KeyValue, "must not be empty")
		}
	default:
		s, err := scalar(v)
		if err != nil {
			return nil, invalid(path+"."+KeyValue, "%v", err)
		}
		values = []string{s}
	}

	if parseDate, _ := decl[KeyParseDate].(bool); parseDate {
		for i, v := range values {
			ts, err := parseTimestamp(v, o.now())
			if err != nil {
				return nil, invalid(path+"."+KeyValue, "%v", err)
			}
			values[i] = ts
		}
	}

	return &Criterion{field: field, comparator: comp, values: values, multi: multi}, nil
}

// parseTimestamp resolves a human-readable date expression to a UTC ISO-8601 timestamp.
func parseTimestamp(expr string, now time.Time) (string, error) {
	cfg := &dps.Configuration{
		CurrentTime:     now.UTC(),
		DefaultTimezone: time.UTC,
	}
	dt, err := dps.Parse(cfg, expr)
	if err != nil {
		return "", fmt.Errorf("cannot parse date %q: %w", expr, err)
	}
	if dt.Time.IsZero() {
		return "", fmt.Errorf("cannot parse date %q", expr)
	}
	return dt.Time.UTC().Format(TimestampLayout), nil
}

func scalar(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case int:
		return strconv.Itoa(s), nil
	case int64:
		return strconv.FormatInt(s, 10), nil
	case uint64:
		return strconv.FormatUint(s, 10), nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(s), nil
	case time.Time:
		return s.UTC().Format(TimestampLayout), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// asMap accepts both map[string]any (YAML v3, JSON) and map[any]any.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func invalid(path, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidDeclaration, path, fmt.Sprintf(format, args...))
}
