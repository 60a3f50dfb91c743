// Package eval resolves step conditions and templated arguments against the
// run environment. Evaluation is deliberately tolerant: a condition that
// cannot be compiled or references an unbound variable is false, and an
// unresolved template reference substitutes an empty string. Both cases
// surface a diagnostic instead of an error so a template typo degrades one
// step rather than aborting the whole skill.
package eval

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	wholeValueRe  = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*\}\}$`)
)

// Condition evaluates a boolean expression against env. The second return
// value is a diagnostic explaining why evaluation degraded; it is empty when
// the expression evaluated cleanly.
func Condition(expression string, env map[string]any) (bool, string) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return true, ""
	}

	// Template-style conditions ({{ var }}) are interpolated first and
	// judged by string truthiness.
	if strings.Contains(expression, "{{") {
		resolved, diags := Interpolate(expression, env)
		if len(diags) > 0 {
			return false, diags[0]
		}
		return Truthy(resolved), ""
	}

	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return false, fmt.Sprintf("condition %q: %v", expression, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Sprintf("condition %q: %v", expression, err)
	}
	return Truthy(out), ""
}

// ResolveArgs substitutes template references in every argument value.
// String values are interpolated; nested maps and sequences are resolved
// recursively; everything else passes through untouched. Returned
// diagnostics list the references that could not be resolved.
func ResolveArgs(args map[string]any, env map[string]any) (map[string]any, []string) {
	if len(args) == 0 {
		return map[string]any{}, nil
	}
	resolved := make(map[string]any, len(args))
	var diags []string
	for k, v := range args {
		rv, d := resolveValue(v, env)
		resolved[k] = rv
		diags = append(diags, d...)
	}
	return resolved, diags
}

func resolveValue(v any, env map[string]any) (any, []string) {
	switch val := v.(type) {
	case string:
		return Interpolate(val, env)
	case map[string]any:
		out := make(map[string]any, len(val))
		var diags []string
		for k, nested := range val {
			rv, d := resolveValue(nested, env)
			out[k] = rv
			diags = append(diags, d...)
		}
		return out, diags
	case []any:
		out := make([]any, len(val))
		var diags []string
		for i, nested := range val {
			rv, d := resolveValue(nested, env)
			out[i] = rv
			diags = append(diags, d...)
		}
		return out, diags
	default:
		return v, nil
	}
}

// Interpolate substitutes {{ ref }} placeholders in s. A value that is
// exactly one placeholder yields the referenced value with its native type;
// mixed text stringifies each reference. Unresolved references become empty
// strings and are reported in the diagnostics.
func Interpolate(s string, env map[string]any) (any, []string) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	if m := wholeValueRe.FindStringSubmatch(strings.TrimSpace(s)); m != nil {
		val, ok := Lookup(env, m[1])
		if !ok {
			return "", []string{fmt.Sprintf("unresolved reference %q", m[1])}
		}
		return val, nil
	}

	var diags []string
	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		ref := strings.TrimSpace(match[2 : len(match)-2])
		val, ok := Lookup(env, ref)
		if !ok {
			diags = append(diags, fmt.Sprintf("unresolved reference %q", ref))
			return ""
		}
		return Stringify(val)
	})
	return out, diags
}

// Lookup walks a dotted/indexed path (e.g. "mr.labels[0].name") into env.
func Lookup(env map[string]any, path string) (any, bool) {
	segments, err := splitPath(path)
	if err != nil || len(segments) == 0 {
		return nil, false
	}

	var current any = env
	for _, seg := range segments {
		if seg.index >= 0 {
			seq, ok := current.([]any)
			if !ok || seg.index >= len(seq) {
				return nil, false
			}
			current = seq[seg.index]
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg.key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

type pathSegment struct {
	key   string
	index int // -1 for key segments
}

func splitPath(path string) ([]pathSegment, error) {
	var segments []pathSegment
	for _, part := range strings.Split(strings.TrimSpace(path), ".") {
		if part == "" {
			return nil, fmt.Errorf("empty path segment in %q", path)
		}
		key := part
		var indexes []int
		for {
			open := strings.IndexByte(key, '[')
			if open < 0 {
				break
			}
			closing := strings.IndexByte(key, ']')
			if closing < open {
				return nil, fmt.Errorf("unbalanced index in %q", path)
			}
			idx, err := strconv.Atoi(key[open+1 : closing])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("bad index in %q", path)
			}
			indexes = append(indexes, idx)
			key = key[:open] + key[closing+1:]
		}
		if key != "" {
			segments = append(segments, pathSegment{key: key, index: -1})
		}
		for _, idx := range indexes {
			segments = append(segments, pathSegment{index: idx})
		}
	}
	return segments, nil
}

// Truthy converts a loosely-typed value into a condition result.
// Empty/zero values and the strings "false" and "0" are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		s := strings.TrimSpace(val)
		return s != "" && s != "false" && s != "0"
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	}
	return true
}

// Stringify renders a value for string interpolation. Maps and sequences
// become compact JSON so structured outputs stay readable inside templates.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", val)
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}
