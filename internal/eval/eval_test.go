package eval

import (
	"testing"
)

func testEnv() map[string]any {
	return map[string]any{
		"mr_id":  float64(123),
		"branch": "feature/login",
		"labels": []any{"bug", "urgent"},
		"mr": map[string]any{
			"author": map[string]any{"username": "alice"},
			"labels": []any{map[string]any{"name": "bug"}},
		},
		"approved": true,
		"empty":    "",
	}
}

// --- Condition ---

func TestCondition_Comparison(t *testing.T) {
	ok, diag := Condition(`branch == "feature/login"`, testEnv())
	if !ok || diag != "" {
		t.Fatalf("expected true with no diagnostic, got %v %q", ok, diag)
	}
}

func TestCondition_BooleanLogic(t *testing.T) {
	ok, _ := Condition(`approved && mr_id > 100`, testEnv())
	if !ok {
		t.Fatal("expected true")
	}
	ok, _ = Condition(`!approved`, testEnv())
	if ok {
		t.Fatal("expected false")
	}
}

func TestCondition_Membership(t *testing.T) {
	ok, _ := Condition(`"bug" in labels`, testEnv())
	if !ok {
		t.Fatal("expected membership to hold")
	}
}

func TestCondition_BareVariableTruthiness(t *testing.T) {
	ok, _ := Condition("branch", testEnv())
	if !ok {
		t.Fatal("non-empty string should be truthy")
	}
	ok, _ = Condition("empty", testEnv())
	if ok {
		t.Fatal("empty string should be falsy")
	}
}

func TestCondition_UnboundVariableIsFalse(t *testing.T) {
	ok, diag := Condition("no_such_var", testEnv())
	if ok {
		t.Fatal("unbound variable must evaluate to false, not raise")
	}
	if diag == "" {
		t.Fatal("expected a diagnostic naming the problem")
	}
}

func TestCondition_MalformedExpressionIsFalse(t *testing.T) {
	ok, diag := Condition(`branch == `, testEnv())
	if ok || diag == "" {
		t.Fatalf("malformed expression should degrade to false with diagnostic, got %v %q", ok, diag)
	}
}

func TestCondition_TemplateStyle(t *testing.T) {
	ok, _ := Condition("{{ branch }}", testEnv())
	if !ok {
		t.Fatal("template referencing bound non-empty value should be true")
	}
	ok, diag := Condition("{{ missing }}", testEnv())
	if ok || diag == "" {
		t.Fatal("template referencing unbound value should be false with diagnostic")
	}
}

func TestCondition_EmptyIsTrue(t *testing.T) {
	if ok, _ := Condition("  ", testEnv()); !ok {
		t.Fatal("empty condition means unconditional")
	}
}

// --- Interpolate / ResolveArgs ---

func TestInterpolate_WholeValueKeepsNativeType(t *testing.T) {
	v, diags := Interpolate("{{ labels }}", testEnv())
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	seq, ok := v.([]any)
	if !ok || len(seq) != 2 {
		t.Fatalf("expected native []any, got %T %v", v, v)
	}
}

func TestInterpolate_MixedTextStringifies(t *testing.T) {
	v, _ := Interpolate("review {{ branch }} please", testEnv())
	if v != "review feature/login please" {
		t.Fatalf("got %q", v)
	}
}

func TestInterpolate_DottedAndIndexedPath(t *testing.T) {
	v, _ := Interpolate("{{ mr.author.username }}", testEnv())
	if v != "alice" {
		t.Fatalf("got %v", v)
	}
	v, _ = Interpolate("{{ mr.labels[0].name }}", testEnv())
	if v != "bug" {
		t.Fatalf("got %v", v)
	}
}

func TestInterpolate_UnresolvedDegradesToEmpty(t *testing.T) {
	v, diags := Interpolate("value: {{ nope }}!", testEnv())
	if v != "value: !" {
		t.Fatalf("got %q", v)
	}
	if len(diags) != 1 {
		t.Fatalf("expected one diagnostic, got %v", diags)
	}
}

func TestResolveArgs_Nested(t *testing.T) {
	args := map[string]any{
		"project": "{{ mr_id }}",
		"meta": map[string]any{
			"branch": "branch={{ branch }}",
			"tags":   []any{"{{ labels[1] }}", "static"},
		},
		"count": 3,
	}
	resolved, diags := ResolveArgs(args, testEnv())
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if resolved["project"] != float64(123) {
		t.Fatalf("whole-value reference must keep native type, got %T", resolved["project"])
	}
	meta := resolved["meta"].(map[string]any)
	if meta["branch"] != "branch=feature/login" {
		t.Fatalf("got %q", meta["branch"])
	}
	tags := meta["tags"].([]any)
	if tags[0] != "urgent" || tags[1] != "static" {
		t.Fatalf("got %v", tags)
	}
	if resolved["count"] != 3 {
		t.Fatalf("non-string values must pass through, got %v", resolved["count"])
	}
}

func TestResolveArgs_NilArgs(t *testing.T) {
	resolved, diags := ResolveArgs(nil, testEnv())
	if resolved == nil || len(resolved) != 0 || diags != nil {
		t.Fatalf("got %v %v", resolved, diags)
	}
}

// --- Lookup / Truthy ---

func TestLookup_Misses(t *testing.T) {
	env := testEnv()
	for _, path := range []string{"", "mr.labels[9]", "branch.sub", "mr..author", "labels[x]"} {
		if _, ok := Lookup(env, path); ok {
			t.Fatalf("path %q should not resolve", path)
		}
	}
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		in   any
		want bool
	}{
		{nil, false},
		{"", false},
		{"false", false},
		{"0", false},
		{"yes", true},
		{0, false},
		{int64(2), true},
		{0.0, false},
		{true, true},
		{[]any{}, false},
		{[]any{"x"}, true},
		{map[string]any{}, false},
	}
	for _, c := range cases {
		if got := Truthy(c.in); got != c.want {
			t.Errorf("Truthy(%#v) = %v, want %v", c.in, got, c.want)
		}
	}
}
