package filter

import "testing"

func TestNilFilterMatchesAll(t *testing.T) {
	f, err := Compile("  ")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if f != nil {
		t.Fatalf("expected nil filter for empty expr")
	}
	if !f.Match("intel", []byte(`{}`)) {
		t.Fatalf("nil filter must match")
	}
}

func TestCompileErrors(t *testing.T) {
	for _, expr := range []string{"json.", "size + 1", "unknown_var == 1"} {
		if _, err := Compile(expr); err == nil {
			t.Fatalf("Compile(%q): expected error", expr)
		}
	}
}

func TestMatch(t *testing.T) {
	payload := []byte(`{"id":"i1","data":{"indicator":["evil.com"],"intel_type":"DOMAIN"},"operation":"ADD"}`)
	cases := []struct {
		expr string
		want bool
	}{
		{`json.data.intel_type == "DOMAIN"`, true},
		{`json.data.intel_type == "ADDR"`, false},
		{`kind == "intel" && size > 10`, true},
		{`json.missing.field == "x"`, false},
		{`now_ms > 0`, true},
	}
	for _, c := range cases {
		f, err := Compile(c.expr)
		if err != nil {
			t.Fatalf("Compile(%q): %v", c.expr, err)
		}
		if got := f.Match("intel", payload); got != c.want {
			t.Fatalf("%q: got %v want %v", c.expr, got, c.want)
		}
		if f.String() != c.expr {
			t.Fatalf("String() = %q", f.String())
		}
	}
}
