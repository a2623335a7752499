package resolve

import "testing"

func TestNormalizePattern(t *testing.T) {
	cases := []struct {
		in   string
		want Pattern
	}{
		{"lodash", Pattern{Raw: "lodash", Name: "lodash", Range: "latest", HasVersion: false}},
		{"lodash@^4.0.0", Pattern{Raw: "lodash@^4.0.0", Name: "lodash", Range: "^4.0.0", HasVersion: true}},
		{"lodash@", Pattern{Raw: "lodash@", Name: "lodash", Range: "*", HasVersion: true}},
		{"@scope/pkg@1.0.0", Pattern{Raw: "@scope/pkg@1.0.0", Name: "@scope/pkg", Range: "1.0.0", HasVersion: true}},
		{"@scope/pkg", Pattern{Raw: "@scope/pkg", Name: "@scope/pkg", Range: "latest", HasVersion: false}},
	}

	for _, c := range cases {
		got := normalizePattern(c.in)
		if got != c.want {
			t.Errorf("normalizePattern(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestIsExotic(t *testing.T) {
	exotic := []string{
		"file:../local-pkg",
		"link:../local-pkg",
		"https://example.com/pkg.tgz",
		"git+ssh://git@github.com/foo/bar.git",
		"foo/bar",
		"workspace:packages/core",
	}
	for _, r := range exotic {
		if !isExotic(r) {
			t.Errorf("isExotic(%q) = false, want true", r)
		}
	}

	notExotic := []string{"latest", "*", "", "^1.2.3", "~1.2.3", ">=1.0.0 <2.0.0"}
	for _, r := range notExotic {
		if isExotic(r) {
			t.Errorf("isExotic(%q) = true, want false", r)
		}
	}
}
