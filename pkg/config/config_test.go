package config

import "testing"

func TestNormalizeStripsConfiguredSuffixes(t *testing.T) {
	cfg := Config{TailnetSuffixes: []string{".ts.net", ".local", ".lan"}}

	cases := map[string]string{
		"alpha.ts.net.": "alpha",
		"alpha.ts.net":  "alpha",
		"BETA.LOCAL":    "BETA",
		"gamma.lan":     "gamma",
		"delta":         "delta",
	}
	for in, want := range cases {
		if got := cfg.Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	cfg := Config{TailnetSuffixes: defaultSuffixes}
	for _, in := range []string{"alpha.ts.net", "beta.local", "plain"} {
		once := cfg.Normalize(in)
		twice := cfg.Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: %q vs %q", in, once, twice)
		}
	}
}
