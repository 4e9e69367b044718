package registry

import (
	"errors"
	"testing"

	"github.com/scottdkey/halvor/pkg/config"
)

func testConfig() config.Config {
	return config.Config{TailnetSuffixes: []string{".ts.net", ".local", ".lan"}}
}

func TestResolveExactThenNormalizedThenCaseInsensitive(t *testing.T) {
	reg := New(testConfig(), []Record{
		{Identifier: "alpha", UnderlayIP: "10.0.0.1"},
	})

	if _, err := reg.Resolve("alpha"); err != nil {
		t.Fatalf("exact match: %v", err)
	}
	if _, err := reg.Resolve("alpha.ts.net"); err != nil {
		t.Fatalf("normalized match: %v", err)
	}
	if _, err := reg.Resolve("ALPHA"); err != nil {
		t.Fatalf("case-insensitive match: %v", err)
	}
}

func TestResolveNotFound(t *testing.T) {
	reg := New(testConfig(), nil)
	_, err := reg.Resolve("missing")
	var nf *ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveHonorsEnvOverride(t *testing.T) {
	reg := New(testConfig(), []Record{{Identifier: "beta", UnderlayIP: "10.0.0.2"}})
	t.Setenv("HOST_BETA_IP", "192.168.1.5")

	rec, err := reg.Resolve("beta")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.UnderlayIP != "192.168.1.5" {
		t.Errorf("UnderlayIP = %q, want override", rec.UnderlayIP)
	}
}
