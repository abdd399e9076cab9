package conformance

import (
	"context"
	"testing"
)

func TestAllCasesHaveDistinctFullNames(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range All() {
		if seen[c.FullName()] {
			t.Fatalf("duplicate case %q", c.FullName())
		}
		seen[c.FullName()] = true
	}
	if len(seen) < 6 {
		t.Fatalf("expected at least 6 registered cases, got %d", len(seen))
	}
}

func TestFindReturnsRegisteredCase(t *testing.T) {
	c, ok := Find("unary.echo")
	if !ok {
		t.Fatal("Find(unary.echo) = not found")
	}
	if c.Category != "unary" || c.Name != "echo" {
		t.Fatalf("found case = %+v", c)
	}
}

func TestFindMissingCase(t *testing.T) {
	if _, ok := Find("nope.nope"); ok {
		t.Fatal("Find(nope.nope) should not be found")
	}
}

func TestByCategoryFiltersCorrectly(t *testing.T) {
	cases := ByCategory("hub")
	if len(cases) != 1 || cases[0].Name != "reclaim" {
		t.Fatalf("ByCategory(hub) = %+v", cases)
	}
}

func TestRunUnsupportedEnvWithoutDialer(t *testing.T) {
	c, ok := Find("unary.echo")
	if !ok {
		t.Fatal("missing unary.echo")
	}
	err := c.Run(context.Background(), &Env{})
	if err != ErrUnsupportedEnv {
		t.Fatalf("err = %v, want ErrUnsupportedEnv", err)
	}
}
