package analysis

import "testing"

func TestCacheKeyStable(t *testing.T) {
	a := CacheKey("hn_1", "rule-a", "v1")
	b := CacheKey("hn_1", "rule-a", "v1")
	if a != b {
		t.Fatalf("same inputs must produce the same key")
	}
	if len(a) != 40 {
		t.Fatalf("expected sha1 hex, got %q", a)
	}
}

func TestCacheKeyVariesPerComponent(t *testing.T) {
	base := CacheKey("hn_1", "rule-a", "v1")
	for _, other := range []string{
		CacheKey("hn_2", "rule-a", "v1"),
		CacheKey("hn_1", "rule-b", "v1"),
		CacheKey("hn_1", "rule-a", "v2"),
	} {
		if other == base {
			t.Fatalf("distinct inputs collided")
		}
	}
}

func TestRulesetFingerprintOrderIndependent(t *testing.T) {
	a := RulesetFingerprint([]string{"r1", "r2", "r3"})
	b := RulesetFingerprint([]string{"r3", "r1", "r2"})
	if a != b {
		t.Fatalf("fingerprint must not depend on candidate order")
	}
	if a == RulesetFingerprint([]string{"r1", "r2"}) {
		t.Fatalf("different sets must differ")
	}
}
