package sentinel

import "testing"

func TestBlocklistSubstrings(t *testing.T) {
	t.Parallel()

	b := NewBlocklist([]string{"example.com", "  Test.Invalid ", ""})
	if b == nil {
		t.Fatal("expected non-nil blocklist")
	}

	cases := []struct {
		host    string
		blocked bool
	}{
		{"example.com", true},
		{"sub.example.com", true},
		{"EXAMPLE.COM", true},
		{"tax.test.invalid", true},
		{"example.gov", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := b.Blocked(tc.host); got != tc.blocked {
			t.Fatalf("Blocked(%q) = %v, want %v", tc.host, got, tc.blocked)
		}
	}
}

func TestBlocklistNilAndEmpty(t *testing.T) {
	t.Parallel()

	if NewBlocklist(nil) != nil {
		t.Fatal("empty patterns should yield nil blocklist")
	}
	var b *Blocklist
	if b.Blocked("example.com") {
		t.Fatal("nil blocklist must block nothing")
	}
}
