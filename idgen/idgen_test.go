package idgen_test

import (
	"strings"
	"testing"

	"github.com/odontiq/odontiq/idgen"
)

func TestUUIDv4(t *testing.T) {
	gen := idgen.UUIDv4()
	a, b := gen(), gen()
	if a == b {
		t.Fatal("generator repeated an id")
	}
	if !idgen.IsUUIDv4(a) {
		t.Fatalf("%q is not a v4 UUID", a)
	}
}

func TestUUIDv7Ordered(t *testing.T) {
	gen := idgen.UUIDv7()
	prev := gen()
	for i := 0; i < 10; i++ {
		next := gen()
		if next <= prev {
			t.Fatalf("v7 ids not monotonic: %q then %q", prev, next)
		}
		prev = next
	}
}

func TestPrefixed(t *testing.T) {
	gen := idgen.Prefixed("evt_", idgen.UUIDv4())
	id := gen()
	if !strings.HasPrefix(id, "evt_") {
		t.Fatalf("id %q lacks prefix", id)
	}
	if !idgen.IsUUIDv4(strings.TrimPrefix(id, "evt_")) {
		t.Fatalf("id %q body is not a v4 UUID", id)
	}
}

func TestIsUUIDv4(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"3f2504e0-4f89-41d3-9a0c-0305e82c3301", true},
		{"3F2504E0-4F89-41D3-9A0C-0305E82C3301", true},
		{"0190a2b4-91cd-7def-8000-0305e82c3301", false}, // v7
		{"not-a-uuid", false},
		{"", false},
		{"3f2504e04f8941d39a0c0305e82c3301", true}, // no dashes, still parses
	}
	for _, tt := range tests {
		if got := idgen.IsUUIDv4(tt.in); got != tt.want {
			t.Errorf("IsUUIDv4(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
