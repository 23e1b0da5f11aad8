package highlight

import (
	"reflect"
	"testing"

	"github.com/callbridgehq/callbridge/internal/identity"
)

func keys(ss ...string) []identity.Key {
	out := make([]identity.Key, len(ss))
	for i, s := range ss {
		out[i] = identity.Key(s)
	}
	return out
}

func TestRecomputeSpotlightFirst(t *testing.T) {
	got := Recompute(keys("a", "b"), keys("c", "a"))
	want := keys("a", "b", "c")
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Recompute = %v, want %v", got, want)
	}
}

func TestRecomputeDeterministic(t *testing.T) {
	s, p := keys("x", "y"), keys("y", "z")
	first := Recompute(s, p)
	second := Recompute(s, p)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("same inputs produced %v then %v", first, second)
	}
}

func TestRecomputePinOrderIrrelevantForMembership(t *testing.T) {
	s := keys("a")
	one := Recompute(s, keys("b", "c"))
	two := Recompute(s, keys("c", "b"))
	if len(one) != len(two) {
		t.Fatalf("pin order changed membership: %v vs %v", one, two)
	}
	member := map[identity.Key]bool{}
	for _, k := range one {
		member[k] = true
	}
	for _, k := range two {
		if !member[k] {
			t.Fatalf("key %q missing from first result %v", k, one)
		}
	}
}

func TestRecomputeEmpty(t *testing.T) {
	if got := Recompute(nil, nil); len(got) != 0 {
		t.Fatalf("empty inputs gave %v", got)
	}
}
