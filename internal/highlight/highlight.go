// Package highlight derives the ordered set of highlighted participants
// used for video tile layout: spotlighted first, then pinned, de-duplicated.
package highlight

import "github.com/callbridgehq/callbridge/internal/identity"

// Recompute returns the union of spotlighted and pinned keys with
// duplicates removed. Spotlighted keys come first; within each input the
// first-seen order is preserved. The function is pure, callers invoke it
// after every mutation to either contributing set.
func Recompute(spotlighted, pinned []identity.Key) []identity.Key {
	out := make([]identity.Key, 0, len(spotlighted)+len(pinned))
	seen := make(map[identity.Key]struct{}, len(spotlighted)+len(pinned))
	for _, set := range [][]identity.Key{spotlighted, pinned} {
		for _, k := range set {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}
