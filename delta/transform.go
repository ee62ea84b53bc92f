package delta

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// Transform re-expresses delta b as if it had been applied after delta a,
// where both were computed independently against the same base snapshot.
// Conflicts are judged at key-path granularity: bind and remove ops claim
// their whole key, update ops claim key.field.
//
// Tie-breaking is a fixed policy. A whole-key op always beats a field
// update on the same key, whatever the bias: a surviving update could not
// stand alone once its key has been rebound or removed, and transform sees
// only the two deltas, never the base. Between ops of equal standing,
// bias=true keeps b's op and bias=false drops it. This preserves
//
//	base.Compose(A).Compose(Transform(A, B, false)) ==
//	base.Compose(B).Compose(Transform(B, A, true))
func Transform(fam *Family, a, b *Delta, bias bool) (*Delta, error) {
	if b.IsEmpty() {
		return Empty, nil
	}
	if a.IsEmpty() {
		return b, nil
	}

	wholeKeys := mapset.NewThreadUnsafeSet[string]()
	touchedKeys := mapset.NewThreadUnsafeSet[string]()
	updatePaths := mapset.NewThreadUnsafeSet[string]()
	for _, op := range a.Ops() {
		def, err := fam.def(op)
		if err != nil {
			return nil, err
		}
		key, _ := fam.key(op)
		touchedKeys.Add(key)
		if def.kind == kindUpdate {
			path, err := fam.path(op)
			if err != nil {
				return nil, err
			}
			updatePaths.Add(path)
		} else {
			wholeKeys.Add(key)
		}
	}

	var survivors []Op
	for _, op := range b.Ops() {
		def, err := fam.def(op)
		if err != nil {
			return nil, err
		}
		key, _ := fam.key(op)
		keep := true
		if def.kind == kindUpdate {
			path, err := fam.path(op)
			if err != nil {
				return nil, err
			}
			switch {
			case wholeKeys.Contains(key):
				keep = false // whole-key op beats the update
			case updatePaths.Contains(path):
				keep = bias
			}
		} else {
			switch {
			case wholeKeys.Contains(key):
				keep = bias
			case touchedKeys.Contains(key):
				// only updates on the other side: whole-key op wins
			}
		}
		if keep {
			survivors = append(survivors, op)
		}
	}
	return New(survivors...), nil
}
