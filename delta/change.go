package delta

import "fmt"

// Change pairs a delta with the revision number it produces: the
// instruction "apply Delta to reach Rev". Produced authoritatively by the
// server, or locally via Snapshot.Diff.
type Change struct {
	Rev   int64
	Delta *Delta
}

func (c Change) IsEmpty() bool { return c.Delta.IsEmpty() }

func (c Change) Equal(other Change) bool {
	return c.Rev == other.Rev && c.Delta.Equal(other.Delta)
}

func (c Change) String() string {
	return fmt.Sprintf("@%d%s", c.Rev, c.Delta.String())
}
