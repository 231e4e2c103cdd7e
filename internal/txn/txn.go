// Package txn provides all-or-nothing execution over in-memory state
// holders. Every mutable component exposes Snapshot/Restore; a Group
// captures them together so a multi-step operation either lands whole or
// leaves no trace.
package txn

// Snapshotter captures and reinstates a component's full mutable state.
// Snapshot must deep-copy: a restored snapshot is never aliased to live
// state.
type Snapshotter interface {
	Snapshot() any
	Restore(snap any)
}

// Group is an ordered set of state holders executed under one atomicity
// boundary.
type Group struct {
	parts []Snapshotter
}

func NewGroup(parts ...Snapshotter) *Group {
	return &Group{parts: parts}
}

// Add appends another state holder to the boundary.
func (g *Group) Add(p Snapshotter) {
	g.parts = append(g.parts, p)
}

// Run snapshots every part, executes fn, and restores all parts when fn
// returns an error. Restore order is the reverse of snapshot order.
func (g *Group) Run(fn func() error) error {
	snaps := make([]any, len(g.parts))
	for i, p := range g.parts {
		snaps[i] = p.Snapshot()
	}
	if err := fn(); err != nil {
		for i := len(g.parts) - 1; i >= 0; i-- {
			g.parts[i].Restore(snaps[i])
		}
		return err
	}
	return nil
}
