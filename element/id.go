package element

import (
	"fmt"
	"strings"
)

// MaxLevel is the deepest refinement level an ID can address. Morton keys of
// every dimension fit in 64 bits at this depth.
const MaxLevel = 19

// ID addresses one cell of a forest: the coarse tree it descends from, its
// refinement level and its integer coordinates at that level inside the tree.
// The coordinates encode the refinement path; bit (Level-l) of each coordinate
// is the child selector chosen at level l.
type ID struct {
	Tree  int32     `msgpack:"t"`
	Level uint8     `msgpack:"l"`
	Dim   uint8     `msgpack:"d"`
	Coord [3]uint32 `msgpack:"c"`
}

// Key is a position on the space-filling curve at MaxLevel resolution.
// Trees are concatenated by index.
type Key struct {
	Tree   int32  `msgpack:"t"`
	Morton uint64 `msgpack:"m"`
}

func (k Key) Less(o Key) bool {
	if k.Tree != o.Tree {
		return k.Tree < o.Tree
	}
	return k.Morton < o.Morton
}

func (k Key) String() string { return fmt.Sprintf("%d:%#x", k.Tree, k.Morton) }

// Compare orders cells along the curve; an ancestor sorts before its descendants
func Compare(a, b ID) int {
	ka, kb := a.First(), b.First()
	switch {
	case ka.Less(kb):
		return -1
	case kb.Less(ka):
		return 1
	case a.Level < b.Level:
		return -1
	case a.Level > b.Level:
		return 1
	}
	return 0
}

// FromPath builds the ID reached from the root of tree by following path
func FromPath(dim int, tree int, path []uint8) (ID, error) {
	id := ID{Tree: int32(tree), Dim: uint8(dim)}
	if dim < 1 || dim > 3 {
		return ID{}, fmt.Errorf("unsupported dimension %d", dim)
	}
	if len(path) > MaxLevel {
		return ID{}, fmt.Errorf("path length %d exceeds MaxLevel %d", len(path), MaxLevel)
	}
	for _, c := range path {
		if int(c) >= 1<<dim {
			return ID{}, fmt.Errorf("child selector %d out of range for %dD", c, dim)
		}
		id = id.Child(int(c))
	}
	return id, nil
}

func (id ID) Shape() Shape { return Shape{dim: id.Dim} }

// Valid reports whether the coordinates are addressable at the ID's level
func (id ID) Valid() bool {
	if id.Dim < 1 || id.Dim > 3 || id.Level > MaxLevel || id.Tree < 0 {
		return false
	}
	for k := 0; k < 3; k++ {
		if k >= int(id.Dim) {
			if id.Coord[k] != 0 {
				return false
			}
			continue
		}
		if uint64(id.Coord[k]) >= uint64(1)<<id.Level {
			return false
		}
	}
	return true
}

func (id ID) Child(i int) ID {
	c := ID{Tree: id.Tree, Level: id.Level + 1, Dim: id.Dim}
	for k := 0; k < int(id.Dim); k++ {
		c.Coord[k] = id.Coord[k]<<1 | uint32((i>>k)&1)
	}
	return c
}

// Children returns all children in child-index order, which is also curve order
func (id ID) Children() []ID {
	n := 1 << id.Dim
	out := make([]ID, n)
	for i := range out {
		out[i] = id.Child(i)
	}
	return out
}

// Parent returns the parent cell; ok is false for a tree root
func (id ID) Parent() (ID, bool) {
	if id.Level == 0 {
		return id, false
	}
	p := ID{Tree: id.Tree, Level: id.Level - 1, Dim: id.Dim}
	for k := 0; k < int(id.Dim); k++ {
		p.Coord[k] = id.Coord[k] >> 1
	}
	return p, true
}

// ChildIndex is the position of the cell among its siblings
func (id ID) ChildIndex() int {
	idx := 0
	for k := 0; k < int(id.Dim); k++ {
		idx |= int(id.Coord[k]&1) << k
	}
	return idx
}

// Ancestor returns the ancestor at the given level (the cell itself at its own level)
func (id ID) Ancestor(level int) ID {
	if level >= int(id.Level) {
		return id
	}
	shift := uint(int(id.Level) - level)
	a := ID{Tree: id.Tree, Level: uint8(level), Dim: id.Dim}
	for k := 0; k < int(id.Dim); k++ {
		a.Coord[k] = id.Coord[k] >> shift
	}
	return a
}

// Path returns the child selectors from the tree root down to the cell
func (id ID) Path() []uint8 {
	path := make([]uint8, id.Level)
	for l := 1; l <= int(id.Level); l++ {
		shift := uint(int(id.Level) - l)
		var c uint8
		for k := 0; k < int(id.Dim); k++ {
			c |= uint8((id.Coord[k]>>shift)&1) << k
		}
		path[l-1] = c
	}
	return path
}

// IsAncestorOf reports whether o is a strict descendant of id
func (id ID) IsAncestorOf(o ID) bool {
	if id.Tree != o.Tree || id.Dim != o.Dim || o.Level <= id.Level {
		return false
	}
	return o.Ancestor(int(id.Level)) == id
}

// Overlaps reports whether the two cells share interior volume, i.e. one
// contains the other
func (id ID) Overlaps(o ID) bool {
	return id == o || id.IsAncestorOf(o) || o.IsAncestorOf(id)
}

func (id ID) morton() uint64 {
	var m uint64
	d := int(id.Dim)
	for b := 0; b < int(id.Level); b++ {
		for k := 0; k < d; k++ {
			m |= uint64((id.Coord[k]>>uint(b))&1) << uint(b*d+k)
		}
	}
	return m << uint(d*(MaxLevel-int(id.Level)))
}

func (id ID) span() uint64 {
	return uint64(1) << uint(int(id.Dim)*(MaxLevel-int(id.Level)))
}

// First is the curve position of the cell's first MaxLevel descendant
func (id ID) First() Key { return Key{Tree: id.Tree, Morton: id.morton()} }

// Last is the curve position of the cell's last MaxLevel descendant
func (id ID) Last() Key { return Key{Tree: id.Tree, Morton: id.morton() + id.span() - 1} }

// Next is the curve position immediately after the cell, rolling over into
// the next tree at the end of a tree
func (id ID) Next() Key {
	m := id.morton() + id.span()
	if m == uint64(1)<<uint(int(id.Dim)*MaxLevel) {
		return Key{Tree: id.Tree + 1}
	}
	return Key{Tree: id.Tree, Morton: m}
}

func (id ID) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "t%d", id.Tree)
	for i, c := range id.Path() {
		if i == 0 {
			sb.WriteByte(':')
		} else {
			sb.WriteByte('.')
		}
		fmt.Fprintf(&sb, "%d", c)
	}
	return sb.String()
}
