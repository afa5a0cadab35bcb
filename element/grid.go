package element

import "fmt"

// Grid is the coarse mesh of a forest: a hyper-rectangle of reps[0] x reps[1]
// x reps[2] trees covering the unit box. Trees are numbered lexicographically
// with x running fastest.
type Grid struct {
	shape    Shape
	reps     [3]int
	numTrees int
}

// NewGrid builds the coarse grid. With no reps the grid is a single tree
// (hyper cube), one value subdivides every axis equally, otherwise one value
// per axis is expected.
func NewGrid(shape Shape, reps ...int) (*Grid, error) {
	dim := shape.Dim()
	if dim < 1 || dim > 3 {
		return nil, fmt.Errorf("invalid shape %v", shape)
	}
	g := &Grid{shape: shape, reps: [3]int{1, 1, 1}}
	switch len(reps) {
	case 0:
	case 1:
		for k := 0; k < dim; k++ {
			g.reps[k] = reps[0]
		}
	case dim:
		copy(g.reps[:], reps)
	default:
		return nil, fmt.Errorf("got %d subdivisions for a %dD grid", len(reps), dim)
	}
	g.numTrees = 1
	for k := 0; k < dim; k++ {
		if g.reps[k] < 1 {
			return nil, fmt.Errorf("subdivisions along axis %d must be positive, got %d", k, g.reps[k])
		}
		g.numTrees *= g.reps[k]
	}
	return g, nil
}

func (g *Grid) Shape() Shape { return g.shape }

func (g *Grid) NumTrees() int { return g.numTrees }

func (g *Grid) Reps() [3]int { return g.reps }

// End is the curve position one past the last cell of the grid
func (g *Grid) End() Key { return Key{Tree: int32(g.numTrees)} }

// TreeCoord returns the lattice position of tree t
func (g *Grid) TreeCoord(t int) [3]int {
	var c [3]int
	c[0] = t % g.reps[0]
	t /= g.reps[0]
	c[1] = t % g.reps[1]
	c[2] = t / g.reps[1]
	return c
}

func (g *Grid) treeIndex(c [3]int) int {
	return c[0] + g.reps[0]*(c[1]+g.reps[1]*c[2])
}

// Root returns the level-0 cell of tree t
func (g *Grid) Root(t int) ID {
	return ID{Tree: int32(t), Dim: uint8(g.shape.Dim())}
}

// Contains reports whether id addresses a cell of this grid
func (g *Grid) Contains(id ID) bool {
	return id.Valid() && int(id.Dim) == g.shape.Dim() && int(id.Tree) < g.numTrees
}

// cellCoord returns the cell position on the whole grid at the cell's level
func (g *Grid) cellCoord(id ID) [3]int64 {
	tc := g.TreeCoord(int(id.Tree))
	var c [3]int64
	for k := 0; k < g.shape.Dim(); k++ {
		c[k] = int64(tc[k])<<id.Level | int64(id.Coord[k])
	}
	return c
}

// bounds returns the cell extent in MaxLevel units
func (g *Grid) bounds(id ID) (lo, hi [3]int64) {
	s := int64(1) << uint(MaxLevel-int(id.Level))
	c := g.cellCoord(id)
	for k := 0; k < g.shape.Dim(); k++ {
		lo[k] = c[k] * s
		hi[k] = lo[k] + s
	}
	return
}

// Neighbors returns the same-level cells sharing a face, edge or vertex with
// id, crossing tree boundaries and skipping positions outside the grid. Face
// neighbors come first.
func (g *Grid) Neighbors(id ID) []ID {
	dim := g.shape.Dim()
	c := g.cellCoord(id)
	mask := int64(1)<<id.Level - 1
	out := make([]ID, 0, len(g.shape.NeighborOffsets()))
	for _, off := range g.shape.NeighborOffsets() {
		n := ID{Level: id.Level, Dim: id.Dim}
		var tc [3]int
		inside := true
		for k := 0; k < dim; k++ {
			v := c[k] + int64(off[k])
			if v < 0 || v >= int64(g.reps[k])<<id.Level {
				inside = false
				break
			}
			tc[k] = int(v >> id.Level)
			n.Coord[k] = uint32(v & mask)
		}
		if !inside {
			continue
		}
		n.Tree = int32(g.treeIndex(tc))
		out = append(out, n)
	}
	return out
}

// FaceNeighbor returns the same-level neighbor across face f; ok is false on
// the domain boundary
func (g *Grid) FaceNeighbor(id ID, f int) (ID, bool) {
	if f < 0 || f >= g.shape.NumFaces() {
		return ID{}, false
	}
	want := g.shape.NeighborOffsets()[f]
	c := g.cellCoord(id)
	v := c[f/2] + int64(want[f/2])
	if v < 0 || v >= int64(g.reps[f/2])<<id.Level {
		return ID{}, false
	}
	c[f/2] = v
	mask := int64(1)<<id.Level - 1
	n := ID{Level: id.Level, Dim: id.Dim}
	var tc [3]int
	for k := 0; k < g.shape.Dim(); k++ {
		tc[k] = int(c[k] >> id.Level)
		n.Coord[k] = uint32(c[k] & mask)
	}
	n.Tree = int32(g.treeIndex(tc))
	return n, true
}

// Touches reports whether a and b share at least a vertex without sharing
// interior volume. Levels may differ arbitrarily.
func (g *Grid) Touches(a, b ID) bool {
	if a.Dim != b.Dim {
		return false
	}
	al, ah := g.bounds(a)
	bl, bh := g.bounds(b)
	contact := false
	for k := 0; k < g.shape.Dim(); k++ {
		if al[k] > bh[k] || bl[k] > ah[k] {
			return false
		}
		if al[k] == bh[k] || bl[k] == ah[k] {
			contact = true
		}
	}
	return contact
}

// FaceAdjacent reports whether a and b share part of a face
func (g *Grid) FaceAdjacent(a, b ID) bool {
	if a.Dim != b.Dim {
		return false
	}
	al, ah := g.bounds(a)
	bl, bh := g.bounds(b)
	contacts := 0
	for k := 0; k < g.shape.Dim(); k++ {
		switch {
		case al[k] > bh[k] || bl[k] > ah[k]:
			return false
		case al[k] == bh[k] || bl[k] == ah[k]:
			contacts++
		}
	}
	return contacts == 1
}

// Center returns the cell center on the unit box
func (g *Grid) Center(id ID) [3]float64 {
	c := g.cellCoord(id)
	var x [3]float64
	for k := 0; k < g.shape.Dim(); k++ {
		x[k] = (float64(c[k]) + 0.5) / float64(int64(g.reps[k])<<id.Level)
	}
	return x
}

// Vertex returns vertex j of the cell on the unit box; bit k of j selects the
// upper side along axis k
func (g *Grid) Vertex(id ID, j int) [3]float64 {
	c := g.cellCoord(id)
	var x [3]float64
	for k := 0; k < g.shape.Dim(); k++ {
		x[k] = float64(c[k]+int64((j>>k)&1)) / float64(int64(g.reps[k])<<id.Level)
	}
	return x
}
