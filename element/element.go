package element

import "fmt"

// ElementGeometry identifies the reference shape shared by every cell of a forest
type ElementGeometry uint8

const (
	Line      ElementGeometry = iota + 1 // 1D segment
	Rectangle                            // 2D quadrilateral
	Hex                                  // 3D hexahedron
)

func (g ElementGeometry) String() string {
	switch g {
	case Line:
		return "Line"
	case Rectangle:
		return "Rectangle"
	case Hex:
		return "Hex"
	}
	return fmt.Sprintf("ElementGeometry(%d)", uint8(g))
}

// Shape is the dimension-parameterized strategy for hypercube cells. It is
// fixed per forest, so cells never dispatch on their shape individually.
type Shape struct {
	dim uint8
}

// Precomputed per-dimension tables, indexed by dimension
var (
	neighborOffsets [4][][3]int // faces first, then edges, then vertices
	faceChildren    [4][][]int  // [dim][face] -> children touching that face
)

func init() {
	for dim := 1; dim <= 3; dim++ {
		neighborOffsets[dim] = buildNeighborOffsets(dim)
		faces := make([][]int, 2*dim)
		for f := range faces {
			for c := 0; c < 1<<dim; c++ {
				if (c>>(f/2))&1 == f%2 {
					faces[f] = append(faces[f], c)
				}
			}
		}
		faceChildren[dim] = faces
	}
}

func buildNeighborOffsets(dim int) [][3]int {
	var offsets [][3]int
	// Faces in face order: face f moves along axis f/2, negative side for even f
	for f := 0; f < 2*dim; f++ {
		var o [3]int
		o[f/2] = 2*(f%2) - 1
		offsets = append(offsets, o)
	}
	total := 1
	for i := 0; i < dim; i++ {
		total *= 3
	}
	for nonzero := 2; nonzero <= dim; nonzero++ {
		for n := 0; n < total; n++ {
			var o [3]int
			count := 0
			v := n
			for k := 0; k < dim; k++ {
				o[k] = v%3 - 1
				v /= 3
				if o[k] != 0 {
					count++
				}
			}
			if count == nonzero {
				offsets = append(offsets, o)
			}
		}
	}
	return offsets
}

// NewShape returns the hypercube shape of the given spatial dimension (1, 2 or 3)
func NewShape(dim int) (Shape, error) {
	if dim < 1 || dim > 3 {
		return Shape{}, fmt.Errorf("unsupported dimension %d, want 1, 2 or 3", dim)
	}
	return Shape{dim: uint8(dim)}, nil
}

// MustShape is NewShape for dimensions known to be valid
func MustShape(dim int) Shape {
	s, err := NewShape(dim)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Shape) Dim() int { return int(s.dim) }

func (s Shape) Geometry() ElementGeometry { return ElementGeometry(s.dim) }

// NumChildren is the number of cells produced by refining one cell
func (s Shape) NumChildren() int { return 1 << s.dim }

func (s Shape) NumFaces() int { return 2 * int(s.dim) }

func (s Shape) NumVertices() int { return 1 << s.dim }

// NeighborOffsets lists the unit offsets, in cell units, of every same-level
// neighbor sharing a face, edge or vertex. The first NumFaces entries are the
// face neighbors in face order.
func (s Shape) NeighborOffsets() [][3]int { return neighborOffsets[s.dim] }

// FaceChildren returns the local indices of the children touching face f
func (s Shape) FaceChildren(f int) []int {
	if f < 0 || f >= s.NumFaces() {
		return nil
	}
	return faceChildren[s.dim][f]
}

func (s Shape) String() string {
	return fmt.Sprintf("%v(%dD)", s.Geometry(), s.dim)
}
