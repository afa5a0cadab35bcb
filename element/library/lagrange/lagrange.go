package lagrange

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Basis is a tensor-product Lagrange basis of degree 0 or 1 on the reference
// hypercube [0,1]^dim. Degree 1 places one node on every vertex, vertex j
// sitting on the upper side of axis k when bit k of j is set.
type Basis struct {
	dim, degree int
	np          int
	prolong     []*mat.Dense // [child] Np x Np, child nodes from parent nodes
	restrict    []*mat.Dense // [child] Np x Np, contribution of a child to the parent nodes
}

func NewQ0(dim int) (*Basis, error) { return New(dim, 0) }

func NewQ1(dim int) (*Basis, error) { return New(dim, 1) }

func New(dim, degree int) (*Basis, error) {
	if dim < 1 || dim > 3 {
		return nil, fmt.Errorf("unsupported dimension %d", dim)
	}
	if degree != 0 && degree != 1 {
		return nil, fmt.Errorf("unsupported degree %d, want 0 or 1", degree)
	}
	nc := 1 << dim
	b := &Basis{dim: dim, degree: degree, np: 1}
	if degree == 1 {
		b.np = nc
	}
	b.prolong = make([]*mat.Dense, nc)
	b.restrict = make([]*mat.Dense, nc)
	for c := 0; c < nc; c++ {
		P := mat.NewDense(b.np, b.np, nil)
		R := mat.NewDense(b.np, b.np, nil)
		if degree == 0 {
			P.Set(0, 0, 1)
			R.Set(0, 0, 1/float64(nc))
		} else {
			for j := 0; j < b.np; j++ {
				var x [3]float64
				for k := 0; k < dim; k++ {
					x[k] = float64((c>>k)&1+(j>>k)&1) / 2
				}
				for i := 0; i < b.np; i++ {
					P.Set(j, i, b.phi(i, x))
				}
			}
			// Parent vertex c is vertex c of child c
			R.Set(c, c, 1)
		}
		b.prolong[c], b.restrict[c] = P, R
	}
	return b, nil
}

func (b *Basis) Dim() int { return b.dim }

func (b *Basis) Degree() int { return b.degree }

// Np is the number of nodes per cell
func (b *Basis) Np() int { return b.np }

// NodePosition returns node j on the reference cell
func (b *Basis) NodePosition(j int) [3]float64 {
	var x [3]float64
	for k := 0; k < b.dim; k++ {
		if b.degree == 0 {
			x[k] = 0.5
		} else {
			x[k] = float64((j >> k) & 1)
		}
	}
	return x
}

func (b *Basis) phi(i int, x [3]float64) float64 {
	if b.degree == 0 {
		return 1
	}
	v := 1.0
	for k := 0; k < b.dim; k++ {
		if (i>>k)&1 == 1 {
			v *= x[k]
		} else {
			v *= 1 - x[k]
		}
	}
	return v
}

// Evaluate interpolates nodal values at reference position x
func (b *Basis) Evaluate(values []float64, x [3]float64) float64 {
	var sum float64
	for i := 0; i < b.np && i < len(values); i++ {
		sum += values[i] * b.phi(i, x)
	}
	return sum
}

// Prolong interpolates parent nodal values onto every child, in child order
func (b *Basis) Prolong(parent []float64) ([][]float64, error) {
	if len(parent) != b.np {
		return nil, fmt.Errorf("parent has %d values, basis has %d nodes", len(parent), b.np)
	}
	u := mat.NewVecDense(b.np, parent)
	out := make([][]float64, len(b.prolong))
	for c, P := range b.prolong {
		v := mat.NewVecDense(b.np, nil)
		v.MulVec(P, u)
		out[c] = v.RawVector().Data
	}
	return out, nil
}

// Restrict combines the children's nodal values into the parent's: Q1 takes
// each parent vertex from the child sharing it, Q0 averages
func (b *Basis) Restrict(children [][]float64) ([]float64, error) {
	if len(children) != len(b.restrict) {
		return nil, fmt.Errorf("got %d children, want %d", len(children), len(b.restrict))
	}
	parent := make([]float64, b.np)
	v := mat.NewVecDense(b.np, nil)
	for c, R := range b.restrict {
		if len(children[c]) != b.np {
			return nil, fmt.Errorf("child %d has %d values, basis has %d nodes", c, len(children[c]), b.np)
		}
		v.MulVec(R, mat.NewVecDense(b.np, children[c]))
		floats.Add(parent, v.RawVector().Data)
	}
	return parent, nil
}
