package lagrange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linear(x [3]float64) float64 { return 1 + 2*x[0] - 3*x[1] + 0.5*x[2] }

func TestQ1ProlongIsExactForLinearFunctions(t *testing.T) {
	for dim := 1; dim <= 3; dim++ {
		b, err := NewQ1(dim)
		require.NoError(t, err)
		parent := make([]float64, b.Np())
		for j := range parent {
			parent[j] = linear(b.NodePosition(j))
		}
		kids, err := b.Prolong(parent)
		require.NoError(t, err)
		require.Len(t, kids, 1<<dim)
		for c, kid := range kids {
			for j, v := range kid {
				var x [3]float64
				for k := 0; k < dim; k++ {
					x[k] = float64((c>>k)&1+(j>>k)&1) / 2
				}
				assert.InDelta(t, linear(x), v, 1e-14, "dim %d child %d node %d", dim, c, j)
			}
		}
		back, err := b.Restrict(kids)
		require.NoError(t, err)
		assert.InDeltaSlice(t, parent, back, 1e-14)
	}
}

func TestEvaluate(t *testing.T) {
	for dim := 1; dim <= 3; dim++ {
		b, err := NewQ1(dim)
		require.NoError(t, err)
		values := make([]float64, b.Np())
		for j := range values {
			values[j] = linear(b.NodePosition(j))
		}
		for _, x := range [][3]float64{{0.5, 0.5, 0.5}, {0.25, 0.75, 0.1}, {1, 0, 1}} {
			var want [3]float64
			copy(want[:dim], x[:dim])
			assert.InDelta(t, linear(want), b.Evaluate(values, x), 1e-14, "dim %d at %v", dim, x)
		}
	}
	q0, err := NewQ0(3)
	require.NoError(t, err)
	assert.Equal(t, 2.5, q0.Evaluate([]float64{2.5}, [3]float64{0.3, 0.9, 0.1}))
}

func TestQ0(t *testing.T) {
	b, err := NewQ0(2)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Np())
	kids, err := b.Prolong([]float64{3})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{3}, {3}, {3}, {3}}, kids)
	avg, err := b.Restrict([][]float64{{1}, {2}, {3}, {6}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{3}, avg, 1e-15)
}

func TestSizeChecks(t *testing.T) {
	b, err := NewQ1(2)
	require.NoError(t, err)
	_, err = b.Prolong([]float64{1, 2})
	assert.Error(t, err)
	_, err = b.Restrict([][]float64{{1, 2, 3, 4}})
	assert.Error(t, err)
	_, err = New(2, 2)
	assert.Error(t, err)
}
