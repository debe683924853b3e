// Copyright ©2026 optimgo. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgs

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// history returns an operator of dimension n and capacity m preloaded with
// pairs[i] = (s, y). Pairs violating the curvature condition are not allowed.
func history(t *testing.T, n, m int, pairs [][2][]float64) *InvHess {
	t.Helper()
	h, err := NewInvHess(n, m)
	require.NoError(t, err)
	for _, p := range pairs {
		require.NoError(t, h.Append(p[0], p[1]))
	}
	return h
}

// randomPairs generates deterministic correction pairs with positive yᵀs.
func randomPairs(n, k int) [][2][]float64 {
	rng := rand.New(rand.NewSource(7))
	pairs := make([][2][]float64, 0, k)
	for len(pairs) < k {
		s := make([]float64, n)
		y := make([]float64, n)
		for i := range s {
			s[i] = 2*rng.Float64() - 1
			y[i] = s[i] + 0.3*(2*rng.Float64()-1)
		}
		if ddot(n, y, s) > 0.1 {
			pairs = append(pairs, [2][]float64{s, y})
		}
	}
	return pairs
}

// denseRecursion materializes the operator with the explicit rank-2 matrix
// recursion Hₖ ← (I − ρsyᵀ)Hₖ(I − ρysᵀ) + ρssᵀ applied in insertion order.
// It is an independent implementation used to cross-check Dense.
//
// Case Sources : https://github.com/scipy/scipy/blob/main/scipy/optimize/tests/test_lbfgsb_hessinv.py (test_3)
func denseRecursion(h *InvHess) []float64 {
	n := h.n
	hk := make([]float64, n*n)
	for i := 0; i < n; i++ {
		hk[i*n+i] = 1
	}
	for k := range h.rho {
		s, y, rho := h.s[k], h.y[k], h.rho[k]
		hk = foldPair(n, hk, s, y, rho)
	}
	return hk
}

// foldPair computes (I − ρsyᵀ)·H·(I − ρysᵀ) + ρssᵀ for a dense n×n row-major H.
func foldPair(n int, hk, s, y []float64, rho float64) []float64 {
	a1 := make([]float64, n*n)
	a2 := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a1[i*n+j] = -rho * s[i] * y[j]
			a2[i*n+j] = -rho * y[i] * s[j]
		}
		a1[i*n+i] += 1
		a2[i*n+i] += 1
	}
	out := matMul(n, a1, matMul(n, hk, a2))
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] += rho * s[i] * s[j]
		}
	}
	return out
}

func matMul(n int, a, b []float64) []float64 {
	c := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for k := 0; k < n; k++ {
			aik := a[i*n+k]
			if aik == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				c[i*n+j] += aik * b[k*n+j]
			}
		}
	}
	return c
}

func TestInvHessNew(t *testing.T) {
	_, err := NewInvHess(0, 5)
	require.Error(t, err)

	_, err = NewInvHess(3, 0)
	require.Error(t, err)

	h, err := NewInvHess(3, 5)
	require.NoError(t, err)
	require.Equal(t, 3, h.Dim())
	require.Equal(t, 5, h.Corrections())
	require.Equal(t, 0, h.Len())
}

func TestInvHessIdentity(t *testing.T) {
	h, err := NewInvHess(4, 3)
	require.NoError(t, err)

	v := []float64{1.5, -2, 0, 3.25}
	r, err := h.Apply(v)
	require.NoError(t, err)
	require.Equal(t, v, r)

	eye := []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
	require.Equal(t, eye, h.Dense())
}

func TestInvHessBoundary(t *testing.T) {
	h, err := NewInvHess(2, 2)
	require.NoError(t, err)

	_, err = h.Apply([]float64{1, 2, 3})
	require.ErrorIs(t, err, ErrDimension)

	_, err = h.ApplyBatch([]float64{1, 2, 3}, 2)
	require.ErrorIs(t, err, ErrDimension)

	_, err = h.ApplyBatch([]float64{1, 2}, 0)
	require.ErrorIs(t, err, ErrDimension)

	err = h.Append([]float64{1}, []float64{1, 2})
	require.ErrorIs(t, err, ErrDimension)

	// Orthogonal pair: dot(y, s) = 0 makes ρ undefined.
	err = h.Append([]float64{1, 0}, []float64{0, 1})
	require.ErrorIs(t, err, ErrCurvature)
	require.Equal(t, 0, h.Len())
}

func TestInvHessAppendCopies(t *testing.T) {
	h, err := NewInvHess(2, 2)
	require.NoError(t, err)

	s := []float64{1, 0.5}
	y := []float64{0.9, 0.6}
	require.NoError(t, h.Append(s, y))

	before := h.Dense()
	s[0], y[1] = 100, -100 // operator must own its history
	require.Equal(t, before, h.Dense())
}

func TestInvHessDenseMatchesApply(t *testing.T) {
	const n, m = 5, 3
	h := history(t, n, m, randomPairs(n, m))

	dense := h.Dense()
	for i := 0; i < n; i++ {
		e := make([]float64, n)
		e[i] = 1
		col, err := h.Apply(e)
		require.NoError(t, err)
		for j := 0; j < n; j++ {
			require.Equal(t, col[j], dense[j*n+i], "column %d row %d", i, j)
		}
	}
}

func TestInvHessBatch(t *testing.T) {
	const n, m = 2, 4
	h := history(t, n, m, randomPairs(n, 3))

	v1 := []float64{1, 0}
	v2 := []float64{0, 1}

	r1, err := h.Apply(v1)
	require.NoError(t, err)
	r2, err := h.Apply(v2)
	require.NoError(t, err)

	// Stack v1 and v2 as the columns of an n×2 matrix.
	batch, err := h.ApplyBatch([]float64{
		v1[0], v2[0],
		v1[1], v2[1],
	}, 2)
	require.NoError(t, err)
	require.Equal(t, []float64{
		r1[0], r2[0],
		r1[1], r2[1],
	}, batch)

	// A single column batch behaves exactly like Apply.
	single, err := h.ApplyBatch(v1, 1)
	require.NoError(t, err)
	require.Equal(t, r1, single)
}

func TestInvHessEviction(t *testing.T) {
	const n, m, extra = 3, 4, 3
	pairs := randomPairs(n, m+extra)

	full := history(t, n, m, pairs)
	require.Equal(t, m, full.Len())

	// Only the most recent m pairs may contribute.
	tail := history(t, n, m, pairs[extra:])
	require.Equal(t, full.Dense(), tail.Dense())

	v := []float64{0.3, -1.2, 2.5}
	r1, err := full.Apply(v)
	require.NoError(t, err)
	r2, err := tail.Apply(v)
	require.NoError(t, err)
	require.Equal(t, r1, r2)
}

func TestInvHessRecursion(t *testing.T) {
	for _, k := range []int{1, 2, 3, 5} {
		const n, m = 4, 5
		h := history(t, n, m, randomPairs(n, k))

		dense := h.Dense()
		expect := denseRecursion(h)
		require.Len(t, dense, n*n)
		for i := range expect {
			require.InDelta(t, expect[i], dense[i], 1e-12, "pairs %d elem %d", k, i)
		}
	}
}
