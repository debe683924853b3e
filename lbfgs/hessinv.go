// Copyright ©2026 optimgo. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgs

import (
	"errors"
)

var (
	// ErrDimension the input vector length does not match the operator dimension.
	ErrDimension = errors.New("vector dimension not match operator")
	// ErrCurvature the correction pair is degenerate: 𝚍𝚘𝚝(y, s) = 𝟶 so ρ = 1/𝚍𝚘𝚝(y, s) is undefined.
	// The pair must be rejected before it corrupts the stored history.
	ErrCurvature = errors.New("degenerate curvature: dot(y, s) is zero")
)

// InvHess is the L-BFGS approximation of the inverse Hessian, built from a
// bounded sliding window of correction pairs (sᵢ, yᵢ, ρᵢ) where
//
//	sᵢ = xᵢ₊₁ - xᵢ
//	yᵢ = gᵢ₊₁ - gᵢ
//	ρᵢ = 1 / yᵢᵀsᵢ
//
// stored oldest first. The operator is conceptually the matrix obtained by
// seeding Hₖ = I and folding each stored pair in insertion order via
//
//	Hₖ ← (I − ρsyᵀ) Hₖ (I − ρysᵀ) + ρssᵀ
//
// but it is never materialized during optimization: Apply uses the two-loop
// recursion in O(m·n) time and O(m+n) space.
//
// Append is called by the owning optimizer, once per accepted outer
// iteration. Apply, ApplyBatch and Dense are pure reads and are safe for
// concurrent use once appending has stopped.
type InvHess struct {
	n, m int
	s, y [][]float64
	rho  []float64
}

// NewInvHess creates an empty inverse-Hessian operator for vectors of
// dimension n, holding at most m correction pairs.
func NewInvHess(n, m int) (*InvHess, error) {
	if n <= 0 {
		return nil, errors.New("operator dimension must greater than 0")
	}
	if m <= 0 {
		return nil, errors.New("correction number must greater than 0")
	}
	return &InvHess{
		n: n, m: m,
		s:   make([][]float64, 0, m),
		y:   make([][]float64, 0, m),
		rho: make([]float64, 0, m),
	}, nil
}

// Dim returns the vector dimension n.
func (h *InvHess) Dim() int { return h.n }

// Corrections returns the maximum number of stored correction pairs.
func (h *InvHess) Corrections() int { return h.m }

// Len returns the number of correction pairs currently stored.
func (h *InvHess) Len() int { return len(h.rho) }

// Append stores the correction pair (s, y) with ρ = 1/yᵀs, evicting the
// oldest pair when the history is at capacity. Both vectors are copied.
//
// The caller is responsible for the curvature condition yᵀs > 0: Append only
// rejects the exactly degenerate yᵀs = 0 case with ErrCurvature, since a zero
// denominator would poison every subsequent product.
func (h *InvHess) Append(s, y []float64) error {

	if len(s) != h.n || len(y) != h.n {
		return ErrDimension
	}

	ys := ddot(h.n, y, s)
	if ys == zero {
		return ErrCurvature
	}

	var sk, yk []float64
	if len(h.rho) == h.m {
		// Recycle the evicted slot, the history keeps oldest-first order.
		sk, yk = h.s[0], h.y[0]
		copy(h.s, h.s[1:])
		copy(h.y, h.y[1:])
		copy(h.rho, h.rho[1:])
		h.s = h.s[:h.m-1]
		h.y = h.y[:h.m-1]
		h.rho = h.rho[:h.m-1]
	} else {
		sk = make([]float64, h.n)
		yk = make([]float64, h.n)
	}

	dcopy(h.n, s, sk)
	dcopy(h.n, y, yk)
	h.s = append(h.s, sk)
	h.y = append(h.y, yk)
	h.rho = append(h.rho, one/ys)
	return nil
}

// Apply computes H·v with the two-loop recursion:
// a backward pass over the stored pairs accumulating ɑᵢ = ρᵢsᵢᵀq,
// then a forward pass folding ρᵢyᵢᵀr back in. With no stored pairs the
// operator is the identity map.
func (h *InvHess) Apply(v []float64) ([]float64, error) {
	if len(v) != h.n {
		return nil, ErrDimension
	}
	r := make([]float64, h.n)
	h.applyColumn(r, v, make([]float64, len(h.rho)))
	return r, nil
}

// ApplyBatch computes H·A for an n×k row-major column stack A,
// column j of the result equals Apply of column j of the input.
func (h *InvHess) ApplyBatch(a []float64, k int) ([]float64, error) {
	if k <= 0 || len(a) != h.n*k {
		return nil, ErrDimension
	}
	n := h.n
	v := make([]float64, n)
	r := make([]float64, n)
	alpha := make([]float64, len(h.rho))
	out := make([]float64, n*k)
	for j := 0; j < k; j++ {
		for i := 0; i < n; i++ {
			v[i] = a[i*k+j]
		}
		h.applyColumn(r, v, alpha)
		for i := 0; i < n; i++ {
			out[i*k+j] = r[i]
		}
	}
	return out, nil
}

// Dense materializes the full n×n matrix in row-major order by applying the
// operator to every column of the identity. Column i is therefore bit-for-bit
// the result of Apply on the i-th standard basis vector. The cost is
// O(m·n²) time and O(n²) space, it is meant for inspection only and never
// runs on the optimization path.
func (h *InvHess) Dense() []float64 {
	n := h.n
	eye := make([]float64, n*n)
	for i := 0; i < n; i++ {
		eye[i*n+i] = one
	}
	d, _ := h.ApplyBatch(eye, n)
	return d
}

// applyColumn runs the two-loop recursion in place: dst = H·v.
// alpha must have length Len(). No dimension checks, no allocation.
func (h *InvHess) applyColumn(dst, v, alpha []float64) {

	n, k := h.n, len(h.rho)
	s, y, rho := h.s, h.y, h.rho

	if n > len(dst) || n > len(v) || k > len(alpha) || k > len(s) || k > len(y) {
		panic("bound check error")
	}

	// q = v
	dcopy(n, v, dst)

	// Backward pass, newest to oldest:
	//   ɑᵢ = ρᵢ sᵢᵀq ; q -= ɑᵢ yᵢ
	for i := k - 1; i >= 0; i-- {
		alpha[i] = rho[i] * ddot(n, s[i], dst)
		daxpy(n, -alpha[i], y[i], dst)
	}

	// r = H₀q with H₀ = I, then forward pass, oldest to newest:
	//   β = ρᵢ yᵢᵀr ; r += (ɑᵢ - β) sᵢ
	for i := 0; i < k; i++ {
		beta := rho[i] * ddot(n, y[i], dst)
		daxpy(n, alpha[i]-beta, s[i], dst)
	}
}
