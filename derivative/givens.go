// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package derivative

import (
	"math"

	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// givens computes the plane rotation
//
//	G ⎡a⎤ ≡ ⎡ c s⎤⎡a⎤ = ⎡ρ⎤
//	  ⎣b⎦   ⎣-s c⎦⎣b⎦   ⎣0⎦
//
// with ρ = (a²+b²)¹ᐟ² ≥ 0. A zero b yields the identity so that rotations
// never permute rows that are already reduced.
func givens(a, b float64) (c, s, rho float64) {
	switch {
	case b == 0:
		return 1, 0, a
	case math.Abs(a) > math.Abs(b):
		t := b / a
		u := math.Copysign(math.Sqrt(1+t*t), a)
		c = 1 / u
		s = c * t
		rho = a * u
	default:
		t := a / b
		u := math.Copysign(math.Sqrt(1+t*t), b)
		s = 1 / u
		c = s * t
		rho = b * u
	}
	return
}

// qrUpdate computes the economic factorization Q'R' = QR + uvᵀ where Q is
// m×n with orthonormal columns and R is n×n upper triangular.
//
// The column space is first extended by the normalized component of u
// orthogonal to Q:
//
//	QR + uvᵀ = [Q q̂]([R] + wvᵀ),  w = [Qᵀu]
//	                 [0]             [ ρ  ]
//
// Rotations from the bottom reduce w to ‖w‖e₁ (turning R upper Hessenberg),
// the rank-one term then only touches the first row, and a second sweep of
// rotations restores the triangular form. The extra row is zero afterwards
// and is dropped with the extra column. The cost is O(mn + n²).
//
// J.W. Daniel, W.B. Gragg, L. Kaufman, G.W. Stewart, 'Reorthogonalization
// and stable algorithms for updating the Gram-Schmidt QR factorization', 1976.
func qrUpdate(q *mat.Dense, r *mat.TriDense, u, v []float64) (*mat.Dense, *mat.TriDense) {

	m, n := q.Dims()
	if len(u) != m || len(v) != n {
		panic("bound check error")
	}
	p := n + 1

	// Extended factors [Q q̂] and [R; 0]
	qt := mat.NewDense(m, p, nil)
	qt.Slice(0, m, 0, n).(*mat.Dense).Copy(q)
	rt := mat.NewDense(p, n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			rt.Set(i, j, r.At(i, j))
		}
	}

	// w = Qᵀu and q̂ρ = u - Qw, orthogonalized twice
	w := make([]float64, p)
	res := make([]float64, m)
	copy(res, u)
	var wk, qw mat.VecDense
	for pass := 0; pass < 2; pass++ {
		wk.MulVec(q.T(), mat.NewVecDense(m, res))
		qw.MulVec(q, &wk)
		floats.Sub(res, qw.RawVector().Data)
		floats.Add(w[:n], wk.RawVector().Data)
	}
	if rho := floats.Norm(res, 2); rho > eps*floats.Norm(u, 2) {
		w[n] = rho
		floats.Scale(1/rho, res)
		qt.SetCol(n, res)
	}

	qraw, rraw := qt.RawMatrix(), rt.RawMatrix()
	row := func(i int) blas64.Vector {
		return blas64.Vector{N: n, Inc: 1, Data: rraw.Data[i*rraw.Stride : i*rraw.Stride+n]}
	}
	col := func(j int) blas64.Vector {
		return blas64.Vector{N: m, Inc: qraw.Stride, Data: qraw.Data[j:]}
	}

	// Reduce w to ‖w‖e₁, R becomes upper Hessenberg
	for k := p - 1; k > 0; k-- {
		c, s, rho := givens(w[k-1], w[k])
		w[k-1], w[k] = rho, 0
		blas64.Rot(row(k-1), row(k), c, s)
		blas64.Rot(col(k-1), col(k), c, s)
	}

	// H + ‖w‖e₁vᵀ
	floats.AddScaled(row(0).Data, w[0], v)

	// Restore the upper triangular form
	for k := 0; k < p-1; k++ {
		c, s, _ := givens(rt.At(k, k), rt.At(k+1, k))
		blas64.Rot(row(k), row(k+1), c, s)
		blas64.Rot(col(k), col(k+1), c, s)
		rt.Set(k+1, k, 0)
	}

	qNew := mat.DenseCopyOf(qt.Slice(0, m, 0, n))
	rNew := mat.NewTriDense(n, mat.Upper, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			rNew.SetTri(i, j, rt.At(i, j))
		}
	}
	return qNew, rNew
}
