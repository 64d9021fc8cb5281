// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trust

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// subspace minimizes the model over span{g_h, p_gn} within the radius.
//
// R.H. Byrd, R.B. Schnabel, G.A. Shultz, 'Approximate solution of the trust
// region problem by minimization over two-dimensional subspaces', 1988.
func (s *scaledModel) subspace(radius float64) ([]float64, bool, error) {

	pn, err := s.newton()
	if err != nil {
		return nil, false, err
	}
	n := len(pn)

	basis := s.basis(pn)
	if basis == nil {
		// g_h = p_gn = 0
		return pn, false, nil
	}
	_, k := basis.Dims()

	// Reduced model Sᵀg_h and SᵀB_hS
	col := make([][]float64, k)
	gs := make([]float64, k)
	bs := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		col[i] = mat.Col(nil, i, basis)
		gs[i] = floats.Dot(col[i], s.gh)
	}
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			bs.SetSym(i, j, s.quadratic(col[i], col[j]))
		}
	}

	var p []float64
	hits := true
	if ps, ok := interior2D(bs, gs); ok && floats.Norm(ps, 2) <= radius {
		p, hits = ps, false
	} else {
		p = boundary2D(bs, gs, radius)
	}

	step := make([]float64, n)
	for i := 0; i < k; i++ {
		floats.AddScaled(step, p[i], col[i])
	}
	// The basis rotation may push an interior step onto the boundary.
	if hits || floats.Norm(step, 2) >= radius {
		toBoundary(step, radius)
		hits = true
	}
	return step, hits, nil
}

// basis returns an n×k orthonormal basis of span{g_h, p_gn} with k ≤ 2,
// or nil when both vectors vanish.
func (s *scaledModel) basis(pn []float64) *mat.Dense {
	n := len(pn)
	gNorm, pNorm := floats.Norm(s.gh, 2), floats.Norm(pn, 2)

	single := func(v []float64, norm float64) *mat.Dense {
		b := mat.NewDense(n, 1, nil)
		for i, e := range v {
			b.Set(i, 0, e/norm)
		}
		return b
	}

	switch {
	case gNorm == 0 && pNorm == 0:
		return nil
	case gNorm == 0:
		return single(pn, pNorm)
	case pNorm == 0 || n == 1:
		return single(s.gh, gNorm)
	}

	a := mat.NewDense(n, 2, nil)
	a.SetCol(0, s.gh)
	a.SetCol(1, pn)
	var qr mat.QR
	qr.Factorize(a)
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	// p_gn parallel to g_h, as for B = cI
	if math.Abs(r.At(1, 1)) <= 1e3*eps*math.Max(math.Abs(r.At(0, 0)), pNorm) {
		return single(s.gh, gNorm)
	}
	return mat.DenseCopyOf(q.Slice(0, n, 0, 2))
}

// interior2D returns the minimizer -B⁻¹g when B is positive definite.
func interior2D(b *mat.SymDense, g []float64) ([]float64, bool) {
	var chol mat.Cholesky
	if !chol.Factorize(b) {
		return nil, false
	}
	var p mat.VecDense
	if err := chol.SolveVecTo(&p, mat.NewVecDense(len(g), g)); err != nil {
		return nil, false
	}
	x := p.RawVector().Data
	floats.Scale(-1, x)
	return x, true
}

// boundary2D minimizes gᵀp + ½pᵀBp over ‖p‖ = Δ in one or two dimensions.
//
// In two dimensions p = Δ(2t/(1+t²), (1-t²)/(1+t²)) and the stationary
// points are roots of a quartic in t = tan(θ/2).
func boundary2D(b *mat.SymDense, g []float64, radius float64) []float64 {

	value := func(p []float64) float64 {
		var bp mat.VecDense
		bp.MulVec(b, mat.NewVecDense(len(p), p))
		return floats.Dot(g, p) + 0.5*floats.Dot(p, bp.RawVector().Data)
	}

	if len(g) == 1 {
		lo, hi := []float64{-radius}, []float64{radius}
		if value(lo) <= value(hi) {
			return lo
		}
		return hi
	}

	a, c, bb := b.At(0, 0)*radius*radius, b.At(1, 1)*radius*radius, b.At(0, 1)*radius*radius
	d, f := g[0]*radius, g[1]*radius
	coeffs := []float64{-bb + d, 2 * (a - c + f), 6 * bb, 2 * (-a + c + f), -bb - d}

	candidates := [][]float64{{0, radius}, {0, -radius}} // t = 0 and t = ∞
	for _, t := range realRoots(coeffs) {
		candidates = append(candidates, []float64{
			radius * 2 * t / (1 + t*t),
			radius * (1 - t*t) / (1 + t*t),
		})
	}

	best, bestVal := candidates[0], value(candidates[0])
	for _, p := range candidates[1:] {
		if v := value(p); v < bestVal {
			best, bestVal = p, v
		}
	}
	return best
}

// realRoots returns the real parts of the roots of Σ cᵢtⁿ⁻ⁱ, leading
// coefficient first, from the eigenvalues of the companion matrix.
func realRoots(coeffs []float64) []float64 {
	scale := 0.0
	for _, c := range coeffs {
		scale = math.Max(scale, math.Abs(c))
	}
	if scale == 0 {
		return nil
	}
	for len(coeffs) > 1 && math.Abs(coeffs[0]) <= eps*scale {
		coeffs = coeffs[1:]
	}
	deg := len(coeffs) - 1
	if deg < 1 {
		return nil
	}

	comp := mat.NewDense(deg, deg, nil)
	for j := 0; j < deg; j++ {
		comp.Set(0, j, -coeffs[j+1]/coeffs[0])
	}
	for i := 1; i < deg; i++ {
		comp.Set(i, i-1, 1)
	}
	var eig mat.Eigen
	if !eig.Factorize(comp, mat.EigenNone) {
		return nil
	}
	values := eig.Values(nil)
	roots := make([]float64, len(values))
	for i, v := range values {
		roots[i] = real(v)
	}
	return roots
}

var eps = math.Nextafter(1, 2) - 1
