// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trust

import (
	"fmt"
	"math"

	"github.com/curioloop/trustregion/derivative"
	"gonum.org/v1/gonum/floats"
)

// scaledModel is the quadratic model in the scaled variables p = x ⊘ scale
//
//	q(p) = g_hᵀp + ½pᵀB_hp,  g_h = scale ⊙ g,  B_h = diag(scale)·B·diag(scale)
//
// where B is AᵀA for Jacobian models and H for Hessian models.
type scaledModel struct {
	model derivative.Model
	scale []float64
	gh    []float64
}

func newScaledModel(model derivative.Model, g, scale []float64) *scaledModel {
	if _, c := model.Dims(); c != len(g) || len(g) != len(scale) {
		panic("bound check error")
	}
	gh := make([]float64, len(g))
	floats.MulTo(gh, scale, g)
	return &scaledModel{model: model, scale: scale, gh: gh}
}

// quadratic returns uᵀB_hv.
func (s *scaledModel) quadratic(u, v []float64) float64 {
	su := make([]float64, len(u))
	sv := make([]float64, len(v))
	floats.MulTo(su, s.scale, u)
	floats.MulTo(sv, s.scale, v)
	return s.model.Quadratic(su, sv)
}

// value returns q(p).
func (s *scaledModel) value(p []float64) float64 {
	return floats.Dot(s.gh, p) + 0.5*s.quadratic(p, p)
}

// solve returns B_h⁻¹b_h = scaleInv ⊙ B⁻¹(scaleInv ⊙ b_h).
func (s *scaledModel) solve(bh []float64) ([]float64, error) {
	b := make([]float64, len(bh))
	floats.DivTo(b, bh, s.scale)
	x, err := s.model.SolveQuadratic(b)
	if err != nil {
		return nil, err
	}
	floats.Div(x, s.scale)
	return x, nil
}

// newton returns the unconstrained minimizer -B_h⁻¹g_h.
func (s *scaledModel) newton() ([]float64, error) {
	p, err := s.solve(s.gh)
	if err != nil {
		return nil, err
	}
	floats.Scale(-1, p)
	return p, nil
}

// evaluateQuadratic returns the model change q(step) in scaled coordinates,
// the predicted reduction is its negation.
func evaluateQuadratic(model derivative.Model, g, scale, step []float64) float64 {
	return newScaledModel(model, g, scale).value(step)
}

// SolveSubproblem approximately minimizes the scaled quadratic model within
// the ball ‖step‖ ≤ radius.
//
// The returned step is in scaled coordinates (multiply by scale to obtain the
// change of x). Its norm equals radius exactly when hitsBoundary is true.
// Errors of the model solve are returned unchanged.
func SolveSubproblem(method Method, g []float64, model derivative.Model, scale []float64, radius float64) (step []float64, hitsBoundary bool, err error) {
	s := newScaledModel(model, g, scale)
	if !(radius > 0) {
		return make([]float64, len(g)), true, nil
	}
	switch method {
	case Dogleg:
		return s.dogleg(radius)
	case Subspace:
		return s.subspace(radius)
	default:
		return nil, false, fmt.Errorf("%w: unknown method %d", ErrInvalidConfig, method)
	}
}

// dogleg returns the point of the dogleg path at distance radius.
//
// J. Nocedal, S.J. Wright, 'Numerical Optimization' 2nd edition, 2006.
// Section 4.1.
func (s *scaledModel) dogleg(radius float64) ([]float64, bool, error) {

	pn, err := s.newton()
	if err != nil {
		return nil, false, err
	}
	if norm := floats.Norm(pn, 2); norm <= radius {
		return pn, norm == radius, nil
	}

	gNorm := floats.Norm(s.gh, 2)
	gBg := s.quadratic(s.gh, s.gh)
	if gNorm == 0 {
		// The newton step of a zero gradient is zero, only rounding can get here.
		return make([]float64, len(pn)), false, nil
	}

	// Cauchy point p_sd = -(gᵀg / gᵀBg)g
	if gBg <= 0 || gNorm*gNorm/gBg*gNorm >= radius {
		p := make([]float64, len(s.gh))
		floats.ScaleTo(p, -radius/gNorm, s.gh)
		return p, true, nil
	}
	psd := make([]float64, len(s.gh))
	floats.ScaleTo(psd, -gNorm*gNorm/gBg, s.gh)

	// ‖p_sd + τ(p_gn - p_sd)‖ = Δ with τ ∈ [0, 1]
	d := make([]float64, len(pn))
	floats.SubTo(d, pn, psd)
	_, tau := intersectBoundary(psd, d, radius)
	p := make([]float64, len(pn))
	floats.AddScaledTo(p, psd, tau, d)
	return toBoundary(p, radius), true, nil
}

// intersectBoundary returns the roots t₁ ≤ t₂ of ‖z + td‖ = Δ where ‖z‖ < Δ.
func intersectBoundary(z, d []float64, radius float64) (t1, t2 float64) {
	a := floats.Dot(d, d)
	b := floats.Dot(z, d)
	c := floats.Dot(z, z) - radius*radius
	disc := math.Sqrt(math.Max(b*b-a*c, 0))
	// Avoid cancellation between b and the discriminant.
	q := -(b + math.Copysign(disc, b))
	t1, t2 = q/a, c/q
	if t1 > t2 {
		t1, t2 = t2, t1
	}
	return
}

// toBoundary rescales p in place to the norm radius.
func toBoundary(p []float64, radius float64) []float64 {
	if norm := floats.Norm(p, 2); norm > 0 {
		floats.Scale(radius/norm, p)
	}
	return p
}
