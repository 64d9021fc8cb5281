// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package numdiff approximates Jacobians and gradients by finite differences,
// producing collaborators for the trust-region optimizers.
package numdiff

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/curioloop/trustregion/derivative"
	"gonum.org/v1/gonum/mat"
)

var sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)
var cubeEps = math.Pow(math.Nextafter(1, 2)-1, float64(1)/3)

// ErrInvalidSpec is wrapped by every validation error of Approx.
var ErrInvalidSpec = errors.New("numdiff: invalid approximation")

type Method int

const (
	// Forward use the first order accuracy forward difference.
	Forward Method = iota
	// Central use central difference in interior points and the second order accuracy
	// forward or backward difference near the boundary.
	Central
)

// Bound limits the range of function evaluation, NaN or infinite ends are open.
type Bound [2]float64

// Approx estimates the m×n Jacobian of a vector function by finite differences.
//
// # Reference:
//
//   - https://en.wikipedia.org/wiki/Finite_difference
//   - https://github.com/scipy/scipy/blob/main/scipy/optimize/_numdiff.py
//
// # License
//
//   - https://github.com/scipy/scipy/blob/main/LICENSE.txt
type Approx struct {
	N, M int
	// Function of which to estimate the derivatives.
	// The argument x passed to this function is an n-vector.
	// The result is store in an m-vector y.
	Func func(x, y []float64)
	// Finite difference method to use.
	Method Method
	// Lower and upper bounds on independent variables.
	// Use it to limit the range of function evaluation.
	Bounds []Bound
	// Relative step size used to compute absolute step size.
	// By default h = eps × sign(x0) × max(1, |x0|) with eps selected by Method,
	// otherwise h = RelStep × sign(x0) × |x0|.
	RelStep float64
	// Absolute step size to use, possibly adjusted to fit into the bounds.
	// For Central method the sign of AbsStep is ignored.
	AbsStep float64
	// Don't check if x0 is out of bounds.
	SkipBoundCheck bool
}

// validate checks the specification against x0 and returns the closed bounds.
func (a *Approx) validate(x0 []float64) (bounds []Bound, err error) {

	switch {
	case a.N <= 0 || a.M <= 0:
		return nil, fmt.Errorf("%w: dimensions must be positive", ErrInvalidSpec)
	case a.Method != Forward && a.Method != Central:
		return nil, fmt.Errorf("%w: unknown method %d", ErrInvalidSpec, a.Method)
	case a.Func == nil:
		return nil, fmt.Errorf("%w: function is required", ErrInvalidSpec)
	case len(x0) != a.N:
		return nil, fmt.Errorf("%w: x0 has %d entries, want %d", ErrInvalidSpec, len(x0), a.N)
	case a.Bounds != nil && len(a.Bounds) != a.N:
		return nil, fmt.Errorf("%w: bounds have %d entries, want %d", ErrInvalidSpec, len(a.Bounds), a.N)
	}

	if a.Bounds == nil {
		return nil, nil
	}

	finite := false
	bounds = make([]Bound, a.N)
	for i, b := range a.Bounds {
		lb, ub := b[0], b[1]
		if math.IsNaN(lb) {
			lb = math.Inf(-1)
		}
		if math.IsNaN(ub) {
			ub = math.Inf(1)
		}
		switch {
		case lb > ub:
			return nil, fmt.Errorf("%w: empty bound at %d", ErrInvalidSpec, i)
		case !a.SkipBoundCheck && (x0[i] < lb || x0[i] > ub):
			return nil, fmt.Errorf("%w: x0 violates bound at %d", ErrInvalidSpec, i)
		}
		finite = finite || !math.IsInf(lb, 0) || !math.IsInf(ub, 0)
		bounds[i] = Bound{lb, ub}
	}
	if !finite {
		bounds = nil
	}
	return
}

// Jacobian stores the approximation at x0 into the m×n matrix jac.
// The function is evaluated n+1 (Forward) or 2n+1 (Central) times.
func (a *Approx) Jacobian(x0 []float64, jac *mat.Dense) error {

	bounds, err := a.validate(x0)
	if err != nil {
		return err
	}
	if r, c := jac.Dims(); r != a.M || c != a.N {
		return fmt.Errorf("%w: jacobian is %d×%d, want %d×%d", ErrInvalidSpec, r, c, a.M, a.N)
	}

	h := a.absoluteStep(x0)
	oneSide := a.adjustToBounds(x0, h, bounds)

	x := slices.Clone(x0)
	f0 := make([]float64, a.M)
	a.Func(x, f0)

	if a.Method == Central {
		a.central(x, f0, h, oneSide, jac)
	} else {
		a.forward(x, f0, h, jac)
	}
	return nil
}

// JacobianFunc adapts the approximation to the derivative model interface.
// Validation errors panic, an optimizer reports them as an evaluation panic.
func (a *Approx) JacobianFunc() derivative.JacobianFunc {
	return func(x []float64, jac *mat.Dense) {
		if err := a.Jacobian(x, jac); err != nil {
			panic(err)
		}
	}
}

// Gradient returns the finite difference gradient of the scalar function f.
func Gradient(n int, f func(x []float64) float64, method Method) func(x, g []float64) {
	approx := Approx{
		N: n, M: 1,
		Func:   func(x, y []float64) { y[0] = f(x) },
		Method: method,
	}
	return func(x, g []float64) {
		if err := approx.Jacobian(x, mat.NewDense(1, n, g)); err != nil {
			panic(err)
		}
	}
}

// absoluteStep returns the signed step of every variable.
func (a *Approx) absoluteStep(x0 []float64) []float64 {

	var eps float64
	switch a.Method {
	case Forward:
		eps = sqrtEps
	case Central:
		eps = cubeEps
	default:
		panic("unknown method")
	}

	auto := func(v float64) float64 {
		return math.Copysign(eps, v) * math.Max(1.0, math.Abs(v))
	}

	h := make([]float64, len(x0))
	for i, v := range x0 {
		switch {
		case a.AbsStep == 0 && a.RelStep == 0:
			h[i] = auto(v)
			continue
		case a.AbsStep != 0:
			h[i] = a.AbsStep
		default:
			h[i] = math.Copysign(a.RelStep, v) * math.Abs(v)
		}
		// the step vanishes in floating point
		if (v+h[i])-v == 0 {
			h[i] = auto(v)
		}
	}
	return h
}

// adjustToBounds shrinks or flips the steps h in place so every evaluation
// stays within the bounds. For Central it returns the variables that fall
// back to a one-sided second order difference.
func (a *Approx) adjustToBounds(x0, h []float64, bounds []Bound) (oneSide []bool) {

	if a.Method == Central {
		oneSide = make([]bool, len(h))
		for i, v := range h {
			h[i] = math.Abs(v)
		}
	}
	if bounds == nil {
		return
	}
	if len(x0) != len(bounds) || len(x0) != len(h) {
		panic("bound check error")
	}

	for i, x := range x0 {
		lower, upper := x-bounds[i][0], bounds[i][1]-x
		if a.Method == Forward {
			fits := math.Abs(h[i]) <= math.Max(lower, upper)
			switch t := x + h[i]; {
			case !fits && upper >= lower:
				h[i] = upper
			case !fits:
				h[i] = -lower
			case t < bounds[i][0] || t > bounds[i][1]:
				h[i] = -h[i]
			}
			continue
		}

		if lower >= h[i] && upper >= h[i] {
			continue
		}
		if upper >= lower {
			h[i] = math.Min(h[i], 0.5*upper)
		} else {
			h[i] = -math.Min(h[i], 0.5*lower)
		}
		oneSide[i] = true
		if closest := math.Min(lower, upper); math.Abs(h[i]) <= closest {
			h[i] = closest
			oneSide[i] = false
		}
	}
	return
}

// forward fills jac with (f(x + hᵢeᵢ) - f(x)) / hᵢ.
func (a *Approx) forward(x, f0, h []float64, jac *mat.Dense) {
	f1 := make([]float64, a.M)
	for i, s := range h {
		t := x[i]
		x[i] = t + s
		a.Func(x, f1)
		x[i] = t
		for j := range f0 {
			jac.Set(j, i, (f1[j]-f0[j])/s)
		}
	}
}

// central fills jac with (f(x + hᵢeᵢ) - f(x - hᵢeᵢ)) / 2hᵢ, or the one-sided
// (4f(x + hᵢeᵢ) - 3f(x) - f(x + 2hᵢeᵢ)) / 2hᵢ near a bound.
func (a *Approx) central(x, f0, h []float64, oneSide []bool, jac *mat.Dense) {
	f1 := make([]float64, a.M)
	f2 := make([]float64, a.M)
	for i, s := range h {
		t := x[i]
		d := 1.0 / (2 * s)
		if oneSide[i] {
			x[i] = t + s
			a.Func(x, f1)
			x[i] = t + 2*s
			a.Func(x, f2)
			for j := range f0 {
				jac.Set(j, i, (4*f1[j]-3*f0[j]-f2[j])*d)
			}
		} else {
			x[i] = t - s
			a.Func(x, f1)
			x[i] = t + s
			a.Func(x, f2)
			for j := range f0 {
				jac.Set(j, i, (f2[j]-f1[j])*d)
			}
		}
		x[i] = t
	}
}
