// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package derivative maintains factorized approximations of Jacobian and
// Hessian matrices for trust-region optimizers.
//
// A Model keeps its matrix in factored form (A = QR for Jacobians, H = UᵀU for
// Hessians) and refreshes it with cheap rank-one factor updates between full
// recomputations. All products, solves and quadratic forms are evaluated
// through the factors; the dense matrix is only materialized on request.
package derivative

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrSingular is returned when a triangular factor has a (numerically) zero diagonal.
	ErrSingular = errors.New("derivative: singular factorization")
	// ErrNoDerivative is returned by Recompute when the model has no derivative function.
	ErrNoDerivative = errors.New("derivative: no derivative function")
	// ErrNotPosDef is returned when a Hessian cannot be factorized even after repair.
	ErrNotPosDef = errors.New("derivative: matrix is not positive definite")
	// ErrShape is returned when a supplied matrix does not match the model dimensions.
	ErrShape = errors.New("derivative: dimension mismatch")
)

// SingularError reports the first diagonal entry of a triangular factor
// that is zero within tolerance.
type SingularError struct {
	Index int
	Value float64
}

func (e *SingularError) Error() string {
	return fmt.Sprintf("derivative: singular factor at diagonal %d (%g)", e.Index, e.Value)
}

func (e *SingularError) Unwrap() error { return ErrSingular }

// JacobianFunc fills jac with the m×n Jacobian of the residuals at x.
type JacobianFunc func(x []float64, jac *mat.Dense)

// HessianFunc fills hess with the n×n Hessian of the objective at x.
type HessianFunc func(x []float64, hess *mat.SymDense)

// Initialization describes how a model obtains its first real estimate.
type Initialization int

const (
	// InitEye starts from the identity and is considered initialized.
	InitEye Initialization = iota
	// InitAuto starts from a scaled identity fixed on the first update.
	InitAuto
	// InitUser starts from a caller supplied matrix.
	InitUser
	// InitDeferred waits for the first Recompute (or the first Update, which recomputes).
	InitDeferred
)

func (i Initialization) String() string {
	switch i {
	case InitEye:
		return "eye"
	case InitAuto:
		return "auto"
	case InitUser:
		return "user"
	case InitDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Model is a factorized Jacobian or Hessian approximation.
//
// The quadratic form matrix B is AᵀA for Jacobian models and H for Hessian
// models, so that ½pᵀBp is the curvature term of the trust-region model.
type Model interface {
	// Dims returns the shape of the approximated matrix.
	Dims() (r, c int)
	// Dot returns A·v.
	Dot(v []float64) []float64
	// Solve returns x with A·x = b (least-squares solution for tall Jacobians).
	Solve(b []float64) ([]float64, error)
	// SolveQuadratic returns x with B·x = b.
	SolveQuadratic(b []float64) ([]float64, error)
	// Quadratic returns uᵀ·B·v.
	Quadratic(u, v []float64) float64
	// Matrix materializes A.
	Matrix() *mat.Dense
	// Inverse materializes A⁻¹ (R⁻¹Qᵀ for Jacobians).
	Inverse() (*mat.Dense, error)
	// Recompute refactorizes the exact derivative at x.
	Recompute(x []float64) error
	// Update applies the quasi-Newton correction for the step xOld → xNew
	// with the matching change yOld → yNew (residuals or gradients).
	Update(xNew, xOld, yNew, yOld []float64) error
	// Scale returns the column-norm scaling and its inverse; when prevInv is
	// not nil the inverse is the element-wise maximum with it.
	Scale(prevInv []float64) (scale, scaleInv []float64)
	// Initialized reports whether the model holds a real estimate.
	Initialized() bool
	// Initialization reports the initialization strategy.
	Initialization() Initialization
}

// columnScale computes the inverse scaling from the column norms of the
// triangular factor. Zero columns get unit scale.
func columnScale(t mat.Matrix, prevInv []float64) (scale, scaleInv []float64) {
	r, c := t.Dims()
	if prevInv != nil && len(prevInv) != c {
		panic("bound check error")
	}
	col := make([]float64, r)
	scale = make([]float64, c)
	scaleInv = make([]float64, c)
	for j := range scaleInv {
		mat.Col(col, j, t)
		s := floats.Norm(col, 2)
		if s == 0 {
			s = 1
		}
		if prevInv != nil {
			s = math.Max(s, prevInv[j])
		}
		scaleInv[j] = s
		scale[j] = 1 / s
	}
	return
}

// checkDiagonal reports the first diagonal entry of t below eps·max|tᵢᵢ|.
func checkDiagonal(t mat.Triangular) error {
	n, _ := t.Dims()
	maxDiag := 0.0
	for i := 0; i < n; i++ {
		maxDiag = math.Max(maxDiag, math.Abs(t.At(i, i)))
	}
	tol := eps * maxDiag
	for i := 0; i < n; i++ {
		if d := t.At(i, i); math.Abs(d) <= tol {
			return &SingularError{Index: i, Value: d}
		}
	}
	return nil
}

// isZero reports whether every element of v is exactly zero.
func isZero(v []float64) bool {
	for _, e := range v {
		if e != 0 {
			return false
		}
	}
	return true
}

var eps = math.Nextafter(1, 2) - 1
