// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package derivative

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func requireSPD(t *testing.T, a *mat.Dense, tol float64) {
	t.Helper()
	n, _ := a.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			require.InDelta(t, a.At(i, j), a.At(j, i), tol*math.Max(1, math.Abs(a.At(i, j))))
			sym.SetSym(i, j, a.At(i, j))
		}
	}
	var eig mat.EigenSym
	require.True(t, eig.Factorize(sym, false))
	values := eig.Values(nil)
	require.GreaterOrEqual(t, floats.Min(values), -tol*floats.Max(values))
}

func TestCholeskyHessianInit(t *testing.T) {

	h, err := NewCholeskyHessian(3)
	require.NoError(t, err)
	require.Equal(t, InitEye, h.Initialization())
	require.True(t, h.Initialized())
	require.True(t, mat.EqualApprox(h.Matrix(), mat.NewDiagDense(3, []float64{1, 1, 1}), 1e-15))

	h, err = NewCholeskyHessian(3, WithAutoInit())
	require.NoError(t, err)
	require.Equal(t, InitAuto, h.Initialization())
	require.False(t, h.Initialized())

	hessFun := func(x []float64, hess *mat.SymDense) {
		hess.SetSym(0, 0, 2)
		hess.SetSym(1, 1, 4)
	}
	h, err = NewCholeskyHessian(2, WithHessianFunc(hessFun))
	require.NoError(t, err)
	require.Equal(t, InitDeferred, h.Initialization())
	require.NoError(t, h.Recompute([]float64{0, 0}))
	require.True(t, h.Initialized())
	require.True(t, mat.EqualApprox(h.Matrix(), mat.NewDiagDense(2, []float64{2, 4}), 1e-12))

	// indefinite matrices are shifted to positive definite
	indef := mat.NewSymDense(2, []float64{1, 0, 0, -3})
	h, err = NewCholeskyHessian(2, WithInitialHessian(indef))
	require.NoError(t, err)
	require.Equal(t, InitUser, h.Initialization())
	// λₘᵢₙ = -3 shifted by δ - λₘᵢₙ = 0.2 + 3
	require.True(t, mat.EqualApprox(h.Matrix(), mat.NewDiagDense(2, []float64{4.2, 0.2}), 1e-12))

	_, err = NewCholeskyHessian(0)
	require.ErrorIs(t, err, ErrShape)
	_, err = NewCholeskyHessian(2, WithInitialHessian(mat.NewSymDense(3, nil)))
	require.ErrorIs(t, err, ErrShape)
	_, err = NewCholeskyHessian(2, WithMinCurvature(1.5))
	require.Error(t, err)
	_, err = NewCholeskyHessian(2, WithExceptionStrategy(Strategy(7)))
	require.Error(t, err)

	h, err = NewCholeskyHessian(2)
	require.NoError(t, err)
	require.ErrorIs(t, h.Recompute([]float64{0, 0}), ErrNoDerivative)
}

func TestBFGSSecant(t *testing.T) {
	h, err := NewCholeskyHessian(3)
	require.NoError(t, err)

	xOld := []float64{0, 0, 0}
	xNew := []float64{1, 0.5, -0.25}
	gOld := []float64{0, 0, 0}
	gNew := []float64{2, 1.5, 0.1}
	require.NoError(t, h.Update(xNew, xOld, gNew, gOld))

	// H₊s = y when the curvature condition holds
	require.InDeltaSlice(t, gNew, h.Dot(xNew), 1e-12)
	require.Zero(t, h.Skipped())
	requireSPD(t, h.Matrix(), 1e-12)
}

func TestBFGSCurvatureViolation(t *testing.T) {

	s := []float64{1, 0}
	y := []float64{-1, 0}
	zero := []float64{0, 0}

	// skipping leaves the identity in place
	h, err := NewCholeskyHessian(2, WithExceptionStrategy(SkipUpdate))
	require.NoError(t, err)
	require.NoError(t, h.Update(s, zero, y, zero))
	require.Equal(t, 1, h.Skipped())
	require.True(t, mat.EqualApprox(h.Matrix(), mat.NewDiagDense(2, []float64{1, 1}), 1e-15))

	// damping: θ = 0.8/(1+1) = 0.4, y' = 0.2e₁, H₊₁₁ = 1 + 0.04/0.2 - 1
	h, err = NewCholeskyHessian(2)
	require.NoError(t, err)
	require.NoError(t, h.Update(s, zero, y, zero))
	require.Zero(t, h.Skipped())
	require.InDelta(t, 0.2, h.Matrix().At(0, 0), 1e-12)
	require.InDelta(t, 1, h.Matrix().At(1, 1), 1e-12)
	require.InDelta(t, 0.2, h.Quadratic(s, s), 1e-12)
}

func TestBFGSAutoInit(t *testing.T) {
	h, err := NewCholeskyHessian(2, WithAutoInit())
	require.NoError(t, err)

	s := []float64{1, 1}
	y := []float64{2, 4}
	require.NoError(t, h.Update(s, []float64{0, 0}, y, []float64{0, 0}))
	require.True(t, h.Initialized())
	require.InDeltaSlice(t, y, h.Dot(s), 1e-12)
	requireSPD(t, h.Matrix(), 1e-12)
}

func TestBFGSDeferredInit(t *testing.T) {
	calls := 0
	hessFun := func(x []float64, hess *mat.SymDense) {
		calls++
		hess.SetSym(0, 0, 3)
		hess.SetSym(1, 1, 3)
	}
	h, err := NewCholeskyHessian(2, WithHessianFunc(hessFun))
	require.NoError(t, err)
	require.NoError(t, h.Update([]float64{1, 0}, []float64{0, 0}, []float64{3, 0}, []float64{0, 0}))
	require.Equal(t, 1, calls)
	require.True(t, mat.EqualApprox(h.Matrix(), mat.NewDiagDense(2, []float64{3, 3}), 1e-12))
}

// Arbitrary (s, y) sequences including negative curvature keep H positive semi-definite.
func TestBFGSPositiveDefinite(t *testing.T) {
	rnd := rand.New(rand.NewPCG(7, 8))
	const n = 5

	for _, strategy := range []Strategy{DampUpdate, SkipUpdate} {
		for _, auto := range []bool{false, true} {
			opts := []CholeskyOption{WithExceptionStrategy(strategy)}
			if auto {
				opts = append(opts, WithAutoInit())
			}
			h, err := NewCholeskyHessian(n, opts...)
			require.NoError(t, err)

			x, g := make([]float64, n), make([]float64, n)
			for k := 0; k < 40; k++ {
				xNew, gNew := randVec(rnd, n), randVec(rnd, n)
				if k%3 == 0 {
					// force sᵀy < 0
					floats.SubTo(gNew, x, xNew)
					floats.Add(gNew, g)
				}
				require.NoError(t, h.Update(xNew, x, gNew, g))
				requireSPD(t, h.Matrix(), 1e-8)
				x, g = xNew, gNew
			}
		}
	}
}

func TestCholeskySolve(t *testing.T) {
	a := mat.NewSymDense(3, []float64{
		4, 1, 0,
		1, 3, 1,
		0, 1, 2,
	})
	h, err := NewCholeskyHessian(3, WithInitialHessian(a))
	require.NoError(t, err)
	require.True(t, mat.EqualApprox(h.Matrix(), a, 1e-12))

	b := []float64{1, 2, 3}
	x, err := h.Solve(b)
	require.NoError(t, err)
	var ax mat.VecDense
	ax.MulVec(a, mat.NewVecDense(3, x))
	require.InDeltaSlice(t, b, ax.RawVector().Data, 1e-12)

	y, err := h.SolveQuadratic(b)
	require.NoError(t, err)
	require.InDeltaSlice(t, x, y, 0)

	var av mat.VecDense
	av.MulVec(a, mat.NewVecDense(3, b))
	require.InDeltaSlice(t, av.RawVector().Data, h.Dot(b), 1e-12)
	require.InDelta(t, floats.Dot(b, av.RawVector().Data), h.Quadratic(b, b), 1e-12)

	inv, err := h.Inverse()
	require.NoError(t, err)
	var prod mat.Dense
	prod.Mul(inv, a)
	require.True(t, mat.EqualApprox(&prod, mat.NewDiagDense(3, []float64{1, 1, 1}), 1e-12))

	// √diag(H) scaling
	_, scaleInv := h.Scale(nil)
	require.InDeltaSlice(t, []float64{2, math.Sqrt(3), math.Sqrt(2)}, scaleInv, 1e-12)
}
