// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package derivative

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func randDense(rnd *rand.Rand, r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rnd.NormFloat64()
	}
	return mat.NewDense(r, c, data)
}

func randVec(rnd *rand.Rand, n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = rnd.NormFloat64()
	}
	return v
}

func requireOrthonormal(t *testing.T, q mat.Matrix, tol float64) {
	t.Helper()
	_, n := q.Dims()
	var qtq mat.Dense
	qtq.Mul(q.T(), q)
	eye := mat.NewDiagDense(n, nil)
	for i := 0; i < n; i++ {
		eye.SetDiag(i, 1)
	}
	require.True(t, mat.EqualApprox(&qtq, eye, tol), "QᵀQ = %v", mat.Formatted(&qtq))
}

func TestQRJacobianInit(t *testing.T) {

	// identity without options
	j, err := NewQRJacobian(4, 3)
	require.NoError(t, err)
	require.Equal(t, InitEye, j.Initialization())
	require.True(t, j.Initialized())
	eye := mat.NewDense(4, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0})
	require.True(t, mat.Equal(j.Matrix(), eye))

	// user supplied matrix
	a := mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})
	j, err = NewQRJacobian(3, 2, WithInitialJacobian(a))
	require.NoError(t, err)
	require.Equal(t, InitUser, j.Initialization())
	require.True(t, mat.EqualApprox(j.Matrix(), a, 1e-12))
	q, r := j.Factors()
	requireOrthonormal(t, q, 1e-12)
	require.Zero(t, r.At(1, 0))

	// deferred to the jacobian function
	jacFun := func(x []float64, jac *mat.Dense) { jac.Copy(a) }
	j, err = NewQRJacobian(3, 2, WithJacobianFunc(jacFun))
	require.NoError(t, err)
	require.Equal(t, InitDeferred, j.Initialization())
	require.False(t, j.Initialized())
	require.NoError(t, j.Recompute([]float64{0, 0}))
	require.True(t, j.Initialized())
	require.True(t, mat.EqualApprox(j.Matrix(), a, 1e-12))

	// shape errors
	_, err = NewQRJacobian(2, 3)
	require.ErrorIs(t, err, ErrShape)
	_, err = NewQRJacobian(4, 2, WithInitialJacobian(a))
	require.ErrorIs(t, err, ErrShape)

	// no function to recompute with
	j, err = NewQRJacobian(3, 2)
	require.NoError(t, err)
	require.ErrorIs(t, j.Recompute([]float64{0, 0}), ErrNoDerivative)
}

func TestQRUpdate(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 2))

	for _, dim := range [][2]int{{1, 1}, {3, 3}, {5, 3}, {8, 1}, {10, 6}} {
		m, n := dim[0], dim[1]
		a := randDense(rnd, m, n)
		j, err := NewQRJacobian(m, n, WithInitialJacobian(a))
		require.NoError(t, err)

		for k := 0; k < 5; k++ {
			u, v := randVec(rnd, m), randVec(rnd, n)
			j.q, j.r = qrUpdate(j.q, j.r, u, v)

			var uv mat.Dense
			uv.Outer(1, mat.NewVecDense(m, u), mat.NewVecDense(n, v))
			a.Add(a, &uv)

			require.True(t, mat.EqualApprox(j.Matrix(), a, 1e-10), "%d×%d update %d", m, n, k)
			requireOrthonormal(t, j.q, 1e-10)
			for r := 1; r < n; r++ {
				for c := 0; c < r; c++ {
					require.Zero(t, j.r.At(r, c))
				}
			}
		}
	}
}

func TestQRUpdateInRange(t *testing.T) {
	// u inside the column space of Q leaves no residual direction
	a := mat.NewDense(4, 2, []float64{1, 0, 0, 1, 0, 0, 0, 0})
	j, err := NewQRJacobian(4, 2, WithInitialJacobian(a))
	require.NoError(t, err)

	u := []float64{2, -1, 0, 0}
	v := []float64{1, 3}
	j.q, j.r = qrUpdate(j.q, j.r, u, v)

	want := mat.NewDense(4, 2, []float64{3, 6, -1, -2, 0, 0, 0, 0})
	require.True(t, mat.EqualApprox(j.Matrix(), want, 1e-12))
	requireOrthonormal(t, j.q, 1e-12)
}

// Broyden updates along n orthogonal directions of a linear residual
// recover the exact Jacobian.
func TestBroydenSelfCorrection(t *testing.T) {
	rnd := rand.New(rand.NewPCG(3, 4))
	const m, n = 5, 3

	a := randDense(rnd, m, n)
	b := randVec(rnd, m)
	fun := func(x []float64) []float64 {
		var f mat.VecDense
		f.MulVec(a, mat.NewVecDense(n, x))
		floats.Sub(f.RawVector().Data, b)
		return f.RawVector().Data
	}
	jacFun := func(x []float64, jac *mat.Dense) { jac.Copy(a) }

	j, err := NewQRJacobian(m, n, WithInitialJacobian(randDense(rnd, m, n)), WithJacobianFunc(jacFun))
	require.NoError(t, err)

	x := randVec(rnd, n)
	f := fun(x)
	for k := 0; k < n; k++ {
		xNew := append([]float64(nil), x...)
		xNew[k] += 0.5 + float64(k)
		fNew := fun(xNew)
		require.NoError(t, j.Update(xNew, x, fNew, f))
		x, f = xNew, fNew
	}

	exact, err := NewQRJacobian(m, n, WithJacobianFunc(jacFun))
	require.NoError(t, err)
	require.NoError(t, exact.Recompute(x))
	require.True(t, mat.EqualApprox(j.Matrix(), exact.Matrix(), 1e-10))

	// every single update satisfies the secant condition
	xNew := []float64{x[0] + 1, x[1] - 2, x[2] + 0.5}
	fNew := fun(xNew)
	require.NoError(t, j.Update(xNew, x, fNew, f))
	dx := make([]float64, n)
	df := make([]float64, m)
	floats.SubTo(dx, xNew, x)
	floats.SubTo(df, fNew, f)
	require.InDeltaSlice(t, df, j.Dot(dx), 1e-10)
}

func TestQRUpdateDeferred(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{2, 1, 0, 3})
	calls := 0
	jacFun := func(x []float64, jac *mat.Dense) {
		calls++
		jac.Copy(a)
	}
	j, err := NewQRJacobian(2, 2, WithJacobianFunc(jacFun))
	require.NoError(t, err)

	// zero steps are ignored
	require.NoError(t, j.Update([]float64{1, 1}, []float64{1, 1}, []float64{1, 2}, []float64{0, 0}))
	require.NoError(t, j.Update([]float64{1, 2}, []float64{1, 1}, []float64{0, 0}, []float64{0, 0}))
	require.Zero(t, calls)
	require.False(t, j.Initialized())

	// first real update recomputes then applies the secant correction
	require.NoError(t, j.Update([]float64{1, 2}, []float64{1, 1}, []float64{1, 3}, []float64{0, 0}))
	require.Equal(t, 1, calls)
	require.True(t, j.Initialized())
	require.InDeltaSlice(t, []float64{1, 3}, j.Dot([]float64{0, 1}), 1e-12)
}

func TestQRSolve(t *testing.T) {
	rnd := rand.New(rand.NewPCG(5, 6))
	const m, n = 6, 4

	a := randDense(rnd, m, n)
	j, err := NewQRJacobian(m, n, WithInitialJacobian(a))
	require.NoError(t, err)

	v := randVec(rnd, n)
	var av mat.VecDense
	av.MulVec(a, mat.NewVecDense(n, v))
	require.InDeltaSlice(t, av.RawVector().Data, j.Dot(v), 1e-12)

	// least-squares solve
	b := randVec(rnd, m)
	x, err := j.Solve(b)
	require.NoError(t, err)
	var want mat.VecDense
	require.NoError(t, want.SolveVec(a, mat.NewVecDense(m, b)))
	require.InDeltaSlice(t, want.RawVector().Data, x, 1e-10)

	// normal equations solve
	var ata mat.Dense
	ata.Mul(a.T(), a)
	c := randVec(rnd, n)
	x, err = j.SolveQuadratic(c)
	require.NoError(t, err)
	var atax mat.VecDense
	atax.MulVec(&ata, mat.NewVecDense(n, x))
	require.InDeltaSlice(t, c, atax.RawVector().Data, 1e-10)

	// quadratic form
	u := randVec(rnd, n)
	var atav mat.VecDense
	atav.MulVec(&ata, mat.NewVecDense(n, v))
	require.InDelta(t, floats.Dot(u, atav.RawVector().Data), j.Quadratic(u, v), 1e-10)

	// pseudo inverse
	inv, err := j.Inverse()
	require.NoError(t, err)
	var ia mat.Dense
	ia.Mul(inv, a)
	eye := mat.NewDiagDense(n, []float64{1, 1, 1, 1})
	require.True(t, mat.EqualApprox(&ia, eye, 1e-10))
}

func TestQRSingular(t *testing.T) {
	a := mat.NewDense(3, 2, []float64{1, 0, 2, 0, 3, 0})
	j, err := NewQRJacobian(3, 2, WithInitialJacobian(a))
	require.NoError(t, err)

	_, err = j.Solve([]float64{1, 1, 1})
	require.ErrorIs(t, err, ErrSingular)
	var se *SingularError
	require.True(t, errors.As(err, &se))
	require.Equal(t, 1, se.Index)

	_, err = j.SolveQuadratic([]float64{1, 1})
	require.ErrorIs(t, err, ErrSingular)
	_, err = j.Inverse()
	require.ErrorIs(t, err, ErrSingular)
}

func TestQRScale(t *testing.T) {
	a := mat.NewDense(3, 3, []float64{
		3, 0, 0,
		4, 2, 0,
		0, 0, 0,
	})
	j, err := NewQRJacobian(3, 3, WithInitialJacobian(a))
	require.NoError(t, err)

	scale, scaleInv := j.Scale(nil)
	require.InDeltaSlice(t, []float64{5, 2, 1}, scaleInv, 1e-12)
	require.InDeltaSlice(t, []float64{0.2, 0.5, 1}, scale, 1e-12)

	// monotone growth against a previous scaling
	scale, scaleInv = j.Scale([]float64{1, 7, 0.5})
	require.InDeltaSlice(t, []float64{5, 7, 1}, scaleInv, 1e-12)
	for i := range scale {
		require.InDelta(t, 1/scaleInv[i], scale[i], 1e-15)
	}
}
