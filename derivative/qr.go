// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package derivative

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// QRJacobian is an m×n Jacobian approximation A = QR kept up to date with
// Broyden's rank-one update
//
//	A₊ = A + (Δf - AΔx)Δxᵀ / ‖Δx‖²
//
// applied directly to the factors. Q is m×n with orthonormal columns and R is
// n×n upper triangular, so m ≥ n is required.
type QRJacobian struct {
	m, n    int
	q       *mat.Dense
	r       *mat.TriDense
	jacFun  JacobianFunc
	init    Initialization
	started bool
}

// QROption configures a QRJacobian.
type QROption func(*qrConfig)

type qrConfig struct {
	jac    *mat.Dense
	jacFun JacobianFunc
}

// WithInitialJacobian starts the model from the m×n matrix jac.
func WithInitialJacobian(jac *mat.Dense) QROption {
	return func(c *qrConfig) { c.jac = jac }
}

// WithJacobianFunc enables Recompute with the exact Jacobian function.
func WithJacobianFunc(f JacobianFunc) QROption {
	return func(c *qrConfig) { c.jacFun = f }
}

// NewQRJacobian creates an m×n Jacobian model.
//
// Without options the model starts from the identity. With only a Jacobian
// function the model is deferred until the first Recompute.
func NewQRJacobian(m, n int, opts ...QROption) (*QRJacobian, error) {
	if n <= 0 || m < n {
		return nil, fmt.Errorf("%w: need m ≥ n > 0, got %d×%d", ErrShape, m, n)
	}
	var cfg qrConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	j := &QRJacobian{m: m, n: n, jacFun: cfg.jacFun}
	switch {
	case cfg.jac != nil:
		if err := j.factorize(cfg.jac); err != nil {
			return nil, err
		}
		j.init, j.started = InitUser, true
	case cfg.jacFun != nil:
		j.q, j.r = eyeQR(m, n)
		j.init, j.started = InitDeferred, false
	default:
		j.q, j.r = eyeQR(m, n)
		j.init, j.started = InitEye, true
	}
	return j, nil
}

func eyeQR(m, n int) (*mat.Dense, *mat.TriDense) {
	q := mat.NewDense(m, n, nil)
	r := mat.NewTriDense(n, mat.Upper, nil)
	for i := 0; i < n; i++ {
		q.Set(i, i, 1)
		r.SetTri(i, i, 1)
	}
	return q, r
}

// factorize replaces the factors with the economic QR of a.
func (j *QRJacobian) factorize(a mat.Matrix) error {
	if r, c := a.Dims(); r != j.m || c != j.n {
		return fmt.Errorf("%w: jacobian is %d×%d, want %d×%d", ErrShape, r, c, j.m, j.n)
	}
	var qr mat.QR
	qr.Factorize(a)
	var qf, rf mat.Dense
	qr.QTo(&qf)
	qr.RTo(&rf)

	q := mat.DenseCopyOf(qf.Slice(0, j.m, 0, j.n))
	r := mat.NewTriDense(j.n, mat.Upper, nil)
	for i := 0; i < j.n; i++ {
		for k := i; k < j.n; k++ {
			r.SetTri(i, k, rf.At(i, k))
		}
	}
	j.q, j.r = q, r
	return nil
}

func (j *QRJacobian) Dims() (r, c int) { return j.m, j.n }

func (j *QRJacobian) Initialized() bool { return j.started }

func (j *QRJacobian) Initialization() Initialization { return j.init }

// Factors returns copies of Q and R.
func (j *QRJacobian) Factors() (q *mat.Dense, r *mat.TriDense) {
	r = mat.NewTriDense(j.n, mat.Upper, nil)
	r.Copy(j.r)
	return mat.DenseCopyOf(j.q), r
}

func (j *QRJacobian) Dot(v []float64) []float64 {
	var rv, qrv mat.VecDense
	rv.MulVec(j.r, mat.NewVecDense(j.n, v))
	qrv.MulVec(j.q, &rv)
	return qrv.RawVector().Data
}

// Solve returns R⁻¹Qᵀb, the least-squares solution of QRx = b.
func (j *QRJacobian) Solve(b []float64) ([]float64, error) {
	if len(b) != j.m {
		panic("bound check error")
	}
	if err := checkDiagonal(j.r); err != nil {
		return nil, err
	}
	var y mat.VecDense
	y.MulVec(j.q.T(), mat.NewVecDense(j.m, b))
	x := y.RawVector().Data
	j.trsv(blas.NoTrans, x)
	return x, nil
}

// SolveQuadratic returns (AᵀA)⁻¹b = R⁻¹R⁻ᵀb.
func (j *QRJacobian) SolveQuadratic(b []float64) ([]float64, error) {
	if len(b) != j.n {
		panic("bound check error")
	}
	if err := checkDiagonal(j.r); err != nil {
		return nil, err
	}
	x := make([]float64, j.n)
	copy(x, b)
	j.trsv(blas.Trans, x)
	j.trsv(blas.NoTrans, x)
	return x, nil
}

func (j *QRJacobian) trsv(t blas.Transpose, x []float64) {
	blas64.Trsv(t, j.r.RawTriangular(), blas64.Vector{N: j.n, Inc: 1, Data: x})
}

// Quadratic returns (Ru)·(Rv) = uᵀAᵀAv.
func (j *QRJacobian) Quadratic(u, v []float64) float64 {
	var ru, rv mat.VecDense
	ru.MulVec(j.r, mat.NewVecDense(j.n, u))
	rv.MulVec(j.r, mat.NewVecDense(j.n, v))
	return mat.Dot(&ru, &rv)
}

func (j *QRJacobian) Matrix() *mat.Dense {
	var a mat.Dense
	a.Mul(j.q, j.r)
	return &a
}

// Inverse returns the n×m matrix R⁻¹Qᵀ.
func (j *QRJacobian) Inverse() (*mat.Dense, error) {
	if err := checkDiagonal(j.r); err != nil {
		return nil, err
	}
	var inv mat.Dense
	if err := inv.Solve(j.r, j.q.T()); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: %v", ErrSingular, err)
		}
	}
	return &inv, nil
}

func (j *QRJacobian) Recompute(x []float64) error {
	if j.jacFun == nil {
		return ErrNoDerivative
	}
	jac := mat.NewDense(j.m, j.n, nil)
	j.jacFun(x, jac)
	if err := j.factorize(jac); err != nil {
		return err
	}
	j.started = true
	return nil
}

// Update applies Broyden's correction for the step xOld → xNew with
// residuals fOld → fNew.
func (j *QRJacobian) Update(xNew, xOld, fNew, fOld []float64) error {
	if len(xNew) != j.n || len(xOld) != j.n || len(fNew) != j.m || len(fOld) != j.m {
		panic("bound check error")
	}

	dx := make([]float64, j.n)
	df := make([]float64, j.m)
	floats.SubTo(dx, xNew, xOld)
	floats.SubTo(df, fNew, fOld)
	if isZero(dx) || isZero(df) {
		return nil
	}

	if !j.started && j.init == InitDeferred {
		if err := j.Recompute(xNew); err != nil {
			return err
		}
	}

	// u = (Δf - AΔx) / ‖Δx‖², v = Δx
	u := j.Dot(dx)
	floats.SubTo(u, df, u)
	floats.Scale(1/floats.Dot(dx, dx), u)

	j.q, j.r = qrUpdate(j.q, j.r, u, dx)
	return nil
}

func (j *QRJacobian) Scale(prevInv []float64) (scale, scaleInv []float64) {
	return columnScale(j.r, prevInv)
}
