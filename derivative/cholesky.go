// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package derivative

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Strategy selects how a BFGS update violating the curvature condition is handled.
type Strategy int

const (
	// DampUpdate interpolates y towards Hs so the condition holds with equality.
	DampUpdate Strategy = iota
	// SkipUpdate discards the update.
	SkipUpdate
)

func (s Strategy) String() string {
	switch s {
	case DampUpdate:
		return "damp_update"
	case SkipUpdate:
		return "skip_update"
	default:
		return "unknown"
	}
}

const (
	dampMinCurvature = 0.2
	skipMinCurvature = 1e-8
	spdTolerance     = 0.1
)

// CholeskyHessian is an n×n Hessian approximation H = UᵀU kept up to date
// with the BFGS formula
//
//	H₊ = H + yyᵀ/sᵀy - (Hs)(Hs)ᵀ/sᵀHs
//
// where both rank-one terms are applied as Cholesky factor updates.
// The factor is positive definite by construction.
type CholeskyHessian struct {
	n            int
	chol         mat.Cholesky
	hessFun      HessianFunc
	strategy     Strategy
	minCurvature float64
	init         Initialization
	started      bool
	skipped      int
}

// CholeskyOption configures a CholeskyHessian.
type CholeskyOption func(*cholConfig)

type cholConfig struct {
	hess         *mat.SymDense
	hessFun      HessianFunc
	auto         bool
	strategy     Strategy
	minCurvature float64
}

// WithInitialHessian starts the model from hess, shifted to be positive definite if needed.
func WithInitialHessian(hess *mat.SymDense) CholeskyOption {
	return func(c *cholConfig) { c.hess = hess }
}

// WithHessianFunc enables Recompute with the exact Hessian function.
func WithHessianFunc(f HessianFunc) CholeskyOption {
	return func(c *cholConfig) { c.hessFun = f }
}

// WithAutoInit scales the identity on the first update by ‖y‖²/|yᵀs|.
func WithAutoInit() CholeskyOption {
	return func(c *cholConfig) { c.auto = true }
}

// WithExceptionStrategy selects the curvature violation handling.
func WithExceptionStrategy(s Strategy) CholeskyOption {
	return func(c *cholConfig) { c.strategy = s }
}

// WithMinCurvature overrides the curvature threshold (0.2 when damping, 1e-8 when skipping).
func WithMinCurvature(v float64) CholeskyOption {
	return func(c *cholConfig) { c.minCurvature = v }
}

// NewCholeskyHessian creates an n×n Hessian model.
//
// The initialization is chosen in order: an explicit matrix, automatic
// scaling, deferral to the Hessian function, and finally the identity.
func NewCholeskyHessian(n int, opts ...CholeskyOption) (*CholeskyHessian, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: need n > 0, got %d", ErrShape, n)
	}
	cfg := cholConfig{minCurvature: math.NaN()}
	for _, opt := range opts {
		opt(&cfg)
	}

	switch cfg.strategy {
	case DampUpdate:
		if math.IsNaN(cfg.minCurvature) {
			cfg.minCurvature = dampMinCurvature
		}
		if cfg.minCurvature >= 1 {
			return nil, errors.New("derivative: damped min curvature must be less than 1")
		}
	case SkipUpdate:
		if math.IsNaN(cfg.minCurvature) {
			cfg.minCurvature = skipMinCurvature
		}
	default:
		return nil, fmt.Errorf("derivative: unknown exception strategy %d", cfg.strategy)
	}

	h := &CholeskyHessian{
		n:            n,
		hessFun:      cfg.hessFun,
		strategy:     cfg.strategy,
		minCurvature: cfg.minCurvature,
	}

	switch {
	case cfg.hess != nil:
		if err := h.factorize(cfg.hess); err != nil {
			return nil, err
		}
		h.init, h.started = InitUser, true
	case cfg.auto:
		h.setEye()
		h.init, h.started = InitAuto, false
	case cfg.hessFun != nil:
		h.setEye()
		h.init, h.started = InitDeferred, false
	default:
		h.setEye()
		h.init, h.started = InitEye, true
	}
	return h, nil
}

func (h *CholeskyHessian) setEye() {
	eye := mat.NewSymDense(h.n, nil)
	for i := 0; i < h.n; i++ {
		eye.SetSym(i, i, 1)
	}
	if !h.chol.Factorize(eye) {
		panic("derivative: identity factorization failed")
	}
}

// factorize repairs a to be positive definite and replaces the factor.
func (h *CholeskyHessian) factorize(a mat.Symmetric) error {
	if n := a.SymmetricDim(); n != h.n {
		return fmt.Errorf("%w: hessian is %d×%d, want %d×%d", ErrShape, n, n, h.n, h.n)
	}
	spd, err := makeSPD(a, h.minCurvature, spdTolerance)
	if err != nil {
		return err
	}
	var chol mat.Cholesky
	if !chol.Factorize(spd) {
		return ErrNotPosDef
	}
	h.chol = chol
	return nil
}

// makeSPD symmetrizes a and shifts its spectrum by (δ - λₘᵢₙ)I when λₘᵢₙ < tol.
func makeSPD(a mat.Symmetric, delta, tol float64) (*mat.SymDense, error) {
	n := a.SymmetricDim()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(s, false) {
		return nil, fmt.Errorf("%w: eigen decomposition failed", ErrNotPosDef)
	}
	if lmin := floats.Min(eig.Values(nil)); lmin < tol {
		for i := 0; i < n; i++ {
			s.SetSym(i, i, s.At(i, i)+delta-lmin)
		}
	}
	return s, nil
}

func (h *CholeskyHessian) Dims() (r, c int) { return h.n, h.n }

func (h *CholeskyHessian) Initialized() bool { return h.started }

func (h *CholeskyHessian) Initialization() Initialization { return h.init }

// Skipped returns the number of BFGS updates discarded so far.
func (h *CholeskyHessian) Skipped() int { return h.skipped }

// Factor returns a copy of the upper triangular factor U.
func (h *CholeskyHessian) Factor() *mat.TriDense {
	var u mat.TriDense
	h.chol.UTo(&u)
	return &u
}

func (h *CholeskyHessian) Dot(v []float64) []float64 {
	u := h.chol.RawU()
	var uv, utuv mat.VecDense
	uv.MulVec(u, mat.NewVecDense(h.n, v))
	utuv.MulVec(u.T(), &uv)
	return utuv.RawVector().Data
}

func (h *CholeskyHessian) Solve(b []float64) ([]float64, error) {
	if len(b) != h.n {
		panic("bound check error")
	}
	if err := checkDiagonal(h.chol.RawU()); err != nil {
		return nil, err
	}
	var x mat.VecDense
	if err := h.chol.SolveVecTo(&x, mat.NewVecDense(h.n, b)); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: %v", ErrSingular, err)
		}
	}
	return x.RawVector().Data, nil
}

// SolveQuadratic is Solve, the quadratic form matrix of a Hessian is itself.
func (h *CholeskyHessian) SolveQuadratic(b []float64) ([]float64, error) {
	return h.Solve(b)
}

// Quadratic returns (Uu)·(Uv) = uᵀHv.
func (h *CholeskyHessian) Quadratic(u, v []float64) float64 {
	f := h.chol.RawU()
	var fu, fv mat.VecDense
	fu.MulVec(f, mat.NewVecDense(h.n, u))
	fv.MulVec(f, mat.NewVecDense(h.n, v))
	return mat.Dot(&fu, &fv)
}

func (h *CholeskyHessian) Matrix() *mat.Dense {
	var s mat.SymDense
	h.chol.ToSym(&s)
	return mat.DenseCopyOf(&s)
}

func (h *CholeskyHessian) Inverse() (*mat.Dense, error) {
	if err := checkDiagonal(h.chol.RawU()); err != nil {
		return nil, err
	}
	var s mat.SymDense
	if err := h.chol.InverseTo(&s); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: %v", ErrSingular, err)
		}
	}
	return mat.DenseCopyOf(&s), nil
}

func (h *CholeskyHessian) Recompute(x []float64) error {
	if h.hessFun == nil {
		return ErrNoDerivative
	}
	hess := mat.NewSymDense(h.n, nil)
	h.hessFun(x, hess)
	if err := h.factorize(hess); err != nil {
		return err
	}
	h.started = true
	return nil
}

// Update applies the BFGS correction for the step xOld → xNew with
// gradients gOld → gNew.
func (h *CholeskyHessian) Update(xNew, xOld, gNew, gOld []float64) error {
	if len(xNew) != h.n || len(xOld) != h.n || len(gNew) != h.n || len(gOld) != h.n {
		panic("bound check error")
	}

	s := make([]float64, h.n)
	y := make([]float64, h.n)
	floats.SubTo(s, xNew, xOld)
	floats.SubTo(y, gNew, gOld)
	if isZero(s) || isZero(y) {
		return nil
	}

	if !h.started {
		switch h.init {
		case InitAuto:
			h.autoScale(s, y)
		case InitDeferred:
			if err := h.Recompute(xNew); err != nil {
				return err
			}
		}
	}

	h.bfgsUpdate(s, y)
	return nil
}

// autoScale multiplies the identity by ‖y‖²/|yᵀs|.
//
// J. Nocedal, S.J. Wright, 'Numerical Optimization' 2nd edition, 2006.
// Formula (6.20).
func (h *CholeskyHessian) autoScale(s, y []float64) {
	ss := floats.Dot(s, s)
	yy := floats.Dot(y, y)
	ys := math.Abs(floats.Dot(y, s))
	scale := 1.0
	if ys != 0 && yy != 0 && ss != 0 {
		scale = yy / ys
	}
	var scaled mat.Cholesky
	scaled.Scale(scale, &h.chol)
	h.chol = scaled
	h.started = true
}

func (h *CholeskyHessian) bfgsUpdate(s, y []float64) {

	sy := floats.Dot(s, y)
	hs := h.Dot(s)
	sHs := floats.Dot(s, hs)

	// Curvature condition sᵀy > κ sᵀHs
	if sy <= h.minCurvature*sHs {
		if h.strategy == SkipUpdate || sHs <= 0 || sy == sHs {
			h.skipped++
			return
		}
		// y ← θy + (1-θ)Hs
		theta := (1 - h.minCurvature) / (1 - sy/sHs)
		for i := range y {
			y[i] = theta*y[i] + (1-theta)*hs[i]
		}
		sy = floats.Dot(s, y)
	}
	if sy <= 0 || sHs <= 0 {
		h.skipped++
		return
	}

	var up, down mat.Cholesky
	if !up.SymRankOne(&h.chol, 1/sy, mat.NewVecDense(h.n, y)) {
		h.skipped++
		return
	}
	if !down.SymRankOne(&up, -1/sHs, mat.NewVecDense(h.n, hs)) {
		h.skipped++
		return
	}
	h.chol = down
}

func (h *CholeskyHessian) Scale(prevInv []float64) (scale, scaleInv []float64) {
	return columnScale(h.chol.RawU(), prevInv)
}
