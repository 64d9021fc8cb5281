// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trust implements trust-region quasi-Newton optimizers for
// nonlinear least squares and unconstrained minimization.
//
// The derivative is kept as a factorized model (see package derivative)
// refreshed by Broyden or BFGS updates and, on a fixed cadence, by exact
// recomputation. Each iteration approximately solves the scaled trust-region
// subproblem with the dogleg or the two-dimensional subspace method and
// adapts the radius from the agreement between actual and predicted
// reduction.
package trust

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/curioloop/trustregion/derivative"
	"gonum.org/v1/gonum/mat"
)

// ResidualFunc fills f with the m residuals at x.
type ResidualFunc func(x, f []float64)

// GradientFunc fills g with the gradient of the cost at x.
// For least squares the cost is ½‖f(x)‖².
type GradientFunc func(x, g []float64)

// ObjectiveFunc returns the scalar cost at x.
type ObjectiveFunc func(x []float64) float64

// JacobianFunc fills jac with the m×n Jacobian of the residuals at x.
type JacobianFunc = derivative.JacobianFunc

// HessianFunc fills hess with the n×n Hessian of the objective at x.
type HessianFunc = derivative.HessianFunc

// Callback observes every accepted iterate, returning true stops the iteration.
// The state must not be retained after the call returns.
type Callback func(x []float64, state *Result) (stop bool)

// LeastSquares specifies a problem min ½‖f(x)‖² with f : ℝⁿ → ℝᵐ, m ≥ n.
//
// Exactly one of Jacobian and Broyden must be set. With Broyden the Jacobian
// starts from InitJac (or the identity) and evolves through rank-one updates
// only. With a Jacobian function the model is recomputed every
// JacRecomputeInterval iterations and Broyden-updated in between.
type LeastSquares struct {
	N, M     int          // The number of variables and residuals
	Residual ResidualFunc // Residual function f(x)
	Gradient GradientFunc // Gradient of ½‖f(x)‖²
	Jacobian JacobianFunc // Optional exact Jacobian
	Broyden  bool         // Approximate the Jacobian by Broyden updates
	InitJac  *mat.Dense   // Optional initial m×n Jacobian
	Options  *Options     // Optional tuning, nil selects DefaultOptions
}

// Minimize specifies an unconstrained problem min f(x) with f : ℝⁿ → ℝ.
//
// The Hessian is approximated by BFGS updates starting from InitHess, a
// scaled identity (AutoInit) or the identity. With a Hessian function the
// model is recomputed every JacRecomputeInterval iterations.
type Minimize struct {
	N            int                 // The problem dimension
	Objective    ObjectiveFunc       // Objective function f(x)
	Gradient     GradientFunc        // Gradient of f(x)
	Hessian      HessianFunc         // Optional exact Hessian
	InitHess     *mat.SymDense       // Optional initial Hessian
	AutoInit     bool                // Scale the identity on the first update
	Exception    derivative.Strategy // Curvature violation handling
	MinCurvature float64             // Curvature threshold, 0 selects the strategy default
	Options      *Options            // Optional tuning, nil selects DefaultOptions
}

// New creates an optimizer for the least squares problem.
func (p *LeastSquares) New(logger *Logger) (optimizer *Optimizer, err error) {

	n, m := p.N, p.M
	opts := DefaultOptions()
	if p.Options != nil {
		opts = p.Options.clone()
	}

	switch {
	case n <= 0:
		err = invalid("problem dimension must greater than 0")
	case m < n:
		err = invalid("residual number must not less than problem dimension")
	case p.Residual == nil:
		err = invalid("residual function is required")
	case p.Gradient == nil:
		err = invalid("gradient function is required")
	case p.Jacobian != nil && p.Broyden:
		err = invalid("jacobian function conflicts with broyden approximation")
	case p.Jacobian == nil && !p.Broyden:
		err = invalid("either jacobian function or broyden approximation is required")
	case p.InitJac != nil:
		if r, c := p.InitJac.Dims(); r != m || c != n {
			err = invalid("initial jacobian must be %d×%d", m, n)
		}
	}
	if err == nil {
		err = opts.validate(n, p.Jacobian != nil)
	}
	if err != nil {
		return
	}

	var qrOpts []derivative.QROption
	if p.InitJac != nil {
		qrOpts = append(qrOpts, derivative.WithInitialJacobian(mat.DenseCopyOf(p.InitJac)))
	}
	if p.Jacobian != nil {
		qrOpts = append(qrOpts, derivative.WithJacobianFunc(p.Jacobian))
	}
	if _, err = derivative.NewQRJacobian(m, n, qrOpts...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	optimizer = &Optimizer{
		iterSpec{
			n: n, m: m,
			opts:     opts,
			limits:   opts.resolve(n, p.Jacobian != nil),
			logger:   logger.normalize(),
			residual: p.Residual,
			gradient: p.Gradient,
			newModel: func() (derivative.Model, error) {
				return derivative.NewQRJacobian(m, n, qrOpts...)
			},
		},
	}
	return
}

// New creates an optimizer for the minimization problem.
func (p *Minimize) New(logger *Logger) (optimizer *Optimizer, err error) {

	n := p.N
	opts := DefaultOptions()
	if p.Options != nil {
		opts = p.Options.clone()
	}

	switch {
	case n <= 0:
		err = invalid("problem dimension must greater than 0")
	case p.Objective == nil:
		err = invalid("objective function is required")
	case p.Gradient == nil:
		err = invalid("gradient function is required")
	case p.InitHess != nil && p.InitHess.SymmetricDim() != n:
		err = invalid("initial hessian must be %d×%d", n, n)
	case p.InitHess != nil && p.AutoInit:
		err = invalid("initial hessian conflicts with auto initialization")
	case math.IsNaN(p.MinCurvature) || p.MinCurvature < 0:
		err = invalid("min curvature must not less than 0")
	}
	if err == nil {
		err = opts.validate(n, p.Hessian != nil)
	}
	if err != nil {
		return
	}

	cholOpts := []derivative.CholeskyOption{derivative.WithExceptionStrategy(p.Exception)}
	if p.MinCurvature > 0 {
		cholOpts = append(cholOpts, derivative.WithMinCurvature(p.MinCurvature))
	}
	if p.InitHess != nil {
		hess := mat.NewSymDense(n, nil)
		hess.CopySym(p.InitHess)
		cholOpts = append(cholOpts, derivative.WithInitialHessian(hess))
	}
	if p.AutoInit {
		cholOpts = append(cholOpts, derivative.WithAutoInit())
	}
	if p.Hessian != nil {
		cholOpts = append(cholOpts, derivative.WithHessianFunc(p.Hessian))
	}
	if _, err = derivative.NewCholeskyHessian(n, cholOpts...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	optimizer = &Optimizer{
		iterSpec{
			n: n, m: 0,
			opts:      opts,
			limits:    opts.resolve(n, p.Hessian != nil),
			logger:    logger.normalize(),
			objective: p.Objective,
			gradient:  p.Gradient,
			newModel: func() (derivative.Model, error) {
				return derivative.NewCholeskyHessian(n, cholOpts...)
			},
		},
	}
	return
}

// Optimizer implemented using the trust-region method.
// It is immutable and may be shared, every Fit owns its own state.
type Optimizer struct {
	iterSpec
}

// Result contains the final result of the optimization process.
type Result struct {
	OK         bool        // Whether the optimization was converged.
	Message    string      // Description of the termination reason.
	X          []float64   // Final solution.
	Cost       float64     // Final cost, ½‖f‖² for least squares.
	Fun        []float64   // Final residuals, nil when minimizing.
	Grad       []float64   // Final gradient.
	Jac        *mat.Dense  // Final Jacobian or Hessian approximation.
	Optimality float64     // Norm of the final gradient of order GNormOrd.
	AllVecs    [][]float64 // Accepted iterates when ReturnAll is set.
	AllTR      []float64   // Initial radius and the radius after every step attempt when ReturnTR is set.
	Summary                // Optimization summary.
}

// Summary contains a summary of the optimization process.
type Summary struct {
	Status  Status // Final status after optimization.
	NumIter int    // Number of accepted iterations.
	NumFev  int    // Number of function evaluations.
	NumGev  int    // Number of gradient evaluations.
	NumJev  int    // Number of Jacobian or Hessian evaluations.
}

// ErrLinAlg is matched by a Result.Err of a LinAlgError run.
var ErrLinAlg = errors.New("trust: linear algebra error")

// Err returns nil for converged or interrupted runs and an error
// describing the termination otherwise.
func (r *Result) Err() error {
	switch {
	case r.Status.Converged() || r.Status.Interrupted():
		return nil
	case r.Status == LinAlgError:
		return ErrLinAlg
	default:
		return errors.New(r.Message)
	}
}

// Fit runs the optimization process from the initial guess x0.
func (o *Optimizer) Fit(x0 []float64) *Result {

	if len(x0) != o.n {
		panic("initial x dimension not match problem")
	}

	loc := iterLoc{
		x: slices.Clone(x0),
		g: make([]float64, o.n),
	}
	if o.m > 0 {
		loc.f = make([]float64, o.m)
	}

	driver := iterDriver{
		optimizer: o,
		location:  &loc,
	}

	res := driver.mainLoop()
	return driver.result(res)
}
