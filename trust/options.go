// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trust

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

var (
	// ErrInvalidConfig is wrapped by every problem or option validation error.
	ErrInvalidConfig = errors.New("trust: invalid configuration")
	// ErrUnknownOption is wrapped when an option file names an unrecognized key.
	ErrUnknownOption = errors.New("trust: unknown option")
)

// Method selects the trust-region subproblem solver.
type Method int

const (
	// Dogleg follows the piecewise-linear path from the Cauchy point to the Newton point.
	Dogleg Method = iota
	// Subspace minimizes the model over span{g, p_gn} subject to the radius.
	Subspace
)

func (m Method) String() string {
	switch m {
	case Dogleg:
		return "dogleg"
	case Subspace:
		return "subspace"
	default:
		return "unknown"
	}
}

// ParseMethod returns the method with the given name.
func ParseMethod(name string) (Method, error) {
	switch strings.ToLower(name) {
	case "dogleg":
		return Dogleg, nil
	case "subspace":
		return Subspace, nil
	default:
		return 0, fmt.Errorf("%w: unknown method %q", ErrInvalidConfig, name)
	}
}

// Options tunes the trust-region iteration.
//
// A NaN tolerance disables the corresponding convergence test.
// Negative limits select their defaults.
type Options struct {
	// Subproblem algorithm.
	Method Method `yaml:"method"`
	// Fixed positive variable scale. Nil means unit scale unless AutoScale is set.
	XScale []float64 `yaml:"-"`
	// Derive the scale from the column norms of the derivative factor,
	// never decreasing between iterations.
	AutoScale bool `yaml:"-"`

	// The iteration stops when dF < ftol × F on a step with good model agreement.
	Ftol float64 `yaml:"ftol"`
	// The iteration stops when ‖dx‖ < xtol × (xtol + ‖x‖).
	Xtol float64 `yaml:"xtol"`
	// The iteration stops when ‖g‖ < gtol, measured with GNormOrd.
	Gtol float64 `yaml:"gtol"`

	// Maximum accepted iterations (negative selects 100 × n).
	MaxIter int `yaml:"maxiter"`
	// Maximum function evaluations (negative selects MaxIter).
	MaxNfev int `yaml:"max_nfev"`
	// Maximum gradient evaluations (negative selects MaxNfev).
	MaxNgev int `yaml:"max_ngev"`
	// Maximum Jacobian or Hessian evaluations (negative selects MaxNfev).
	MaxNjev int `yaml:"max_njev"`
	// Iterations between full derivative recomputations, 0 never recomputes.
	// Negative selects 1 when a derivative function is available, else 0.
	JacRecomputeInterval int `yaml:"jac_recompute_interval"`
	// Explicit iterations that recompute the derivative, replacing the interval
	// when not nil. An empty list never recomputes.
	JacRecomputeIters []int `yaml:"jac_recompute_iters"`

	// Norm order of the gradient in the gtol test and the reported optimality.
	GNormOrd float64 `yaml:"gnorm_ord"`
	// Norm order of x and of the step in the xtol test and the acceleration ratio.
	XNormOrd float64 `yaml:"xnorm_ord"`

	// Finite difference step of the geodesic acceleration.
	GAFDStep float64 `yaml:"ga_fd_step"`
	// Maximum acceleration to velocity ratio, 0 disables geodesic acceleration.
	GAAcceptThreshold float64 `yaml:"ga_accept_threshold"`

	StepAcceptThreshold float64 `yaml:"step_accept_threshold"`
	TRIncreaseThreshold float64 `yaml:"tr_increase_threshold"`
	TRDecreaseThreshold float64 `yaml:"tr_decrease_threshold"`
	TRIncreaseRatio     float64 `yaml:"tr_increase_ratio"`
	TRDecreaseRatio     float64 `yaml:"tr_decrease_ratio"`

	// Initial radius, 0 selects ‖x₀ ⊙ scaleInv‖ (or 1 when that is zero).
	InitialTrustRadius float64 `yaml:"initial_trust_radius"`
	// Maximum radius, 0 selects 1000 × initial radius.
	MaxTrustRadius float64 `yaml:"max_trust_radius"`
	MinTrustRadius float64 `yaml:"min_trust_radius"`

	// Called after every accepted step, returning true stops the iteration.
	Callback Callback `yaml:"-"`
	// Keep every accepted iterate in Result.AllVecs.
	ReturnAll bool `yaml:"return_all"`
	// Keep every trust radius in Result.AllTR.
	ReturnTR bool `yaml:"return_tr"`
}

// DefaultOptions returns the default tuning.
func DefaultOptions() Options {
	return Options{
		Method:               Dogleg,
		Ftol:                 1e-6,
		Xtol:                 1e-6,
		Gtol:                 1e-6,
		MaxIter:              -1,
		MaxNfev:              -1,
		MaxNgev:              -1,
		MaxNjev:              -1,
		JacRecomputeInterval: -1,
		GNormOrd:             math.Inf(1),
		XNormOrd:             2,
		GAFDStep:             0.1,
		GAAcceptThreshold:    0,
		StepAcceptThreshold:  0.15,
		TRIncreaseThreshold:  0.75,
		TRDecreaseThreshold:  0.25,
		TRIncreaseRatio:      2,
		TRDecreaseRatio:      0.25,
	}
}

// limits are the resolved evaluation budgets.
type limits struct {
	maxIter, maxNfev, maxNgev, maxNjev int
	recompute                          int
	recomputeAt                        []int // explicit iterations, overrides recompute
}

func invalid(format string, a ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, a...)...)
}

// validate checks the options for an n-dimensional problem.
func (o *Options) validate(n int, hasDerivative bool) (err error) {

	negative := func(v float64) bool { return !math.IsNaN(v) && v < 0 }

	switch {
	case o.Method != Dogleg && o.Method != Subspace:
		err = invalid("unknown method %d", o.Method)
	case negative(o.Ftol):
		err = invalid("ftol must not less than 0")
	case negative(o.Xtol):
		err = invalid("xtol must not less than 0")
	case negative(o.Gtol):
		err = invalid("gtol must not less than 0")
	case o.XScale != nil && o.AutoScale:
		err = invalid("x_scale vector conflicts with auto scaling")
	case o.XScale != nil && len(o.XScale) != n:
		err = invalid("x_scale size must equal to n")
	case o.JacRecomputeInterval > 0 && !hasDerivative:
		err = invalid("jac_recompute_interval requires a derivative function")
	case o.JacRecomputeIters != nil && !hasDerivative:
		err = invalid("jac_recompute_iters requires a derivative function")
	case o.JacRecomputeIters != nil && o.JacRecomputeInterval > 0:
		err = invalid("jac_recompute_iters conflicts with a positive jac_recompute_interval")
	case !(o.GNormOrd > 0):
		err = invalid("gnorm_ord must be positive")
	case !(o.XNormOrd > 0):
		err = invalid("xnorm_ord must be positive")
	case o.GAAcceptThreshold < 0 || math.IsNaN(o.GAAcceptThreshold):
		err = invalid("ga_accept_threshold must not less than 0")
	case o.GAAcceptThreshold > 0 && !(o.GAFDStep > 0):
		err = invalid("ga_fd_step must greater than 0")
	case !(o.TRDecreaseThreshold >= 0 && o.TRDecreaseThreshold <= o.TRIncreaseThreshold):
		err = invalid("tr thresholds must satisfy 0 ≤ decrease ≤ increase")
	case !(o.StepAcceptThreshold >= 0 && o.StepAcceptThreshold < 1):
		err = invalid("step_accept_threshold must be in [0, 1)")
	case !(o.TRDecreaseRatio > 0 && o.TRDecreaseRatio < 1):
		err = invalid("tr_decrease_ratio must be in (0, 1)")
	case !(o.TRIncreaseRatio > 1):
		err = invalid("tr_increase_ratio must greater than 1")
	case !(o.InitialTrustRadius >= 0) || !(o.MaxTrustRadius >= 0) || !(o.MinTrustRadius >= 0):
		err = invalid("trust radius must not less than 0")
	case o.MaxTrustRadius > 0 && o.MinTrustRadius > o.MaxTrustRadius:
		err = invalid("min_trust_radius must not greater than max_trust_radius")
	case o.InitialTrustRadius > 0 && o.MaxTrustRadius > 0 && o.InitialTrustRadius > o.MaxTrustRadius:
		err = invalid("initial_trust_radius must not greater than max_trust_radius")
	}

	for k, it := range o.JacRecomputeIters {
		if it < 0 {
			err = invalid("jac_recompute_iters at %d must not less than 0", k)
			break
		}
	}
	for k, s := range o.XScale {
		if !(s > 0) || math.IsInf(s, 1) {
			err = invalid("x_scale at %d must be positive and finite", k)
			break
		}
	}
	return
}

// resolve selects the defaults for negative limits.
func (o *Options) resolve(n int, hasDerivative bool) (l limits) {
	l.maxIter = o.MaxIter
	if l.maxIter < 0 {
		l.maxIter = 100 * n
	}
	l.maxNfev = o.MaxNfev
	if l.maxNfev < 0 {
		l.maxNfev = l.maxIter
	}
	l.maxNgev = o.MaxNgev
	if l.maxNgev < 0 {
		l.maxNgev = l.maxNfev
	}
	l.maxNjev = o.MaxNjev
	if l.maxNjev < 0 {
		l.maxNjev = l.maxNfev
	}
	if o.JacRecomputeIters != nil {
		l.recomputeAt = slices.Clone(o.JacRecomputeIters)
	}
	l.recompute = o.JacRecomputeInterval
	if l.recompute < 0 {
		if hasDerivative {
			l.recompute = 1
		} else {
			l.recompute = 0
		}
	}
	return
}

// clone returns a copy that shares no slices with o.
func (o *Options) clone() Options {
	c := *o
	c.XScale = slices.Clone(o.XScale)
	c.JacRecomputeIters = slices.Clone(o.JacRecomputeIters)
	return c
}
