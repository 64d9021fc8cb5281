// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trust

import (
	"math"
	"slices"

	"github.com/curioloop/trustregion/derivative"
	"gonum.org/v1/gonum/floats"
)

// iterSpec is the immutable problem definition shared by every Fit.
type iterSpec struct {
	n, m   int // m = 0 when minimizing a scalar objective
	opts   Options
	limits limits
	logger Logger

	residual  ResidualFunc
	objective ObjectiveFunc
	gradient  GradientFunc
	newModel  func() (derivative.Model, error)
}

// iterLoc is the current iterate.
type iterLoc struct {
	x    []float64 // n
	f    []float64 // m, nil when minimizing
	g    []float64 // n
	cost float64
}

// iterDriver is the main driver for iterations in an optimization process,
// responsible for managing the flow of the optimization.
type iterDriver struct {
	optimizer *Optimizer
	location  *iterLoc

	model           derivative.Model
	scale, scaleInv []float64
	radius          float64
	policy          RadiusPolicy

	progress
	pending       trial
	initCost      float64
	lastRecompute int

	allVecs [][]float64
	allTR   []float64
}

// guard runs fn and converts a panic into HaltEvalPanic.
func guard(fn func()) (task Status) {
	defer func() {
		if r := recover(); r != nil {
			task = HaltEvalPanic
		}
	}()
	fn()
	return InProgress
}

// evalCost evaluates the cost at x, filling f for least squares.
func (d *iterDriver) evalCost(x, f []float64) (cost float64, task Status) {
	spec := &d.optimizer.iterSpec
	task = guard(func() {
		if spec.residual != nil {
			spec.residual(x, f)
			cost = 0.5 * floats.Dot(f, f)
		} else {
			cost = spec.objective(x)
		}
	})
	d.nfev++
	return
}

// evalGrad evaluates the gradient at x into g.
func (d *iterDriver) evalGrad(x, g []float64) Status {
	spec := &d.optimizer.iterSpec
	task := guard(func() { spec.gradient(x, g) })
	d.ngev++
	return task
}

// recompute refreshes the derivative model at the current iterate.
func (d *iterDriver) recompute() Status {
	var err error
	task := guard(func() { err = d.model.Recompute(d.location.x) })
	d.njev++
	d.lastRecompute = d.nit
	if task == InProgress && err != nil {
		if log := &d.optimizer.logger; log.enable(LogLast) {
			log.log("Derivative recomputation failed: %v\n", err)
		}
		task = LinAlgError
	}
	return task
}

// recomputeDue reports whether iteration nit refreshes the model,
// which happens at 1, 1+k, 1+2k, … below the iteration limit
// unless an explicit list of iterations is given.
func (d *iterDriver) recomputeDue(nit int) bool {
	if at := d.optimizer.limits.recomputeAt; at != nil {
		return slices.Contains(at, nit)
	}
	k := d.optimizer.limits.recompute
	return k > 0 && nit >= 1 && (nit-1)%k == 0 && nit < d.optimizer.limits.maxIter
}

// initialize evaluates the starting point and builds the model, scaling and radius.
func (d *iterDriver) initialize() (task Status) {

	spec := &d.optimizer.iterSpec
	loc := d.location
	opts := &spec.opts

	d.lastRecompute = -1
	d.dF, d.dxNorm = math.Inf(1), math.Inf(1)

	if loc.cost, task = d.evalCost(loc.x, loc.f); task != InProgress {
		return
	}
	if task = d.evalGrad(loc.x, loc.g); task != InProgress {
		return
	}
	d.initCost = loc.cost

	var err error
	if d.model, err = spec.newModel(); err != nil {
		return LinAlgError
	}
	if d.model.Initialization() == derivative.InitDeferred {
		if task = d.recompute(); task != InProgress {
			return
		}
	}

	switch {
	case opts.AutoScale:
		d.scale, d.scaleInv = d.model.Scale(nil)
	case opts.XScale != nil:
		d.scale = slices.Clone(opts.XScale)
		d.scaleInv = make([]float64, spec.n)
		for i, s := range d.scale {
			d.scaleInv[i] = 1 / s
		}
	default:
		d.scale = slices.Repeat([]float64{1}, spec.n)
		d.scaleInv = slices.Repeat([]float64{1}, spec.n)
	}

	radius := opts.InitialTrustRadius
	if radius == 0 {
		xs := make([]float64, spec.n)
		floats.MulTo(xs, loc.x, d.scaleInv)
		radius = floats.Norm(xs, 2)
	}
	if radius == 0 {
		radius = 1
	}
	maxRadius := opts.MaxTrustRadius
	if maxRadius == 0 {
		maxRadius = 1000 * radius
	}
	d.radius = math.Max(math.Min(radius, maxRadius), opts.MinTrustRadius)

	d.policy = RadiusPolicy{
		IncreaseThreshold: opts.TRIncreaseThreshold,
		IncreaseRatio:     opts.TRIncreaseRatio,
		DecreaseThreshold: opts.TRDecreaseThreshold,
		DecreaseRatio:     opts.TRDecreaseRatio,
		GAAcceptThreshold: opts.GAAcceptThreshold,
		Min:               opts.MinTrustRadius,
		Max:               maxRadius,
	}

	d.recordX()
	d.recordTR()
	return InProgress
}

// recordX appends the current iterate to the requested history.
func (d *iterDriver) recordX() {
	if d.optimizer.opts.ReturnAll {
		d.allVecs = append(d.allVecs, slices.Clone(d.location.x))
	}
}

// recordTR appends the current radius to the requested history.
func (d *iterDriver) recordTR() {
	if d.optimizer.opts.ReturnTR {
		d.allTR = append(d.allTR, d.radius)
	}
}

// gnorm is the norm used for the gradient tolerance and optimality.
func (d *iterDriver) gnorm(g []float64) float64 {
	return floats.Norm(g, d.optimizer.opts.GNormOrd)
}

// xnorm is the norm used for iterates and steps.
func (d *iterDriver) xnorm(x []float64) float64 {
	return floats.Norm(x, d.optimizer.opts.XNormOrd)
}

// checkTermination refreshes the progress norms and tests every stopping condition.
func (d *iterDriver) checkTermination() Status {
	spec := &d.optimizer.iterSpec
	loc := d.location
	d.F = loc.cost
	d.xNorm = d.xnorm(loc.x)
	d.gNorm = d.gnorm(loc.g)
	return checkTermination(&d.progress, spec.opts.Ftol, spec.opts.Xtol, spec.opts.Gtol, &spec.limits)
}

// mainLoop is the main execution loop of the iteration process, alternating
// model refresh, termination check and step attempt until a status is set.
func (d *iterDriver) mainLoop() (task Status) {

	if task = d.initialize(); task == InProgress {
		d.printInit()
	}

	for task == InProgress {

		if d.lastRecompute != d.nit && d.recomputeDue(d.nit) {
			if task = d.recompute(); task != InProgress {
				break
			}
			if d.optimizer.opts.AutoScale {
				d.scale, d.scaleInv = d.model.Scale(d.scaleInv)
			}
		}

		if task = d.checkTermination(); task != InProgress {
			break
		}

		if task = d.attemptStep(); task != InProgress {
			break
		}
		accepted := d.accepted
		if accepted {
			task = d.acceptStep()
		}
		d.printIter(accepted)
	}

	d.printExit(task)
	return
}

// trial is a candidate iterate produced by attemptStep.
type trial struct {
	x, f []float64
	cost float64
}

// attemptStep solves the subproblem and evaluates the trial point,
// updating the radius whether or not the step is accepted.
func (d *iterDriver) attemptStep() (task Status) {

	spec := &d.optimizer.iterSpec
	loc := d.location
	opts := &spec.opts

	stepH, hits, err := SolveSubproblem(opts.Method, loc.g, d.model, d.scale, d.radius)
	if err != nil {
		if log := &spec.logger; log.enable(LogLast) {
			log.log("Trust-region subproblem failed: %v\n", err)
		}
		return LinAlgError
	}

	gaRatio := math.NaN()
	if opts.GAAcceptThreshold > 0 {
		if gaRatio, task = d.accelerate(stepH); task != InProgress {
			return
		}
	}

	predicted := -evaluateQuadratic(d.model, loc.g, d.scale, stepH)

	step := make([]float64, spec.n)
	floats.MulTo(step, d.scale, stepH)
	d.pending.x = make([]float64, spec.n)
	floats.AddTo(d.pending.x, loc.x, step)
	if spec.m > 0 {
		d.pending.f = make([]float64, spec.m)
	}
	if d.pending.cost, task = d.evalCost(d.pending.x, d.pending.f); task != InProgress {
		return
	}

	actual := loc.cost - d.pending.cost

	var ratio float64
	d.radius, ratio = UpdateRadius(RadiusState{
		Radius:             d.radius,
		ActualReduction:    actual,
		PredictedReduction: predicted,
		StepNorm:           floats.Norm(stepH, 2),
		HitsBoundary:       hits,
		GARatio:            gaRatio,
	}, d.policy)
	d.recordTR()

	d.stepped = true
	d.accepted = ratio > opts.StepAcceptThreshold
	d.dF = actual
	d.ratio = ratio
	d.dxNorm = d.xnorm(step)
	return InProgress
}

// accelerate adds the geodesic acceleration to stepH in place when the
// acceleration to velocity ratio is below the threshold.
//
// M.K. Transtrum, J.P. Sethna, 'Improvements to the Levenberg-Marquardt
// algorithm for nonlinear least-squares minimization', 2012.
func (d *iterDriver) accelerate(stepH []float64) (gaRatio float64, task Status) {

	spec := &d.optimizer.iterSpec
	loc := d.location
	h := spec.opts.GAFDStep
	n := spec.n

	// g₁ = ∇F(x + h·scale⊙step_h)
	xh := make([]float64, n)
	floats.MulTo(xh, d.scale, stepH)
	floats.Scale(h, xh)
	floats.Add(xh, loc.x)
	g1 := make([]float64, n)
	if task = d.evalGrad(xh, g1); task != InProgress {
		return
	}

	// a_h = -scaleInv ⊙ B⁻¹(g₁ - g₀)/h² + step_h/h
	dg := make([]float64, n)
	floats.SubTo(dg, g1, loc.g)
	floats.Scale(1/(h*h), dg)
	sol, err := d.model.SolveQuadratic(dg)
	if err != nil {
		return math.NaN(), LinAlgError
	}
	acc := make([]float64, n)
	for i := range acc {
		acc[i] = -sol[i]*d.scaleInv[i] + stepH[i]/h
	}

	sa := make([]float64, n)
	sv := make([]float64, n)
	floats.MulTo(sa, d.scale, acc)
	floats.MulTo(sv, d.scale, stepH)
	if vNorm := d.xnorm(sv); vNorm > 0 {
		gaRatio = d.xnorm(sa) / vNorm
	}
	if gaRatio < spec.opts.GAAcceptThreshold {
		floats.Add(stepH, acc)
	}
	return gaRatio, InProgress
}

// acceptStep commits the pending trial point and updates the model.
func (d *iterDriver) acceptStep() (task Status) {

	spec := &d.optimizer.iterSpec
	loc := d.location

	xOld, fOld, gOld := loc.x, loc.f, loc.g
	loc.x, loc.f, loc.cost = d.pending.x, d.pending.f, d.pending.cost
	loc.g = make([]float64, spec.n)
	if task = d.evalGrad(loc.x, loc.g); task != InProgress {
		return
	}

	if !d.recomputeDue(d.nit + 1) {
		var err error
		task = guard(func() {
			if spec.m > 0 {
				err = d.model.Update(loc.x, xOld, loc.f, fOld)
			} else {
				err = d.model.Update(loc.x, xOld, loc.g, gOld)
			}
		})
		if task != InProgress {
			return
		}
		if err != nil {
			return LinAlgError
		}
		if spec.opts.AutoScale {
			d.scale, d.scaleInv = d.model.Scale(d.scaleInv)
		}
	}

	// The callback sees the iteration count before the increment,
	// a stopping iterate is neither counted nor recorded.
	if cb := spec.opts.Callback; cb != nil {
		state := d.snapshot(InProgress)
		stop := false
		if task = guard(func() { stop = cb(slices.Clone(loc.x), state) }); task != InProgress {
			return
		}
		if stop {
			return StopCallback
		}
	}

	d.nit++
	d.recordX()
	return InProgress
}

// snapshot builds a Result for the current iterate.
func (d *iterDriver) snapshot(status Status) *Result {
	loc := d.location
	res := &Result{
		OK:         status.Converged(),
		Message:    status.String(),
		X:          slices.Clone(loc.x),
		Cost:       loc.cost,
		Fun:        slices.Clone(loc.f),
		Grad:       slices.Clone(loc.g),
		Optimality: d.gnorm(loc.g),
		Summary: Summary{
			Status:  status,
			NumIter: d.nit,
			NumFev:  d.nfev,
			NumGev:  d.ngev,
			NumJev:  d.njev,
		},
	}
	if d.model != nil {
		res.Jac = d.model.Matrix()
	}
	return res
}

// result builds the final Result including the requested history.
func (d *iterDriver) result(status Status) *Result {
	res := d.snapshot(status)
	res.AllVecs = d.allVecs
	res.AllTR = d.allTR
	return res
}

// printInit logs the problem dimensions and the iteration table header.
func (d *iterDriver) printInit() {

	spec := &d.optimizer.iterSpec
	log := &spec.logger

	if log.enable(LogLast) {
		log.log("RUNNING THE TRUST-REGION CODE\n")
		log.log("           * * *\n")
		if spec.m > 0 {
			log.log("N = %d    M = %d    method = %v\n", spec.n, spec.m, spec.opts.Method)
		} else {
			log.log("N = %d    method = %v\n", spec.n, spec.opts.Method)
		}
		log.log("Initial radius = %10.3e    model = %v\n", d.radius, d.model.Initialization())

		if log.enable(LogIter) {
			log.out("%10s %12s %14s %16s %12s %12s %12s\n",
				"Iteration", "Total nfev", "Cost", "Cost reduction", "Step norm", "Optimality", "Radius")
			log.out("%10d %12d %14.4e %16s %12s %12.2e %12.2e\n",
				0, d.nfev, d.location.cost, "", "", d.gnorm(d.location.g), d.radius)

			if log.enable(LogVerbose) {
				log.vec("X0", d.location.x)
			}
		}
	}
}

// printIter logs one row of the iteration table for a step attempt.
func (d *iterDriver) printIter(accepted bool) {

	loc := d.location
	log := &d.optimizer.logger

	if !log.enable(LogIter) {
		return
	}
	mark := " "
	if !accepted {
		mark = "x"
	}
	log.out("%10d%s%12d %14.4e %16.2e %12.2e %12.2e %12.2e\n",
		d.nit, mark, d.nfev, loc.cost, d.dF, d.dxNorm, d.gnorm(loc.g), d.radius)

	if accepted && log.enable(LogVerbose) {
		log.vec("X", loc.x)
		log.vec("G", loc.g)
	}
}

// printExit logs the final statistics and exit conditions of the optimization process.
func (d *iterDriver) printExit(task Status) {

	loc := d.location
	log := &d.optimizer.logger

	if !log.enable(LogLast) {
		return
	}

	log.log("\n           * * *\n")
	log.log("\n%s\n", task)
	log.log("Function evaluations %d, gradient evaluations %d, derivative evaluations %d.\n",
		d.nfev, d.ngev, d.njev)
	log.log("Initial cost %.4e, final cost %.4e, first-order optimality %.2e.\n",
		d.initCost, loc.cost, d.gnorm(loc.g))

	if log.enable(LogVerbose) {
		log.vec("X", loc.x)
	}
}
