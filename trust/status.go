// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trust

// Status is the outcome of an optimization run.
type Status int

const (
	// InProgress is reported to callbacks while iterating.
	InProgress Status = iota
	// ConvFtol the relative cost reduction fell below ftol.
	ConvFtol
	// ConvXtol the step norm fell below xtol relative to ‖x‖.
	ConvXtol
	// ConvGtol the gradient norm fell below gtol.
	ConvGtol
	// OverIterLimit the number of iterations reached the limit.
	OverIterLimit
	// OverFevLimit the number of function evaluations exceeded the limit.
	OverFevLimit
	// OverGevLimit the number of gradient evaluations exceeded the limit.
	OverGevLimit
	// OverJevLimit the number of Jacobian or Hessian evaluations exceeded the limit.
	OverJevLimit
	// LinAlgError a factorization became singular or lost positive definiteness.
	LinAlgError
	// StopCallback the callback requested termination.
	StopCallback
	// HaltEvalPanic a user supplied function panicked.
	HaltEvalPanic
)

// Converged reports whether the status is one of the tolerance conditions.
func (s Status) Converged() bool {
	return s == ConvFtol || s == ConvXtol || s == ConvGtol
}

// Interrupted reports a stop that is neither success nor failure.
func (s Status) Interrupted() bool {
	return s == StopCallback
}

func (s Status) String() string {
	switch s {
	case InProgress:
		return "Optimization in progress."
	case ConvFtol:
		return "`ftol` termination condition is satisfied."
	case ConvXtol:
		return "`xtol` termination condition is satisfied."
	case ConvGtol:
		return "`gtol` termination condition is satisfied."
	case OverIterLimit:
		return "Maximum number of iterations has been exceeded."
	case OverFevLimit:
		return "Maximum number of function evaluations has been exceeded."
	case OverGevLimit:
		return "Maximum number of gradient evaluations has been exceeded."
	case OverJevLimit:
		return "Maximum number of Jacobian or Hessian evaluations has been exceeded."
	case LinAlgError:
		return "A linear algebra error occurred."
	case StopCallback:
		return "User requested stop via callback."
	case HaltEvalPanic:
		return "Evaluation of a user function panicked."
	default:
		return "Unknown termination status."
	}
}
