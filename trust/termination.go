// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trust

import "math"

// progress holds the quantities checked before every step attempt.
type progress struct {
	dF, F    float64 // cost reduction of the last attempt and current cost
	dxNorm   float64 // ‖dx‖ of the last attempt
	xNorm    float64
	gNorm    float64
	ratio    float64 // reduction ratio of the last attempt
	nit      int
	nfev     int
	ngev     int
	njev     int
	stepped  bool // whether any step was attempted
	accepted bool // whether the last attempt was accepted
}

// checkTermination returns the first satisfied condition, or InProgress.
//
// Tolerance tests come first, then the iteration limit and finally the
// evaluation budgets. A NaN tolerance never matches.
func checkTermination(p *progress, ftol, xtol, gtol float64, l *limits) Status {
	switch {
	case p.accepted && p.dF < math.Abs(ftol*p.F) && p.ratio > 0.25:
		return ConvFtol
	case p.stepped && p.dxNorm < xtol*(xtol+p.xNorm):
		return ConvXtol
	case p.gNorm < gtol:
		return ConvGtol
	case p.nit >= l.maxIter:
		return OverIterLimit
	case p.nfev > l.maxNfev:
		return OverFevLimit
	case p.ngev > l.maxNgev:
		return OverGevLimit
	case p.njev > l.maxNjev:
		return OverJevLimit
	}
	return InProgress
}
