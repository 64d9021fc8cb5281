// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trust

import "math"

// RadiusPolicy holds the trust radius tuning.
type RadiusPolicy struct {
	IncreaseThreshold, IncreaseRatio float64
	DecreaseThreshold, DecreaseRatio float64
	// GAAcceptThreshold > 0 also shrinks the radius when the geodesic
	// acceleration ratio exceeds twice this value.
	GAAcceptThreshold float64
	// Radius bounds, a non-positive Max means unbounded.
	Min, Max float64
}

// RadiusState describes one step attempt.
type RadiusState struct {
	Radius             float64
	ActualReduction    float64 // cost_old - cost_new
	PredictedReduction float64 // -q(step)
	StepNorm           float64 // ‖step_h‖
	HitsBoundary       bool
	GARatio            float64 // ‖a‖/‖v‖, NaN without acceleration
}

// UpdateRadius returns the next trust radius and the reduction ratio
// ared/pred, which is 0 when pred ≤ 0 or the actual reduction is NaN.
func UpdateRadius(s RadiusState, p RadiusPolicy) (radius, ratio float64) {

	if s.PredictedReduction > 0 && !math.IsNaN(s.ActualReduction) {
		ratio = s.ActualReduction / s.PredictedReduction
	}

	radius = s.Radius
	gaReject := p.GAAcceptThreshold > 0 && s.GARatio > 2*p.GAAcceptThreshold
	switch {
	case ratio < p.DecreaseThreshold || gaReject:
		// a zero step shrinks the radius itself
		if s.StepNorm > 0 {
			radius = p.DecreaseRatio * s.StepNorm
		} else {
			radius = p.DecreaseRatio * s.Radius
		}
	case ratio > p.IncreaseThreshold && s.HitsBoundary:
		radius = p.IncreaseRatio * s.StepNorm
	}

	if p.Max > 0 {
		radius = math.Min(radius, p.Max)
	}
	radius = math.Max(radius, p.Min)
	return
}
