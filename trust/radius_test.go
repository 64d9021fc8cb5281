// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trust

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdateRadius(t *testing.T) {

	policy := RadiusPolicy{
		IncreaseThreshold: 0.75, IncreaseRatio: 2,
		DecreaseThreshold: 0.25, DecreaseRatio: 0.25,
		Min: 0, Max: 10,
	}
	nan := math.NaN()

	for _, c := range []struct {
		name          string
		state         RadiusState
		radius, ratio float64
	}{
		{"expand on boundary", RadiusState{1, 1, 1, 1, true, nan}, 2, 1},
		{"keep inside", RadiusState{1, 0.9, 1, 0.5, false, nan}, 1, 0.9},
		{"keep moderate", RadiusState{1, 0.5, 1, 1, true, nan}, 1, 0.5},
		{"shrink poor", RadiusState{1, 0.1, 1, 0.8, true, nan}, 0.2, 0.1},
		{"shrink increase", RadiusState{1, -1, 1, 0.8, true, nan}, 0.2, -1},
		{"no predicted reduction", RadiusState{1, 1, 0, 1, true, nan}, 0.25, 0},
		{"negative predicted reduction", RadiusState{1, 1, -1, 1, true, nan}, 0.25, 0},
		{"nan actual reduction", RadiusState{1, nan, 1, 1, true, nan}, 0.25, 0},
		{"zero step", RadiusState{1, 0, 0, 0, true, nan}, 0.25, 0},
		{"clamp to max", RadiusState{8, 1, 1, 8, true, nan}, 10, 1},
	} {
		t.Run(c.name, func(t *testing.T) {
			radius, ratio := UpdateRadius(c.state, policy)
			require.InDelta(t, c.radius, radius, 1e-15)
			require.InDelta(t, c.ratio, ratio, 1e-15)
		})
	}

	// clamp to min
	bounded := policy
	bounded.Min = 0.5
	radius, _ := UpdateRadius(RadiusState{1, 0, 1, 1, true, nan}, bounded)
	require.Equal(t, 0.5, radius)

	// unbounded above
	bounded.Max = 0
	radius, _ = UpdateRadius(RadiusState{1e6, 1, 1, 1e6, true, nan}, bounded)
	require.Equal(t, 2e6, radius)

	// rejected acceleration shrinks a good step
	accel := policy
	accel.GAAcceptThreshold = 0.5
	radius, ratio := UpdateRadius(RadiusState{1, 1, 1, 1, true, 1.5}, accel)
	require.Equal(t, 0.25, radius)
	require.Equal(t, 1.0, ratio)

	radius, _ = UpdateRadius(RadiusState{1, 1, 1, 1, true, 0.9}, accel)
	require.Equal(t, 2.0, radius)

	// exactly twice the threshold is still tolerated
	radius, _ = UpdateRadius(RadiusState{1, 1, 1, 1, true, 1}, accel)
	require.Equal(t, 2.0, radius)

	// a rejected acceleration on a zero step shrinks the radius itself
	radius, _ = UpdateRadius(RadiusState{1, 0, 0, 0, false, 1.5}, accel)
	require.Equal(t, 0.25, radius)

	radius, _ = UpdateRadius(RadiusState{1, 1, 1, 1, true, nan}, accel)
	require.Equal(t, 2.0, radius)
}
