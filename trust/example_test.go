// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trust_test

import (
	"fmt"
	"strings"

	"github.com/curioloop/trustregion/trust"
	"gonum.org/v1/gonum/mat"
)

func ExampleLeastSquares() {
	problem := trust.LeastSquares{
		N: 2, M: 2,
		Residual: func(x, f []float64) {
			f[0], f[1] = x[0]-3, x[1]+4
		},
		Gradient: func(x, g []float64) {
			g[0], g[1] = x[0]-3, x[1]+4
		},
		Jacobian: func(x []float64, jac *mat.Dense) {
			jac.Set(0, 0, 1)
			jac.Set(1, 1, 1)
		},
	}

	optimizer, err := problem.New(nil)
	if err != nil {
		panic(err)
	}
	res := optimizer.Fit([]float64{0, 0})
	fmt.Println(res.Message)
	fmt.Printf("iterations %d, x = [%.3f %.3f]\n", res.NumIter, res.X[0], res.X[1])
	// Output:
	// `gtol` termination condition is satisfied.
	// iterations 3, x = [3.000 -4.000]
}

func ExampleLoadOptions() {
	opts, err := trust.LoadOptions(strings.NewReader(`
method: subspace
gtol: 1.0e-10
x_scale: auto
`))
	if err != nil {
		panic(err)
	}
	fmt.Println(opts.Method, opts.Gtol, opts.AutoScale)
	// Output:
	// subspace 1e-10 true
}
