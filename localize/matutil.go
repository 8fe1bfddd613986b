package localize

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// pinv computes the Moore-Penrose pseudo-inverse of a via its SVD, matching
// the teacher's gonum-based pinv() in fusion/utils.go. Used by the solver to
// fall back to a least-norm update when the Gauss-Newton normal equations
// are singular or ill-conditioned (e.g. a node seen by only one edge).
func pinv(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	var svd mat.SVD
	ok := svd.Factorize(a, mat.SVDThin)
	if !ok {
		return mat.NewDense(c, r, nil)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	maxS := 0.0
	if len(s) > 0 {
		maxS = s[0]
	}
	tol := 1e-15 * float64(max(r, c)) * maxS

	sigInv := mat.NewDense(len(s), len(s), nil)
	for i, val := range s {
		if val > tol {
			sigInv.Set(i, i, 1.0/val)
		}
	}

	var tmp, res mat.Dense
	tmp.Mul(&v, sigInv)
	res.Mul(&tmp, u.T())
	return &res
}

// allFiniteVec reports whether every element of x is finite.
func allFiniteVec(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
