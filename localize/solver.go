package localize

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// SolverParams tunes the Levenberg-Marquardt outer loop.
type SolverParams struct {
	MaxIterations int
	FTol          float64
}

// DefaultSolverParams matches spec.md §4.4's defaults.
func DefaultSolverParams() SolverParams {
	return SolverParams{MaxIterations: 100, FTol: 1e-6}
}

// Solver performs pose-graph optimization over the union of nodes named by
// a set of relative-displacement edges, anchored to ground truth afterward.
type Solver struct {
	params SolverParams
}

// NewSolver constructs a Solver with the given parameters.
func NewSolver(params SolverParams) *Solver {
	return &Solver{params: params}
}

// Solve optimizes node positions consistent with edges, given known ground
// truth for a subset of nodes (anchorPositions), then similarity-aligns the
// result to that ground truth. Returns *SolverError if the least-squares
// loop fails to converge, or *AnchoringError if anchor_3/anchor_0 (the
// nodes the default alignment pivots on) are absent from the solved graph.
func (s *Solver) Solve(edges []Edge, anchorPositions map[string]Vec3) (PGOResult, error) {
	if len(edges) == 0 {
		return PGOResult{}, &SolverError{Reason: "no edges to solve"}
	}

	nodes := collectNodes(edges)
	free := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if _, known := anchorPositions[n]; !known {
			free = append(free, n)
		}
	}

	idx := make(map[string]int, len(free))
	for i, n := range free {
		idx[n] = i
	}

	x0 := initializeFree(free, idx, edges, anchorPositions)

	xStar, iterations, cost, ok := levenbergMarquardt(x0, edges, idx, anchorPositions, s.params)
	if !ok {
		return PGOResult{}, &SolverError{Iterations: iterations, Cost: cost, Reason: "did not converge within iteration/ftol budget"}
	}

	positions := make(map[string]Vec3, len(nodes))
	for n, p := range anchorPositions {
		positions[n] = p
	}
	for n, i := range idx {
		positions[n] = Vec3{xStar[3*i], xStar[3*i+1], xStar[3*i+2]}
	}

	aligned, err := AlignToAnchors(positions, anchorPositions)
	if err != nil {
		return PGOResult{}, err
	}

	return PGOResult{
		NodePositions: aligned,
		Success:       true,
		Iterations:    iterations,
		Cost:          cost,
	}, nil
}

func collectNodes(edges []Edge) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range edges {
		if !seen[e.From] {
			seen[e.From] = true
			out = append(out, e.From)
		}
		if !seen[e.To] {
			seen[e.To] = true
			out = append(out, e.To)
		}
	}
	return out
}

// initializeFree performs a single pass over edges, averaging the position
// implied by each directly-known neighbor; nodes with no known neighbor
// initialize at the origin. This matches the original solver's one-pass
// (non-transitive) neighbor-averaging initializer.
func initializeFree(free []string, idx map[string]int, edges []Edge, known map[string]Vec3) []float64 {
	sums := make([]Vec3, len(free))
	counts := make([]int, len(free))

	accumulate := func(node string, estimate Vec3) {
		if i, ok := idx[node]; ok {
			sums[i] = sums[i].Add(estimate)
			counts[i]++
		}
	}

	for _, e := range edges {
		if kp, ok := known[e.From]; ok {
			accumulate(e.To, kp.Add(e.Displacement))
		}
		if kp, ok := known[e.To]; ok {
			accumulate(e.From, kp.Sub(e.Displacement))
		}
	}

	x := make([]float64, 3*len(free))
	for i := range free {
		var p Vec3
		if counts[i] > 0 {
			p = sums[i].Scale(1.0 / float64(counts[i]))
		}
		x[3*i], x[3*i+1], x[3*i+2] = p[0], p[1], p[2]
	}
	return x
}

// residualVector evaluates r_e = (X_b - X_a) - d for every edge given the
// current free-variable assignment x.
func residualVector(x []float64, edges []Edge, idx map[string]int, known map[string]Vec3) []float64 {
	r := make([]float64, 3*len(edges))
	for e, edge := range edges {
		a := nodePos(x, idx, known, edge.From)
		b := nodePos(x, idx, known, edge.To)
		pred := b.Sub(a)
		res := pred.Sub(edge.Displacement)
		r[3*e], r[3*e+1], r[3*e+2] = res[0], res[1], res[2]
	}
	return r
}

func nodePos(x []float64, idx map[string]int, known map[string]Vec3, name string) Vec3 {
	if i, ok := idx[name]; ok {
		return Vec3{x[3*i], x[3*i+1], x[3*i+2]}
	}
	return known[name]
}

// jacobian builds the constant residual Jacobian: +I on the "to" node's
// columns, -I on the "from" node's columns, for every free node touched.
func jacobian(edges []Edge, idx map[string]int) *mat.Dense {
	rows := 3 * len(edges)
	cols := 3 * len(idx)
	j := mat.NewDense(rows, cols, nil)
	for e, edge := range edges {
		if i, ok := idx[edge.To]; ok {
			j.Set(3*e, 3*i, 1)
			j.Set(3*e+1, 3*i+1, 1)
			j.Set(3*e+2, 3*i+2, 1)
		}
		if i, ok := idx[edge.From]; ok {
			j.Set(3*e, 3*i, -1)
			j.Set(3*e+1, 3*i+1, -1)
			j.Set(3*e+2, 3*i+2, -1)
		}
	}
	return j
}

func costOf(r []float64) float64 {
	sum := 0.0
	for _, v := range r {
		sum += v * v
	}
	return 0.5 * sum
}

// levenbergMarquardt runs a damped Gauss-Newton loop. Because the residual
// here is linear in x, the Jacobian is constant across iterations; the loop
// still honors the iteration cap and ftol convergence test to mirror the
// spec's generic nonlinear solver contract.
func levenbergMarquardt(x0 []float64, edges []Edge, idx map[string]int, known map[string]Vec3, params SolverParams) (x []float64, iterations int, finalCost float64, ok bool) {
	if len(idx) == 0 {
		return x0, 0, costOf(residualVector(x0, edges, idx, known)), true
	}

	x = append([]float64(nil), x0...)
	lambda := 1e-3
	r := residualVector(x, edges, idx, known)
	cost := costOf(r)
	if cost < 1e-18 {
		return x, 0, cost, true
	}
	j := jacobian(edges, idx)

	var jt mat.Dense
	jt.CloneFrom(j.T())

	for iter := 0; iter < params.MaxIterations; iter++ {
		iterations = iter + 1

		var jtj mat.Dense
		jtj.Mul(&jt, j)
		rows, _ := jtj.Dims()
		for i := 0; i < rows; i++ {
			jtj.Set(i, i, jtj.At(i, i)+lambda)
		}

		rVec := mat.NewVecDense(len(r), r)
		var jtr mat.VecDense
		jtr.MulVec(&jt, rVec)

		var dx mat.VecDense
		if err := dx.SolveVec(&jtj, &jtr); err != nil {
			pinvJtj := pinv(&jtj)
			var dxD mat.Dense
			dxD.Mul(pinvJtj, &jtr)
			n, _ := dxD.Dims()
			raw := make([]float64, n)
			for i := 0; i < n; i++ {
				raw[i] = dxD.At(i, 0)
			}
			dx = *mat.NewVecDense(n, raw)
		}

		candidate := make([]float64, len(x))
		for i := range x {
			candidate[i] = x[i] - dx.AtVec(i)
		}
		if !allFiniteVec(candidate) {
			return x, iterations, cost, false
		}

		rCand := residualVector(candidate, edges, idx, known)
		candCost := costOf(rCand)

		if candCost < cost {
			improved := cost - candCost
			x = candidate
			r = rCand
			if cost > 0 && improved/cost < params.FTol {
				cost = candCost
				return x, iterations, cost, true
			}
			cost = candCost
			lambda = math.Max(lambda/10, 1e-12)
		} else {
			lambda *= 10
			if lambda > 1e12 {
				return x, iterations, cost, cost < 1e-9
			}
		}
	}
	// Iteration cap exhausted without the ftol criterion or the
	// lambda-divergence escape ever firing: this is non-convergence, not
	// success, matching scipy.optimize.least_squares' result.success ==
	// False when max_nfev is hit without satisfying ftol.
	return x, iterations, cost, false
}
