package localize

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const anchoringParallelEpsilon = 1e-6

// AlignToAnchors performs the default two-anchor similarity-transform gauge
// fix: translate so solved anchor_3 sits at the origin, scale by the ratio of
// true to solved anchor_0 distance, rotate the solved anchor_3->anchor_0
// direction onto the true one (2D yaw when both directions are near-planar,
// Rodrigues rotation otherwise, falling back to identity/180° rotation when
// the two directions are parallel/antiparallel), translate onto true
// anchor_3, then snap all four known anchors to their exact ground-truth
// coordinates.
//
// Requires anchor_3 and anchor_0 to both be present in solved and truth;
// returns *AnchoringError otherwise.
func AlignToAnchors(solved map[string]Vec3, truth map[string]Vec3) (map[string]Vec3, error) {
	const pivot, ref = "anchor_3", "anchor_0"

	optPivot, ok := solved[pivot]
	if !ok {
		return nil, &AnchoringError{Reason: "anchor_3 missing from solved graph"}
	}
	optRef, ok := solved[ref]
	if !ok {
		return nil, &AnchoringError{Reason: "anchor_0 missing from solved graph"}
	}
	truePivot, ok := truth[pivot]
	if !ok {
		return nil, &AnchoringError{Reason: "anchor_3 missing from ground truth"}
	}
	trueRef, ok := truth[ref]
	if !ok {
		return nil, &AnchoringError{Reason: "anchor_0 missing from ground truth"}
	}

	translated := make(map[string]Vec3, len(solved))
	for n, p := range solved {
		translated[n] = p.Sub(optPivot)
	}
	optDir := optRef.Sub(optPivot)
	trueDir := trueRef.Sub(truePivot)

	optDist := optDir.Norm()
	trueDist := trueDir.Norm()
	scale := 1.0
	if optDist > anchoringParallelEpsilon {
		scale = trueDist / optDist
	}

	rot := alignmentRotation(optDir, trueDir)

	out := make(map[string]Vec3, len(translated))
	for n, p := range translated {
		scaled := p.Scale(scale)
		out[n] = matVec3(rot, scaled).Add(truePivot)
	}

	for id := 0; id < 4; id++ {
		name := anchorNode(id)
		if tp, ok := truth[name]; ok {
			if _, present := out[name]; present {
				out[name] = tp
			}
		}
	}

	return out, nil
}

// alignmentRotation returns the rotation matrix carrying optDir onto
// trueDir. When both vectors lie (near) in the ground plane, a 2D yaw
// rotation about Z is used; otherwise the general 3D Rodrigues formula
// applies. When the two directions are parallel or antiparallel (cross
// product near zero), the result is the identity matrix (parallel, c>0)
// or a 180° rotation about an axis perpendicular to optDir (antiparallel,
// c<0), so the result is always a proper rotation.
func alignmentRotation(optDir, trueDir Vec3) [3][3]float64 {
	if math.Abs(optDir[2]) < anchoringParallelEpsilon && math.Abs(trueDir[2]) < anchoringParallelEpsilon {
		optYaw := math.Atan2(optDir[1], optDir[0])
		trueYaw := math.Atan2(trueDir[1], trueDir[0])
		return rz((trueYaw - optYaw) * 180 / math.Pi)
	}

	u := optDir.Scale(1.0 / optDir.Norm())
	v := trueDir.Scale(1.0 / trueDir.Norm())

	cross := u.Cross(v)
	c := u.Dot(v)
	s := cross.Norm()

	if s < anchoringParallelEpsilon {
		if c > 0 {
			return identity3()
		}
		axis := Vec3{1, 0, 0}
		if math.Abs(u[0]) > 0.9 {
			axis = Vec3{0, 1, 0}
		}
		n := u.Cross(axis)
		n = n.Scale(1.0 / n.Norm())
		var half [3][3]float64
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				half[i][j] = 2 * n[i] * n[j]
			}
			half[i][i] -= 1
		}
		return half
	}

	vx := skew(cross)
	vx2 := matMul3(vx, vx)
	factor := (1 - c) / (s * s)
	var rot [3][3]float64
	id := identity3()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i][j] = id[i][j] + vx[i][j] + vx2[i][j]*factor
		}
	}
	return rot
}

func identity3() [3][3]float64 {
	return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

func negate3(m [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = -m[i][j]
		}
	}
	return out
}

func skew(v Vec3) [3][3]float64 {
	return [3][3]float64{
		{0, -v[2], v[1]},
		{v[2], 0, -v[0]},
		{-v[1], v[0], 0},
	}
}

// AlignGeneralized is an opt-in alternative to AlignToAnchors: rather than
// pivoting on anchor_3/anchor_0 alone, it fits a single similarity
// transform (translation + uniform scale + rotation) in the least-squares
// sense over every anchor present in both solved and truth, via Umeyama's
// method, then snaps all matched anchors to ground truth. Requires at
// least two matched anchors.
func AlignGeneralized(solved map[string]Vec3, truth map[string]Vec3) (map[string]Vec3, error) {
	var names []string
	for n := range solved {
		if _, ok := truth[n]; ok {
			names = append(names, n)
		}
	}
	if len(names) < 2 {
		return nil, &AnchoringError{Reason: "fewer than two matched anchors for generalized alignment"}
	}

	var srcCentroid, dstCentroid Vec3
	for _, n := range names {
		srcCentroid = srcCentroid.Add(solved[n])
		dstCentroid = dstCentroid.Add(truth[n])
	}
	inv := 1.0 / float64(len(names))
	srcCentroid = srcCentroid.Scale(inv)
	dstCentroid = dstCentroid.Scale(inv)

	var srcVar float64
	var cov [3][3]float64
	for _, n := range names {
		s := solved[n].Sub(srcCentroid)
		d := truth[n].Sub(dstCentroid)
		srcVar += s.Dot(s)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				cov[i][j] += d[i] * s[j]
			}
		}
	}
	srcVar *= inv
	for i := range cov {
		for j := range cov[i] {
			cov[i][j] *= inv
		}
	}

	rot, scale := rotationScaleFromCovariance(cov, srcVar)

	out := make(map[string]Vec3, len(solved))
	for n, p := range solved {
		centered := p.Sub(srcCentroid)
		scaled := centered.Scale(scale)
		out[n] = matVec3(rot, scaled).Add(dstCentroid)
	}
	for _, n := range names {
		out[n] = truth[n]
	}
	return out, nil
}

// rotationScaleFromCovariance extracts the rotation and uniform scale from a
// 3x3 cross-covariance via Umeyama's method (Umeyama, 1991): SVD the
// covariance as cov = U*diag(s)*V^T, then R = U*diag(1,1,det(U*V^T))*V^T and
// scale = trace(diag(s)*S)/srcVar, where S flips the sign of the last
// singular value when det(U*V^T) < 0 to keep R a proper rotation (det +1).
// This mirrors pinv's gonum SVD usage in matutil.go.
func rotationScaleFromCovariance(cov [3][3]float64, srcVar float64) ([3][3]float64, float64) {
	if srcVar < anchoringParallelEpsilon {
		return identity3(), 1.0
	}

	covDense := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			covDense.Set(i, j, cov[i][j])
		}
	}

	var svd mat.SVD
	if !svd.Factorize(covDense, mat.SVDFull) {
		return identity3(), 1.0
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	var uvT mat.Dense
	uvT.Mul(&u, v.T())
	detUVt := det3(&uvT)

	d := [3]float64{1, 1, 1}
	if detUVt < 0 {
		d[2] = -1
	}

	var diagD, rDense mat.Dense
	diagD.Mul(mat.NewDiagDense(3, d[:]), v.T())
	rDense.Mul(&u, &diagD)

	var rot [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i][j] = rDense.At(i, j)
		}
	}

	weightedTrace := d[0]*s[0] + d[1]*s[1] + d[2]*s[2]
	scale := weightedTrace / srcVar
	if math.Abs(scale) < anchoringParallelEpsilon {
		return identity3(), 1.0
	}
	return rot, scale
}

// det3 returns the determinant of a 3x3 gonum matrix.
func det3(m *mat.Dense) float64 {
	return m.At(0, 0)*(m.At(1, 1)*m.At(2, 2)-m.At(1, 2)*m.At(2, 1)) -
		m.At(0, 1)*(m.At(1, 0)*m.At(2, 2)-m.At(1, 2)*m.At(2, 0)) +
		m.At(0, 2)*(m.At(1, 0)*m.At(2, 1)-m.At(1, 1)*m.At(2, 0))
}
