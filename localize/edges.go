package localize

import "math"

// anchorYawDeg gives each anchor's body-frame yaw for the R_z(yaw)*R_y(45deg)
// tilt used to rotate local-frame phone vectors into the global frame.
var anchorYawDeg = map[int]float64{
	0: 225, // top-right, faces SW tilted down
	1: 315, // top-left, faces SE tilted down
	2: 135, // bottom-right, faces NW tilted down
	3: 45,  // bottom-left, faces NE tilted down
}

const anchorTiltDeg = 45.0

func rz(deg float64) [3][3]float64 {
	r := deg * math.Pi / 180
	c, s := math.Cos(r), math.Sin(r)
	return [3][3]float64{
		{c, -s, 0},
		{s, c, 0},
		{0, 0, 1},
	}
}

func ry(deg float64) [3][3]float64 {
	r := deg * math.Pi / 180
	c, s := math.Cos(r), math.Sin(r)
	return [3][3]float64{
		{c, 0, s},
		{0, 1, 0},
		{-s, 0, c},
	}
}

func matMul3(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			sum := 0.0
			for k := 0; k < 3; k++ {
				sum += a[i][k] * b[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

func matVec3(a [3][3]float64, v Vec3) Vec3 {
	return Vec3{
		a[0][0]*v[0] + a[0][1]*v[1] + a[0][2]*v[2],
		a[1][0]*v[0] + a[1][1]*v[1] + a[1][2]*v[2],
		a[2][0]*v[0] + a[2][1]*v[1] + a[2][2]*v[2],
	}
}

// anchorRotation returns R_z(yaw_i) * R_y(45deg) for anchorID, and whether
// anchorID has a known yaw mapping.
func anchorRotation(anchorID int) ([3][3]float64, bool) {
	yaw, ok := anchorYawDeg[anchorID]
	if !ok {
		return [3][3]float64{}, false
	}
	return matMul3(rz(yaw), ry(anchorTiltDeg)), true
}

// createRelativeMeasurement rotates a local-frame vector reported by
// anchorID into the global frame and names the resulting edge endpoints.
func createRelativeMeasurement(anchorID, phoneNodeID int, local Vec3) (Edge, error) {
	rot, ok := anchorRotation(anchorID)
	if !ok {
		return Edge{}, ErrUnknownAnchor
	}
	return Edge{
		From:         anchorNode(anchorID),
		To:           phoneNode(phoneNodeID),
		Displacement: matVec3(rot, local),
	}, nil
}

// BuildPhoneEdges produces one edge per anchor that contributed at least one
// vector to the bin, using the component-wise mean of that anchor's vectors,
// rotated into the global frame.
func BuildPhoneEdges(bin BinnedData) ([]Edge, error) {
	edges := make([]Edge, 0, len(bin.Measurements))
	for anchorID, vectors := range bin.Measurements {
		if len(vectors) == 0 {
			continue
		}
		mean := meanVec3(vectors)
		edge, err := createRelativeMeasurement(anchorID, bin.PhoneNodeID, mean)
		if err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, nil
}

func meanVec3(vs []Vec3) Vec3 {
	var sum Vec3
	for _, v := range vs {
		sum = sum.Add(v)
	}
	return sum.Scale(1.0 / float64(len(vs)))
}

// BuildAnchorEdges precomputes both-direction edges for every unordered pair
// of anchors in cfg, from their ground-truth positions. The result never
// changes once cfg is fixed and may be shared/cached across solve cycles.
func BuildAnchorEdges(cfg AnchorConfig) []Edge {
	ids := cfg.IDs()
	edges := make([]Edge, 0, len(ids)*(len(ids)-1))
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := ids[i], ids[j]
			pa, _ := cfg.Position(a)
			pb, _ := cfg.Position(b)
			rel := pb.Sub(pa)
			edges = append(edges, Edge{From: anchorNode(a), To: anchorNode(b), Displacement: rel})
			edges = append(edges, Edge{From: anchorNode(b), To: anchorNode(a), Displacement: rel.Scale(-1)})
		}
	}
	return edges
}
