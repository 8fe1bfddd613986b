package localize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnchorRotationKnownYaws(t *testing.T) {
	for id, yaw := range anchorYawDeg {
		rot, ok := anchorRotation(id)
		require.True(t, ok)
		expected := matMul3(rz(yaw), ry(anchorTiltDeg))
		assert.Equal(t, expected, rot)
	}
}

func TestCreateRelativeMeasurementUnknownAnchor(t *testing.T) {
	_, err := createRelativeMeasurement(99, 0, Vec3{1, 0, 0})
	assert.ErrorIs(t, err, ErrUnknownAnchor)
}

func TestCreateRelativeMeasurementNaming(t *testing.T) {
	edge, err := createRelativeMeasurement(2, 0, Vec3{10, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, "anchor_2", edge.From)
	assert.Equal(t, "phone_0", edge.To)
}

func TestBuildPhoneEdgesMeansAndRotates(t *testing.T) {
	bin := BinnedData{
		PhoneNodeID: 0,
		Measurements: map[int][]Vec3{
			0: {{10, 0, 0}, {12, 0, 0}},
		},
	}
	edges, err := BuildPhoneEdges(bin)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	rot, _ := anchorRotation(0)
	expected := matVec3(rot, Vec3{11, 0, 0})
	for i := range expected {
		assert.InDelta(t, expected[i], edges[0].Displacement[i], 1e-9)
	}
}

func TestBuildPhoneEdgesSkipsEmptyAnchors(t *testing.T) {
	bin := BinnedData{
		PhoneNodeID:  0,
		Measurements: map[int][]Vec3{0: {}},
	}
	edges, err := BuildPhoneEdges(bin)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestBuildAnchorEdgesBothDirections(t *testing.T) {
	cfg := CanonicalAnchorConfig()
	edges := BuildAnchorEdges(cfg)
	assert.Len(t, edges, 4*3) // C(4,2) pairs, 2 directions each

	var fwd, rev *Edge
	for i := range edges {
		if edges[i].From == "anchor_0" && edges[i].To == "anchor_3" {
			fwd = &edges[i]
		}
		if edges[i].From == "anchor_3" && edges[i].To == "anchor_0" {
			rev = &edges[i]
		}
	}
	require.NotNil(t, fwd)
	require.NotNil(t, rev)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, fwd.Displacement[i], -rev.Displacement[i], 1e-9)
	}
}
