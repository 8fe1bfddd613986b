package localize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock is a controllable fake wall clock for binner tests: set() moves
// it to the given offset (in seconds) from the epoch, simulating a
// measurement arriving at roughly its own timestamp, the way the real
// ingress-to-binner path does in production.
type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time { return c.t }
func (c *stepClock) set(sec float64) {
	c.t = time.Unix(0, int64(sec*float64(time.Second)))
}

func newBinnerWithClock(params BinnerParams) (*Binner, *stepClock) {
	b := NewBinner(params)
	clk := &stepClock{}
	b.now = clk.now
	return b, clk
}

func TestBinnerAcceptsWithinTolerance(t *testing.T) {
	b, clk := newBinnerWithClock(DefaultBinnerParams())
	for i := 0; i < 6; i++ {
		ts := float64(i) * 0.1
		clk.set(ts)
		d := b.Add(Measurement{Timestamp: ts, AnchorID: 0, LocalVector: Vec3{100, 0, 0}})
		assert.True(t, d.Accepted)
	}
	clk.set(0.7)
	d := b.Add(Measurement{Timestamp: 0.7, AnchorID: 0, LocalVector: Vec3{101, 0, 0}})
	assert.True(t, d.Accepted)
}

func TestBinnerTightClusterOutlier(t *testing.T) {
	b, clk := newBinnerWithClock(DefaultBinnerParams())
	for i := 0; i < 5; i++ {
		ts := float64(i) * 0.01
		clk.set(ts)
		d := b.Add(Measurement{Timestamp: ts, AnchorID: 0, LocalVector: Vec3{100, 0, 0}})
		require.True(t, d.Accepted)
	}
	clk.set(0.06)
	d := b.Add(Measurement{Timestamp: 0.06, AnchorID: 0, LocalVector: Vec3{200, 0, 0}})
	assert.False(t, d.Accepted)
	assert.Contains(t, d.Reason, "outlier_from_tight_cluster_diff_")
}

func TestBinnerStatisticalOutlier(t *testing.T) {
	b, clk := newBinnerWithClock(DefaultBinnerParams())
	vals := []float64{95, 100, 105, 98, 102}
	for i, v := range vals {
		ts := float64(i) * 0.01
		clk.set(ts)
		d := b.Add(Measurement{Timestamp: ts, AnchorID: 1, LocalVector: Vec3{v, 0, 0}})
		require.True(t, d.Accepted)
	}
	clk.set(0.06)
	d := b.Add(Measurement{Timestamp: 0.06, AnchorID: 1, LocalVector: Vec3{500, 0, 0}})
	assert.False(t, d.Accepted)
	assert.Contains(t, d.Reason, "statistical_outlier_z")
	assert.Contains(t, d.Reason, "anchor1")
}

func TestBinnerAnchorVarianceGate(t *testing.T) {
	params := DefaultBinnerParams()
	params.MinSamplesForOutlierDetect = 1000 // disable the outlier gate for this test
	b, clk := newBinnerWithClock(params)
	clk.set(0)
	b.Add(Measurement{Timestamp: 0, AnchorID: 2, LocalVector: Vec3{0, 0, 0}})
	clk.set(0.01)
	b.Add(Measurement{Timestamp: 0.01, AnchorID: 2, LocalVector: Vec3{500, 0, 0}})
	clk.set(0.02)
	d := b.Add(Measurement{Timestamp: 0.02, AnchorID: 2, LocalVector: Vec3{-500, 0, 0}})
	assert.False(t, d.Accepted)
	assert.Contains(t, d.Reason, "anchor_variance_too_high_")
}

// TestBinnerLateDropFreshBinner is spec.md §8 Scenario 4 literally: a single
// stale measurement fed into a binner that has never accepted anything must
// still late-drop, because the gate is wall-clock "now" minus window_size,
// not the buffer's own high-water-mark timestamp.
func TestBinnerLateDropFreshBinner(t *testing.T) {
	params := DefaultBinnerParams()
	params.WindowSizeSeconds = 1.0
	b, clk := newBinnerWithClock(params)
	clk.set(1000.0)

	d := b.Add(Measurement{Timestamp: 1000.0 - 5.0, AnchorID: 0, LocalVector: Vec3{100, 0, 0}})
	assert.False(t, d.Accepted)
	assert.Equal(t, "late_drop", d.Reason)
	assert.Equal(t, 1, b.Metrics().LateDrops)

	_, ok := b.CreateBinnedData(0)
	assert.False(t, ok)
}

func TestBinnerLateDropRelativeToCurrentWindow(t *testing.T) {
	b, clk := newBinnerWithClock(DefaultBinnerParams())
	clk.set(5.0)
	require.True(t, b.Add(Measurement{Timestamp: 5.0, AnchorID: 0, LocalVector: Vec3{100, 0, 0}}).Accepted)

	clk.set(5.0)
	d := b.Add(Measurement{Timestamp: 3.0, AnchorID: 0, LocalVector: Vec3{100, 0, 0}})
	assert.False(t, d.Accepted)
	assert.Equal(t, "late_drop", d.Reason)
}

func TestBinnerAdmitsTimestampExactlyAtWindowEdge(t *testing.T) {
	params := DefaultBinnerParams()
	params.WindowSizeSeconds = 1.0
	b, clk := newBinnerWithClock(params)
	clk.set(10.0)
	d := b.Add(Measurement{Timestamp: 9.0, AnchorID: 0, LocalVector: Vec3{100, 0, 0}})
	assert.True(t, d.Accepted)
}

func TestBinnerEvictsOutsideWindow(t *testing.T) {
	params := DefaultBinnerParams()
	params.WindowSizeSeconds = 1.0
	b, clk := newBinnerWithClock(params)
	clk.set(0.0)
	b.Add(Measurement{Timestamp: 0.0, AnchorID: 0, LocalVector: Vec3{100, 0, 0}})
	clk.set(1.5)
	b.Add(Measurement{Timestamp: 1.5, AnchorID: 0, LocalVector: Vec3{100, 0, 0}})
	bin, ok := b.CreateBinnedData(0)
	require.True(t, ok)
	assert.Len(t, bin.Measurements[0], 1)
}

func TestBinnerCreateBinnedDataEmpty(t *testing.T) {
	b := NewBinner(DefaultBinnerParams())
	_, ok := b.CreateBinnedData(0)
	assert.False(t, ok)
}

func TestBinnerMetricsSnapshotIndependent(t *testing.T) {
	b, clk := newBinnerWithClock(DefaultBinnerParams())
	clk.set(0)
	b.Add(Measurement{Timestamp: 0, AnchorID: 0, LocalVector: Vec3{1, 0, 0}})
	snap := b.Metrics()
	snap.MeasurementsPerAnchor[0] = 999
	assert.Equal(t, 1, b.Metrics().MeasurementsPerAnchor[0])
}
