package localize

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records every Publish call for assertion.
type fakeSink struct {
	results []PGOResult
	diags   []Diagnostics
}

func (f *fakeSink) Publish(result PGOResult, diag Diagnostics) {
	f.results = append(f.results, result)
	f.diags = append(f.diags, diag)
}

func transpose3(m [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	return out
}

// localVectorFor computes the local-frame vector anchorID would report for a
// phone at globalPhonePos, inverting the rotation createRelativeMeasurement
// applies on the way back in.
func localVectorFor(t *testing.T, anchorID int, anchorPos, globalPhonePos Vec3) Vec3 {
	t.Helper()
	rot, ok := anchorRotation(anchorID)
	require.True(t, ok)
	return matVec3(transpose3(rot), globalPhonePos.Sub(anchorPos))
}

// pinBinnerClock forces the phone's (lazily-created) binner onto a
// controllable fake clock so tests can drive small, test-friendly
// timestamps without every measurement looking stale against real
// wall-clock time.
func pinBinnerClock(p *Pipeline, phoneID int) *stepClock {
	b := p.binnerFor(phoneID)
	clk := &stepClock{}
	b.now = clk.now
	return clk
}

func TestPipelineFourNoiselessAnchorsSolvePhonePosition(t *testing.T) {
	cfg := CanonicalAnchorConfig()
	sink := &fakeSink{}
	p := NewPipeline(cfg, DefaultBinnerParams(), DefaultSolverParams(), sink, zerolog.Nop())

	phoneTruth := Vec3{240, 300, 0}
	phoneID := 7
	clk := pinBinnerClock(p, phoneID)
	ts := 0.0
	for _, anchorID := range cfg.IDs() {
		anchorPos, _ := cfg.Position(anchorID)
		local := localVectorFor(t, anchorID, anchorPos, phoneTruth)
		clk.set(ts)
		decision := p.Offer(Measurement{Timestamp: ts, AnchorID: anchorID, PhoneNodeID: phoneID, LocalVector: local})
		assert.True(t, decision.Accepted)
		ts += 0.01
	}

	p.processOnce(context.Background())

	require.Len(t, sink.results, 1)
	result := sink.results[0]
	assert.True(t, result.Success)
	got, ok := result.NodePositions[phoneNode(phoneID)]
	require.True(t, ok)
	assert.InDelta(t, phoneTruth[0], got[0], 1.0)
	assert.InDelta(t, phoneTruth[1], got[1], 1.0)
	assert.InDelta(t, phoneTruth[2], got[2], 1.0)
	assert.Less(t, result.Cost, 1e-3)
}

func TestPipelineSingleAnchorVisiblePhoneUniquelyDetermined(t *testing.T) {
	cfg := CanonicalAnchorConfig()
	sink := &fakeSink{}
	p := NewPipeline(cfg, DefaultBinnerParams(), DefaultSolverParams(), sink, zerolog.Nop())

	phoneTruth := Vec3{240, 300, 0}
	phoneID := 3
	anchorID := 0
	anchorPos, _ := cfg.Position(anchorID)
	local := localVectorFor(t, anchorID, anchorPos, phoneTruth)

	clk := pinBinnerClock(p, phoneID)
	for i := 0; i < 5; i++ {
		ts := float64(i) * 0.01
		clk.set(ts)
		decision := p.Offer(Measurement{Timestamp: ts, AnchorID: anchorID, PhoneNodeID: phoneID, LocalVector: local})
		assert.True(t, decision.Accepted)
	}

	p.processOnce(context.Background())

	require.Len(t, sink.results, 1)
	got, ok := sink.results[0].NodePositions[phoneNode(phoneID)]
	require.True(t, ok)
	assert.InDelta(t, phoneTruth[0], got[0], 1.0)
	assert.InDelta(t, phoneTruth[1], got[1], 1.0)
	assert.InDelta(t, phoneTruth[2], got[2], 1.0)
}

func TestPipelineOutlierRejectionCountsAgainstMetrics(t *testing.T) {
	cfg := CanonicalAnchorConfig()
	sink := &fakeSink{}
	p := NewPipeline(cfg, DefaultBinnerParams(), DefaultSolverParams(), sink, zerolog.Nop())

	phoneID := 1
	anchorID := 1
	consistent := Vec3{400, 0, 0}
	clk := pinBinnerClock(p, phoneID)
	for i := 0; i < 10; i++ {
		ts := float64(i) * 0.01
		clk.set(ts)
		decision := p.Offer(Measurement{Timestamp: ts, AnchorID: anchorID, PhoneNodeID: phoneID, LocalVector: consistent})
		assert.True(t, decision.Accepted)
	}

	outlier := Vec3{4000, 0, 0}
	clk.set(0.11)
	decision := p.Offer(Measurement{Timestamp: 0.11, AnchorID: anchorID, PhoneNodeID: phoneID, LocalVector: outlier})
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reason, "outlier")

	metrics := p.binnerFor(phoneID).Metrics()
	assert.Equal(t, 1, metrics.RejectedMeasurements)
}

func TestPipelineLateDropLeavesBufferUnchanged(t *testing.T) {
	cfg := CanonicalAnchorConfig()
	sink := &fakeSink{}
	p := NewPipeline(cfg, DefaultBinnerParams(), DefaultSolverParams(), sink, zerolog.Nop())

	phoneID := 2
	anchorID := 0
	clk := pinBinnerClock(p, phoneID)
	clk.set(10.0)
	p.Offer(Measurement{Timestamp: 10.0, AnchorID: anchorID, PhoneNodeID: phoneID, LocalVector: Vec3{1, 0, 0}})

	decision := p.Offer(Measurement{Timestamp: 10.0 - 5.0, AnchorID: anchorID, PhoneNodeID: phoneID, LocalVector: Vec3{1, 0, 0}})
	assert.False(t, decision.Accepted)
	assert.Equal(t, "late_drop", decision.Reason)

	metrics := p.binnerFor(phoneID).Metrics()
	assert.Equal(t, 1, metrics.LateDrops)
	bin, ok := p.binnerFor(phoneID).CreateBinnedData(phoneID)
	require.True(t, ok)
	assert.Len(t, bin.Measurements[anchorID], 1)
}

// TestPipelineLateDropOnFreshPhoneBinner is spec.md §8 Scenario 4 run through
// the pipeline's public Offer path: a single stale measurement for a phone
// never seen before must late-drop against wall-clock now, not against any
// previously-accepted sample (there is none).
func TestPipelineLateDropOnFreshPhoneBinner(t *testing.T) {
	cfg := CanonicalAnchorConfig()
	sink := &fakeSink{}
	p := NewPipeline(cfg, DefaultBinnerParams(), DefaultSolverParams(), sink, zerolog.Nop())

	phoneID := 9
	clk := pinBinnerClock(p, phoneID)
	clk.set(1000.0)

	decision := p.Offer(Measurement{Timestamp: 1000.0 - 5.0, AnchorID: 0, PhoneNodeID: phoneID, LocalVector: Vec3{1, 0, 0}})
	assert.False(t, decision.Accepted)
	assert.Equal(t, "late_drop", decision.Reason)

	_, ok := p.binnerFor(phoneID).CreateBinnedData(phoneID)
	assert.False(t, ok)
}

func TestPipelineDiscardsResultWhenContextCanceledMidCycle(t *testing.T) {
	cfg := CanonicalAnchorConfig()
	sink := &fakeSink{}
	p := NewPipeline(cfg, DefaultBinnerParams(), DefaultSolverParams(), sink, zerolog.Nop())

	phoneID := 4
	anchorID := 0
	anchorPos, _ := cfg.Position(anchorID)
	local := localVectorFor(t, anchorID, anchorPos, Vec3{240, 300, 0})
	clk := pinBinnerClock(p, phoneID)
	clk.set(0)
	p.Offer(Measurement{Timestamp: 0, AnchorID: anchorID, PhoneNodeID: phoneID, LocalVector: local})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.processOnce(ctx)

	assert.Empty(t, sink.results)
}
