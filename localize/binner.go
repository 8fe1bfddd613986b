package localize

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Default binner tuning, matching spec.md §4.2.
const (
	DefaultWindowSizeSeconds           = 1.0
	DefaultOutlierThresholdSigma       = 2.0
	DefaultMinSamplesForOutlierDetect  = 5
	DefaultMaxAnchorVariance           = 10000.0
	tightClusterStdEpsilon             = 1e-6
	tightClusterDiffCm                 = 50.0
)

// Decision is the outcome of offering a Measurement to a Binner.
type Decision struct {
	Accepted bool
	Reason   string // machine-readable reject tag; empty when Accepted
}

type bufEntry struct {
	ts       float64
	anchorID int
	vector   Vec3
}

// BinnerParams configures a Binner's admission gates and window length.
type BinnerParams struct {
	WindowSizeSeconds          float64
	OutlierThresholdSigma      float64
	MinSamplesForOutlierDetect int
	MaxAnchorVariance          float64
}

// DefaultBinnerParams returns spec.md's default tuning.
func DefaultBinnerParams() BinnerParams {
	return BinnerParams{
		WindowSizeSeconds:          DefaultWindowSizeSeconds,
		OutlierThresholdSigma:      DefaultOutlierThresholdSigma,
		MinSamplesForOutlierDetect: DefaultMinSamplesForOutlierDetect,
		MaxAnchorVariance:          DefaultMaxAnchorVariance,
	}
}

// Binner is a sliding-window admission filter and aggregator for one phone.
// Safe for concurrent use: the ingress goroutine calls Add while the
// processor goroutine calls CreateBinnedData and Metrics.
type Binner struct {
	mu      sync.Mutex
	params  BinnerParams
	buf     []bufEntry
	metrics *BinningMetrics

	// now is read on every Add/CreateBinnedData call to anchor the sliding
	// window against wall-clock time, matching the reference binner's
	// time.time() calls. Defaults to time.Now; tests override it directly
	// (same package) with a fixed or stepped fake clock.
	now func() time.Time
}

// NewBinner constructs a Binner with the given parameters.
func NewBinner(params BinnerParams) *Binner {
	return &Binner{
		params:  params,
		metrics: newBinningMetrics(),
		now:     time.Now,
	}
}

func nowSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Add offers a measurement for admission into the window. It evaluates, in
// order: a late-drop check against the current window's trailing edge, a
// statistical-outlier gate, and a per-anchor variance gate. On acceptance
// the measurement is appended and the window's front is evicted to the new
// trailing edge.
func (b *Binner) Add(m Measurement) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addLocked(m)
}

func (b *Binner) addLocked(m Measurement) Decision {
	b.metrics.TotalMeasurements++

	windowStart := nowSeconds(b.now()) - b.params.WindowSizeSeconds

	if m.Timestamp < windowStart {
		b.metrics.LateDrops++
		b.recordRejection("late_drop")
		return Decision{Accepted: false, Reason: "late_drop"}
	}

	if reason, ok := b.checkStatisticalOutlier(m); !ok {
		b.metrics.RejectedMeasurements++
		b.recordRejection(reason)
		return Decision{Accepted: false, Reason: reason}
	}

	if reason, ok := b.checkAnchorVariance(m); !ok {
		b.metrics.RejectedMeasurements++
		b.recordRejection(reason)
		return Decision{Accepted: false, Reason: reason}
	}

	b.buf = append(b.buf, bufEntry{ts: m.Timestamp, anchorID: m.AnchorID, vector: m.LocalVector})
	b.metrics.MeasurementsPerAnchor[m.AnchorID]++
	b.evictLocked(windowStart)
	return Decision{Accepted: true}
}

func (b *Binner) recordRejection(reason string) {
	b.metrics.RejectionReasons[reason]++
}

func (b *Binner) evictLocked(windowStart float64) {
	i := 0
	for i < len(b.buf) && b.buf[i].ts < windowStart {
		i++
	}
	if i > 0 {
		b.buf = append(b.buf[:0], b.buf[i:]...)
	}
}

// sameAnchorDistances returns the scalar ranges (vector norms) currently
// buffered for anchorID, in window order.
func (b *Binner) sameAnchorDistances(anchorID int) []float64 {
	out := make([]float64, 0, len(b.buf))
	for _, e := range b.buf {
		if e.anchorID == anchorID {
			out = append(out, e.vector.Norm())
		}
	}
	return out
}

func (b *Binner) checkStatisticalOutlier(m Measurement) (string, bool) {
	distances := b.sameAnchorDistances(m.AnchorID)
	if len(distances) < b.params.MinSamplesForOutlierDetect {
		return "", true
	}
	mean, std := meanStd(distances)
	newDistance := m.LocalVector.Norm()
	if std < tightClusterStdEpsilon {
		diff := math.Abs(newDistance - mean)
		if diff > tightClusterDiffCm {
			return fmt.Sprintf("outlier_from_tight_cluster_diff_%dcm", int(diff)), false
		}
		return "", true
	}
	z := math.Abs(newDistance-mean) / std
	if z > b.params.OutlierThresholdSigma {
		return fmt.Sprintf("statistical_outlier_z%.1f_anchor%d", z, m.AnchorID), false
	}
	return "", true
}

func (b *Binner) checkAnchorVariance(m Measurement) (string, bool) {
	distances := b.sameAnchorDistances(m.AnchorID)
	if len(distances) < 2 {
		return "", true
	}
	all := make([]float64, len(distances)+1)
	copy(all, distances)
	all[len(distances)] = m.LocalVector.Norm()
	variance := varianceOf(all)
	if variance > b.params.MaxAnchorVariance {
		return fmt.Sprintf("anchor_variance_too_high_%d_anchor%d", int(variance), m.AnchorID), false
	}
	return "", true
}

// CreateBinnedData snapshots the current window for the given phone. It
// returns false if the buffer is empty. Bin bounds are [now-window, now] by
// wall-clock time, matching the reference binner's create_binned_data
// (which stamps bounds from time.time() rather than the buffered entries'
// own min/max timestamps).
func (b *Binner) CreateBinnedData(phoneNodeID int) (BinnedData, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		return BinnedData{}, false
	}

	now := nowSeconds(b.now())
	windowStart := now - b.params.WindowSizeSeconds

	byAnchor := make(map[int][]Vec3)
	for _, e := range b.buf {
		byAnchor[e.anchorID] = append(byAnchor[e.anchorID], e.vector)
	}

	b.metrics.WindowSpanSec = now - windowStart

	return BinnedData{
		BinStartTime: windowStart,
		BinEndTime:   now,
		PhoneNodeID:  phoneNodeID,
		Measurements: byAnchor,
	}, true
}

// Metrics returns a snapshot of the binner's running counters.
func (b *Binner) Metrics() BinningMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics.Snapshot()
}

func meanStd(xs []float64) (mean, std float64) {
	mean = meanOf(xs)
	variance := 0.0
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}

func meanOf(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func varianceOf(xs []float64) float64 {
	mean := meanOf(xs)
	variance := 0.0
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	return variance / float64(len(xs))
}
