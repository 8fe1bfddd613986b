package localize

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const processorTick = 10 * time.Millisecond

// PositionSink receives each successful solve for downstream publication.
type PositionSink interface {
	Publish(result PGOResult, diagnostics Diagnostics)
}

// Diagnostics carries per-cycle solve statistics for logging, matching
// spec.md §6's position_updated event fields.
type Diagnostics struct {
	PhoneNodeID  int
	NEdges       int
	NPhoneEdges  int
	NAnchorEdges int
	Cost         float64
	Iterations   int
}

// Pipeline owns one Binner per phone and drives the bin -> build-edges ->
// solve -> publish cycle on a dedicated goroutine, mirroring the reference
// server's _process_measurements loop.
type Pipeline struct {
	log          zerolog.Logger
	cfg          AnchorConfig
	anchorEdges  []Edge
	anchorTruth  map[string]Vec3
	solver       *Solver
	binnerParams BinnerParams
	sink         PositionSink

	mu      sync.Mutex
	binners map[int]*Binner

	totalProcessed   int
	loggedRejections int
}

// NewPipeline constructs a Pipeline for the given anchor ground truth.
func NewPipeline(cfg AnchorConfig, binnerParams BinnerParams, solverParams SolverParams, sink PositionSink, log zerolog.Logger) *Pipeline {
	truth := make(map[string]Vec3, cfg.Len())
	for _, id := range cfg.IDs() {
		p, _ := cfg.Position(id)
		truth[anchorNode(id)] = p
	}
	return &Pipeline{
		log:          log.With().Str("component", "localize").Logger(),
		cfg:          cfg,
		anchorEdges:  BuildAnchorEdges(cfg),
		anchorTruth:  truth,
		solver:       NewSolver(solverParams),
		binnerParams: binnerParams,
		sink:         sink,
		binners:      make(map[int]*Binner),
	}
}

// Offer routes a measurement to its phone's binner, creating one lazily on
// first sight of a new phone_node_id. Safe to call concurrently with Run.
func (p *Pipeline) Offer(m Measurement) Decision {
	b := p.binnerFor(m.PhoneNodeID)
	decision := b.Add(m)

	p.mu.Lock()
	p.totalProcessed++
	logged := p.loggedRejections
	if !decision.Accepted && logged < 50 {
		p.loggedRejections++
	}
	p.mu.Unlock()

	if !decision.Accepted && logged < 50 {
		p.log.Debug().
			Str("event", "measurement_rejected").
			Int("anchor_id", m.AnchorID).
			Int("phone_node_id", m.PhoneNodeID).
			Str("reason", decision.Reason).
			Msg("measurement rejected")
	}
	if metrics := b.Metrics(); metrics.TotalMeasurements%100 == 0 {
		p.log.Info().
			Str("event", "binning_metrics").
			Int("phone_node_id", m.PhoneNodeID).
			Int("total_measurements", metrics.TotalMeasurements).
			Int("rejected_measurements", metrics.RejectedMeasurements).
			Int("late_drops", metrics.LateDrops).
			Float64("window_span_sec", metrics.WindowSpanSec).
			Msg("binning metrics")
	}
	return decision
}

func (p *Pipeline) binnerFor(phoneNodeID int) *Binner {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.binners[phoneNodeID]
	if !ok {
		b = NewBinner(p.binnerParams)
		p.binners[phoneNodeID] = b
	}
	return b
}

func (p *Pipeline) phoneIDs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int, 0, len(p.binners))
	for id := range p.binners {
		ids = append(ids, id)
	}
	return ids
}

// Run drives the processor loop until ctx is canceled. It is intended to be
// started as its own goroutine from cmd/server.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(processorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processOnce(ctx)
		}
	}
}

func (p *Pipeline) processOnce(ctx context.Context) {
	for _, phoneID := range p.phoneIDs() {
		b := p.binnerFor(phoneID)
		bin, ok := b.CreateBinnedData(phoneID)
		if !ok {
			continue
		}

		phoneEdges, err := BuildPhoneEdges(bin)
		if err != nil {
			p.log.Error().Err(err).Int("phone_node_id", phoneID).Msg("edge build failed")
			continue
		}

		edges := make([]Edge, 0, len(phoneEdges)+len(p.anchorEdges))
		edges = append(edges, phoneEdges...)
		edges = append(edges, p.anchorEdges...)

		result, err := p.solver.Solve(edges, p.anchorTruth)
		if ctx.Err() != nil {
			return // stop signaled mid-solve; discard rather than publish
		}
		if err != nil {
			p.log.Warn().Err(err).Int("phone_node_id", phoneID).Msg("solve cycle skipped")
			continue
		}

		diag := Diagnostics{
			PhoneNodeID:  phoneID,
			NEdges:       len(edges),
			NPhoneEdges:  len(phoneEdges),
			NAnchorEdges: len(p.anchorEdges),
			Cost:         result.Cost,
			Iterations:   result.Iterations,
		}

		if phonePos, ok := result.NodePositions[phoneNode(phoneID)]; ok {
			p.log.Info().
				Str("event", "position_updated").
				Int("phone_id", phoneID).
				Floats64("position", []float64{phonePos[0], phonePos[1], phonePos[2]}).
				Float64("error", diag.Cost).
				Dict("metrics", zerolog.Dict().
					Int("n_edges", diag.NEdges).
					Int("n_phone_edges", diag.NPhoneEdges).
					Int("n_anchor_edges", diag.NAnchorEdges)).
				Int("iterations", diag.Iterations).
				Msg("position updated")
		}

		if p.sink != nil {
			p.sink.Publish(result, diag)
		}
	}
}
