package publish

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"uwb-pgo-engine/localize"
)

// FlagPosition is the Sender bitmask flag used for position records; callers
// wiring additional record types can define further flag bits.
const FlagPosition uint32 = 1 << 0

// PositionRecord is the JSON shape broadcast/sent for each solved position.
type PositionRecord struct {
	PhoneNodeID  int     `json:"phone_node_id"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Z            float64 `json:"z"`
	NEdges       int     `json:"n_edges"`
	NPhoneEdges  int     `json:"n_phone_edges"`
	NAnchorEdges int     `json:"n_anchor_edges"`
	Cost         float64 `json:"cost"`
	Iterations   int     `json:"iterations"`
}

// Publisher implements localize.PositionSink, maintaining the latest
// position per phone under a single mutex and fanning each update out to an
// optional Hub and/or Sender.
type Publisher struct {
	log zerolog.Logger

	mu       sync.Mutex
	latest   map[int]PositionRecord

	hub    *Hub
	sender *Sender
}

// NewPublisher constructs a Publisher. hub and sender may each be nil to
// disable that transport.
func NewPublisher(hub *Hub, sender *Sender, log zerolog.Logger) *Publisher {
	return &Publisher{
		log:    log.With().Str("component", "publish").Logger(),
		latest: make(map[int]PositionRecord),
		hub:    hub,
		sender: sender,
	}
}

// Publish implements localize.PositionSink.
func (p *Publisher) Publish(result localize.PGOResult, diag localize.Diagnostics) {
	pos, ok := result.NodePositions[phoneNodeName(diag.PhoneNodeID)]
	if !ok {
		return
	}
	rec := PositionRecord{
		PhoneNodeID:  diag.PhoneNodeID,
		X:            pos[0],
		Y:            pos[1],
		Z:            pos[2],
		NEdges:       diag.NEdges,
		NPhoneEdges:  diag.NPhoneEdges,
		NAnchorEdges: diag.NAnchorEdges,
		Cost:         diag.Cost,
		Iterations:   diag.Iterations,
	}

	p.mu.Lock()
	p.latest[diag.PhoneNodeID] = rec
	p.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to marshal position record")
		return
	}

	if p.hub != nil {
		p.hub.Broadcast(data)
	}
	if p.sender != nil {
		p.sender.Send(data, FlagPosition)
	}
}

// Latest returns a copy of the most recently published record for phoneID.
func (p *Publisher) Latest(phoneID int) (PositionRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.latest[phoneID]
	return rec, ok
}

func phoneNodeName(id int) string {
	return "phone_" + strconv.Itoa(id)
}
