// Package ingest adapts inbound UWB vector reports over MQTT into
// localize.Measurement values.
package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"uwb-pgo-engine/localize"
)

// TransportError wraps a client/broker-level failure (connection lost,
// dial failure). It is logged, never returned to the caller: the MQTT
// client's own auto-reconnect handles recovery.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string { return fmt.Sprintf("ingest: transport error: %v", e.Cause) }
func (e *TransportError) Unwrap() error { return e.Cause }

// ParseError indicates a message payload that could not be decoded as a
// vector report. Counted and dropped, never surfaced.
type ParseError struct {
	Topic string
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ingest: parse error on topic %q: %v", e.Topic, e.Cause)
}
func (e *ParseError) Unwrap() error { return e.Cause }

// TopicError indicates a message arrived on a topic that does not match
// the expected uwb/anchor/{anchor_id}/vector shape. Counted and dropped.
type TopicError struct {
	Topic string
}

func (e *TopicError) Error() string { return fmt.Sprintf("ingest: malformed topic %q", e.Topic) }

// vectorPayload is the wire shape of a single anchor vector report, matching
// spec.md §6's nested vector_local shape.
type vectorPayload struct {
	TUnixNs     *int64      `json:"t_unix_ns,omitempty"`
	Timestamp   *float64    `json:"timestamp,omitempty"`
	VectorLocal vectorLocal `json:"vector_local"`
}

type vectorLocal struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Config tunes the MQTT ingress adapter.
type Config struct {
	Broker              string
	ClientID            string
	Username            string
	Password            string
	QoS                 byte
	KeepAlive           time.Duration
	BaseTopic           string // default "uwb"
	MinReconnectDelay   time.Duration
	MaxReconnectDelay   time.Duration
	DefaultPhoneNodeID  int
}

// DefaultConfig matches spec.md §4.1/§6 defaults.
func DefaultConfig() Config {
	return Config{
		ClientID:           "uwb-pgo-engine",
		QoS:                1,
		KeepAlive:          60 * time.Second,
		BaseTopic:          "uwb",
		MinReconnectDelay:  1 * time.Second,
		MaxReconnectDelay:  60 * time.Second,
		DefaultPhoneNodeID: 0,
	}
}

// Handler receives each successfully decoded measurement.
type Handler func(localize.Measurement)

// Adapter subscribes to uwb/anchor/+/vector and dispatches decoded
// measurements to a Handler on the MQTT client's own delivery goroutine.
type Adapter struct {
	cfg    Config
	log    zerolog.Logger
	client mqtt.Client

	mu          sync.Mutex
	subscribed  bool
	handler     Handler
}

// NewAdapter constructs an Adapter. Call Start to connect and subscribe.
func NewAdapter(cfg Config, handler Handler, log zerolog.Logger) *Adapter {
	a := &Adapter{
		cfg:     cfg,
		handler: handler,
		log:     log.With().Str("component", "ingest").Logger(),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetKeepAlive(cfg.KeepAlive).
		SetMaxReconnectInterval(cfg.MaxReconnectDelay).
		SetConnectRetry(true).
		SetConnectRetryInterval(cfg.MinReconnectDelay).
		SetResumeSubs(true).
		SetOrderMatters(false).
		SetOnConnectHandler(a.onConnect).
		SetConnectionLostHandler(a.onConnectionLost)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	a.client = mqtt.NewClient(opts)
	return a
}

// Start connects to the broker. Subscriptions are (re-)issued from
// onConnect on every connect/reconnect, guarded against duplicate
// subscribe calls across a resumed session.
func (a *Adapter) Start() error {
	token := a.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return &TransportError{Cause: err}
	}
	return nil
}

// Stop disconnects cleanly, allowing up to 250ms for in-flight work to drain.
func (a *Adapter) Stop() {
	a.client.Disconnect(250)
}

func (a *Adapter) onConnect(c mqtt.Client) {
	a.mu.Lock()
	alreadySubscribed := a.subscribed
	a.mu.Unlock()
	if alreadySubscribed {
		return
	}

	topic := a.cfg.BaseTopic + "/anchor/+/vector"
	token := c.Subscribe(topic, a.cfg.QoS, a.onMessage)
	if !token.WaitTimeout(5 * time.Second) {
		a.log.Warn().Str("topic", topic).Msg("subscribe timed out")
		return
	}
	if err := token.Error(); err != nil {
		a.log.Error().Err(err).Str("topic", topic).Msg("subscribe failed")
		return
	}

	a.mu.Lock()
	a.subscribed = true
	a.mu.Unlock()
	a.log.Info().Str("topic", topic).Msg("subscribed")
}

func (a *Adapter) onConnectionLost(c mqtt.Client, err error) {
	a.mu.Lock()
	a.subscribed = false
	a.mu.Unlock()
	a.log.Warn().Err(&TransportError{Cause: err}).Msg("connection lost, reconnecting")
}

func (a *Adapter) onMessage(c mqtt.Client, msg mqtt.Message) {
	m, err := decodeMessage(msg.Topic(), msg.Payload(), a.cfg.DefaultPhoneNodeID, time.Now)
	if err != nil {
		switch e := err.(type) {
		case *TopicError:
			a.log.Debug().Str("topic", e.Topic).Msg("dropping message: malformed topic")
		case *ParseError:
			a.log.Debug().Err(err).Msg("dropping message: parse error")
		default:
			a.log.Debug().Err(err).Msg("dropping message: decode error")
		}
		return
	}
	if a.handler != nil {
		a.handler(m)
	}
}

// decodeMessage parses topic + payload into a Measurement. now is injected
// for testability; production callers pass time.Now.
func decodeMessage(topic string, payload []byte, defaultPhoneNodeID int, now func() time.Time) (localize.Measurement, error) {
	anchorID, err := parseAnchorTopic(topic)
	if err != nil {
		return localize.Measurement{}, err
	}

	var p vectorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return localize.Measurement{}, &ParseError{Topic: topic, Cause: err}
	}

	ts := resolveTimestamp(p, now)

	return localize.Measurement{
		Timestamp:   ts,
		AnchorID:    anchorID,
		PhoneNodeID: defaultPhoneNodeID,
		LocalVector: localize.Vec3{p.VectorLocal.X, p.VectorLocal.Y, p.VectorLocal.Z},
	}, nil
}

// resolveTimestamp implements spec.md §6's fallback chain: timestamp, then
// t_unix_ns, then local receive time.
func resolveTimestamp(p vectorPayload, now func() time.Time) float64 {
	if p.Timestamp != nil {
		return *p.Timestamp
	}
	if p.TUnixNs != nil {
		return float64(*p.TUnixNs) / 1e9
	}
	return float64(now().UnixNano()) / 1e9
}

// parseAnchorTopic validates and extracts the anchor id from
// "{base}/anchor/{anchor_id}/vector".
func parseAnchorTopic(topic string) (int, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[1] != "anchor" || parts[3] != "vector" {
		return 0, &TopicError{Topic: topic}
	}
	id, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, &TopicError{Topic: topic}
	}
	return id, nil
}
