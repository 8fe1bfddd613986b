// Package binlog tees accepted measurements to a compact binary log for
// offline replay and diagnosis, using the teacher's pcap-style framing
// (global header + per-record header) with a JSON-encoded Measurement as
// the payload in place of the teacher's raw UNIB packet bytes.
package binlog

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"uwb-pgo-engine/localize"
)

// Magic identifies the file format; Major/Minor mirror the teacher's pcap
// framing version fields though the payload format has changed.
const (
	Magic = 0xA1B2C3D4
)

// Writer appends Measurement records to a binary log.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	buf []byte
}

// NewWriter creates (truncating) the log file at path and writes its global
// header.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	w := &Writer{w: f, buf: make([]byte, 16)}
	if err := w.writeGlobalHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeGlobalHeader() error {
	// Global header: 24 bytes. Magic(4), Major(2), Minor(2), zone(4),
	// sigfigs(4), snaplen(4), linktype(4, unused/reserved here).
	b := make([]byte, 24)
	binary.LittleEndian.PutUint32(b[0:], Magic)
	binary.LittleEndian.PutUint16(b[4:], 1) // Major 1: Measurement-JSON format
	binary.LittleEndian.PutUint16(b[6:], 0) // Minor 0
	binary.LittleEndian.PutUint32(b[16:], 1<<20)
	binary.LittleEndian.PutUint32(b[20:], 0)
	_, err := w.w.Write(b)
	return err
}

// WriteMeasurement appends one Measurement record: a 16-byte record header
// (ts_sec, ts_usec, incl_len, orig_len, all little-endian, mirroring the
// teacher's record framing) followed by its JSON encoding.
func (w *Writer) WriteMeasurement(m localize.Measurement) error {
	payload, err := json.Marshal(wireMeasurement{
		Timestamp:   m.Timestamp,
		AnchorID:    m.AnchorID,
		PhoneNodeID: m.PhoneNodeID,
		X:           m.LocalVector[0],
		Y:           m.LocalVector[1],
		Z:           m.LocalVector[2],
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	binary.LittleEndian.PutUint32(w.buf[0:], uint32(now.Unix()))
	binary.LittleEndian.PutUint32(w.buf[4:], uint32(now.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(w.buf[8:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(w.buf[12:], uint32(len(payload)))

	if _, err := w.w.Write(w.buf[:16]); err != nil {
		return err
	}
	_, err = w.w.Write(payload)
	return err
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// wireMeasurement is the JSON payload shape stored per record.
type wireMeasurement struct {
	Timestamp   float64 `json:"timestamp"`
	AnchorID    int     `json:"anchor_id"`
	PhoneNodeID int     `json:"phone_node_id"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Z           float64 `json:"z"`
}
