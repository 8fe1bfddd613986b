package binlog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"uwb-pgo-engine/localize"
)

// ErrBadMagic indicates the file does not start with the expected header.
var ErrBadMagic = errors.New("binlog: bad global header magic")

// Reader reads Measurement records back out of a binlog file in order,
// paired with the wall-clock record timestamp they were written at.
type Reader struct {
	f   *os.File
	buf [16]byte
}

// Record pairs a decoded Measurement with the time it was appended.
type Record struct {
	RecordedUnixSec  uint32
	RecordedUnixUsec uint32
	Measurement      localize.Measurement
}

// OpenReader opens path and validates its global header.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 24)
	if _, err := io.ReadFull(f, header); err != nil {
		f.Close()
		return nil, fmt.Errorf("binlog: reading global header: %w", err)
	}
	if binary.LittleEndian.Uint32(header[0:]) != Magic {
		f.Close()
		return nil, ErrBadMagic
	}

	return &Reader{f: f}, nil
}

// Next decodes the following record, returning io.EOF when the file is
// exhausted.
func (r *Reader) Next() (Record, error) {
	if _, err := io.ReadFull(r.f, r.buf[:]); err != nil {
		return Record{}, err
	}
	tsSec := binary.LittleEndian.Uint32(r.buf[0:])
	tsUsec := binary.LittleEndian.Uint32(r.buf[4:])
	inclLen := binary.LittleEndian.Uint32(r.buf[8:])

	payload := make([]byte, inclLen)
	if _, err := io.ReadFull(r.f, payload); err != nil {
		return Record{}, err
	}

	var wm wireMeasurement
	if err := json.Unmarshal(payload, &wm); err != nil {
		return Record{}, fmt.Errorf("binlog: decoding record payload: %w", err)
	}

	return Record{
		RecordedUnixSec:  tsSec,
		RecordedUnixUsec: tsUsec,
		Measurement: localize.Measurement{
			Timestamp:   wm.Timestamp,
			AnchorID:    wm.AnchorID,
			PhoneNodeID: wm.PhoneNodeID,
			LocalVector: localize.Vec3{wm.X, wm.Y, wm.Z},
		},
	}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}
