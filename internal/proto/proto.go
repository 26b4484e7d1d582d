// Package proto holds the wire types for the inbound command frame and
// the outbound result frame spec.md §6 defines, plus the
// length-prefixed framing shared by both directions. JSON is used for
// the payload encoding, matching the teacher's `internal/net/intake`
// JSON command surface — there is no compact binary codec in scope
// here (spec.md §1 explicitly puts "the wire codec for individual
// messages" out of scope; framing and structure are in scope, byte
// layout of the payload itself is not).
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Classification is the wire enum for dynamic_classification.
type Classification string

const (
	ClassificationStatic  Classification = "Static"
	ClassificationDynamic Classification = "Dynamic"
)

// ObjectKind is the wire enum for an addition's `type` field.
type ObjectKind string

const (
	ObjectKindNormal    ObjectKind = "Object"
	ObjectKindAggregate ObjectKind = "Aggregate"
)

// RemovalKind is the wire enum for a removal's `type` field.
type RemovalKind string

const (
	RemovalPermanent RemovalKind = "Permanent"
	RemovalTransient RemovalKind = "Transient"
)

// Location is a time-stamped position and velocity.
type Location struct {
	T        float64  `json:"t"`
	Position [3]float64 `json:"position"`
	Velocity [3]float64 `json:"velocity"`
}

// Orientation is a time-stamped rotation and angular velocity.
type Orientation struct {
	T               float64    `json:"t"`
	Quaternion      [4]float64 `json:"quat"`
	AngularVelocity [3]float64 `json:"angular_velocity"`
}

// AggregateBounds is the wire form of the aggregate bounding info
// triple.
type AggregateBounds struct {
	CenterOffset       [3]float64 `json:"center_offset"`
	CenterBoundsRadius float64    `json:"center_bounds_radius"`
	MaxObjectSize      float64    `json:"max_object_size"`
}

// Addition is one addition entry in an update.
type Addition struct {
	Object          uuid.UUID        `json:"object"`
	Parent          *uuid.UUID       `json:"parent,omitempty"`
	Seqno           uint64           `json:"seqno"`
	Location        Location         `json:"location"`
	Orientation     Orientation      `json:"orientation"`
	AggregateBounds AggregateBounds  `json:"aggregate_bounds"`
	Mesh            string           `json:"mesh,omitempty"`
	Physics         []byte           `json:"physics,omitempty"`
	Type            ObjectKind       `json:"type"`
}

// Removal is one removal entry in an update.
type Removal struct {
	Object uuid.UUID   `json:"object"`
	Seqno  uint64      `json:"seqno"`
	Type   RemovalKind `json:"type"`
}

// IndexProperties annotates the update that carries a query's initial
// root announcement.
type IndexProperties struct {
	ID                 int            `json:"id"`
	IndexID             string         `json:"index_id"`
	DynamicClassification Classification `json:"dynamic_classification"`
}

// Update is one `update[]` entry in an outbound result frame.
type Update struct {
	IndexProperties *IndexProperties `json:"index_properties,omitempty"`
	Addition        []Addition       `json:"addition,omitempty"`
	Removal         []Removal        `json:"removal,omitempty"`
}

// ResultFrame is the outbound result frame spec.md §6 defines.
type ResultFrame struct {
	T      int64    `json:"t"` // server simulation time, microseconds
	Update []Update `json:"update"`
}

// CommandFrame is the inbound command frame's decoded payload: an
// `action` plus action-specific fields.
type CommandFrame struct {
	Action string      `json:"action"`
	Nodes  []uuid.UUID `json:"nodes,omitempty"`
}

// ErrorResult is the structured error shape introspection commands and
// rejected control commands return.
type ErrorResult struct {
	Error string `json:"error"`
}

// WriteFrame length-prefixes payload (a 4-byte big-endian length
// followed by the bytes) and writes it to w, matching spec.md §4.4's
// "each outbound structured event is length-prefixed on the session
// substream. Framing is symmetric for incoming commands."
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// FrameBytes returns payload with its 4-byte big-endian length prefix
// attached, for transports (like websocket) that already deliver
// message boundaries but still want the symmetric on-wire shape
// WriteFrame/ReadFrame use for stream-oriented transports.
func FrameBytes(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// maxFrameSize bounds a single frame so a corrupt or hostile length
// prefix cannot force an unbounded allocation.
const maxFrameSize = 16 << 20

// ErrFrameTooLarge is returned by ReadFrame when the length prefix
// exceeds maxFrameSize.
var ErrFrameTooLarge = errors.New("proto: frame exceeds maximum size")

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decoder accumulates arbitrary byte chunks delivered by a transport
// that does not guarantee message boundaries line up with frame
// boundaries, and yields complete frames as they become available.
// This is the "partial-frame buffer" spec.md §4.5's Session Layer read
// path names.
type Decoder struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and returns every frame
// that is now complete, in order. A malformed length prefix
// (ErrFrameTooLarge) detaches the stream, matching spec.md §4.5's
// "parsing errors detach the stream" rule.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)
	var frames [][]byte
	for {
		if len(d.buf) < 4 {
			return frames, nil
		}
		size := binary.BigEndian.Uint32(d.buf[:4])
		if size > maxFrameSize {
			return frames, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
		}
		total := int(size) + 4
		if len(d.buf) < total {
			return frames, nil
		}
		frames = append(frames, append([]byte(nil), d.buf[4:total]...))
		d.buf = d.buf[total:]
	}
}
