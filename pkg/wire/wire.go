// Package wire encodes protocol messages as fixed-size records, the
// format shared by every transport:
//
//	offset 0  int32 senderId
//	offset 4  int32 timestamp
//	offset 8  int32 side   (1 = LEFT, 2 = RIGHT)
//	offset 12 int32 kind   (1 = REQUEST, 2 = RESPONSE, 3 = RELEASE)
//
// All fields are big endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/daviddao/ringmutex/pkg/model"
)

// FrameSize is the length of one encoded message.
const FrameSize = 16

// ErrMalformed is returned for frames that do not decode to a well-formed
// message.
var ErrMalformed = errors.New("malformed frame")

// Encode returns the wire form of m.
func Encode(m model.Message) ([]byte, error) {
	buf := make([]byte, FrameSize)
	if err := EncodeTo(buf, m); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeTo writes the wire form of m into buf, which must hold FrameSize
// bytes.
func EncodeTo(buf []byte, m model.Message) error {
	if len(buf) < FrameSize {
		return fmt.Errorf("encode: buffer of %d bytes, need %d", len(buf), FrameSize)
	}
	if m.Sender < 0 || m.Sender > math.MaxInt32 {
		return fmt.Errorf("encode: sender %d out of int32 range", m.Sender)
	}
	if m.Timestamp < 0 || m.Timestamp > math.MaxInt32 {
		return fmt.Errorf("encode: timestamp %d out of int32 range", m.Timestamp)
	}
	if !m.Kind.Valid() || !m.Side.Valid() {
		return fmt.Errorf("encode: invalid message %v", m)
	}
	binary.BigEndian.PutUint32(buf[0:], uint32(m.Sender))
	binary.BigEndian.PutUint32(buf[4:], uint32(m.Timestamp))
	binary.BigEndian.PutUint32(buf[8:], uint32(m.Side))
	binary.BigEndian.PutUint32(buf[12:], uint32(m.Kind))
	return nil
}

// Decode parses one frame. Any deviation from the record layout is
// reported as ErrMalformed.
func Decode(frame []byte) (model.Message, error) {
	if len(frame) != FrameSize {
		return model.Message{}, fmt.Errorf("%w: %d bytes, want %d", ErrMalformed, len(frame), FrameSize)
	}
	sender := int32(binary.BigEndian.Uint32(frame[0:]))
	ts := int32(binary.BigEndian.Uint32(frame[4:]))
	side := int32(binary.BigEndian.Uint32(frame[8:]))
	kind := int32(binary.BigEndian.Uint32(frame[12:]))

	if sender < 0 || ts < 0 {
		return model.Message{}, fmt.Errorf("%w: negative sender %d or timestamp %d", ErrMalformed, sender, ts)
	}
	m := model.Message{
		Sender:    int(sender),
		Timestamp: int64(ts),
		Side:      model.Side(side),
		Kind:      model.Kind(kind),
	}
	if side < 0 || side > math.MaxUint8 || !m.Side.Valid() {
		return model.Message{}, fmt.Errorf("%w: side %d", ErrMalformed, side)
	}
	if kind < 0 || kind > math.MaxUint8 || !m.Kind.Valid() {
		return model.Message{}, fmt.Errorf("%w: kind %d", ErrMalformed, kind)
	}
	return m, nil
}
