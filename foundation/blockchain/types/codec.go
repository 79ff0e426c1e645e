package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a decode runs past the end of the input.
var ErrShortBuffer = errors.New("unexpected end of input")

// maxCollectionSize bounds decoded counts so a corrupt length prefix can't
// trigger a huge allocation.
const maxCollectionSize = 1 << 20

// =============================================================================

// Encoder accumulates the little-endian wire form of chain values. Counts
// and byte slices are length-prefixed with unsigned varints.
type Encoder struct {
	buf []byte
}

// NewEncoder constructs an encoder for use.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Bytes returns the accumulated wire bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// WriteUint8 appends a single byte.
func (e *Encoder) WriteUint8(v uint8) {
	e.buf = append(e.buf, v)
}

// WriteUint16 appends a little-endian uint16.
func (e *Encoder) WriteUint16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

// WriteUint32 appends a little-endian uint32.
func (e *Encoder) WriteUint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

// WriteUint64 appends a little-endian uint64.
func (e *Encoder) WriteUint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// WriteInt64 appends a little-endian int64.
func (e *Encoder) WriteInt64(v int64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, uint64(v))
}

// WriteUvarint appends a varint encoded count.
func (e *Encoder) WriteUvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

// WriteBool appends a boolean as a single byte.
func (e *Encoder) WriteBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
		return
	}
	e.buf = append(e.buf, 0)
}

// WriteBytes appends a length-prefixed byte slice.
func (e *Encoder) WriteBytes(v []byte) {
	e.WriteUvarint(uint64(len(v)))
	e.buf = append(e.buf, v...)
}

// WriteString appends a length-prefixed string.
func (e *Encoder) WriteString(v string) {
	e.WriteUvarint(uint64(len(v)))
	e.buf = append(e.buf, v...)
}

// WriteRaw appends bytes with no length prefix. Used for fixed-size values
// like hashes and compressed keys.
func (e *Encoder) WriteRaw(v []byte) {
	e.buf = append(e.buf, v...)
}

// =============================================================================

// Decoder consumes the little-endian wire form produced by Encoder. The
// first failure latches and all subsequent reads return zero values, so
// callers check Err once after decoding a whole value.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder constructs a decoder over the specified input.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{buf: data}
}

// Err returns the first failure encountered while decoding.
func (d *Decoder) Err() error {
	return d.err
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

// Finish checks the input was fully consumed without error.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.buf) {
		return fmt.Errorf("trailing garbage: %d bytes unread", len(d.buf)-d.off)
	}
	return nil
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = ErrShortBuffer
		return nil
	}
	v := d.buf[d.off : d.off+n]
	d.off += n
	return v
}

// ReadUint8 consumes a single byte.
func (d *Decoder) ReadUint8() uint8 {
	v := d.take(1)
	if v == nil {
		return 0
	}
	return v[0]
}

// ReadUint16 consumes a little-endian uint16.
func (d *Decoder) ReadUint16() uint16 {
	v := d.take(2)
	if v == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(v)
}

// ReadUint32 consumes a little-endian uint32.
func (d *Decoder) ReadUint32() uint32 {
	v := d.take(4)
	if v == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(v)
}

// ReadUint64 consumes a little-endian uint64.
func (d *Decoder) ReadUint64() uint64 {
	v := d.take(8)
	if v == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(v)
}

// ReadInt64 consumes a little-endian int64.
func (d *Decoder) ReadInt64() int64 {
	return int64(d.ReadUint64())
}

// ReadUvarint consumes a varint encoded count.
func (d *Decoder) ReadUvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		d.err = ErrShortBuffer
		return 0
	}
	d.off += n
	return v
}

// ReadCount consumes a varint count and bounds it against corrupt input.
func (d *Decoder) ReadCount() int {
	v := d.ReadUvarint()
	if v > maxCollectionSize {
		d.err = fmt.Errorf("collection size %d exceeds limit", v)
		return 0
	}
	return int(v)
}

// ReadBool consumes a boolean byte.
func (d *Decoder) ReadBool() bool {
	return d.ReadUint8() != 0
}

// ReadBytes consumes a length-prefixed byte slice.
func (d *Decoder) ReadBytes() []byte {
	n := d.ReadCount()
	v := d.take(n)
	if v == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, v)
	return out
}

// ReadString consumes a length-prefixed string.
func (d *Decoder) ReadString() string {
	n := d.ReadCount()
	v := d.take(n)
	if v == nil {
		return ""
	}
	return string(v)
}

// ReadRaw consumes n bytes with no length prefix.
func (d *Decoder) ReadRaw(n int) []byte {
	return d.take(n)
}
