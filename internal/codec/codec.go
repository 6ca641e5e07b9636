// Package codec implements the canonical byte encoding shared by block/tx
// hashing and wire framing. The same bytes must be produced by every peer
// for the same value, so encoding is entirely explicit: fixed-width
// integers, length-prefixed strings and byte slices, no maps, no reflection.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrTruncated is returned when a Reader runs out of bytes mid-field.
var ErrTruncated = errors.New("codec: truncated input")

// Writer accumulates a canonical byte encoding.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the encoded bytes accumulated so far.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// WriteByte writes a single byte.
func (w *Writer) WriteByte(b byte) *Writer {
	w.buf.WriteByte(b)
	return w
}

// WriteUint64 writes a fixed-width big-endian uint64.
func (w *Writer) WriteUint64(v uint64) *Writer {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
	return w
}

// WriteInt64 writes a fixed-width big-endian int64.
func (w *Writer) WriteInt64(v int64) *Writer {
	return w.WriteUint64(uint64(v))
}

// WriteFloat64 writes the IEEE-754 bit pattern of v, big-endian.
func (w *Writer) WriteFloat64(v float64) *Writer {
	return w.WriteUint64(math.Float64bits(v))
}

// WriteBytes writes a uint32 length prefix followed by b.
func (w *Writer) WriteBytes(b []byte) *Writer {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	w.buf.Write(l[:])
	w.buf.Write(b)
	return w
}

// WriteString writes a length-prefixed UTF-8 string.
func (w *Writer) WriteString(s string) *Writer {
	return w.WriteBytes([]byte(s))
}

// Reader consumes a canonical byte encoding produced by Writer.
type Reader struct {
	b   []byte
	pos int
}

// NewReader wraps b for sequential decoding.
func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

func (r *Reader) need(n int) error {
	if r.pos+n > len(r.b) {
		return ErrTruncated
	}
	return nil
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.b[r.pos]
	r.pos++
	return b, nil
}

// ReadUint64 reads a fixed-width big-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.b[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

// ReadInt64 reads a fixed-width big-endian int64.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadFloat64 reads an IEEE-754 bit pattern, big-endian.
func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// ReadBytes reads a uint32-length-prefixed byte slice.
func (r *Reader) ReadBytes() ([]byte, error) {
	if err := r.need(4); err != nil {
		return nil, err
	}
	l := binary.BigEndian.Uint32(r.b[r.pos : r.pos+4])
	r.pos += 4
	if err := r.need(int(l)); err != nil {
		return nil, err
	}
	out := make([]byte, l)
	copy(out, r.b[r.pos:r.pos+int(l)])
	r.pos += int(l)
	return out, nil
}

// ReadString reads a length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Remaining reports how many bytes are left unread.
func (r *Reader) Remaining() int {
	return len(r.b) - r.pos
}

// WriteFrame writes a varint length prefix (covering tag+body), the tag
// byte, then body, grounded on the Read/Write pair in
// AccumulateNetwork-accumulate's pkg/api/v3/message/stream.go.
func WriteFrame(w io.Writer, tag byte, body []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(body)+1))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write([]byte{tag}); err != nil {
		return fmt.Errorf("write frame tag: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// byteReader is the minimal interface binary.ReadUvarint needs.
type byteReader interface {
	io.Reader
	io.ByteReader
}

// ReadFrame reads one frame and returns its tag and body.
func ReadFrame(r byteReader) (tag byte, body []byte, err error) {
	l, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, fmt.Errorf("read frame length: %w", err)
	}
	if l == 0 {
		return 0, nil, fmt.Errorf("read frame: zero-length frame")
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf[0], buf[1:], nil
}
