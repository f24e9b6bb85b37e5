package zcl

import (
	"encoding/binary"
	"fmt"
)

// Reader is a bounds-checked little-endian cursor over a command payload.
// The first short read records an error wrapping StatusInvalidField; later
// reads return zero values, so decoders check Err once at the end.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader positioned at the start of b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = fmt.Errorf("zcl: truncated at offset %d: need %d bytes, have %d: %w",
			r.off, n, len(r.buf)-r.off, StatusInvalidField)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// Fail records err unless an earlier error is already set.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Err returns the first error seen by the reader.
func (r *Reader) Err() error { return r.err }

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	if r.err != nil {
		return 0
	}
	return len(r.buf) - r.off
}

// Offset returns the number of bytes consumed.
func (r *Reader) Offset() int { return r.off }

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) Uint24() uint32 {
	b := r.take(3)
	if b == nil {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// UintN reads an n-byte little-endian unsigned integer (n <= 8).
func (r *Reader) UintN(n int) uint64 {
	b := r.take(n)
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// IEEE reads an 8-byte extended address exactly as it appears on the wire.
func (r *Reader) IEEE() IEEEAddr {
	var a IEEEAddr
	copy(a[:], r.take(8))
	return a
}

// Bytes returns a copy of the next n bytes.
func (r *Reader) Bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Rest returns a copy of all unread bytes.
func (r *Reader) Rest() []byte {
	return r.Bytes(r.Len())
}

// Writer serializes a payload. A Writer without a buffer only measures, so
// one Encode method yields both the exact length and the bytes.
type Writer struct {
	buf      []byte
	n        int
	measure  bool
	overflow bool
	err      error
}

// Fail records err unless an earlier error is already set. Encoders call it
// for field values the wire format cannot carry.
func (w *Writer) Fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Err returns the first error recorded by an encoder.
func (w *Writer) Err() error { return w.err }

func (w *Writer) put(b ...byte) {
	if !w.measure {
		if w.n+len(b) > len(w.buf) {
			w.overflow = true
		} else {
			copy(w.buf[w.n:], b)
		}
	}
	w.n += len(b)
}

// Len returns the number of bytes written (or measured) so far.
func (w *Writer) Len() int { return w.n }

func (w *Writer) Uint8(v uint8) { w.put(v) }

func (w *Writer) Uint16(v uint16) { w.put(byte(v), byte(v>>8)) }

func (w *Writer) Uint24(v uint32) { w.put(byte(v), byte(v>>8), byte(v>>16)) }

func (w *Writer) Uint32(v uint32) {
	w.put(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (w *Writer) Uint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.put(b[:]...)
}

// UintN writes the low n bytes of v little-endian.
func (w *Writer) UintN(v uint64, n int) {
	for i := 0; i < n; i++ {
		w.put(byte(v >> (8 * i)))
	}
}

func (w *Writer) IEEE(a IEEEAddr) { w.put(a[:]...) }

func (w *Writer) Bytes(b []byte) { w.put(b...) }

// Encoder is implemented by every command payload. Encode must write the
// same bytes in measure and fill mode.
type Encoder interface {
	Encode(w *Writer)
}

// Decoder is implemented by command payloads that parse from a Reader.
type Decoder interface {
	Decode(r *Reader)
}

// Size returns the encoded length of e.
func Size(e Encoder) int {
	w := Writer{measure: true}
	e.Encode(&w)
	return w.n
}

// EncodeInto fills buf with e. It fails when the fill does not use exactly
// len(buf) bytes.
func EncodeInto(buf []byte, e Encoder) error {
	w := Writer{buf: buf}
	e.Encode(&w)
	if w.err != nil {
		return w.err
	}
	if w.overflow || w.n != len(buf) {
		return fmt.Errorf("zcl: encoded %d bytes into %d byte buffer: %w", w.n, len(buf), StatusFailure)
	}
	return nil
}

// Marshal encodes e into a freshly allocated slice of exactly Size(e) bytes.
// Errors recorded by e are dropped; use Encode to see them.
func Marshal(e Encoder) []byte {
	buf := make([]byte, Size(e))
	_ = EncodeInto(buf, e)
	return buf
}

// Encode is Marshal that also returns the first error recorded by e.
func Encode(e Encoder) ([]byte, error) {
	buf := make([]byte, Size(e))
	if err := EncodeInto(buf, e); err != nil {
		return nil, err
	}
	return buf, nil
}

// MarshalPooled encodes e into a buffer taken from pool. The caller owns the
// buffer and must return it with pool.Free. Allocation failure reports
// StatusInsufficientSpace.
func MarshalPooled(pool BufferPool, e Encoder) ([]byte, error) {
	n := Size(e)
	buf, ok := pool.Allocate(n)
	if !ok {
		return nil, fmt.Errorf("zcl: allocate %d bytes: %w", n, StatusInsufficientSpace)
	}
	if err := EncodeInto(buf, e); err != nil {
		pool.Free(buf)
		return nil, err
	}
	return buf, nil
}

// Unmarshal decodes b into d and returns the reader's first error.
func Unmarshal(b []byte, d Decoder) error {
	r := NewReader(b)
	d.Decode(r)
	return r.Err()
}

// RawPayload is an already encoded payload.
type RawPayload []byte

func (p RawPayload) Encode(w *Writer) { w.Bytes(p) }
