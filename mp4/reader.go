package mp4

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrOutOfBounds is returned when a read would run past the end of the buffer.
	ErrOutOfBounds = errors.New("mp4: buffer read out of bounds")
	// ErrOverflow is returned when a 64-bit value does not fit in 53 bits.
	ErrOverflow = errors.New("mp4: 64-bit integer overflow")
)

// maxSafeHigh is the largest high word of a 64-bit read that keeps the
// result inside 2^53.
const maxSafeHigh = 0x1FFFFF

// Reader is a bounds-checked cursor over a byte slice. Every read either
// consumes exactly the requested bytes or fails with ErrOutOfBounds.
type Reader struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
}

// NewReader returns a big-endian reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b, order: binary.BigEndian}
}

// NewReaderOrder returns a reader over b using the given byte order.
func NewReaderOrder(b []byte, order binary.ByteOrder) *Reader {
	return &Reader{buf: b, order: order}
}

func (r *Reader) Pos() int { return r.pos }

func (r *Reader) Len() int { return len(r.buf) }

func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) HasMoreData() bool { return r.pos < len(r.buf) }

// Bytes returns the whole underlying buffer regardless of position.
func (r *Reader) Bytes() []byte { return r.buf }

func (r *Reader) check(n int) error {
	if n < 0 || r.pos+n > len(r.buf) {
		return ErrOutOfBounds
	}
	return nil
}

func (r *Reader) Uint8() (uint8, error) {
	if err := r.check(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) Uint16() (uint16, error) {
	if err := r.check(2); err != nil {
		return 0, err
	}
	v := r.order.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	if err := r.check(4); err != nil {
		return 0, err
	}
	v := r.order.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

// Uint64 reads two 32-bit words and fails with ErrOverflow when the high
// word exceeds 0x1FFFFF. The cursor does not move on failure.
func (r *Reader) Uint64() (uint64, error) {
	if err := r.check(8); err != nil {
		return 0, err
	}
	var high, low uint32
	if r.order == binary.LittleEndian {
		low = r.order.Uint32(r.buf[r.pos:])
		high = r.order.Uint32(r.buf[r.pos+4:])
	} else {
		high = r.order.Uint32(r.buf[r.pos:])
		low = r.order.Uint32(r.buf[r.pos+4:])
	}
	if high > maxSafeHigh {
		return 0, ErrOverflow
	}
	r.pos += 8
	return uint64(high)<<32 | uint64(low), nil
}

// ReadBytes returns a view of the next n bytes. The slice aliases the
// underlying buffer.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if err := r.check(n); err != nil {
		return nil, err
	}
	v := r.buf[r.pos : r.pos+n : r.pos+n]
	r.pos += n
	return v, nil
}

func (r *Reader) Skip(n int) error {
	if err := r.check(n); err != nil {
		return err
	}
	r.pos += n
	return nil
}

func (r *Reader) Rewind(n int) error {
	if n < 0 || n > r.pos {
		return ErrOutOfBounds
	}
	r.pos -= n
	return nil
}

func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.buf) {
		return ErrOutOfBounds
	}
	r.pos = pos
	return nil
}

// NulTerminatedString reads up to and including a zero byte and returns the
// bytes before it.
func (r *Reader) NulTerminatedString() (string, error) {
	start := r.pos
	for i := start; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			r.pos = i + 1
			return string(r.buf[start:i]), nil
		}
	}
	return "", ErrOutOfBounds
}
