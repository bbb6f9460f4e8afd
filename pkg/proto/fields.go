package proto

import (
	"bytes"
	"strconv"
	"syscall"
)

// maxHex is the largest value that fits a 9-digit hex field.
const maxHex = 1<<(4*PkgLenSize) - 1

// putHex writes v into dst as zero-padded lowercase hex. dst must be
// PkgLenSize bytes. Values that do not fit are clamped.
func putHex(dst []byte, v int64) {
	if v < 0 {
		v = 0
	}
	if v > maxHex {
		v = maxHex
	}
	s := strconv.FormatInt(v, 16)
	pad := len(dst) - len(s)
	for i := 0; i < pad; i++ {
		dst[i] = '0'
	}
	copy(dst[pad:], s)
}

// ParseHex decodes a hex field. Anything after the first NUL is ignored
// and an empty field decodes as zero.
func ParseHex(b []byte) (int64, error) {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return 0, nil
	}
	v, err := strconv.ParseInt(string(b), 16, 64)
	if err != nil {
		return 0, Statusf(syscall.EINVAL, "invalid hex field %q", b)
	}
	return v, nil
}

// Builder accumulates a message body. The zero value is ready to use.
type Builder struct {
	buf []byte
}

// NewBuilder returns a Builder with room for size bytes.
func NewBuilder(size int) *Builder {
	return &Builder{buf: make([]byte, 0, size)}
}

// Hex appends a 9-byte hex integer field.
func (b *Builder) Hex(v int64) *Builder {
	var f [PkgLenSize]byte
	putHex(f[:], v)
	b.buf = append(b.buf, f[:]...)
	return b
}

// Fixed appends s NUL-padded (or truncated) to exactly n bytes.
func (b *Builder) Fixed(s string, n int) *Builder {
	start := len(b.buf)
	b.buf = append(b.buf, make([]byte, n)...)
	copy(b.buf[start:], s)
	return b
}

// Byte appends a single byte.
func (b *Builder) Byte(v byte) *Builder {
	b.buf = append(b.buf, v)
	return b
}

// Raw appends p as-is.
func (b *Builder) Raw(p []byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

// Text appends s as-is.
func (b *Builder) Text(s string) *Builder {
	b.buf = append(b.buf, s...)
	return b
}

// Len returns the number of bytes written so far.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes returns the accumulated body.
func (b *Builder) Bytes() []byte { return b.buf }

// Decoder walks a received body field by field. The first failure is
// sticky: later calls return zero values and Err reports it.
type Decoder struct {
	buf []byte
	err error
}

// NewDecoder returns a Decoder over body.
func NewDecoder(body []byte) *Decoder {
	return &Decoder{buf: body}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = Statusf(syscall.EINVAL, "body truncated: need %d bytes, have %d", n, len(d.buf))
		return nil
	}
	p := d.buf[:n]
	d.buf = d.buf[n:]
	return p
}

// Hex reads a 9-byte hex integer field.
func (d *Decoder) Hex() int64 {
	p := d.take(PkgLenSize)
	if p == nil {
		return 0
	}
	v, err := ParseHex(p)
	if err != nil {
		d.err = err
	}
	return v
}

// Fixed reads an n-byte NUL-padded string field.
func (d *Decoder) Fixed(n int) string {
	return TrimNUL(d.take(n))
}

// Byte reads one byte.
func (d *Decoder) Byte() byte {
	p := d.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

// Bytes reads exactly n raw bytes.
func (d *Decoder) Bytes(n int) []byte {
	return d.take(n)
}

// Rest returns everything not yet consumed.
func (d *Decoder) Rest() []byte {
	if d.err != nil {
		return nil
	}
	p := d.buf
	d.buf = nil
	return p
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) }

// Err returns the first decoding failure.
func (d *Decoder) Err() error { return d.err }

// TrimNUL returns b up to its first NUL byte as a string.
func TrimNUL(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
