package proto

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// Field sizes shared by all message bodies.
const (
	PkgLenSize      = 9
	HeaderSize      = PkgLenSize + 2
	GroupNameMaxLen = 16
	IPAddrSize      = 16
)

var (
	// ErrIdle is returned by ReadHeader when the read deadline expired
	// before the first header byte arrived.
	ErrIdle = errors.New("idle timeout")

	// ErrShortRead is returned when a peer closes or times out in the middle
	// of a header or body.
	ErrShortRead = errors.New("short read")
)

// Header is the fixed-size prefix of every message.
type Header struct {
	Length int64
	Cmd    Cmd
	Status byte
}

// Encode renders the header in wire form.
func (h Header) Encode() [HeaderSize]byte {
	var b [HeaderSize]byte
	putHex(b[:PkgLenSize], h.Length)
	b[PkgLenSize] = byte(h.Cmd)
	b[PkgLenSize+1] = h.Status
	return b
}

// ParseHeader decodes a wire header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, Statusf(syscall.EINVAL, "header too short: %d bytes", len(b))
	}
	n, err := ParseHex(b[:PkgLenSize])
	if err != nil {
		return Header{}, err
	}
	return Header{Length: n, Cmd: Cmd(b[PkgLenSize]), Status: b[PkgLenSize+1]}, nil
}

// WriteHeader sends a header with no body.
func WriteHeader(w io.Writer, cmd Cmd, status byte, length int64) error {
	hdr := Header{Length: length, Cmd: cmd, Status: status}.Encode()
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// WritePacket sends a header followed by body in a single write.
func WritePacket(w io.Writer, cmd Cmd, status byte, body []byte) error {
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	hdr := Header{Length: int64(len(body)), Cmd: cmd, Status: status}.Encode()
	copy(buf, hdr[:])
	buf = append(buf, body...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s packet: %w", cmd, err)
	}
	return nil
}

// ReadHeader reads one header. A timeout before any byte was read is
// reported as ErrIdle; a timeout or EOF after a partial header is
// ErrShortRead.
func ReadHeader(r io.Reader) (Header, error) {
	var b [HeaderSize]byte
	n, err := io.ReadFull(r, b[:])
	if err != nil {
		if n == 0 && isTimeout(err) {
			return Header{}, fmt.Errorf("%w: %w", ErrIdle, err)
		}
		if n == 0 && errors.Is(err, io.EOF) {
			return Header{}, io.EOF
		}
		return Header{}, fmt.Errorf("%w: header %d/%d bytes: %w", ErrShortRead, n, HeaderSize, err)
	}
	return ParseHeader(b[:])
}

// ReceiveResponse reads a response header and its body.
//
// A non-zero status is returned as a *StatusError without reading a body.
// When buf is non-nil the body is read into it and must fit; otherwise a
// buffer of the declared size is allocated and owned by the caller.
func ReceiveResponse(r io.Reader, buf []byte) ([]byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if h.Status != StatusOK {
		return nil, &StatusError{Status: h.Status}
	}
	return ReadBody(r, h, buf)
}

// ReadBody reads the body announced by h.
func ReadBody(r io.Reader, h Header, buf []byte) ([]byte, error) {
	if h.Length < 0 {
		return nil, Statusf(syscall.EINVAL, "negative body length %d", h.Length)
	}
	if buf != nil && h.Length > int64(len(buf)) {
		return nil, Statusf(syscall.EINVAL, "body length %d exceeds buffer of %d", h.Length, len(buf))
	}
	if h.Length == 0 {
		if buf != nil {
			return buf[:0], nil
		}
		return nil, nil
	}
	if buf == nil {
		buf = make([]byte, h.Length)
	}
	body := buf[:h.Length]
	if n, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: body %d/%d bytes: %w", ErrShortRead, n, h.Length, err)
	}
	return body, nil
}

// Discard skips a body the receiver does not want.
func Discard(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("%w: discard: %w", ErrShortRead, err)
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Conn bounds every Read and Write on the wrapped connection by Timeout.
type Conn struct {
	net.Conn
	Timeout time.Duration
}

// NewConn wraps c so that each blocking call gets its own deadline.
func NewConn(c net.Conn, timeout time.Duration) *Conn {
	return &Conn{Conn: c, Timeout: timeout}
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.Timeout > 0 {
		if err := c.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	if c.Timeout > 0 {
		if err := c.SetWriteDeadline(time.Now().Add(c.Timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}
