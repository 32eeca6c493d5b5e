// Package protocol defines the control-channel framing and the side-channel
// notice vocabulary.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the byte size of the frame length prefix.
	HeaderSize = 4

	// DefaultMaxMessage is the default upper bound for a frame payload.
	DefaultMaxMessage = 4096
)

var (
	ErrFrameTooLarge = errors.New("protocol: frame too large")
)

// Encode returns payload prefixed with its 4-byte big-endian length.
// Format: [4-byte big-endian length][UTF-8 payload]
func Encode(payload []byte, maxLen int) ([]byte, error) {
	if len(payload) > maxLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload))) //nolint:gosec // length already bounds-checked above
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// WriteFrame writes a single length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte, maxLen int) error {
	buf, err := Encode(payload, maxLen)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads a single length-prefixed frame from r.
func ReadFrame(r io.Reader, maxLen int) ([]byte, error) {
	lenBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("protocol: read length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if int64(length) > int64(maxLen) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("protocol: read payload: %w", err)
	}
	return data, nil
}

// Decoder reassembles frames from arbitrarily split chunks of a byte stream.
// A chunk may end anywhere inside a prefix or a payload; the remainder is kept
// until the next Feed.
type Decoder struct {
	maxLen  int
	header  [HeaderSize]byte
	headerN int
	payload []byte
	payN    int
	inBody  bool
}

// NewDecoder creates a decoder that rejects payloads above maxLen bytes.
func NewDecoder(maxLen int) *Decoder {
	return &Decoder{maxLen: maxLen}
}

// Feed consumes chunk and returns every frame it completed, in order.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	var frames [][]byte
	for len(chunk) > 0 {
		if !d.inBody {
			n := copy(d.header[d.headerN:], chunk)
			d.headerN += n
			chunk = chunk[n:]
			if d.headerN < HeaderSize {
				break
			}
			length := binary.BigEndian.Uint32(d.header[:])
			if int64(length) > int64(d.maxLen) {
				return frames, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
			}
			d.payload = make([]byte, length)
			d.payN = 0
			d.inBody = true
		}

		n := copy(d.payload[d.payN:], chunk)
		d.payN += n
		chunk = chunk[n:]
		if d.payN == len(d.payload) {
			frames = append(frames, d.payload)
			d.payload = nil
			d.headerN = 0
			d.inBody = false
		}
	}
	return frames, nil
}

// Partial reports whether a prefix or payload is half-received.
func (d *Decoder) Partial() bool {
	return d.headerN > 0 || d.inBody
}

// FrameWriter buffers encoded frames and writes them out across as many
// Flush calls as the destination needs.
type FrameWriter struct {
	maxLen  int
	pending []byte
}

// NewFrameWriter creates a writer that rejects payloads above maxLen bytes.
func NewFrameWriter(maxLen int) *FrameWriter {
	return &FrameWriter{maxLen: maxLen}
}

// Queue appends one encoded frame behind whatever is still pending.
func (fw *FrameWriter) Queue(payload []byte) error {
	buf, err := Encode(payload, fw.maxLen)
	if err != nil {
		return err
	}
	fw.pending = append(fw.pending, buf...)
	return nil
}

// Flush writes pending bytes to w. After a short write only the unwritten
// remainder stays pending, so the next call resumes exactly where this one
// stopped.
func (fw *FrameWriter) Flush(w io.Writer) error {
	for len(fw.pending) > 0 {
		n, err := w.Write(fw.pending)
		fw.pending = fw.pending[n:]
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	fw.pending = nil
	return nil
}

// Pending returns the number of bytes not yet written.
func (fw *FrameWriter) Pending() int {
	return len(fw.pending)
}
