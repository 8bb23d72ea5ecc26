package protocol

import (
	"bytes"
	"fmt"
	"iter"

	tlErrors "github.com/harunnryd/threadline/internal/errors"
)

const (
	// DefaultPrefix tags every event line on the wire.
	DefaultPrefix = "data:"

	// DefaultMaxFrameBytes bounds a single buffered line.
	DefaultMaxFrameBytes = 8 << 20

	doneSentinel = "[DONE]"
)

// Decoder turns arbitrarily chunked stream bytes into events.
// It buffers raw bytes and only splits at '\n', so multi-byte characters
// split across chunks are reassembled before any text is interpreted.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	prefix   []byte
	maxFrame int

	buf        []byte
	discarding bool
	closed     bool
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithPrefix overrides the frame prefix.
func WithPrefix(prefix string) Option {
	return func(d *Decoder) {
		if prefix != "" {
			d.prefix = []byte(prefix)
		}
	}
}

// WithMaxFrameBytes overrides the per-line buffer limit.
func WithMaxFrameBytes(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxFrame = n
		}
	}
}

// NewDecoder creates a decoder with the default prefix and frame limit.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		prefix:   []byte(DefaultPrefix),
		maxFrame: DefaultMaxFrameBytes,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends chunk to the buffer and returns the frames completed so far.
// Each element is either an event or a ProtocolError for a frame that was
// skipped; iteration continues past errors. Lines are consumed as they are
// yielded, so stopping early leaves the rest for the next call.
func (d *Decoder) Feed(chunk []byte) iter.Seq2[Event, error] {
	if !d.closed && len(chunk) > 0 {
		d.buf = append(d.buf, chunk...)
	}

	return func(yield func(Event, error) bool) {
		for {
			line, ok, err := d.nextLine()
			if !ok {
				d.compact()
				return
			}
			if err != nil {
				if !yield(nil, err) {
					d.compact()
					return
				}
				continue
			}

			evt, err := d.parseLine(line)
			if evt == nil && err == nil {
				continue
			}
			if !yield(evt, err) {
				d.compact()
				return
			}
		}
	}
}

// Close signals end of stream. Any unterminated tail is discarded and
// its size returned.
func (d *Decoder) Close() int {
	n := len(d.buf)
	d.buf = nil
	d.discarding = false
	d.closed = true
	return n
}

// Buffered returns the number of bytes waiting for a line break.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) nextLine() ([]byte, bool, error) {
	if d.discarding {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			d.buf = d.buf[:0]
			return nil, false, nil
		}
		d.buf = d.buf[idx+1:]
		d.discarding = false
	}

	idx := bytes.IndexByte(d.buf, '\n')
	if idx < 0 {
		if len(d.buf) > d.maxFrame {
			size := len(d.buf)
			d.buf = d.buf[:0]
			d.discarding = true
			return nil, true, frameTooLarge(size, d.maxFrame)
		}
		return nil, false, nil
	}

	line := d.buf[:idx]
	d.buf = d.buf[idx+1:]
	if len(line) > d.maxFrame {
		return nil, true, frameTooLarge(len(line), d.maxFrame)
	}
	return line, true, nil
}

func (d *Decoder) parseLine(line []byte) (Event, error) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, d.prefix) {
		return nil, nil
	}

	payload := line[len(d.prefix):]
	if len(payload) > 0 && payload[0] == ' ' {
		payload = payload[1:]
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || string(payload) == doneSentinel {
		return nil, nil
	}

	return ParsePayload(payload)
}

// compact moves the unconsumed tail to the front so the buffer does not
// grow with the total stream length.
func (d *Decoder) compact() {
	if len(d.buf) == 0 {
		d.buf = nil
		return
	}
	d.buf = append([]byte(nil), d.buf...)
}

func frameTooLarge(size, limit int) error {
	return fmt.Errorf("frame of %d bytes exceeds limit of %d: %w", size, limit, tlErrors.ErrProtocol)
}
