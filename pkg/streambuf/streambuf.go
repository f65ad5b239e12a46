// Package streambuf implements the C3 stream buffer and message
// dispatcher: a back-pressured byte reservoir over the replication
// session's socket that incrementally produces framed messages, with an
// optional token-bucket rate limit applied to bytes read (§4.3).
package streambuf

import (
	"encoding/binary"
	"io"
	"time"

	"golang.org/x/time/rate"
)

// minHeadroom is the minimum free space a read tries to maintain, per
// §4.3 ("reads try to grow the buffer to hold ≥ 1500 bytes of headroom").
const minHeadroom = 1500

// Buffer is the {buffer, size, start, end, cursor} reservoir from §3: the
// half-open range [start, end) holds unconsumed bytes, cursor is the
// dispatcher's read position within it. Invariant: 0 <= start <= cursor <=
// end <= size.
type Buffer struct {
	data   []byte
	start  int
	end    int
	cursor int
}

// NewBuffer allocates a buffer with the given initial capacity.
func NewBuffer(initialSize int) *Buffer {
	if initialSize < minHeadroom {
		initialSize = minHeadroom
	}
	return &Buffer{data: make([]byte, initialSize)}
}

func (b *Buffer) size() int { return len(b.data) }

// grow ensures at least minHeadroom bytes of free space after end,
// doubling the underlying array as needed (§3: "grows monotonically when
// reading needs room").
func (b *Buffer) grow() {
	for b.size()-b.end < minHeadroom {
		next := make([]byte, b.size()*2)
		copy(next, b.data[:b.end])
		b.data = next
	}
}

// Fill reads once from r into the free space at the tail of the buffer,
// growing first if headroom is short, and returns the number of bytes
// read.
func (b *Buffer) Fill(r io.Reader) (int, error) {
	b.grow()
	n, err := r.Read(b.data[b.end:])
	b.end += n
	return n, err
}

// Frame is one dispatched message. Kinds 'D' (data row), 'T' (row
// description), and 'E' (error) retain the leading 5 header bytes in
// Payload for the shared parsing helpers (§4.3); all other kinds expose
// only the body.
type Frame struct {
	Kind    byte
	Payload []byte
}

const (
	kindDataRow        = 'D'
	kindRowDescription = 'T'
	kindErrorResponse  = 'E'
)

// Dispatcher frames messages out of a Buffer; its recognized set gates
// which message kinds the current stream phase dispatches versus silently skips (§4.3: "messages of unrecognised kinds
// for the current stream phase are silently skipped"). Replication
// sessions configure this per phase; nil means "dispatch everything".
type Dispatcher struct {
	buf        *Buffer
	recognized map[byte]bool
	limiter    *rate.Limiter
}

// NewDispatcher wraps a Buffer with an optional recognized-kind set and an
// optional network token bucket. A nil limiter disables rate limiting.
func NewDispatcher(buf *Buffer, recognized map[byte]bool, limiter *rate.Limiter) *Dispatcher {
	return &Dispatcher{buf: buf, recognized: recognized, limiter: limiter}
}

// NewTokenBucket builds the §3 token bucket: burst capacity and a
// monotonic per-second refill rate.
func NewTokenBucket(burst int, bytesPerSecond float64) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// Next attempts to dispatch the next message starting at cursor. It
// returns ok=false when the buffer does not yet hold a complete header or
// body (the caller should Fill and retry); unrecognised kinds are skipped
// internally and never returned to the caller.
func (d *Dispatcher) Next() (frame Frame, ok bool, err error) {
	b := d.buf
	for {
		if b.end-b.cursor < 5 {
			return Frame{}, false, nil
		}
		kind := b.data[b.cursor]
		length := int(binary.BigEndian.Uint32(b.data[b.cursor+1 : b.cursor+5]))
		if length < 4 {
			return Frame{}, false, io.ErrUnexpectedEOF
		}
		if b.end-b.cursor < length+1 {
			return Frame{}, false, nil
		}

		if err := d.throttle(length + 1); err != nil {
			return Frame{}, false, err
		}

		msgEnd := b.cursor + 1 + length
		if d.recognized != nil && !d.recognized[kind] {
			b.cursor = msgEnd
			continue
		}

		var payload []byte
		switch kind {
		case kindDataRow, kindRowDescription, kindErrorResponse:
			payload = b.data[b.cursor:msgEnd]
		default:
			payload = b.data[b.cursor+5 : msgEnd]
		}
		b.cursor = msgEnd
		return Frame{Kind: kind, Payload: payload}, true, nil
	}
}

// throttle subtracts n bytes from the token bucket, spin-sleeping 500ms
// between attempts while starved (§4.3: "spin-sleep 500 ms when
// starved"). SleepFn is overridable in tests to avoid real delays.
var SleepFn = func() { time.Sleep(500 * time.Millisecond) }

func (d *Dispatcher) throttle(n int) error {
	if d.limiter == nil {
		return nil
	}
	for !d.limiter.AllowN(time.Now(), n) {
		SleepFn()
	}
	return nil
}

// ConsumeStart marks the beginning of a consume/reclaim cycle. It is a
// no-op placeholder kept distinct from ConsumeEnd to mirror the origin's
// paired API (§3); all bookkeeping happens in ConsumeEnd.
func (b *Buffer) ConsumeStart() {}

// ConsumeEnd commits everything dispatched so far: advances start to
// cursor and, if a non-empty prefix was consumed, left-shifts the live
// suffix to offset 0 to reclaim space (§4.3: "after each consumed message,
// if the consumed prefix is non-empty the live suffix is memmoved to
// offset 0"). Property 7 requires start == cursor and end <= size to hold
// after this call.
func (b *Buffer) ConsumeEnd() {
	b.start = b.cursor
	if b.start == 0 {
		return
	}
	live := b.end - b.start
	copy(b.data[0:live], b.data[b.start:b.end])
	b.end = live
	b.cursor = live
	b.start = 0
}

// Start, End, Cursor expose the current invariant bounds for tests.
func (b *Buffer) Start() int  { return b.start }
func (b *Buffer) End() int    { return b.end }
func (b *Buffer) Cursor() int { return b.cursor }
func (b *Buffer) Size() int   { return b.size() }
