// Package securestream implements the reliable, in-order byte stream
// layered on top of a securesocket.Socket (spec.md §4.F): framed DATA/ACK/
// RESET/FIN records, a fixed-size receive and send ring, insertion-sorted
// out-of-order reassembly, and an adaptive retransmission timeout.
package securestream

// RingSize is the fixed capacity of both the send and receive rings
// (spec.md §4.F: "both send and receive use a 64 KiB ring").
const RingSize = 65536

// FixedRingBuffer is a byte ring of fixed capacity RingSize. Logical
// offset 0 is always the oldest unconsumed byte; WriteAt can place bytes
// ahead of the current length to support out-of-order reassembly, which
// implicitly leaves a gap of undefined bytes between the old length and
// the new one until the gap is filled in.
type FixedRingBuffer struct {
	buf    [RingSize]byte
	start  int
	length int
}

// NewFixedRingBuffer returns an empty ring.
func NewFixedRingBuffer() *FixedRingBuffer {
	return &FixedRingBuffer{}
}

func (r *FixedRingBuffer) phys(offset int) int {
	return (r.start + offset) % RingSize
}

// Len returns the number of logically valid bytes, including any gaps
// created by out-of-order WriteAt calls ahead of the contiguous prefix.
func (r *FixedRingBuffer) Len() int { return r.length }

// Free returns how many more bytes can be appended before the ring is
// full.
func (r *FixedRingBuffer) Free() int { return RingSize - r.length }

// Append writes as much of data as fits, returning the number of bytes
// actually written.
func (r *FixedRingBuffer) Append(data []byte) int {
	return r.WriteAt(r.length, data)
}

// WriteAt places data at logical offset, growing Len if the write extends
// past the current length. Bytes that would not fit within RingSize are
// silently dropped, matching the spec's "truncation is implicit in the
// put operation" rule for StreamInBuffer (spec.md §4.F edge cases).
func (r *FixedRingBuffer) WriteAt(offset int, data []byte) int {
	if offset < 0 || offset >= RingSize {
		return 0
	}
	room := RingSize - offset
	n := len(data)
	if n > room {
		n = room
	}
	for i := 0; i < n; i++ {
		r.buf[r.phys(offset+i)] = data[i]
	}
	if end := offset + n; end > r.length {
		r.length = end
	}
	return n
}

// Slice returns a copy of the n bytes starting at logical offset. It
// returns fewer bytes if the ring does not hold that many.
func (r *FixedRingBuffer) Slice(offset, n int) []byte {
	if offset >= r.length {
		return nil
	}
	if offset+n > r.length {
		n = r.length - offset
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[r.phys(offset+i)]
	}
	return out
}

// Drop consumes n bytes from the front of the ring, as when sender data
// is acknowledged or receiver data is read by the application.
func (r *FixedRingBuffer) Drop(n int) {
	if n > r.length {
		n = r.length
	}
	r.start = (r.start + n) % RingSize
	r.length -= n
}
