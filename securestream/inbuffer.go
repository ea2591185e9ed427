package securestream

// MaxWindow is the largest window a receiver ever advertises: the ACK
// frame's window field is 16 bits, so one byte of headroom below 65536
// keeps the value representable (spec.md §4.F: "window = 65535 −
// available").
const MaxWindow = 65535

type interval struct {
	seq    uint32
	length int
}

// StreamInBuffer reassembles a byte stream out of arbitrarily-ordered DATA
// frames (spec.md §4.F).
type StreamInBuffer struct {
	ring         *FixedRingBuffer
	nextSequence uint32
	available    int
	intervals    []interval
}

// NewStreamInBuffer creates a receive buffer expecting a stream starting
// at sequence number start.
func NewStreamInBuffer(start uint32) *StreamInBuffer {
	return &StreamInBuffer{ring: NewFixedRingBuffer(), nextSequence: start}
}

// Window is the number of additional bytes the receiver is willing to
// buffer beyond nextSequence.
func (b *StreamInBuffer) Window() uint16 {
	w := MaxWindow - b.available
	if w < 0 {
		return 0
	}
	return uint16(w)
}

// NextSequence is the next byte sequence number the receiver expects.
func (b *StreamInBuffer) NextSequence() uint32 { return b.nextSequence }

func seqDiff(a, b uint32) uint32 { return a - b }

func inWindow(seq, lo uint32, width uint32) bool {
	return seqDiff(seq, lo) < width
}

// PutPacket accepts a DATA frame's payload at the given starting sequence
// number. It returns the number of bytes newly made contiguous (available
// for Read) and whether the packet was accepted into the window at all;
// a rejected packet must not be acknowledged, so the sender eventually
// times out and resends (spec.md §4.F edge cases).
func (b *StreamInBuffer) PutPacket(seq uint32, data []byte) (newlyContiguous int, accepted bool) {
	if !inWindow(seq, b.nextSequence, uint32(b.Window())) {
		return 0, false
	}
	if len(data) == 0 {
		// Zero-length DATA is a no-op keep-alive: accepted, but there is
		// nothing to place or coalesce (spec.md §4.F edge cases).
		return 0, true
	}

	offset := b.available + int(seqDiff(seq, b.nextSequence))
	// Only the bytes that fit in the ring are stored and counted.
	stored := b.ring.WriteAt(offset, data)
	b.insertInterval(interval{seq: seq, length: stored})

	for len(b.intervals) > 0 && b.intervals[0].seq == b.nextSequence {
		head := b.intervals[0]
		b.intervals = b.intervals[1:]
		b.nextSequence += uint32(head.length)
		b.available += head.length
		newlyContiguous += head.length
	}
	return newlyContiguous, true
}

func (b *StreamInBuffer) insertInterval(iv interval) {
	for _, existing := range b.intervals {
		if existing.seq == iv.seq {
			return
		}
	}
	i := 0
	for i < len(b.intervals) && seqDiff(b.intervals[i].seq, b.nextSequence) < seqDiff(iv.seq, b.nextSequence) {
		i++
	}
	b.intervals = append(b.intervals, interval{})
	copy(b.intervals[i+1:], b.intervals[i:])
	b.intervals[i] = iv
}

// Available is the number of contiguous bytes ready to be read.
func (b *StreamInBuffer) Available() int { return b.available }

// Read copies up to len(p) contiguous bytes into p and consumes them.
func (b *StreamInBuffer) Read(p []byte) int {
	n := len(p)
	if n > b.available {
		n = b.available
	}
	if n == 0 {
		return 0
	}
	copy(p, b.ring.Slice(0, n))
	b.ring.Drop(n)
	b.available -= n
	return n
}
