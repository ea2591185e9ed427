package securestream

import (
	"math"
	"time"
)

// InitialTimeout is the starting retransmission timeout before any RTT
// samples have been collected (spec.md §4.F).
const InitialTimeout = 2000 * time.Millisecond

// RTOSampleWindow is the number of age samples averaged before the
// adaptive timeout is recomputed (spec.md §4.F).
const RTOSampleWindow = 64

// StreamOutBuffer holds sent but unacknowledged bytes (spec.md §4.F).
// Its maxSegment bounds how many bytes one DATA frame carries; it is set
// by the stream layer to the secure-socket payload budget minus frame
// overhead and is passed in by the caller rather than hardcoded here, so
// StreamOutBuffer stays independent of the socket's size limits.
type StreamOutBuffer struct {
	ring          *FixedRingBuffer
	firstSequence uint32
	nextSequence  uint32
	window        uint32 // absolute sequence boundary up to which the peer will accept bytes
	maxSegment    int

	timestamp time.Time

	sampleSum   float64
	sampleSumSq float64
	sampleCount int

	currentTimeout time.Duration
}

// NewStreamOutBuffer creates a send buffer starting at sequence number
// start, with an initially fully-open window so the first write is never
// blocked waiting on an ACK.
func NewStreamOutBuffer(start uint32, maxSegment int) *StreamOutBuffer {
	return &StreamOutBuffer{
		ring:           NewFixedRingBuffer(),
		firstSequence:  start,
		nextSequence:   start,
		window:         start + MaxWindow,
		maxSegment:     maxSegment,
		currentTimeout: InitialTimeout,
	}
}

// BytesToWrite is the number of bytes sent but not yet acknowledged.
func (b *StreamOutBuffer) BytesToWrite() int { return b.ring.Len() }

func (b *StreamOutBuffer) freeWindow() int {
	free := int(seqDiff(b.window, b.nextSequence))
	if free < 0 || free > MaxWindow {
		return 0
	}
	return free
}

// Write appends up to min(remote window free, MaxSegment) bytes of data to
// the buffer and returns the sequence number of the first accepted byte
// and how many bytes were accepted. A return of n < len(data) means the
// caller must retry the remainder once more window opens up.
func (b *StreamOutBuffer) Write(data []byte, now time.Time) (seq uint32, n int) {
	limit := b.freeWindow()
	if limit > b.maxSegment {
		limit = b.maxSegment
	}
	if limit <= 0 {
		return b.nextSequence, 0
	}
	if len(data) > limit {
		data = data[:limit]
	}
	if b.ring.Len() == 0 {
		b.timestamp = now
	}
	seq = b.nextSequence
	n = b.ring.Append(data)
	b.nextSequence += uint32(n)
	return seq, n
}

// Ack processes a cumulative ACK: seq is the peer's next-expected
// sequence number, win its advertised window. It returns false if the ACK
// covers bytes already acknowledged (or is otherwise stale) and should be
// ignored (spec.md §4.F edge cases).
func (b *StreamOutBuffer) Ack(seq uint32, win uint16, now time.Time) bool {
	if seqDiff(seq, b.firstSequence) == 0 || seqDiff(seq, b.firstSequence) > seqDiff(b.nextSequence, b.firstSequence) {
		return false
	}
	dropped := int(seqDiff(seq, b.firstSequence))
	age := now.Sub(b.timestamp)
	b.recordSample(age)

	b.ring.Drop(dropped)
	b.firstSequence = seq
	b.timestamp = now
	b.window = b.firstSequence + uint32(win)
	return true
}

func (b *StreamOutBuffer) recordSample(age time.Duration) {
	t := age.Seconds()
	b.sampleSum += t
	b.sampleSumSq += t * t
	b.sampleCount++
	if b.sampleCount >= RTOSampleWindow {
		mean := b.sampleSum / float64(b.sampleCount)
		variance := b.sampleSumSq/float64(b.sampleCount) - mean*mean
		if variance < 0 {
			variance = 0
		}
		stddev := math.Sqrt(variance)
		b.currentTimeout = time.Duration((mean + 3*stddev) * float64(time.Second))
		if b.currentTimeout <= 0 {
			b.currentTimeout = InitialTimeout
		}
		b.sampleSum, b.sampleSumSq, b.sampleCount = 0, 0, 0
	}
}

// Timeout reports whether the oldest unacknowledged byte has aged past
// the current retransmission timeout.
func (b *StreamOutBuffer) Timeout(now time.Time) bool {
	return b.BytesToWrite() > 0 && now.Sub(b.timestamp) > b.currentTimeout
}

// Resend returns the starting sequence number and up to maxSegment bytes
// of the oldest unacknowledged data, restarting the retransmission clock.
func (b *StreamOutBuffer) Resend(now time.Time) (seq uint32, segment []byte) {
	n := b.ring.Len()
	if n > b.maxSegment {
		n = b.maxSegment
	}
	segment = b.ring.Slice(0, n)
	b.timestamp = now
	return b.firstSequence, segment
}
