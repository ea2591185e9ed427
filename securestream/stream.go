package securestream

import (
	"fmt"
	"time"

	"github.com/hmatuschek/overlaynet/securesocket"
)

// State is the Stream lifecycle (spec.md §4.F).
type State int

const (
	Initialized State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "INITIALIZED"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Timer cadences (spec.md §4.F). The Stream does not own goroutines or
// time.Timers itself — per the single-threaded event-loop model (§5), the
// owning Node drives these by calling Tick on its own ticker cadence, the
// same pattern the teacher's link/circuit code uses deadlines rather than
// free-running timers for.
const (
	KeepAliveInterval = 5 * time.Second
	IdleTimeout       = 30 * time.Second
)

// ErrClosed is returned by Write once the stream has left the OPEN state.
var ErrClosed = fmt.Errorf("securestream: stream is closed")

// ErrReset is the close reason recorded when the peer sends RESET.
var ErrReset = fmt.Errorf("securestream: peer reset the connection")

// ErrIdleTimeout is the close reason recorded when no datagram arrives
// for IdleTimeout.
var ErrIdleTimeout = fmt.Errorf("securestream: idle timeout")

// Stream is one reliable, in-order byte connection multiplexed over a
// securesocket.Socket.
type Stream struct {
	socket *securesocket.Socket
	in     *StreamInBuffer
	out    *StreamOutBuffer
	state  State

	output func(record []byte) error

	lastKeepAlive time.Time
	lastReceived  time.Time

	OnEstablished func()
	OnClosed      func(reason error)
	OnReadable    func()
}

// New creates a stream in the INITIALIZED state. output is called with
// each encrypted wire record the stream needs transmitted; it must not
// block (spec.md §5 forbids blocking calls inside event-loop handlers).
func New(socket *securesocket.Socket, output func(record []byte) error) *Stream {
	return &Stream{
		socket: socket,
		in:     NewStreamInBuffer(0),
		out:    NewStreamOutBuffer(0, securesocket.MaxPlaintext-frameHeaderLen),
		state:  Initialized,
		output: output,
	}
}

// Open transitions INITIALIZED → OPEN once the underlying secure session
// has completed its handshake.
func (s *Stream) Open(now time.Time) {
	s.state = Open
	s.lastKeepAlive = now
	s.lastReceived = now
	if s.OnEstablished != nil {
		s.OnEstablished()
	}
}

// State returns the stream's current lifecycle state.
func (s *Stream) State() State { return s.state }

func (s *Stream) sendFrame(frame []byte, now time.Time) error {
	record, err := s.socket.Encrypt(frame)
	if err != nil {
		return fmt.Errorf("securestream: encrypt frame: %w", err)
	}
	if err := s.output(record); err != nil {
		return fmt.Errorf("securestream: send frame: %w", err)
	}
	s.lastKeepAlive = now
	return nil
}

// Write queues up to len(data) bytes for transmission, returning how many
// were actually accepted. At most one DATA frame is sent per call, so a
// write is short when data exceeds the per-frame segment limit or the
// remote window's free space; the caller retries the remainder later.
func (s *Stream) Write(data []byte, now time.Time) (int, error) {
	if s.state != Open {
		return 0, ErrClosed
	}
	seq, n := s.out.Write(data, now)
	if n == 0 {
		return 0, nil
	}
	if err := s.sendFrame(EncodeData(seq, data[:n]), now); err != nil {
		return 0, err
	}
	return n, nil
}

// Close begins a graceful shutdown: no more writes are accepted, and once
// the output buffer drains the stream sends RESET and becomes CLOSED
// (spec.md §4.F; the Open Question on a dedicated FIN handshake is
// resolved in favor of reusing RESET as the close signal — see §9).
func (s *Stream) Close(now time.Time) error {
	if s.state != Open {
		return nil
	}
	s.state = Closing
	return s.maybeFinishClosing(now)
}

func (s *Stream) maybeFinishClosing(now time.Time) error {
	if s.state != Closing || s.out.BytesToWrite() > 0 {
		return nil
	}
	if err := s.sendFrame(EncodeReset(), now); err != nil {
		return err
	}
	s.transitionClosed(nil)
	return nil
}

func (s *Stream) transitionClosed(reason error) {
	if s.state == Closed {
		return
	}
	s.state = Closed
	if s.OnClosed != nil {
		s.OnClosed(reason)
	}
}

// Read copies up to len(p) contiguous bytes received so far.
func (s *Stream) Read(p []byte) int {
	return s.in.Read(p)
}

// HandleRecord decrypts and processes one inbound wire record.
// securesocket.ErrDecryptFailed is returned unwrapped so callers can
// silently drop the datagram rather than treat it as fatal.
func (s *Stream) HandleRecord(record []byte, now time.Time) error {
	plaintext, err := s.socket.Decrypt(record)
	if err != nil {
		return err
	}
	s.lastReceived = now

	frame, err := DecodeFrame(plaintext)
	if err != nil {
		return fmt.Errorf("securestream: %w", err)
	}

	switch frame.Type {
	case FrameData:
		newly, accepted := s.in.PutPacket(frame.Seq, frame.Payload)
		if !accepted {
			// Outside the receive window: ignore, no ACK, sender will
			// time out and resend (spec.md §4.F edge cases).
			return nil
		}
		if err := s.sendFrame(EncodeAck(s.in.NextSequence(), s.in.Window()), now); err != nil {
			return err
		}
		if newly > 0 && s.OnReadable != nil {
			s.OnReadable()
		}
	case FrameAck:
		if s.out.Ack(frame.Seq, frame.Window, now) {
			return s.maybeFinishClosing(now)
		}
	case FrameReset:
		s.transitionClosed(ErrReset)
	case FrameFin:
		// Never sent by this implementation; treat receipt the same as
		// RESET rather than attempting an unsupported half-close.
		s.transitionClosed(ErrReset)
	}
	return nil
}

// Tick drives the stream's periodic timers. The caller should invoke this
// at least as often as the shortest cadence below (100 ms). resent
// reports whether this call retransmitted an unacked segment, so the
// caller can feed an observable retransmit counter (spec.md §4.J).
func (s *Stream) Tick(now time.Time) (resent bool, err error) {
	if s.state == Closed {
		return false, nil
	}
	if now.Sub(s.lastReceived) > IdleTimeout {
		s.transitionClosed(ErrIdleTimeout)
		return false, nil
	}
	if s.out.Timeout(now) {
		seq, segment := s.out.Resend(now)
		if err := s.sendFrame(EncodeData(seq, segment), now); err != nil {
			return false, err
		}
		resent = true
	}
	if s.out.BytesToWrite() == 0 && now.Sub(s.lastKeepAlive) >= KeepAliveInterval {
		if err := s.sendFrame(EncodeAck(s.in.NextSequence(), s.in.Window()), now); err != nil {
			return resent, err
		}
	}
	return resent, nil
}
