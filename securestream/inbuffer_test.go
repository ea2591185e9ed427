package securestream

import "testing"

func TestInBufferInOrderDelivery(t *testing.T) {
	b := NewStreamInBuffer(100)
	newly, ok := b.PutPacket(100, []byte("hello"))
	if !ok || newly != 5 {
		t.Fatalf("PutPacket = (%d, %v), want (5, true)", newly, ok)
	}
	if b.NextSequence() != 105 {
		t.Fatalf("NextSequence = %d, want 105", b.NextSequence())
	}
	buf := make([]byte, 16)
	n := b.Read(buf)
	if string(buf[:n]) != "hello" {
		t.Fatalf("Read = %q", buf[:n])
	}
}

func TestInBufferOutOfOrderCoalesces(t *testing.T) {
	b := NewStreamInBuffer(0)
	// second half arrives first
	newly, ok := b.PutPacket(5, []byte("world"))
	if !ok || newly != 0 {
		t.Fatalf("out-of-order PutPacket = (%d, %v), want (0, true)", newly, ok)
	}
	if b.Available() != 0 {
		t.Fatalf("Available = %d before coalescing, want 0", b.Available())
	}
	newly, ok = b.PutPacket(0, []byte("hello"))
	if !ok || newly != 10 {
		t.Fatalf("coalescing PutPacket = (%d, %v), want (10, true)", newly, ok)
	}
	buf := make([]byte, 10)
	n := b.Read(buf)
	if string(buf[:n]) != "helloworld" {
		t.Fatalf("Read = %q", buf[:n])
	}
}

func TestInBufferRejectsOutsideWindow(t *testing.T) {
	b := NewStreamInBuffer(0)
	_, ok := b.PutPacket(200000, []byte("late"))
	if ok {
		t.Fatal("expected packet outside window to be rejected")
	}
}

func TestInBufferZeroLengthIsNoOp(t *testing.T) {
	b := NewStreamInBuffer(0)
	newly, ok := b.PutPacket(0, nil)
	if !ok || newly != 0 {
		t.Fatalf("zero-length PutPacket = (%d, %v), want (0, true)", newly, ok)
	}
	if b.NextSequence() != 0 {
		t.Fatalf("NextSequence advanced on zero-length data: %d", b.NextSequence())
	}
}

func TestInBufferDuplicateIntervalIgnored(t *testing.T) {
	b := NewStreamInBuffer(0)
	b.PutPacket(5, []byte("world"))
	b.PutPacket(5, []byte("world"))
	newly, ok := b.PutPacket(0, []byte("hello"))
	if !ok || newly != 10 {
		t.Fatalf("PutPacket after duplicate = (%d, %v), want (10, true)", newly, ok)
	}
}

func TestInBufferWindowUnchangedByOutOfOrderData(t *testing.T) {
	b := NewStreamInBuffer(0)
	full := b.Window()
	b.PutPacket(10, make([]byte, 100))
	if b.Window() != full {
		t.Fatalf("window should not shrink until data is contiguous/available")
	}
}
