package wire

import (
	"errors"
	"testing"
)

func TestChecksum16_KnownVector(t *testing.T) {
	// CRC-16/CCITT-FALSE check value
	if got := Checksum16([]byte("123456789")); got != 0x29B1 {
		t.Fatalf("Checksum16 = 0x%04X, want 0x29B1", got)
	}
}

func TestEncodeDecode_Scenario(t *testing.T) {
	c := NewCodec(DefaultPayload)
	var buf []byte
	for i := 0; i < 7; i++ {
		buf = c.Encode(Broadcast, 1, 0xAABBCCDD)
	}

	f, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != Broadcast {
		t.Errorf("type = %v, want broadcast", f.Type)
	}
	if f.State != 1 {
		t.Errorf("state = %d, want 1", f.State)
	}
	if f.Seq != 7 {
		t.Errorf("seq = %d, want 7", f.Seq)
	}
	if f.Magic != 0xAABBCCDD {
		t.Errorf("magic = 0x%08X, want 0xAABBCCDD", f.Magic)
	}

	// same bytes with the last payload byte flipped must fail the checksum
	bad := make([]byte, len(buf))
	copy(bad, buf)
	bad[len(bad)-1] ^= 0x01
	if _, err := Decode(bad); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("flipped byte: err = %v, want ErrChecksumMismatch", err)
	}
}

func TestDecode_AnySingleBitFlipFails(t *testing.T) {
	c := NewCodec(16)
	buf := c.Encode(Unicast, 1, 0x01020304)

	for i := range buf {
		for bit := 0; bit < 8; bit++ {
			bad := make([]byte, len(buf))
			copy(bad, buf)
			bad[i] ^= 1 << bit
			if _, err := Decode(bad); err == nil {
				t.Fatalf("flip byte %d bit %d: decode unexpectedly succeeded", i, bit)
			}
		}
	}
}

func TestDecode_Undersized(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		if _, err := Decode(make([]byte, n)); !errors.Is(err, ErrUndersized) {
			t.Errorf("%d bytes: err = %v, want ErrUndersized", n, err)
		}
	}
}

func TestSequenceCounters_Independent(t *testing.T) {
	c := NewCodec(0)

	b1, _ := Decode(c.Encode(Broadcast, 1, 1))
	b2, _ := Decode(c.Encode(Broadcast, 1, 1))
	u1, _ := Decode(c.Encode(Unicast, 1, 1))
	b3, _ := Decode(c.Encode(Broadcast, 1, 1))

	if b1.Seq != 1 || b2.Seq != 2 || b3.Seq != 3 {
		t.Errorf("broadcast seqs = %d,%d,%d, want 1,2,3", b1.Seq, b2.Seq, b3.Seq)
	}
	if u1.Seq != 1 {
		t.Errorf("unicast seq = %d, want 1", u1.Seq)
	}
}

func TestSequenceCounter_Wraps(t *testing.T) {
	c := NewCodec(0)
	c.broadcastSeq = 0xFFFF
	f, err := Decode(c.Encode(Broadcast, 1, 1))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Seq != 0 {
		t.Fatalf("seq after wrap = %d, want 0", f.Seq)
	}
}

func TestEncode_RandomFillLength(t *testing.T) {
	c := NewCodec(32)
	buf := c.Encode(Broadcast, 1, 7)
	if len(buf) != HeaderSize+32 {
		t.Fatalf("frame length = %d, want %d", len(buf), HeaderSize+32)
	}
	if _, err := Decode(buf); err != nil {
		t.Fatalf("decode: %v", err)
	}
}
