package protocol

import (
	"testing"
	"time"
)

func TestCodec_ByteAlignedFrame(t *testing.T) {
	c := NewCodec()
	now := time.Unix(0, 0)

	// header 55 61, AccX=0, AccY=0, AccZ=16384 (=8.000g), rest zero
	frame := []byte{
		0x55, 0x61,
		0x00, 0x00, // AccX
		0x00, 0x00, // AccY
		0x00, 0x40, // AccZ = 16384 little-endian
		0x00, 0x00, // GyroX
		0x00, 0x00, // GyroY
		0x00, 0x00, // GyroZ
		0x00, 0x00, // AngX
		0x00, 0x00, // AngY
		0x00, 0x00, // AngZ
	}

	samples := c.FeedBytes(frame, now)
	if len(samples) != 1 {
		t.Fatalf("expected exactly 1 sample, got %d", len(samples))
	}
	if samples[0].AccZ != 8.0 {
		t.Fatalf("expected AccZ=8.000, got %v", samples[0].AccZ)
	}
	if samples[0].AccX != 0 || samples[0].AccY != 0 {
		t.Fatalf("expected AccX=AccY=0, got %v %v", samples[0].AccX, samples[0].AccY)
	}
}

func TestCodec_Resync(t *testing.T) {
	c := NewCodec()
	now := time.Unix(0, 0)

	garbage := []byte{0xAA, 0xBB}
	valid := []byte{
		0x55, 0x61,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x40,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}

	all := append(append([]byte{}, garbage...), valid...)
	samples := c.FeedBytes(all, now)
	if len(samples) != 1 {
		t.Fatalf("expected exactly 1 sample after resync, got %d", len(samples))
	}
}

func TestCodec_PartialFrameRetained(t *testing.T) {
	c := NewCodec()
	now := time.Unix(0, 0)

	part1 := []byte{0x55, 0x61, 0x00, 0x00, 0x00, 0x00}
	samples := c.FeedBytes(part1, now)
	if len(samples) != 0 {
		t.Fatalf("expected no samples from partial frame, got %d", len(samples))
	}

	rest := []byte{
		0x00, 0x40,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	samples = c.FeedBytes(rest, now)
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample completing the frame, got %d", len(samples))
	}
	if samples[0].AccZ != 8.0 {
		t.Fatalf("expected AccZ=8.000, got %v", samples[0].AccZ)
	}
}

func TestOutputRateCode(t *testing.T) {
	if OutputRateCode(50) != 0x0008 {
		t.Fatalf("expected 50hz code 0x0008, got %#x", OutputRateCode(50))
	}
	if OutputRateCode(999) != 0x0008 {
		t.Fatalf("expected fallback to 50hz code for unknown rate, got %#x", OutputRateCode(999))
	}
}

func TestConfigWritePacketShape(t *testing.T) {
	p := UnlockPacket()
	want := []byte{0xFF, 0xAA, 0x69, 0x88, 0xB5}
	for i := range want {
		if p[i] != want[i] {
			t.Fatalf("unlock packet mismatch at %d: got %#x want %#x", i, p[i], want[i])
		}
	}
}
