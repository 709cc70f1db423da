// Package protocol implements the IMU's wire protocol: the 20-byte sample
// frame codec and the 5-byte configuration write packets.
package protocol

import (
	"encoding/binary"
	"time"

	"github.com/trainwatch/imu-gateway/internal/sample"
)

// frameHeader is the two-byte literal every sample frame begins with.
var frameHeader = [2]byte{0x55, 0x61}

// frameSize is the total frame size: 2-byte header + 18 payload bytes.
const frameSize = 20

// payloadSize is the frame size minus the header.
const payloadSize = frameSize - 2

// Scale factors applied to the nine raw signed int16 channels.
const (
	accelFullScale = 16.0   // g, raw/32768 * 16
	gyroFullScale  = 2000.0 // deg/s, raw/32768 * 2000
	angleFullScale = 180.0  // deg, raw/32768 * 180
)

// Codec decodes a live byte stream into Samples. It is stateful but cannot
// fail: bad headers are skipped one byte at a time (byte-level resync) and
// partial frames are retained across calls to Feed.
//
// Codec is not safe for concurrent use; each Device Supervisor owns exactly
// one Codec on its single consumer goroutine.
type Codec struct {
	buf []byte
}

// NewCodec returns an empty Codec ready to receive bytes.
func NewCodec() *Codec {
	return &Codec{buf: make([]byte, 0, frameSize)}
}

// Feed pushes one byte into the assembly buffer. It returns a decoded Sample
// and true when a full frame completes; otherwise it returns the zero Sample
// and false. The supplied `at` timestamp becomes the Sample's timestamp.
func (c *Codec) Feed(b byte, at time.Time) (sample.Sample, bool) {
	c.buf = append(c.buf, b)

	// Resync: once we have at least 2 bytes, the first two must match the
	// header literal or we discard the oldest byte and keep scanning.
	for len(c.buf) >= 2 {
		if c.buf[0] == frameHeader[0] && c.buf[1] == frameHeader[1] {
			break
		}
		c.buf = c.buf[1:]
	}

	if len(c.buf) < frameSize {
		return sample.Sample{}, false
	}

	s := decodeFrame(c.buf[2:frameSize], at)
	c.buf = c.buf[:0]
	return s, true
}

// FeedBytes feeds a whole byte slice (as delivered by the radio callback's
// queue) and returns every Sample decoded from it, in arrival order.
func (c *Codec) FeedBytes(p []byte, at time.Time) []sample.Sample {
	var out []sample.Sample
	for _, b := range p {
		if s, ok := c.Feed(b, at); ok {
			out = append(out, s)
		}
	}
	return out
}

func decodeFrame(payload []byte, at time.Time) sample.Sample {
	raw := [9]int16{}
	for i := 0; i < 9; i++ {
		raw[i] = int16(binary.LittleEndian.Uint16(payload[i*2 : i*2+2]))
	}

	scale := func(v int16, fullScale float64) float64 {
		return round3(float64(v) / 32768.0 * fullScale)
	}

	return sample.Sample{
		Time:  at,
		AccX:  scale(raw[0], accelFullScale),
		AccY:  scale(raw[1], accelFullScale),
		AccZ:  scale(raw[2], accelFullScale),
		GyroX: scale(raw[3], gyroFullScale),
		GyroY: scale(raw[4], gyroFullScale),
		GyroZ: scale(raw[5], gyroFullScale),
		AngX:  scale(raw[6], angleFullScale),
		AngY:  scale(raw[7], angleFullScale),
		AngZ:  scale(raw[8], angleFullScale),
	}
}

func round3(v float64) float64 {
	const p = 1000.0
	if v < 0 {
		return -roundHalfUp(-v*p) / p
	}
	return roundHalfUp(v*p) / p
}

func roundHalfUp(v float64) float64 {
	return float64(int64(v + 0.5))
}
