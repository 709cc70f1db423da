package link

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimLink is a Link implementation that never touches real hardware. It
// generates synthetic 20-byte sample frames at a configurable rate once
// subscribed, and lets a test or the gateway's -sim runtime mode inject
// failures and acceleration spikes.
//
// SimLink is safe for concurrent use: the frame generator runs on its own
// goroutine and only ever calls the caller-supplied NotifyFunc, matching the
// real radio stack's "dispatch from a foreign thread" behavior.
type SimLink struct {
	mu sync.Mutex

	rateHz      int
	connectErr  error
	discoverErr error
	connected   bool
	discovered  bool
	notifyFn    NotifyFunc

	stop   chan struct{}
	wg     sync.WaitGroup
	rnd    *rand.Rand
	zBias  float64
	spikeZ float64 // if non-zero, injected into the next emitted frame then cleared
}

// NewSimLink creates a SimLink emitting frames at the given rate once
// subscribed (defaults to 50Hz if rateHz <= 0).
func NewSimLink(rateHz int) *SimLink {
	if rateHz <= 0 {
		rateHz = 50
	}
	return &SimLink{
		rateHz: rateHz,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// InjectConnectError makes the next Connect call fail with the given error.
func (s *SimLink) InjectConnectError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

// InjectDiscoverError makes the next DiscoverCharacteristics call fail.
func (s *SimLink) InjectDiscoverError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discoverErr = err
}

// InjectSpike causes the next emitted frame to carry the given Z
// acceleration in g, simulating a train-passing event.
func (s *SimLink) InjectSpike(g float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spikeZ = g
}

func (s *SimLink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		err := s.connectErr
		s.connectErr = nil
		return NewError(KindStackError, err)
	}
	select {
	case <-ctx.Done():
		return NewError(KindTimeout, ctx.Err())
	default:
	}
	s.connected = true
	return nil
}

func (s *SimLink) DiscoverCharacteristics(ctx context.Context, serviceUUID, readUUID, writeUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return NewError(KindNotConnected, ErrNotReady)
	}
	if s.discoverErr != nil {
		err := s.discoverErr
		s.discoverErr = nil
		return NewError(KindCharacteristicMissing, err)
	}
	select {
	case <-ctx.Done():
		return NewError(KindTimeout, ctx.Err())
	default:
	}
	s.discovered = true
	return nil
}

func (s *SimLink) Subscribe(ctx context.Context, fn NotifyFunc) error {
	s.mu.Lock()
	if !s.discovered {
		s.mu.Unlock()
		return NewError(KindNotConnected, ErrNotReady)
	}
	s.notifyFn = fn
	s.stop = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.generate()
	return nil
}

func (s *SimLink) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.notifyFn = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	s.wg.Wait()
	return nil
}

func (s *SimLink) Write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return NewError(KindNotConnected, ErrNotReady)
	}
	return nil
}

func (s *SimLink) Disconnect(ctx context.Context) error {
	_ = s.Unsubscribe(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.discovered = false
	return nil
}

func (s *SimLink) generate() {
	defer s.wg.Done()

	period := time.Second / time.Duration(s.rateHz)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			fn := s.notifyFn
			z := 1.0 + s.rnd.Float64()*0.02 // resting gravity reading + jitter
			if s.spikeZ != 0 {
				z = s.spikeZ
				s.spikeZ = 0
			}
			s.mu.Unlock()

			if fn == nil {
				continue
			}
			fn(encodeFrame(z))
		}
	}
}

func encodeFrame(z float64) []byte {
	buf := make([]byte, 20)
	buf[0], buf[1] = 0x55, 0x61

	put := func(off int, v float64, fullScale float64) {
		raw := int16(math.Round(v / fullScale * 32768))
		binary.LittleEndian.PutUint16(buf[off:], uint16(raw))
	}

	put(2, 0, 16)  // AccX
	put(4, 0, 16)  // AccY
	put(6, z, 16)  // AccZ
	put(8, 0, 2000)
	put(10, 0, 2000)
	put(12, 0, 2000)
	put(14, 0, 180)
	put(16, 0, 180)
	put(18, 0, 180)
	return buf
}
