package media

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// frameDuration is the pacing unit for generated sounds; 20 ms matches
// telephony packetization.
const frameDuration = 20 * time.Millisecond

// Sounds plays the placeholder audio a caller hears while the assistant is
// busy: a soft hum while thinking and a low noise floor while idle. At most
// one sound loops at a time; starting one replaces the other.
//
// Safe for concurrent use.
type Sounds struct {
	sink       Sink
	sampleRate int

	tone  []byte
	noise []byte

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewSounds returns a sound controller for sink at the given sample rate.
func NewSounds(sink Sink, sampleRate int) *Sounds {
	return &Sounds{
		sink:       sink,
		sampleRate: sampleRate,
		tone:       thinkingTone(sampleRate),
		noise:      comfortNoise(sampleRate),
	}
}

// StartThinking loops the thinking hum until Stop or ctx cancellation.
func (s *Sounds) StartThinking(ctx context.Context) {
	s.start(ctx, s.tone)
}

// StartAmbient loops the idle noise floor until Stop or ctx cancellation.
func (s *Sounds) StartAmbient(ctx context.Context) {
	s.start(ctx, s.noise)
}

func (s *Sounds) start(ctx context.Context, loop []byte) {
	s.Stop()

	s.mu.Lock()
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop, s.done = stop, done
	s.mu.Unlock()

	go s.playLoop(ctx, loop, stop, done)
}

// Stop silences whichever sound is playing and waits for the loop to exit.
// Safe to call when nothing plays.
func (s *Sounds) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// playLoop feeds loop to the sink one real-time frame at a time.
func (s *Sounds) playLoop(ctx context.Context, loop []byte, stop, done chan struct{}) {
	defer close(done)

	frameBytes := 2 * s.sampleRate * int(frameDuration) / int(time.Second)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	offset := 0
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			end := offset + frameBytes
			if end > len(loop) {
				offset, end = 0, frameBytes
			}
			if err := s.sink.Play(ctx, loop[offset:end]); err != nil {
				return
			}
			offset = end
		}
	}
}

// thinkingTone renders two seconds of a soft tremolo hum, 16-bit little
// endian mono PCM.
func thinkingTone(sampleRate int) []byte {
	const (
		pitchHz   = 185.0
		tremoloHz = 4.0
		amplitude = 0.12
	)
	n := 2 * sampleRate
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		env := 0.75 + 0.25*math.Sin(2*math.Pi*tremoloHz*t)
		v := amplitude * env * math.Sin(2*math.Pi*pitchHz*t)
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

// comfortNoise renders one second of low-level noise so the line never goes
// dead quiet, 16-bit little endian mono PCM.
func comfortNoise(sampleRate int) []byte {
	const amplitude = 0.015
	out := make([]byte, 2*sampleRate)
	// Deterministic xorshift so every loop iteration sounds identical.
	state := uint32(0x9e3779b9)
	for i := 0; i < sampleRate; i++ {
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		v := amplitude * (float64(int32(state))/math.MaxInt32 - 0.5)
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}
