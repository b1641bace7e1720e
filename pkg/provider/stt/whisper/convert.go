package whisper

import "encoding/binary"

// pcmScale normalises a signed 16-bit sample into [-1, 1).
const pcmScale = 1.0 / 32768.0

// pcmToFloat32Mono converts 16-bit signed little-endian PCM into the mono
// float32 samples the whisper.cpp bindings consume. Multi-channel input is
// down-mixed by averaging each frame. A trailing partial frame is dropped.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (2 * channels)
	out := make([]float32, frames)
	for f := range frames {
		var sum float32
		base := f * channels * 2
		for ch := range channels {
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[base+ch*2:])))
		}
		out[f] = sum * pcmScale / float32(channels)
	}
	return out
}
