package audio

import (
	"encoding/binary"
	"math"
	"math/rand"
	"time"
)

func decodePCM(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples
}

// Tone generates a sine wave at freq Hz with a little noise, normalized to [-1, 1].
func Tone(freq float64, dur time.Duration, sampleRate int) []float32 {
	n := int(dur.Seconds() * float64(sampleRate))
	samples := make([]float32, n)
	for i := range n {
		t := float64(i) / float64(sampleRate)
		samples[i] = float32(math.Sin(2*math.Pi*freq*t)*0.3 + (rand.Float64()-0.5)*0.05)
	}
	return samples
}
