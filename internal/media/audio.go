package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/wav"
)

// Audio is decoded PCM normalised to [-1, 1], interleaved by channel.
type Audio struct {
	SampleRate int
	Channels   int
	Data       []float32
}

// Frames returns the number of sample frames.
func (a *Audio) Frames() int {
	if a.Channels == 0 {
		return 0
	}
	return len(a.Data) / a.Channels
}

// Duration returns the length in seconds.
func (a *Audio) Duration() float64 {
	if a.SampleRate == 0 {
		return 0
	}
	return float64(a.Frames()) / float64(a.SampleRate)
}

// At returns channel ch at time t using linear interpolation. Mono audio
// answers for every channel; out-of-range times are silent.
func (a *Audio) At(ch int, t float64) float32 {
	if a.Channels == 0 || t < 0 {
		return 0
	}
	if ch >= a.Channels {
		ch = a.Channels - 1
	}
	pos := t * float64(a.SampleRate)
	i := int(pos)
	n := a.Frames()
	if i >= n {
		return 0
	}
	s0 := a.Data[i*a.Channels+ch]
	if i+1 >= n {
		return s0
	}
	s1 := a.Data[(i+1)*a.Channels+ch]
	frac := float32(pos - float64(i))
	return s0 + (s1-s0)*frac
}

// DecodeWAVFile decodes an integer PCM WAV file.
func DecodeWAVFile(path string) (*Audio, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid WAV file", filepath.Base(path))
	}
	if dec.WavAudioFormat != 1 {
		return nil, fmt.Errorf("unsupported WAV format %d: only integer PCM is supported", dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read pcm: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels == 0 {
		return nil, errors.New("wav reports no channels")
	}
	depth := int(dec.BitDepth)
	if depth == 0 {
		depth = buf.SourceBitDepth
	}
	if depth <= 0 || depth > 32 {
		return nil, fmt.Errorf("unsupported bit depth %d", depth)
	}
	scale := float32(int64(1) << (depth - 1))
	data := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		data[i] = float32(v) / scale
	}
	return &Audio{
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
		Data:       data,
	}, nil
}
