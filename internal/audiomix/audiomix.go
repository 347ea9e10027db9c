// Package audiomix mixes a timeline's audio elements into a 16-bit stereo
// WAV that accompanies the exported video.
package audiomix

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/seantiz/cutline/internal/media"
	"github.com/seantiz/cutline/internal/timeline"
)

// Output format.
const (
	SampleRate = 48000
	Channels   = 2
	BitDepth   = 16

	// chunkFrames is how many output frames are mixed per write.
	chunkFrames = 4800
	wavPCM      = 1
)

// clip is one audio element resolved against the library.
type clip struct {
	start, end float64
	trimStart  float64
	volume     float32
	src        *media.Audio
}

// Mix renders duration seconds of the snapshot's audio elements into w.
// Elements whose media does not resolve are skipped. It reports whether any
// element contributed.
func Mix(ctx context.Context, w io.WriteSeeker, snap timeline.Snapshot, lib *media.Library, duration float64) (bool, error) {
	var clips []clip
	for _, tr := range snap.Tracks {
		for _, e := range tr.Elements {
			if e.Type != timeline.ElementAudio {
				continue
			}
			src, ok := lib.Audio(e.MediaRef)
			if !ok {
				continue
			}
			clips = append(clips, clip{
				start:     e.StartTime,
				end:       e.End(),
				trimStart: e.TrimStart,
				volume:    float32(e.Visual.EffectiveVolume()),
				src:       src,
			})
		}
	}

	enc := wav.NewEncoder(w, SampleRate, BitDepth, Channels, wavPCM)
	total := int(math.Ceil(duration * SampleRate))
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: Channels, SampleRate: SampleRate},
		SourceBitDepth: BitDepth,
	}
	mixed := make([]float32, chunkFrames*Channels)

	for offset := 0; offset < total; offset += chunkFrames {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		n := min(chunkFrames, total-offset)
		clear(mixed)
		for _, c := range clips {
			mixClip(mixed[:n*Channels], c, offset)
		}
		buf.Data = buf.Data[:0]
		for _, s := range mixed[:n*Channels] {
			buf.Data = append(buf.Data, toPCM16(s))
		}
		if err := enc.Write(buf); err != nil {
			return false, fmt.Errorf("write pcm: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return false, fmt.Errorf("close wav: %w", err)
	}
	return len(clips) > 0, nil
}

func mixClip(dst []float32, c clip, offset int) {
	frames := len(dst) / Channels
	for i := range frames {
		t := float64(offset+i) / SampleRate
		if t < c.start || t >= c.end {
			continue
		}
		local := t - c.start + c.trimStart
		for ch := range Channels {
			dst[i*Channels+ch] += c.src.At(ch, local) * c.volume
		}
	}
}

func toPCM16(s float32) int {
	s = max(-1, min(1, s))
	return int(math.Round(float64(s) * math.MaxInt16))
}
