package software_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"os"
	"testing"

	"github.com/seantiz/cutline/internal/backend"
	"github.com/seantiz/cutline/internal/backend/software"
	"github.com/seantiz/cutline/internal/memory"
	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/settings"
)

func newSettings(f settings.Format) settings.ExportSettings {
	s := settings.New()
	s.Format = f
	s.Width, s.Height, s.FPS = 16, 16, 25
	return s
}

func gray(v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 255
	}
	return img
}

func TestGIFFramesKeepTimelineOrder(t *testing.T) {
	b := software.New(backend.Options{StagingDir: t.TempDir()})
	ctx := context.Background()
	if err := b.Configure(ctx, newSettings(settings.FormatGIF)); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	const frames = 40
	for i := range frames {
		if err := b.ConsumeFrame(ctx, gray(uint8(i*6)), i); err != nil {
			t.Fatalf("ConsumeFrame(%d): %v", i, err)
		}
	}
	art, err := b.Finalize(ctx)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if art.MimeType != "image/gif" {
		t.Errorf("MimeType = %s", art.MimeType)
	}

	f, err := os.Open(art.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	g, err := gif.DecodeAll(f)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(g.Image) != frames {
		t.Fatalf("decoded %d frames, want %d", len(g.Image), frames)
	}
	// Dithering moves single pixels; the mean brightness keeps the order.
	prev := -1.0
	for i, img := range g.Image {
		var sum float64
		for y := range 16 {
			for x := range 16 {
				r, _, _, _ := img.At(x, y).RGBA()
				sum += float64(r)
			}
		}
		mean := sum / 256
		if mean+256 < prev {
			t.Errorf("frame %d is darker than frame %d: out of order", i, i-1)
		}
		prev = mean
	}
	if g.Delay[0] != 4 {
		t.Errorf("delay = %d, want 4 at 25 fps", g.Delay[0])
	}
}

func TestAVIOutput(t *testing.T) {
	b := software.New(backend.Options{StagingDir: t.TempDir()})
	ctx := context.Background()
	if err := b.Configure(ctx, newSettings(settings.FormatAVI)); err != nil {
		t.Fatal(err)
	}
	// More frames than the pipeline holds, to exercise backpressure.
	for i := range 3 * (software.BufferDepth + software.Workers) {
		if err := b.ConsumeFrame(ctx, gray(uint8(i)), i); err != nil {
			t.Fatalf("ConsumeFrame(%d): %v", i, err)
		}
	}
	art, err := b.Finalize(ctx)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	data, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data[:4]) != "RIFF" || int64(len(data)) != art.Size {
		t.Errorf("artifact = %+v, header %q", art, data[:4])
	}
}

func TestFrameIsCopied(t *testing.T) {
	b := software.New(backend.Options{StagingDir: t.TempDir()})
	ctx := context.Background()
	if err := b.Configure(ctx, newSettings(settings.FormatGIF)); err != nil {
		t.Fatal(err)
	}
	frame := gray(255)
	if err := b.ConsumeFrame(ctx, frame, 0); err != nil {
		t.Fatal(err)
	}
	// The caller reuses its buffer immediately.
	copy(frame.Pix, gray(0).Pix)
	art, err := b.Finalize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	f, _ := os.Open(art.Path)
	defer f.Close()
	g, err := gif.DecodeAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if r, _, _, _ := g.Image[0].At(0, 0).RGBA(); r < 0xf000 {
		t.Errorf("encoded frame = %v, want the white frame as consumed", color.RGBA64Model.Convert(g.Image[0].At(0, 0)))
	}
}

func TestCancelMidStream(t *testing.T) {
	dir := t.TempDir()
	b := software.New(backend.Options{StagingDir: dir})
	ctx := context.Background()
	if err := b.Configure(ctx, newSettings(settings.FormatAVI)); err != nil {
		t.Fatal(err)
	}
	for i := range 5 {
		if err := b.ConsumeFrame(ctx, gray(10), i); err != nil {
			t.Fatal(err)
		}
	}
	b.Cancel()
	b.Cancel()
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("staging dir has %d entries after Cancel", len(entries))
	}
	if err := b.ConsumeFrame(ctx, gray(10), 5); !errors.Is(err, model.ErrResource) {
		t.Errorf("ConsumeFrame after Cancel = %v", err)
	}
}

func TestUnsupportedFormatAndOrder(t *testing.T) {
	b := software.New(backend.Options{StagingDir: t.TempDir()})
	if err := b.Configure(context.Background(), newSettings(settings.FormatWebM)); !errors.Is(err, model.ErrValidation) {
		t.Errorf("Configure(webm) = %v", err)
	}
	b = software.New(backend.Options{StagingDir: t.TempDir()})
	if err := b.Configure(context.Background(), newSettings(settings.FormatAVI)); err != nil {
		t.Fatal(err)
	}
	defer b.Cancel()
	if err := b.ConsumeFrame(context.Background(), gray(0), 3); !errors.Is(err, model.ErrValidation) {
		t.Errorf("out of order = %v", err)
	}
}

func TestProbeAndSizing(t *testing.T) {
	if err := software.Probe(context.Background()); err != nil {
		t.Errorf("Probe: %v", err)
	}
	p := memory.ProfileFor(model.EngineSoftware, settings.FormatAVI)
	if p.ResidentFrames != software.BufferDepth+software.Workers {
		t.Errorf("memory profile prices %d frames, pipeline holds %d", p.ResidentFrames, software.BufferDepth+software.Workers)
	}
}
