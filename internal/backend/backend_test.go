package backend_test

import (
	"context"
	"errors"
	"image"
	"strings"
	"testing"

	"github.com/seantiz/cutline/internal/backend"
	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/settings"
)

// stubBackend is a minimal Backend for factory tests.
type stubBackend struct {
	kind string
}

func (s *stubBackend) Kind() string { return s.kind }

func (s *stubBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Kind: s.kind}
}

func (s *stubBackend) Configure(context.Context, settings.ExportSettings) error { return nil }

func (s *stubBackend) ConsumeFrame(context.Context, *image.RGBA, int) error { return nil }

func (s *stubBackend) Finalize(context.Context) (backend.Artifact, error) {
	return backend.Artifact{}, nil
}

func (s *stubBackend) Cancel() {}

var _ backend.Backend = (*stubBackend)(nil)

func constructor(kind string) backend.Constructor {
	return func(backend.Options) (backend.Backend, error) {
		return &stubBackend{kind: kind}, nil
	}
}

var (
	inProcessFormats = []settings.Format{settings.FormatAVI, settings.FormatGIF}
	allFormats       = settings.Formats
)

// newFactory registers all three engines; native availability is controlled
// by nativeErr.
func newFactory(nativeErr error) *backend.Factory {
	prober := backend.NewProber(nil)
	prober.SetProbe(model.EngineNative, func(context.Context) error { return nativeErr })
	f := backend.NewFactory(prober)
	f.Register(model.EngineStandard, backend.Capabilities{Formats: []settings.Format{settings.FormatAVI}, Realtime: true}, constructor(model.EngineStandard))
	f.Register(model.EngineSoftware, backend.Capabilities{Formats: inProcessFormats}, constructor(model.EngineSoftware))
	f.Register(model.EngineNative, backend.Capabilities{Formats: allFormats, OutOfProcess: true}, constructor(model.EngineNative))
	return f
}

func withQuality(q settings.Quality, f settings.Format) settings.ExportSettings {
	s := settings.New()
	s.SetQuality(q)
	s.Format = f
	return s
}

func TestRecommendTenSecondsHighPrefersNative(t *testing.T) {
	f := newFactory(nil)
	rec, err := f.Recommend(context.Background(), withQuality(settings.QualityHigh, settings.FormatMP4), 10)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if rec.EngineType != model.EngineNative || rec.PerformanceTier != backend.TierFast {
		t.Errorf("Recommend = %+v, want native/fast", rec)
	}
}

func TestRecommendTable(t *testing.T) {
	tests := []struct {
		name      string
		nativeErr error
		s         settings.ExportSettings
		duration  float64
		engine    string
		tier      string
	}{
		{"light avi prefers standard", nil, withQuality(settings.QualityLow, settings.FormatAVI), 2, model.EngineStandard, backend.TierMedium},
		{"light mp4 skips standard", nil, withQuality(settings.QualityLow, settings.FormatMP4), 2, model.EngineNative, backend.TierFast},
		{"no native avi uses software", errors.New("down"), withQuality(settings.QualityHigh, settings.FormatAVI), 30, model.EngineSoftware, backend.TierMedium},
		{"heavy software is slow", errors.New("down"), withQuality(settings.QualityHigh, settings.FormatGIF), 600, model.EngineSoftware, backend.TierSlow},
		{"native wins when available", nil, withQuality(settings.QualityMedium, settings.FormatAVI), 60, model.EngineNative, backend.TierFast},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := newFactory(tt.nativeErr).Recommend(context.Background(), tt.s, tt.duration)
			if err != nil {
				t.Fatalf("Recommend: %v", err)
			}
			if rec.EngineType != tt.engine || rec.PerformanceTier != tt.tier {
				t.Errorf("Recommend = %+v, want %s/%s", rec, tt.engine, tt.tier)
			}
			if rec.Reason == "" {
				t.Error("Reason is empty")
			}
		})
	}
}

func TestRecommendNoEngineForFormat(t *testing.T) {
	f := newFactory(errors.New("host down"))
	_, err := f.Recommend(context.Background(), withQuality(settings.QualityHigh, settings.FormatMP4), 10)
	if !errors.Is(err, model.ErrEngineUnavailable) {
		t.Errorf("Recommend = %v, want ErrEngineUnavailable", err)
	}
	if err != nil && !strings.Contains(err.Error(), "available formats: avi, gif") {
		t.Errorf("error does not name the producible formats: %v", err)
	}
}

func TestDefaultFormatFollowsAvailability(t *testing.T) {
	ctx := context.Background()
	if got := newFactory(nil).DefaultFormat(ctx); got != settings.DefaultFormat {
		t.Errorf("with native: DefaultFormat = %s, want %s", got, settings.DefaultFormat)
	}

	down := newFactory(errors.New("host down"))
	if got := down.Formats(ctx); len(got) != 2 || got[0] != settings.FormatAVI || got[1] != settings.FormatGIF {
		t.Errorf("without native: Formats = %v, want [avi gif]", got)
	}
	format := down.DefaultFormat(ctx)
	if format != settings.FormatAVI {
		t.Fatalf("without native: DefaultFormat = %s, want avi", format)
	}
	if _, err := down.Resolve(ctx, withQuality(settings.QualityLow, format), 10); err != nil {
		t.Errorf("default format is not resolvable: %v", err)
	}

	if got := backend.NewFactory(nil).DefaultFormat(ctx); got != settings.DefaultFormat {
		t.Errorf("empty factory: DefaultFormat = %s", got)
	}
}

func TestResolveExplicit(t *testing.T) {
	ctx := context.Background()
	f := newFactory(errors.New("host down"))

	s := withQuality(settings.QualityHigh, settings.FormatAVI)
	s.Engine = model.EngineStandard
	if kind, err := f.Resolve(ctx, s, 60); err != nil || kind != model.EngineStandard {
		t.Errorf("Resolve standard = %q, %v", kind, err)
	}

	s.Engine = model.EngineNative
	if _, err := f.Resolve(ctx, s, 60); !errors.Is(err, model.ErrEngineUnavailable) {
		t.Errorf("Resolve unavailable native = %v", err)
	}

	s.Engine = model.EngineStandard
	s.Format = settings.FormatGIF
	if _, err := f.Resolve(ctx, s, 60); !errors.Is(err, model.ErrEngineUnavailable) {
		t.Errorf("Resolve unsupported format = %v", err)
	}

	s.Engine = model.EngineAuto
	if kind, err := f.Resolve(ctx, s, 60); err != nil || kind != model.EngineSoftware {
		t.Errorf("Resolve auto = %q, %v", kind, err)
	}
}

func TestFactoryNew(t *testing.T) {
	f := newFactory(nil)
	b, err := f.New(model.EngineSoftware, backend.Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.Kind() != model.EngineSoftware {
		t.Errorf("Kind() = %s", b.Kind())
	}
	if _, err := backend.NewFactory(nil).New(model.EngineNative, backend.Options{}); !errors.Is(err, model.ErrEngineUnavailable) {
		t.Errorf("New unregistered = %v", err)
	}
}

func TestFactoryListPriorityOrder(t *testing.T) {
	f := newFactory(errors.New("host down"))
	infos := f.List(context.Background())
	if len(infos) != 3 {
		t.Fatalf("List() = %d engines, want 3", len(infos))
	}
	want := []string{model.EngineNative, model.EngineSoftware, model.EngineStandard}
	for i, kind := range want {
		if infos[i].Kind != kind || infos[i].Capabilities.Kind != kind {
			t.Errorf("infos[%d] = %s, want %s", i, infos[i].Kind, kind)
		}
	}
	if infos[0].Probe.Available || infos[0].Probe.Reason != "host down" {
		t.Errorf("native probe = %+v", infos[0].Probe)
	}
	if !infos[2].Probe.Available {
		t.Error("standard should always be available")
	}
}

func TestCapabilitiesSupports(t *testing.T) {
	c := backend.Capabilities{Formats: inProcessFormats}
	if !c.Supports(settings.FormatGIF) || c.Supports(settings.FormatMP4) {
		t.Errorf("Supports mismatch for %v", c.Formats)
	}
	if !backend.ValidKind(model.EngineNative) || backend.ValidKind(model.EngineAuto) {
		t.Error("ValidKind mismatch")
	}
}
