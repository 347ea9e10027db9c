package backend

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/settings"
)

// Workload thresholds in pixel-seconds (width x height x duration).
const (
	LightWorkload = 1280 * 720 * 5
	HeavyWorkload = 1920 * 1080 * 120
)

// Performance tiers.
const (
	TierFast   = "fast"
	TierMedium = "medium"
	TierSlow   = "slow"
)

// Recommendation is the factory's advice for one export.
type Recommendation struct {
	EngineType      string `json:"engine_type"`
	PerformanceTier string `json:"performance_tier"`
	Reason          string `json:"reason"`
}

// EngineInfo pairs an engine's capabilities with its probe result.
type EngineInfo struct {
	Kind         string       `json:"kind"`
	Capabilities Capabilities `json:"capabilities"`
	Probe        ProbeResult  `json:"probe"`
}

type registration struct {
	caps        Capabilities
	constructor Constructor
}

// Factory holds one constructor per engine kind and resolves which engine an
// export uses.
type Factory struct {
	mu      sync.RWMutex
	engines map[string]registration
	prober  *Prober
}

// NewFactory creates an empty factory. A nil prober gets a default one.
func NewFactory(prober *Prober) *Factory {
	if prober == nil {
		prober = NewProber(nil)
	}
	return &Factory{engines: make(map[string]registration), prober: prober}
}

// Register installs the constructor for kind.
func (f *Factory) Register(kind string, caps Capabilities, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	caps.Kind = kind
	f.engines[kind] = registration{caps: caps, constructor: c}
}

// Prober returns the factory's prober.
func (f *Factory) Prober() *Prober { return f.prober }

// Capabilities returns the registered capabilities of kind.
func (f *Factory) Capabilities(kind string) (Capabilities, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.engines[kind]
	return r.caps, ok
}

// List reports every registered engine in priority order with its probe.
func (f *Factory) List(ctx context.Context) []EngineInfo {
	var infos []EngineInfo
	for _, kind := range Priority {
		caps, ok := f.Capabilities(kind)
		if !ok {
			continue
		}
		infos = append(infos, EngineInfo{Kind: kind, Capabilities: caps, Probe: f.prober.Probe(ctx, kind)})
	}
	return infos
}

// Available reports whether kind is registered and its probe passes.
func (f *Factory) Available(ctx context.Context, kind string) bool {
	if _, ok := f.Capabilities(kind); !ok {
		return false
	}
	return f.prober.Probe(ctx, kind).Available
}

func (f *Factory) usable(ctx context.Context, kind string, format settings.Format) bool {
	caps, ok := f.Capabilities(kind)
	return ok && caps.Supports(format) && f.prober.Probe(ctx, kind).Available
}

// Recommend picks the engine for an export of durationS seconds. Light
// workloads prefer the standard engine; otherwise native beats software beats
// standard among the available engines that support the format.
func (f *Factory) Recommend(ctx context.Context, s settings.ExportSettings, durationS float64) (Recommendation, error) {
	workload := float64(s.Width) * float64(s.Height) * durationS
	light := workload < LightWorkload

	if light && f.usable(ctx, model.EngineStandard, s.Format) {
		return Recommendation{
			EngineType:      model.EngineStandard,
			PerformanceTier: tierFor(model.EngineStandard, workload),
			Reason:          "short, small export records fastest in real time",
		}, nil
	}
	for _, kind := range Priority {
		if !f.usable(ctx, kind, s.Format) {
			continue
		}
		return Recommendation{
			EngineType:      kind,
			PerformanceTier: tierFor(kind, workload),
			Reason:          reasonFor(kind),
		}, nil
	}
	if formats := f.Formats(ctx); len(formats) > 0 {
		return Recommendation{}, model.Errorf(model.ErrEngineUnavailable,
			"no available engine produces %s; available formats: %s", s.Format, joinFormats(formats))
	}
	return Recommendation{}, model.Errorf(model.ErrEngineUnavailable, "no available engine produces %s", s.Format)
}

// Formats returns the formats at least one available engine produces, in
// settings.Formats order.
func (f *Factory) Formats(ctx context.Context) []settings.Format {
	var out []settings.Format
	for _, format := range settings.Formats {
		for _, kind := range Priority {
			if f.usable(ctx, kind, format) {
				out = append(out, format)
				break
			}
		}
	}
	return out
}

// DefaultFormat is the format used when a request names none:
// settings.DefaultFormat when some engine can produce it, otherwise the first
// format that can be produced.
func (f *Factory) DefaultFormat(ctx context.Context) settings.Format {
	formats := f.Formats(ctx)
	if len(formats) == 0 || slices.Contains(formats, settings.DefaultFormat) {
		return settings.DefaultFormat
	}
	return formats[0]
}

func joinFormats(formats []settings.Format) string {
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}

// Resolve returns the engine kind an export will use. An explicit choice
// overrides the recommendation but must be available and support the format.
func (f *Factory) Resolve(ctx context.Context, s settings.ExportSettings, durationS float64) (string, error) {
	if s.Engine == "" || s.Engine == model.EngineAuto {
		rec, err := f.Recommend(ctx, s, durationS)
		if err != nil {
			return "", err
		}
		return rec.EngineType, nil
	}
	caps, ok := f.Capabilities(s.Engine)
	if !ok {
		return "", model.Errorf(model.ErrEngineUnavailable, "engine %s is not registered", s.Engine)
	}
	if !caps.Supports(s.Format) {
		return "", model.Errorf(model.ErrEngineUnavailable, "engine %s cannot produce %s", s.Engine, s.Format)
	}
	if r := f.prober.Probe(ctx, s.Engine); !r.Available {
		return "", model.Errorf(model.ErrEngineUnavailable, "engine %s is unavailable: %s", s.Engine, r.Reason)
	}
	return s.Engine, nil
}

// New builds a fresh engine of kind.
func (f *Factory) New(kind string, opts Options) (Backend, error) {
	f.mu.RLock()
	r, ok := f.engines[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, model.Errorf(model.ErrEngineUnavailable, "engine %s is not registered", kind)
	}
	b, err := r.constructor(opts)
	if err != nil {
		return nil, fmt.Errorf("construct %s engine: %w", kind, err)
	}
	return b, nil
}

func tierFor(kind string, workload float64) string {
	switch kind {
	case model.EngineNative:
		return TierFast
	case model.EngineSoftware:
		if workload > HeavyWorkload {
			return TierSlow
		}
		return TierMedium
	default:
		if workload < LightWorkload {
			return TierMedium
		}
		return TierSlow
	}
}

func reasonFor(kind string) string {
	switch kind {
	case model.EngineNative:
		return "native encoder is available and fastest"
	case model.EngineSoftware:
		return "in-process encoder runs faster than real time"
	default:
		return "real-time recorder is the only available engine for this format"
	}
}
