package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/cutline/internal/backend"
	"github.com/seantiz/cutline/internal/backend/native"
	"github.com/seantiz/cutline/internal/backend/software"
	"github.com/seantiz/cutline/internal/backend/standard"
	"github.com/seantiz/cutline/internal/memory"
	"github.com/seantiz/cutline/internal/model"
)

// newFullServer registers every engine; native availability follows up.
func newFullServer(t *testing.T, nativeUp bool) *Server {
	t.Helper()
	prober := backend.NewProber(nil)
	prober.SetProbe(model.EngineNative, func(context.Context) error {
		if !nativeUp {
			return errors.New("native host socket is not configured")
		}
		return nil
	})
	factory := backend.NewFactory(prober)
	factory.Register(model.EngineNative, native.Capabilities, native.Constructor(native.Config{}))
	factory.Register(model.EngineSoftware, software.Capabilities, software.Constructor)
	factory.Register(model.EngineStandard, standard.Capabilities, standard.Constructor)
	return newServer(t, factory)
}

func TestListEngines(t *testing.T) {
	srv := newFullServer(t, false)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/engines")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var engines []backend.EngineInfo
	if err := json.NewDecoder(resp.Body).Decode(&engines); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(engines) != 3 {
		t.Fatalf("engines = %d, want 3", len(engines))
	}
	want := []string{model.EngineNative, model.EngineSoftware, model.EngineStandard}
	for i, e := range engines {
		if e.Kind != want[i] {
			t.Errorf("engines[%d] = %q, want %q", i, e.Kind, want[i])
		}
	}
	if engines[0].Probe.Available || engines[0].Probe.Reason == "" {
		t.Errorf("native probe = %+v, want unavailable with reason", engines[0].Probe)
	}
	if !engines[1].Probe.Available {
		t.Error("software engine reported unavailable")
	}
}

func recommend(t *testing.T, baseURL, body string) (*http.Response, recommendResponse) {
	t.Helper()
	resp, err := http.Post(baseURL+"/v1/engines/recommend", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	var out recommendResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp, out
}

func TestRecommendEngine(t *testing.T) {
	body := `{"settings":{"quality":"high","format":"mp4"},"duration_s":10}`

	t.Run("native available", func(t *testing.T) {
		ts := httptest.NewServer(newFullServer(t, true).Router())
		defer ts.Close()
		resp, rec := recommend(t, ts.URL, body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if rec.EngineType != model.EngineNative || rec.PerformanceTier != backend.TierFast {
			t.Errorf("recommendation = %+v", rec.Recommendation)
		}
		if l := rec.Estimate.WarningLevel; l != memory.LevelNone && l != memory.LevelWarning {
			t.Errorf("warning level = %q", l)
		}
	})

	t.Run("no engine for format", func(t *testing.T) {
		ts := httptest.NewServer(newFullServer(t, false).Router())
		defer ts.Close()
		resp, _ := recommend(t, ts.URL, body)
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp.StatusCode)
		}
	})

	t.Run("light workload", func(t *testing.T) {
		ts := httptest.NewServer(newFullServer(t, true).Router())
		defer ts.Close()
		resp, rec := recommend(t, ts.URL, `{"settings":{"quality":"low","format":"avi"},"duration_s":2}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if rec.EngineType != model.EngineStandard {
			t.Errorf("engine = %q, want standard", rec.EngineType)
		}
	})

	t.Run("invalid duration", func(t *testing.T) {
		ts := httptest.NewServer(newFullServer(t, true).Router())
		defer ts.Close()
		resp, _ := recommend(t, ts.URL, `{"settings":{},"duration_s":0}`)
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", resp.StatusCode)
		}
	})
}

func TestEstimate(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	post := func(body string) (int, estimateResponse) {
		resp, err := http.Post(ts.URL+"/v1/estimate", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		defer resp.Body.Close()
		var out estimateResponse
		if resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatalf("decode: %v", err)
			}
		}
		return resp.StatusCode, out
	}

	status, plan := post(exportBody(tinySettings, textTrack))
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if plan.Engine != model.EngineSoftware || plan.TotalFrames != 5 || !plan.Estimate.CanExport || plan.Error != "" {
		t.Errorf("plan = %+v", plan)
	}

	status, plan = post(exportBody(`{"quality":"high","format":"avi","engine":"software","filename":"big","width":7680,"height":4320,"fps":30}`,
		`{"tracks":[{"id":"t1","kind":"text","elements":[{"id":"e1","type":"text","duration":3600}]}]}`))
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if plan.Estimate.CanExport || plan.Estimate.WarningLevel != memory.LevelMaximum || plan.Error == "" {
		t.Errorf("plan = %+v", plan)
	}

	if status, _ := post(exportBody(tinySettings, `{"tracks":[]}`)); status != http.StatusUnprocessableEntity {
		t.Errorf("zero duration status = %d, want 422", status)
	}
	if _, ok := srv.exports.Active(); ok {
		t.Error("estimate started an export")
	}
}
