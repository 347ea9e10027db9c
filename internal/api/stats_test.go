package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/cutline/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
	if stats.TotalSize != "0 B" {
		t.Errorf("total_size = %q, want %q", stats.TotalSize, "0 B")
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	create := func(engine string) *model.Export {
		e := &model.Export{
			ID: model.NewID(), Status: model.StatusIdle, Engine: engine,
			Quality: "low", Format: "avi", Filename: "clip.avi",
			Width: 64, Height: 36, FPS: 10, CreatedAt: time.Now().UTC(),
		}
		if err := srv.store.CreateExport(ctx, e); err != nil {
			t.Fatalf("CreateExport: %v", err)
		}
		return e
	}
	advance := func(id string, statuses ...string) {
		for _, st := range statuses {
			if err := srv.store.UpdateExportStatus(ctx, id, st); err != nil {
				t.Fatalf("-> %s: %v", st, err)
			}
		}
	}

	for range 3 {
		e := create(model.EngineSoftware)
		advance(e.ID, model.StatusPreparing, model.StatusRendering, model.StatusFinalizing)
		dur := 100
		e.Status = model.StatusComplete
		e.DurationMS = &dur
		e.OutputPath = "/tmp/clip.avi"
		e.OutputSize = 1024
		if err := srv.store.UpdateExport(ctx, e); err != nil {
			t.Fatalf("UpdateExport: %v", err)
		}
	}

	failed := create(model.EngineNative)
	advance(failed.ID, model.StatusPreparing, model.StatusError)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStatus[model.StatusComplete] != 3 {
		t.Errorf("by_status[complete] = %d, want 3", stats.ByStatus[model.StatusComplete])
	}
	if stats.ByStatus[model.StatusError] != 1 {
		t.Errorf("by_status[error] = %d, want 1", stats.ByStatus[model.StatusError])
	}
	if stats.ByEngine[model.EngineSoftware] != 3 || stats.ByEngine[model.EngineNative] != 1 {
		t.Errorf("by_engine = %v", stats.ByEngine)
	}
	if stats.AvgDurationMS != 100 {
		t.Errorf("avg_duration_ms = %f, want 100", stats.AvgDurationMS)
	}
	if stats.TotalBytes != 3072 || stats.TotalSize != "3.0 KiB" {
		t.Errorf("total = %d (%s), want 3072 (3.0 KiB)", stats.TotalBytes, stats.TotalSize)
	}
}
