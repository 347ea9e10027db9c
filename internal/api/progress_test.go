package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/progress"
)

func TestStreamProgressFinishedExport(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	rec := postExport(t, ts.URL, exportBody(tinySettings, textTrack), http.StatusAccepted)
	srv.exports.Wait()

	resp, err := http.Get(ts.URL + "/v1/exports/" + rec.ID + "/progress")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	body := new(strings.Builder)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		body.WriteString(scanner.Text() + "\n")
	}
	if !strings.Contains(body.String(), "event: done\ndata: complete\n") {
		t.Errorf("body = %q", body.String())
	}
}

func TestStreamProgressUntilCancelled(t *testing.T) {
	srv, started := newGatedServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	rec := postExport(t, ts.URL, exportBody(tinySettings, textTrack), http.StatusAccepted)
	<-started

	resp, err := http.Get(ts.URL + "/v1/exports/" + rec.ID + "/progress")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	events := make(chan string, 64)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				events <- line
			}
		}
	}()

	// The latest update arrives first.
	select {
	case line := <-events:
		var p progress.Progress
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &p); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		if !p.IsExporting || p.TotalFrames != 5 {
			t.Errorf("first update = %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no progress event")
	}

	if err := srv.exports.Cancel(rec.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	var lines []string
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case line, ok := <-events:
			if !ok {
				done = true
				break
			}
			lines = append(lines, line)
		case <-timeout:
			t.Fatalf("stream did not end, got %v", lines)
		}
	}
	n := len(lines)
	if n < 2 || lines[n-2] != "event: done" || lines[n-1] != "data: "+model.StatusCancelled {
		t.Errorf("stream tail = %v", lines)
	}
}

func TestGetEvents(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	rec := postExport(t, ts.URL, exportBody(tinySettings, textTrack), http.StatusAccepted)
	srv.exports.Wait()

	resp, err := http.Get(ts.URL + "/v1/exports/" + rec.ID + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var events eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if events.ExportID != rec.ID {
		t.Errorf("export_id = %q", events.ExportID)
	}
	if len(events.Lines) < 3 {
		t.Fatalf("lines = %+v", events.Lines)
	}
	for i, l := range events.Lines {
		if l.Seq != i {
			t.Errorf("line %d seq = %d", i, l.Seq)
		}
	}
	if !strings.HasPrefix(events.Lines[0].Line, "preparing") {
		t.Errorf("first line = %q", events.Lines[0].Line)
	}
	if last := events.Lines[len(events.Lines)-1].Line; !strings.HasPrefix(last, "complete: clip.avi") {
		t.Errorf("last line = %q", last)
	}
}
