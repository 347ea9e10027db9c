package native

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/seantiz/cutline/internal/model"
)

// fakeHost answers the IPC protocol from memory.
type fakeHost struct {
	mu        sync.Mutex
	sessions  map[string]bool
	frames    map[string][]byte
	ops       []string
	output    []byte
	exportErr error
	progress  []ProgressEvent
	nextID    int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		sessions: make(map[string]bool),
		frames:   make(map[string][]byte),
		output:   []byte("fake container bytes"),
	}
}

// start connects a client to the fake host over an in-memory pipe.
func (h *fakeHost) start(t *testing.T) *Client {
	t.Helper()
	server, client := net.Pipe()
	go h.serve(server)
	c := NewClient(client, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func (h *fakeHost) serve(conn net.Conn) {
	defer conn.Close()
	for {
		var req Request
		if err := ReadMessage(conn, &req); err != nil {
			return
		}
		for _, msg := range h.handle(req) {
			if err := WriteMessage(conn, &msg); err != nil {
				return
			}
		}
	}
}

func (h *fakeHost) count(op string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, o := range h.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (h *fakeHost) handle(req Request) []Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ops = append(h.ops, req.Op)
	ok := Response{Type: MsgTypeResponse, ID: req.ID, OK: true}

	needSession := func() error {
		if !h.sessions[req.SessionID] {
			return model.Errorf(model.ErrResource, "unknown session %q", req.SessionID)
		}
		return nil
	}

	switch req.Op {
	case OpPing:
		return []Response{ok}
	case OpCreateSession:
		h.nextID++
		id := fmt.Sprintf("export-%04d", h.nextID)
		h.sessions[id] = true
		ok.Session = &SessionInfo{SessionID: id, FrameDir: "/s/" + id + "/frames", OutputDir: "/s/" + id + "/output"}
		return []Response{ok}
	case OpSaveFrame:
		if err := needSession(); err != nil {
			return []Response{ErrorResponse(req.ID, err)}
		}
		data, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			return []Response{ErrorResponse(req.ID, model.Errorf(model.ErrValidation, "bad base64"))}
		}
		h.frames[req.FrameName] = data
		ok.Path = "/s/" + req.SessionID + "/frames/" + req.FrameName
		return []Response{ok}
	case OpExportVideo:
		if err := needSession(); err != nil {
			return []Response{ErrorResponse(req.ID, err)}
		}
		var out []Response
		for _, p := range h.progress {
			p := p
			out = append(out, Response{Type: MsgTypeProgress, SessionID: req.SessionID, Progress: &p})
		}
		if h.exportErr != nil {
			return append(out, ErrorResponse(req.ID, h.exportErr))
		}
		ok.Export = &ExportResult{Success: true, OutputFile: "/s/" + req.SessionID + "/output/output.mp4"}
		return append(out, ok)
	case OpReadOutputFile:
		start := min(int(req.Offset), len(h.output))
		end := len(h.output)
		if req.Length > 0 {
			end = min(start+int(req.Length), end)
		}
		ok.Data = h.output[start:end]
		ok.EOF = end == len(h.output)
		return []Response{ok}
	case OpCleanupSession, OpCancelExport:
		delete(h.sessions, req.SessionID)
		return []Response{ok}
	case OpOpenFrames:
		if err := needSession(); err != nil {
			return []Response{ErrorResponse(req.ID, err)}
		}
		return []Response{ok}
	default:
		return []Response{ErrorResponse(req.ID, errors.New("unknown op"))}
	}
}
