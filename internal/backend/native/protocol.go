package native

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/seantiz/cutline/internal/model"
)

// MaxMessageSize is the maximum allowed IPC message payload (64 MiB).
const MaxMessageSize = 64 << 20

// Operations served by the native host.
const (
	OpCreateSession  = "create-export-session"
	OpSaveFrame      = "save-frame"
	OpExportVideo    = "export-video-cli"
	OpReadOutputFile = "read-output-file"
	OpCleanupSession = "cleanup-export-session"
	OpOpenFrames     = "open-frames-folder"
	OpCancelExport   = "cancel-export"
	OpPing           = "ping"
)

// Host→client message types.
const (
	MsgTypeResponse = "response"
	MsgTypeProgress = "progress"
)

// Request is the envelope for every client→host call.
type Request struct {
	ID        string `json:"id"`
	Op        string `json:"op"`
	SessionID string `json:"session_id,omitempty"`

	// save-frame
	FrameName string `json:"frame_name,omitempty"`
	Data      string `json:"data,omitempty"` // base64

	// read-output-file; Length 0 reads to the end.
	Path   string `json:"path,omitempty"`
	Offset int64  `json:"offset,omitempty"`
	Length int64  `json:"length,omitempty"`

	// export-video-cli
	Export *ExportRequest `json:"export,omitempty"`
}

// ExportRequest parameterises export-video-cli.
type ExportRequest struct {
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	FPS     int    `json:"fps"`
	Quality string `json:"quality"`
	Format  string `json:"format"`
}

// SessionInfo answers create-export-session.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	FrameDir  string `json:"frame_dir"`
	OutputDir string `json:"output_dir"`
}

// ExportResult answers export-video-cli.
type ExportResult struct {
	Success    bool   `json:"success"`
	OutputFile string `json:"output_file"`
}

// ProgressEvent is pushed while the encoder runs.
type ProgressEvent struct {
	Frame int     `json:"frame"`
	Time  float64 `json:"time"`
}

// Response is the envelope for every host→client message. Progress pushes
// carry Type "progress", the session they belong to and no ID.
type Response struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	// ExitCode and Diagnostics are set for encoder_process errors.
	ExitCode    int    `json:"exit_code,omitempty"`
	Diagnostics string `json:"diagnostics,omitempty"`

	SessionID string         `json:"session_id,omitempty"`
	Session   *SessionInfo   `json:"session,omitempty"`
	Path      string         `json:"path,omitempty"`
	Export    *ExportResult  `json:"export,omitempty"`
	Data      []byte         `json:"data,omitempty"`
	EOF       bool           `json:"eof,omitempty"`
	Progress  *ProgressEvent `json:"progress,omitempty"`
}

// Err rebuilds the error a failed response carries.
func (r Response) Err() error {
	if r.OK {
		return nil
	}
	if r.ErrorKind == model.KindEncoderProcess {
		return &model.EncoderError{ExitCode: r.ExitCode, Diagnostics: r.Diagnostics}
	}
	return model.FromKind(r.ErrorKind, r.Error)
}

// ErrorResponse builds a failed response for err, preserving its kind.
func ErrorResponse(id string, err error) Response {
	resp := Response{Type: MsgTypeResponse, ID: id, Error: err.Error(), ErrorKind: model.KindOf(err)}
	var ee *model.EncoderError
	if errors.As(err, &ee) {
		resp.ExitCode = ee.ExitCode
		resp.Diagnostics = ee.Diagnostics
	}
	return resp
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// One write per frame keeps concurrent writers from interleaving when the
	// caller serialises calls.
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
