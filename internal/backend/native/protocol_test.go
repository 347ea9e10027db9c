package native

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/seantiz/cutline/internal/model"
)

func TestWriteReadRequest(t *testing.T) {
	original := Request{
		ID:        "abc",
		Op:        OpExportVideo,
		SessionID: "export-01",
		Export:    &ExportRequest{Width: 1920, Height: 1080, FPS: 30, Quality: "high", Format: "mp4"},
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if got := binary.BigEndian.Uint32(buf.Bytes()[:4]); int(got) != buf.Len()-4 {
		t.Errorf("length prefix = %d, payload = %d", got, buf.Len()-4)
	}

	var decoded Request
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if decoded.Op != original.Op || decoded.SessionID != original.SessionID {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Export == nil || *decoded.Export != *original.Export {
		t.Errorf("Export = %+v, want %+v", decoded.Export, original.Export)
	}
}

func TestReadMessageTruncatedLength(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, 0x01})
	var req Request
	if err := ReadMessage(buf, &req); err == nil {
		t.Fatal("expected error for truncated length prefix")
	}
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x64})
	buf.Write([]byte{0x7B, 0x7D})

	var req Request
	if err := ReadMessage(&buf, &req); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestReadMessageOversized(t *testing.T) {
	var buf bytes.Buffer
	oversize := uint32(MaxMessageSize + 1)
	buf.Write([]byte{
		byte(oversize >> 24), byte(oversize >> 16),
		byte(oversize >> 8), byte(oversize),
	})

	var req Request
	if err := ReadMessage(&buf, &req); err == nil {
		t.Fatal("expected error for oversized message")
	}
}

func TestResponseErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{model.Errorf(model.ErrResource, "encoder binary not found"), model.ErrResource},
		{model.Errorf(model.ErrValidation, "bad frame"), model.ErrValidation},
		{&model.EncoderError{ExitCode: 1, Diagnostics: "Unknown encoder"}, model.ErrEncoderProcess},
	}
	for _, tt := range tests {
		resp := ErrorResponse("id", tt.err)
		var buf bytes.Buffer
		if err := WriteMessage(&buf, &resp); err != nil {
			t.Fatal(err)
		}
		var decoded Response
		if err := ReadMessage(&buf, &decoded); err != nil {
			t.Fatal(err)
		}
		got := decoded.Err()
		if !errors.Is(got, tt.want) {
			t.Errorf("Err() = %v, want %v", got, tt.want)
		}
		if got.Error() != tt.err.Error() {
			t.Errorf("Err() message = %q, want %q", got, tt.err)
		}
	}

	resp := ErrorResponse("id", &model.EncoderError{ExitCode: 187, Diagnostics: "tail"})
	var ee *model.EncoderError
	if !errors.As(resp.Err(), &ee) || ee.ExitCode != 187 || ee.Diagnostics != "tail" {
		t.Errorf("encoder error lost detail: %v", resp.Err())
	}
	if (Response{OK: true}).Err() != nil {
		t.Error("OK response reported an error")
	}
}
