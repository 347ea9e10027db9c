package host

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/progress"
)

const (
	// encoderBinary is looked up on PATH when no configured binary exists.
	encoderBinary = "ffmpeg"

	// maxDiagnostics bounds the stderr tail kept for error messages.
	maxDiagnostics = 4096

	// waitDelay bounds how long a killed encoder may hold its pipes open.
	waitDelay = 2 * time.Second
)

// ResolveEncoder returns the encoder binary: the configured one when it can
// be executed, otherwise the one on PATH.
func ResolveEncoder(configured string) (string, error) {
	if configured != "" {
		if p, err := exec.LookPath(configured); err == nil {
			return p, nil
		}
	}
	p, err := exec.LookPath(encoderBinary)
	if err != nil {
		if configured != "" {
			return "", model.Errorf(model.ErrResource, "encoder %q not found and %s is not on PATH", configured, encoderBinary)
		}
		return "", model.Errorf(model.ErrResource, "%s is not on PATH", encoderBinary)
	}
	return p, nil
}

// RunEncoder runs bin with args, feeding every parsable status line of its
// diagnostic stream to onStats. A non-zero exit is reported as a
// *model.EncoderError carrying the tail of the diagnostic stream.
func RunEncoder(ctx context.Context, bin string, args []string, logger *slog.Logger, onStats func(progress.EncoderStats)) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = io.Discard
	cmd.WaitDelay = waitDelay

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return model.Errorf(model.ErrResource, "stderr pipe: %v", err)
	}

	logger.Info("starting encoder", "bin", bin, "args", args)
	if err := cmd.Start(); err != nil {
		return model.Errorf(model.ErrResource, "start encoder: %v", err)
	}

	tail := &tailBuffer{limit: maxDiagnostics}
	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanStatusLines)
	for scanner.Scan() {
		line := scanner.Text()
		tail.WriteLine(line)
		if st, ok := progress.ParseEncoderLine(line); ok && onStats != nil {
			onStats(st)
		}
	}

	waitErr := cmd.Wait()
	if waitErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("encoder stopped: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		logger.Warn("encoder failed", "exit_code", exitErr.ExitCode(), "diagnostics_tail", tail.String())
		return &model.EncoderError{ExitCode: exitErr.ExitCode(), Diagnostics: tail.String()}
	}
	return model.Errorf(model.ErrResource, "wait for encoder: %v", waitErr)
}

// scanStatusLines splits on either '\r' or '\n'; encoders rewrite their
// status line with carriage returns.
func scanStatusLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tailBuffer keeps only the last limit bytes of non-empty lines written to it.
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) WriteLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if t.buf.Len() > 0 {
		t.buf.WriteByte('\n')
	}
	t.buf.WriteString(line)
	if t.buf.Len() > t.limit {
		b := t.buf.Bytes()
		keep := append([]byte(nil), b[len(b)-t.limit:]...)
		t.buf.Reset()
		t.buf.Write(keep)
	}
}

func (t *tailBuffer) String() string { return t.buf.String() }
