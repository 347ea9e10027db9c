package model

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy shared by the orchestrator, the backends and the native host.
var (
	ErrValidation        = errors.New("validation error")
	ErrMemoryBudget      = errors.New("memory budget exceeded")
	ErrResource          = errors.New("resource error")
	ErrEncoderProcess    = errors.New("encoder process error")
	ErrCancelled         = errors.New("export cancelled")
	ErrEngineUnavailable = errors.New("engine unavailable")
	ErrExportInProgress  = errors.New("export already in progress")
)

// Error kind strings, stable across the IPC boundary and in export history.
const (
	KindValidation        = "validation"
	KindMemoryBudget      = "memory_budget"
	KindResource          = "resource"
	KindEncoderProcess    = "encoder_process"
	KindCancelled         = "cancelled"
	KindEngineUnavailable = "engine_unavailable"
	KindInProgress        = "in_progress"
	KindInternal          = "internal"
)

var kindSentinels = []struct {
	kind string
	err  error
}{
	{KindValidation, ErrValidation},
	{KindMemoryBudget, ErrMemoryBudget},
	{KindResource, ErrResource},
	{KindEncoderProcess, ErrEncoderProcess},
	{KindCancelled, ErrCancelled},
	{KindEngineUnavailable, ErrEngineUnavailable},
	{KindInProgress, ErrExportInProgress},
}

// EncoderError describes a failed encoder process. Diagnostics holds the tail
// of the encoder's diagnostic stream for the user-facing message.
type EncoderError struct {
	ExitCode    int
	Diagnostics string
}

func (e *EncoderError) Error() string {
	if e.Diagnostics == "" {
		return fmt.Sprintf("encoder exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("encoder exited with code %d: %s", e.ExitCode, e.Diagnostics)
}

// Unwrap makes errors.Is(err, ErrEncoderProcess) hold for every EncoderError.
func (e *EncoderError) Unwrap() error {
	return ErrEncoderProcess
}

// Errorf wraps a sentinel with a formatted message, e.g.
// Errorf(ErrResource, "frame directory %s is empty", dir).
func Errorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// KindOf returns the taxonomy kind of err, or KindInternal when err does not
// wrap any known sentinel.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	return KindInternal
}

// FromKind rebuilds an error of the given kind from a message received across
// a process boundary.
func FromKind(kind, msg string) error {
	for _, ks := range kindSentinels {
		if ks.kind != kind {
			continue
		}
		// The sender's message already starts with the sentinel text.
		msg = strings.TrimPrefix(msg, ks.err.Error()+": ")
		if msg == ks.err.Error() {
			return ks.err
		}
		return fmt.Errorf("%w: %s", ks.err, msg)
	}
	return errors.New(msg)
}
