package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionPrefix prefixes every native export session id.
const SessionPrefix = "export-"

// NewID generates a new ULID string for export records.
func NewID() string {
	return ulid.Make().String()
}

// NewSessionID returns a time-ordered, unique native session id.
func NewSessionID() string {
	return SessionPrefix + ulid.Make().String()
}

// SessionCreatedAt returns the creation time embedded in a session id.
func SessionCreatedAt(sessionID string) (time.Time, error) {
	raw, ok := strings.CutPrefix(sessionID, SessionPrefix)
	if !ok {
		return time.Time{}, fmt.Errorf("session id %q lacks prefix %q", sessionID, SessionPrefix)
	}
	id, err := ulid.ParseStrict(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse session id: %w", err)
	}
	return ulid.Time(id.Time()), nil
}
