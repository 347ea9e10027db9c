package progress

import (
	"regexp"
	"strconv"
)

var (
	frameRe = regexp.MustCompile(`frame=\s*(\d+)`)
	timeRe  = regexp.MustCompile(`time=\s*(-?\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// EncoderStats are the values recovered from one encoder diagnostic line.
type EncoderStats struct {
	Frame       int     `json:"frame"`
	TimeSeconds float64 `json:"time"`
}

// ParseEncoderLine extracts frame= and time=HH:MM:SS.xx from an encoder
// status line. ok is false when neither is present.
func ParseEncoderLine(line string) (EncoderStats, bool) {
	var st EncoderStats
	var found bool
	if m := frameRe.FindStringSubmatch(line); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			st.Frame = n
			found = true
		}
	}
	if m := timeRe.FindStringSubmatch(line); m != nil {
		h, errH := strconv.Atoi(m[1])
		mi, errM := strconv.Atoi(m[2])
		s, errS := strconv.ParseFloat(m[3], 64)
		if errH == nil && errM == nil && errS == nil && h >= 0 {
			st.TimeSeconds = float64(h*3600+mi*60) + s
			found = true
		}
	}
	return st, found
}
