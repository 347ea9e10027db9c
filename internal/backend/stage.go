package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/seantiz/cutline/internal/model"
	"github.com/seantiz/cutline/internal/settings"
)

// jpegQuality maps export quality to JPEG quality for MJPEG engines.
var jpegQuality = map[settings.Quality]int{
	settings.QualityLow:    65,
	settings.QualityMedium: 80,
	settings.QualityHigh:   90,
}

// JPEGQuality returns the JPEG quality used for q.
func JPEGQuality(q settings.Quality) int {
	if v, ok := jpegQuality[q]; ok {
		return v
	}
	return jpegQuality[settings.DefaultQuality]
}

// StagePath returns a fresh file path in the staging directory for an engine
// of kind producing ext. The directory is created if needed.
func StagePath(opts Options, kind, ext string) (string, error) {
	dir := opts.StagingDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "cutline-staging")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", model.Errorf(model.ErrResource, "create staging dir: %v", err)
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", kind, model.NewID(), ext)), nil
}

// StatArtifact describes a finalized file, failing when it is missing or
// empty.
func StatArtifact(path string, info settings.FormatInfo) (Artifact, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Artifact{}, model.Errorf(model.ErrResource, "stat output: %v", err)
	}
	if fi.Size() == 0 {
		return Artifact{}, model.Errorf(model.ErrResource, "output file %s is empty", filepath.Base(path))
	}
	return Artifact{Path: path, Size: fi.Size(), MimeType: info.MimeType, Extension: info.Extension}, nil
}
