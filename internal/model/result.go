package model

import (
	"path"
	"strings"
	"time"

	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
)

// BuildResult is the outcome of one build. Failed results are never cached.
type BuildResult struct {
	Success    bool           `json:"success"`
	BuildID    string         `json:"buildId"`
	OutputPath string         `json:"outputPath,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorCode  string         `json:"errorCode,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Cached     bool           `json:"cached"`
	Assets     *AssetManifest `json:"assets,omitempty"`
	Metrics    *BuildMetrics  `json:"metrics,omitempty"`
}

// AssetManifest lists the files of an artifact by kind. Paths are slash
// separated and relative to BuildResult.OutputPath.
type AssetManifest struct {
	HTML   []string `json:"html"`
	CSS    []string `json:"css"`
	JS     []string `json:"js"`
	Images []string `json:"images"`
	Other  []string `json:"other"`
}

// BuildMetrics summarizes an artifact.
type BuildMetrics struct {
	Files           int           `json:"files"`
	Bytes           int64         `json:"bytes"`
	CompileDuration time.Duration `json:"compileDuration"`
}

// Failed builds a failed result for buildID. ErrorCode carries the category of
// a classified err.
func Failed(buildID string, err error, duration time.Duration) *BuildResult {
	r := &BuildResult{BuildID: buildID, Duration: duration}
	if err != nil {
		r.Error = err.Error()
		if c, ok := ferrors.AsClassified(err); ok {
			r.ErrorCode = string(c.Category())
		}
	}
	return r
}

// Clone returns a deep copy of r.
func (r *BuildResult) Clone() *BuildResult {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Assets != nil {
		a := r.Assets.Clone()
		cp.Assets = a
	}
	if r.Metrics != nil {
		m := *r.Metrics
		cp.Metrics = &m
	}
	return &cp
}

// Clone returns a deep copy of m.
func (m *AssetManifest) Clone() *AssetManifest {
	if m == nil {
		return nil
	}
	return &AssetManifest{
		HTML:   append([]string(nil), m.HTML...),
		CSS:    append([]string(nil), m.CSS...),
		JS:     append([]string(nil), m.JS...),
		Images: append([]string(nil), m.Images...),
		Other:  append([]string(nil), m.Other...),
	}
}

// Add classifies rel by extension and appends it to the matching list.
func (m *AssetManifest) Add(rel string) {
	switch strings.ToLower(path.Ext(rel)) {
	case ".html", ".htm":
		m.HTML = append(m.HTML, rel)
	case ".css":
		m.CSS = append(m.CSS, rel)
	case ".js", ".mjs":
		m.JS = append(m.JS, rel)
	case ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico", ".avif":
		m.Images = append(m.Images, rel)
	default:
		m.Other = append(m.Other, rel)
	}
}

// Count returns the total number of files in the manifest.
func (m *AssetManifest) Count() int {
	if m == nil {
		return 0
	}
	return len(m.HTML) + len(m.CSS) + len(m.JS) + len(m.Images) + len(m.Other)
}
