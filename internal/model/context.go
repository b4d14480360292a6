package model

import "time"

// Metadata keys set on BuildContext by pipeline components.
const (
	MetaWorkDir = "workDir"
	MetaHash    = "hash"
)

// BuildContext is derived per build and owned by the orchestrator for the call's duration.
type BuildContext struct {
	BuildID   string
	Config    *BuildConfig
	StartTime time.Time
	Metadata  map[string]any
}

// NewBuildContext derives a context for cfg.
func NewBuildContext(cfg *BuildConfig, start time.Time) *BuildContext {
	return &BuildContext{
		BuildID:   cfg.ID,
		Config:    cfg,
		StartTime: start,
		Metadata:  make(map[string]any),
	}
}

// MinimalContext carries only the build id; it is used for cleanup after
// failures and cancellations, when the original context may be unusable.
func MinimalContext(buildID string) *BuildContext {
	return &BuildContext{
		BuildID:  buildID,
		Config:   &BuildConfig{ID: buildID},
		Metadata: make(map[string]any),
	}
}

// Type returns the configured content type, or "".
func (c *BuildContext) Type() string {
	if c == nil || c.Config == nil {
		return ""
	}
	return c.Config.Type
}

// Set stores a metadata value.
func (c *BuildContext) Set(key string, value any) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Metadata[key] = value
}

// String returns a string metadata value, or "".
func (c *BuildContext) String(key string) string {
	if c == nil || c.Metadata == nil {
		return ""
	}
	s, _ := c.Metadata[key].(string)
	return s
}
