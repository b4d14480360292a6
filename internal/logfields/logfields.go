package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBuildID    = "build_id"
	KeyBuildType  = "build_type"
	KeyPriority   = "priority"
	KeyStatus     = "status"
	KeyStage      = "stage"
	KeyProgress   = "progress"
	KeyHash       = "hash"
	KeyPath       = "path"
	KeyFile       = "file"
	KeyRetry      = "retry"
	KeyDurationMS = "duration_ms"
	KeyMethod     = "method"
	KeyURL        = "url"
	KeyHTTPStatus = "http_status"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func BuildID(id string) slog.Attr     { return slog.String(KeyBuildID, id) }
func BuildType(t string) slog.Attr    { return slog.String(KeyBuildType, t) }
func Priority(p int) slog.Attr        { return slog.Int(KeyPriority, p) }
func Status(s string) slog.Attr       { return slog.String(KeyStatus, s) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Progress(pct int) slog.Attr      { return slog.Int(KeyProgress, pct) }
func Hash(h string) slog.Attr         { return slog.String(KeyHash, h) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func File(f string) slog.Attr         { return slog.String(KeyFile, f) }
func Retry(n int) slog.Attr           { return slog.Int(KeyRetry, n) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Method(m string) slog.Attr       { return slog.String(KeyMethod, m) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func HTTPStatus(code int) slog.Attr   { return slog.Int(KeyHTTPStatus, code) }

// Error returns an error attribute; nil errors render as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
