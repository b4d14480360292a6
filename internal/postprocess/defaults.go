package postprocess

import "git.home.luguber.info/inful/pagebuilder/internal/config"

// Built-in tags used when the configuration does not override them.
var (
	DefaultTrackerScripts   = []string{"/static/js/tracker.js"}
	DefaultAnalyticsScripts = []string{"/static/js/analytics.js"}
	DefaultThemeStylesheet  = "/static/css/theme.css"
)

// Defaults are the tags injected by the activity and landing processors in
// addition to the ones a build configures.
type Defaults struct {
	TrackerScripts   []string
	AnalyticsScripts []string
	ThemeStylesheet  string
}

// DefaultsFromConfig resolves cfg against the built-in defaults.
func DefaultsFromConfig(cfg config.PostProcessConfig) Defaults {
	d := Defaults{
		TrackerScripts:   DefaultTrackerScripts,
		AnalyticsScripts: DefaultAnalyticsScripts,
		ThemeStylesheet:  DefaultThemeStylesheet,
	}
	if len(cfg.TrackerScripts) > 0 {
		d.TrackerScripts = cfg.TrackerScripts
	}
	if len(cfg.AnalyticsScripts) > 0 {
		d.AnalyticsScripts = cfg.AnalyticsScripts
	}
	if cfg.ThemeStylesheet != "" {
		d.ThemeStylesheet = cfg.ThemeStylesheet
	}
	return d
}
