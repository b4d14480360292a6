package model

// Content types with a registered post-processing strategy by default.
const (
	TypeEmail    = "email"
	TypeActivity = "activity"
	TypeLanding  = "landing"
)

// BuildConfig is the caller supplied description of one build. It is treated as
// immutable for the duration of the build and is the input of the cache key.
type BuildConfig struct {
	ID           string             `json:"id" yaml:"id"`
	Type         string             `json:"type" yaml:"type"`
	Compiler     *CompilerOverrides `json:"compiler,omitempty" yaml:"compiler,omitempty"`
	OutputPath   string             `json:"outputPath,omitempty" yaml:"output_path,omitempty"`
	Assets       *AssetInjection    `json:"assets,omitempty" yaml:"assets,omitempty"`
	Optimization *Optimization      `json:"optimization,omitempty" yaml:"optimization,omitempty"`
	Meta         *PageMeta          `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// CompilerOverrides adjusts the compiler invocation for a single build.
type CompilerOverrides struct {
	Command     string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Environment string            `json:"environment,omitempty" yaml:"environment,omitempty"`
	BaseURL     string            `json:"baseURL,omitempty" yaml:"base_url,omitempty"`
}

// AssetInjection lists caller configured scripts and stylesheets injected during post-processing.
type AssetInjection struct {
	Styles  []string `json:"styles,omitempty" yaml:"styles,omitempty"`
	Scripts []string `json:"scripts,omitempty" yaml:"scripts,omitempty"`
}

// Optimization toggles compiler and packaging optimizations.
type Optimization struct {
	Minify           bool `json:"minify,omitempty" yaml:"minify,omitempty"`
	GC               bool `json:"gc,omitempty" yaml:"gc,omitempty"`
	CleanDestination bool `json:"cleanDestination,omitempty" yaml:"clean_destination,omitempty"`
}

// PageMeta carries the meta tags applied by the landing strategy.
type PageMeta struct {
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// Scripts returns the configured scripts, or nil.
func (c *BuildConfig) Scripts() []string {
	if c == nil || c.Assets == nil {
		return nil
	}
	return c.Assets.Scripts
}

// Styles returns the configured stylesheets, or nil.
func (c *BuildConfig) Styles() []string {
	if c == nil || c.Assets == nil {
		return nil
	}
	return c.Assets.Styles
}
