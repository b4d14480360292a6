package strategy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/pagebuilder/internal/config"
	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/pagebuilder/internal/logfields"
	"git.home.luguber.info/inful/pagebuilder/internal/metrics"
	"git.home.luguber.info/inful/pagebuilder/internal/model"
	"git.home.luguber.info/inful/pagebuilder/internal/workspace"
)

// Environment variables exported to the compiler.
const (
	EnvBuildID   = "PAGEBUILDER_BUILD_ID"
	EnvBuildType = "PAGEBUILDER_BUILD_TYPE"
)

// Files materialized under <workdir>/data for the compiler templates.
const (
	BuildDataFile  = "build.json"
	AssetsDataFile = "assets.json"
)

// scratchDirs are compiler caches removed in the cleaning stage.
var scratchDirs = []string{filepath.Join("resources", "_gen")}

// CompilerOptions configures a CompilerStrategy.
type CompilerOptions struct {
	ProjectDir string
	OutputRoot string
	Compiler   config.CompilerConfig
	Workspaces *workspace.Manager
	Types      TypeRegistry
	Runner     CommandRunner
	Recorder   metrics.Recorder
	Clock      clockwork.Clock
	// AllowCommandOverride permits BuildConfig.Compiler.Command to replace the configured binary.
	AllowCommandOverride bool
}

// CompilerStrategy builds a site by running an external compiler in a copy of
// the project template.
type CompilerStrategy struct {
	opts CompilerOptions
}

var _ Strategy = (*CompilerStrategy)(nil)

// NewCompilerStrategy returns a strategy with defaults applied to opts.
func NewCompilerStrategy(opts CompilerOptions) *CompilerStrategy {
	if opts.Compiler.Command == "" {
		opts.Compiler.Command = "hugo"
	}
	if opts.Compiler.PublishDir == "" {
		opts.Compiler.PublishDir = "public"
	}
	if opts.Workspaces == nil {
		opts.Workspaces = workspace.NewManager("")
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &CompilerStrategy{opts: opts}
}

// Validate checks the preconditions of a build without touching the filesystem.
func (s *CompilerStrategy) Validate(bctx *model.BuildContext) bool {
	if bctx == nil || bctx.Config == nil {
		return false
	}
	cfg := bctx.Config
	if cfg.ID == "" {
		slog.Warn("Build rejected: missing id")
		return false
	}
	if s.opts.Types == nil || !s.opts.Types.Has(cfg.Type) {
		slog.Warn("Build rejected: no post-processing strategy for type",
			logfields.BuildID(cfg.ID), logfields.BuildType(cfg.Type))
		return false
	}
	if cfg.OutputPath != "" && !filepath.IsLocal(cfg.OutputPath) {
		slog.Warn("Build rejected: output path must be relative to the output root",
			logfields.BuildID(cfg.ID), logfields.Path(cfg.OutputPath))
		return false
	}
	if cfg.Compiler != nil && cfg.Compiler.Command != "" && !s.opts.AllowCommandOverride {
		slog.Warn("Build rejected: compiler command override not permitted", logfields.BuildID(cfg.ID))
		return false
	}
	for _, rel := range s.opts.Compiler.RequiredFiles {
		if _, err := os.Stat(filepath.Join(s.opts.ProjectDir, rel)); err != nil {
			slog.Warn("Build rejected: required project file missing",
				logfields.BuildID(cfg.ID), logfields.File(rel), logfields.Error(err))
			return false
		}
	}
	return true
}

// Hash returns the SHA-256 hex digest of the JSON encoded BuildConfig.
func (s *CompilerStrategy) Hash(bctx *model.BuildContext) (string, error) {
	if bctx == nil || bctx.Config == nil {
		return "", ferrors.ValidationError("build config is required").Build()
	}
	return HashConfig(bctx.Config)
}

// HashConfig returns the cache key of cfg.
func HashConfig(cfg *model.BuildConfig) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", ferrors.WrapError(err, ferrors.CategoryValidation, "encode build config").Build()
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Prepare creates the working directory, copies the project template into it and
// writes the build inputs the templates read.
func (s *CompilerStrategy) Prepare(_ context.Context, bctx *model.BuildContext) error {
	workDir, err := s.opts.Workspaces.Create(bctx.BuildID)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "create working directory").
			WithContext("build_id", bctx.BuildID).Build()
	}
	bctx.Set(model.MetaWorkDir, workDir)

	if err := workspace.CopyDir(s.opts.ProjectDir, workDir); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "copy project template").
			WithContext("project_dir", s.opts.ProjectDir).Build()
	}

	dataDir := filepath.Join(workDir, "data")
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "create data directory").Build()
	}
	if err := writeJSON(filepath.Join(dataDir, BuildDataFile), bctx.Config); err != nil {
		return err
	}
	assets := model.AssetInjection{Styles: bctx.Config.Styles(), Scripts: bctx.Config.Scripts()}
	if err := writeJSON(filepath.Join(dataDir, AssetsDataFile), assets); err != nil {
		return err
	}

	slog.Debug("Prepared build workspace", logfields.BuildID(bctx.BuildID), logfields.Path(workDir))
	return nil
}

// Cleanup removes the working directory. A missing directory is not an error.
func (s *CompilerStrategy) Cleanup(_ context.Context, bctx *model.BuildContext) error {
	if bctx == nil {
		return nil
	}
	if err := s.opts.Workspaces.Remove(bctx.BuildID); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryCleanup, "remove working directory").
			WithContext("build_id", bctx.BuildID).Build()
	}
	return nil
}

// run is the mutable state of one Execute call.
type run struct {
	bctx        *model.BuildContext
	workDir     string
	publishDir  string
	artifactDir string
	manifest    *model.AssetManifest
	bytes       int64
	compileTime time.Duration
}

// Execute runs the fixed stage sequence and reports progress at the start of
// each stage. It never panics.
func (s *CompilerStrategy) Execute(ctx context.Context, bctx *model.BuildContext, onProgress ProgressFunc) (result *model.BuildResult) {
	start := s.opts.Clock.Now()
	emit := func(stage StageName, percent int) {
		if onProgress != nil {
			onProgress(Progress{Stage: stage, Percent: percent})
		}
	}
	fail := func(err error) *model.BuildResult {
		emit(StageFailed, 0)
		slog.Error("Build execution failed", logfields.BuildID(bctx.BuildID), logfields.Error(err))
		return model.Failed(bctx.BuildID, err, s.opts.Clock.Since(start))
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Build execution panic recovered",
				logfields.BuildID(bctx.BuildID),
				slog.Any("panic", rec),
				slog.String("stack_trace", string(debug.Stack())))
			result = fail(ferrors.InternalError(fmt.Sprintf("execute panic: %v", rec)).Build())
		}
	}()

	r := &run{bctx: bctx, manifest: &model.AssetManifest{}}
	stages := []stageDef{
		{StageInitializing, s.initialize},
		{StagePreparing, s.preparePublishDir},
		{StageBuilding, s.build},
		{StageOptimizing, s.optimize},
		{StagePackaging, s.pack},
		{StageCleaning, s.clean},
	}
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return fail(ferrors.WrapError(err, ferrors.CategoryBuild, "build canceled").
				WithContext("stage", string(st.Name)).Build())
		}
		emit(st.Name, st.Name.Percent())
		t0 := s.opts.Clock.Now()
		err := st.Fn(ctx, r)
		s.opts.Recorder.ObserveStageDuration(string(st.Name), s.opts.Clock.Since(t0))
		if err != nil {
			return fail(err)
		}
	}
	emit(StageCompleted, StageCompleted.Percent())

	return &model.BuildResult{
		Success:    true,
		BuildID:    bctx.BuildID,
		OutputPath: r.artifactDir,
		Duration:   s.opts.Clock.Since(start),
		Assets:     r.manifest,
		Metrics: &model.BuildMetrics{
			Files:           r.manifest.Count(),
			Bytes:           r.bytes,
			CompileDuration: r.compileTime,
		},
	}
}

func (s *CompilerStrategy) initialize(_ context.Context, r *run) error {
	r.workDir = r.bctx.String(model.MetaWorkDir)
	if r.workDir == "" {
		return ferrors.BuildError("build context has not been prepared").
			WithContext("build_id", r.bctx.BuildID).Build()
	}
	if info, err := os.Stat(r.workDir); err != nil || !info.IsDir() {
		return ferrors.BuildError("working directory missing").
			WithContext("path", r.workDir).Build()
	}
	r.publishDir = filepath.Join(r.workDir, s.opts.Compiler.PublishDir)

	artifactDir, err := s.ArtifactDir(r.bctx)
	if err != nil {
		return err
	}
	r.artifactDir = artifactDir
	return nil
}

// ArtifactDir returns where the artifact of bctx is packaged:
// <output root>/<output path or build id>/<hash prefix>. The hash prefix keeps
// differing configs that share an output path from overwriting each other.
func (s *CompilerStrategy) ArtifactDir(bctx *model.BuildContext) (string, error) {
	base := workspace.DirName(bctx.BuildID)
	if out := bctx.Config.OutputPath; out != "" {
		if !filepath.IsLocal(out) {
			return "", ferrors.ValidationError("output path escapes the output root").
				WithContext("path", out).Build()
		}
		base = out
	}
	hash := bctx.String(model.MetaHash)
	if hash == "" {
		h, err := s.Hash(bctx)
		if err != nil {
			return "", err
		}
		hash = h
	}
	return filepath.Join(s.opts.OutputRoot, base, hash[:12]), nil
}

func (s *CompilerStrategy) preparePublishDir(_ context.Context, r *run) error {
	if err := os.RemoveAll(r.publishDir); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "reset publish directory").Build()
	}
	return nil
}

func (s *CompilerStrategy) build(ctx context.Context, r *run) error {
	inv := s.invocation(r.bctx, r.workDir)
	t0 := s.opts.Clock.Now()
	err := s.opts.Runner.Run(ctx, inv)
	r.compileTime = s.opts.Clock.Since(t0)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryBuild, "compiler execution failed").
			WithContext("command", inv.Command).Build()
	}
	if info, err := os.Stat(r.publishDir); err != nil || !info.IsDir() {
		return ferrors.BuildError("compiler produced no output").
			WithContext("path", r.publishDir).Build()
	}
	return nil
}

// invocation assembles the compiler command line and environment.
func (s *CompilerStrategy) invocation(bctx *model.BuildContext, workDir string) Invocation {
	cfg := bctx.Config
	inv := Invocation{
		Dir:     workDir,
		Command: s.opts.Compiler.Command,
		Args:    append([]string(nil), s.opts.Compiler.Args...),
		Env: []string{
			EnvBuildID + "=" + bctx.BuildID,
			EnvBuildType + "=" + cfg.Type,
		},
	}
	inv.Env = append(inv.Env, envPairs(s.opts.Compiler.Env)...)

	if o := cfg.Compiler; o != nil {
		if o.Command != "" && s.opts.AllowCommandOverride {
			inv.Command = o.Command
		}
		inv.Args = append(inv.Args, o.Args...)
		if o.Environment != "" {
			inv.Args = append(inv.Args, "--environment", o.Environment)
		}
		if o.BaseURL != "" {
			inv.Args = append(inv.Args, "--baseURL", o.BaseURL)
		}
		inv.Env = append(inv.Env, envPairs(o.Env)...)
	}
	if opt := cfg.Optimization; opt != nil {
		if opt.Minify {
			inv.Args = append(inv.Args, "--minify")
		}
		if opt.GC {
			inv.Args = append(inv.Args, "--gc")
		}
		if opt.CleanDestination {
			inv.Args = append(inv.Args, "--cleanDestinationDir")
		}
	}
	return inv
}

func envPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// optimize drops source maps from minified output.
func (s *CompilerStrategy) optimize(_ context.Context, r *run) error {
	opt := r.bctx.Config.Optimization
	if opt == nil || !opt.Minify {
		return nil
	}
	removed := 0
	err := filepath.WalkDir(r.publishDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && strings.HasSuffix(d.Name(), ".map") {
			if err := os.Remove(p); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "remove source maps").Build()
	}
	slog.Debug("Optimized output", logfields.BuildID(r.bctx.BuildID), slog.Int("source_maps_removed", removed))
	return nil
}

// pack copies the published site into the artifact directory and records the manifest.
func (s *CompilerStrategy) pack(_ context.Context, r *run) error {
	if err := os.RemoveAll(r.artifactDir); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "reset artifact directory").Build()
	}
	if err := os.MkdirAll(filepath.Dir(r.artifactDir), 0o750); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "create output root").Build()
	}
	if err := workspace.CopyDir(r.publishDir, r.artifactDir); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "copy published output").
			WithContext("path", r.artifactDir).Build()
	}

	manifest, size, err := BuildManifest(r.artifactDir)
	if err != nil {
		return err
	}
	r.manifest = manifest
	r.bytes = size
	slog.Info("Packaged build artifact",
		logfields.BuildID(r.bctx.BuildID),
		logfields.Path(r.artifactDir),
		slog.Int("files", manifest.Count()))
	return nil
}

// BuildManifest walks root and classifies every regular file. Paths are slash
// separated, relative to root and in lexical order.
func BuildManifest(root string) (*model.AssetManifest, int64, error) {
	manifest := &model.AssetManifest{}
	var size int64
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		manifest.Add(filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, 0, ferrors.WrapError(err, ferrors.CategoryFileSystem, "build asset manifest").
			WithContext("path", root).Build()
	}
	return manifest, size, nil
}

func (s *CompilerStrategy) clean(_ context.Context, r *run) error {
	for _, rel := range scratchDirs {
		if err := os.RemoveAll(filepath.Join(r.workDir, rel)); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryCleanup, "remove compiler scratch directory").
				WithContext("path", rel).Build()
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "encode build data").Build()
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "write build data").
			WithContext("path", path).Build()
	}
	return nil
}
