package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/pagebuilder/internal/model"
	"git.home.luguber.info/inful/pagebuilder/internal/strategy"
)

func run(t *testing.T, g *Global, args ...string) error {
	t.Helper()
	cli := &CLI{}
	parser, err := kong.New(cli,
		kong.Name("pagebuilder"),
		kong.Vars{"version": "test"},
		kong.Bind(g),
	)
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kctx.Run(cli)
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// workspaceConfig writes a service configuration rooted in a temp dir.
func workspaceConfig(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "project", "hugo.toml"), "title = 'x'\n")
	return writeFile(t, filepath.Join(root, "pagebuilder.yaml"), fmt.Sprintf(`paths:
  project_dir: %[1]s/project
  workspace_dir: %[1]s/work
  output_dir: %[1]s/artifacts
  cache_dir: %[1]s/cache
compiler:
  required_files: [hugo.toml]
logging:
  level: warn
`, root))
}

func fakeCompiler(_ context.Context, inv strategy.Invocation) error {
	p := filepath.Join(inv.Dir, "public", "index.html")
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	return os.WriteFile(p, []byte("<html><head></head><body>hi</body></html>"), 0o600)
}

func TestLoadBuildConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("json", func(t *testing.T) {
		p := writeFile(t, filepath.Join(dir, "a.json"), `{"id":"a","type":"email"}`)
		bc, err := LoadBuildConfig(p)
		require.NoError(t, err)
		assert.Equal(t, "a", bc.ID)
		assert.Equal(t, model.TypeEmail, bc.Type)
	})

	t.Run("yaml", func(t *testing.T) {
		p := writeFile(t, filepath.Join(dir, "b.yaml"), "id: b\ntype: landing\noutput_path: promo\n")
		bc, err := LoadBuildConfig(p)
		require.NoError(t, err)
		assert.Equal(t, "b", bc.ID)
		assert.Equal(t, "promo", bc.OutputPath)
	})

	t.Run("missing id", func(t *testing.T) {
		p := writeFile(t, filepath.Join(dir, "c.yaml"), "type: landing\n")
		_, err := LoadBuildConfig(p)
		assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))
	})

	t.Run("unknown json field", func(t *testing.T) {
		p := writeFile(t, filepath.Join(dir, "d.json"), `{"id":"d","colour":"red"}`)
		_, err := LoadBuildConfig(p)
		assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))
	})
}

func TestHashCommand(t *testing.T) {
	p := writeFile(t, filepath.Join(t.TempDir(), "page.json"), `{"id":"h","type":"activity"}`)
	var out bytes.Buffer
	require.NoError(t, run(t, &Global{Stdout: &out}, "hash", "-f", p))

	want, err := strategy.HashConfig(&model.BuildConfig{ID: "h", Type: model.TypeActivity})
	require.NoError(t, err)
	assert.Equal(t, want, strings.TrimSpace(out.String()))
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagebuilder.yaml")
	var out bytes.Buffer
	require.NoError(t, run(t, &Global{Stdout: &out}, "-c", path, "init"))
	assert.FileExists(t, path)
	assert.Contains(t, out.String(), path)

	err := run(t, &Global{Stdout: &out}, "-c", path, "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	require.NoError(t, run(t, &Global{Stdout: &out}, "-c", path, "init", "--force"))
}

func TestBuildAndCacheCommands(t *testing.T) {
	cfgPath := workspaceConfig(t)
	page := writeFile(t, filepath.Join(t.TempDir(), "page.yaml"), "id: spring\ntype: landing\n")
	g := &Global{Runner: strategy.RunnerFunc(fakeCompiler)}

	var out bytes.Buffer
	g.Stdout = &out
	require.NoError(t, run(t, g, "-c", cfgPath, "build", "-f", page))
	var first model.BuildResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &first))
	assert.True(t, first.Success)
	assert.False(t, first.Cached)

	out.Reset()
	require.NoError(t, run(t, g, "-c", cfgPath, "build", "-f", page))
	var second model.BuildResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &second))
	assert.True(t, second.Cached, "the cache index persists between runs")

	out.Reset()
	require.NoError(t, run(t, g, "-c", cfgPath, "cache", "stats"))
	assert.Contains(t, out.String(), "entries: 1")

	out.Reset()
	require.NoError(t, run(t, g, "-c", cfgPath, "cache", "cleanup"))
	assert.Equal(t, "removed 0 entries\n", out.String())

	require.Error(t, run(t, g, "-c", cfgPath, "cache", "clear"))
	out.Reset()
	require.NoError(t, run(t, g, "-c", cfgPath, "cache", "clear", "--force"))
	assert.Contains(t, out.String(), "cache cleared")

	out.Reset()
	require.NoError(t, run(t, g, "-c", cfgPath, "cache", "stats"))
	assert.Contains(t, out.String(), "entries: 0")
}

func TestBuildCommand_FailureReturnsError(t *testing.T) {
	cfgPath := workspaceConfig(t)
	page := writeFile(t, filepath.Join(t.TempDir(), "page.json"), `{"id":"broken","type":"email"}`)
	g := &Global{
		Stdout: &bytes.Buffer{},
		Runner: strategy.RunnerFunc(func(context.Context, strategy.Invocation) error {
			return fmt.Errorf("exit status 1")
		}),
	}

	err := run(t, g, "-c", cfgPath, "build", "-f", page)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build broken failed")
}
