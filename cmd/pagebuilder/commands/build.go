package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/pagebuilder/internal/daemon"
	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/pagebuilder/internal/model"
	"git.home.luguber.info/inful/pagebuilder/internal/strategy"
)

// BuildCmd implements the 'build' command.
type BuildCmd struct {
	File string `short:"f" required:"" type:"existingfile" help:"Build configuration file (JSON or YAML)"`
	ID   string `help:"Override the build id from the file"`
}

func (b *BuildCmd) Run(g *Global, root *CLI) error {
	bc, err := LoadBuildConfig(b.File)
	if err != nil {
		return err
	}
	if b.ID != "" {
		bc.ID = b.ID
	}
	cfg, err := root.loadConfig(g)
	if err != nil {
		return err
	}

	rt, err := daemon.NewRuntime(cfg, daemon.Options{Runner: g.Runner})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	ctx, cancel := signalContext()
	defer cancel()
	result := rt.Orchestrator.Build(ctx, bc)

	enc := json.NewEncoder(g.out())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("build %s failed: %s", bc.ID, result.Error)
	}
	return nil
}

// HashCmd implements the 'hash' command.
type HashCmd struct {
	File string `short:"f" required:"" type:"existingfile" help:"Build configuration file (JSON or YAML)"`
}

func (h *HashCmd) Run(g *Global) error {
	bc, err := LoadBuildConfig(h.File)
	if err != nil {
		return err
	}
	hash, err := strategy.HashConfig(bc)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(g.out(), hash)
	return err
}

// LoadBuildConfig reads a build configuration. Files ending in .json are
// decoded as JSON, everything else as YAML.
func LoadBuildConfig(path string) (*model.BuildConfig, error) {
	// #nosec G304 - path is an operator-supplied CLI argument
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "read build configuration").
			WithContext("path", path).Build()
	}

	var bc model.BuildConfig
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&bc)
	} else {
		err = yaml.Unmarshal(data, &bc)
	}
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryValidation, "invalid build configuration").
			WithContext("path", path).Build()
	}
	if bc.ID == "" {
		return nil, ferrors.ValidationError("build configuration requires an id").
			WithContext("path", path).Build()
	}
	return &bc, nil
}
