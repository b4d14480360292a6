package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"git.home.luguber.info/inful/pagebuilder/internal/cache"
)

// CacheCmd groups the cache maintenance commands.
type CacheCmd struct {
	Stats   CacheStatsCmd   `cmd:"" help:"Show entry count and artifact size"`
	Cleanup CacheCleanupCmd `cmd:"" help:"Remove expired entries and entries whose artifacts are gone"`
	Clear   CacheClearCmd   `cmd:"" help:"Remove every entry and empty the cache directory"`
}

type CacheStatsCmd struct{}

func (CacheStatsCmd) Run(g *Global, root *CLI) error {
	store, err := openCache(g, root)
	if err != nil {
		return err
	}
	stats := store.GetStats()
	_, err = fmt.Fprintf(g.out(), "entries: %s\nsize:    %s\n",
		humanize.Comma(int64(stats.Entries)), stats.HumanSize())
	return err
}

type CacheCleanupCmd struct{}

func (CacheCleanupCmd) Run(g *Global, root *CLI) error {
	store, err := openCache(g, root)
	if err != nil {
		return err
	}
	n := store.Cleanup()
	_, err = fmt.Fprintf(g.out(), "removed %d %s\n", n, plural(n, "entry", "entries"))
	return err
}

type CacheClearCmd struct {
	Force bool `help:"Required; clearing cannot be undone"`
}

func (c CacheClearCmd) Run(g *Global, root *CLI) error {
	if !c.Force {
		return fmt.Errorf("refusing to clear the cache without --force")
	}
	store, err := openCache(g, root)
	if err != nil {
		return err
	}
	if err := store.Clear(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(g.out(), "cache cleared: %s\n", store.Dir())
	return err
}

func openCache(g *Global, root *CLI) (*cache.Store, error) {
	cfg, err := root.loadConfig(g)
	if err != nil {
		return nil, err
	}
	return cache.NewStore(cfg.Paths.CacheDir, cache.Options{MaxAge: cfg.CacheMaxAge()})
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
