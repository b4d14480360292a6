package postprocess

import (
	"context"
	"strings"

	"golang.org/x/net/html"

	"git.home.luguber.info/inful/pagebuilder/internal/model"
)

// LandingProcessor injects trackers, the theme stylesheet and SEO meta tags
// into landing pages.
type LandingProcessor struct {
	defaults Defaults
}

// NewLandingProcessor returns a landing processor using defaults.
func NewLandingProcessor(defaults Defaults) *LandingProcessor {
	return &LandingProcessor{defaults: defaults}
}

// Validate implements Processor.
func (p *LandingProcessor) Validate(bctx *model.BuildContext) bool {
	return baseValid(bctx)
}

// Process implements Processor.
func (p *LandingProcessor) Process(ctx context.Context, bctx *model.BuildContext, result *model.BuildResult) (*model.BuildResult, error) {
	out := result.Clone()
	cfg := bctx.Config
	err := forEachDocument(ctx, out, func(doc *html.Node, _ string) error {
		in := newInjector(doc)
		in.addScripts(p.defaults.TrackerScripts)
		in.addStylesheets(p.defaults.ThemeStylesheet)
		in.addStylesheets(cfg.Styles()...)
		in.addScripts(cfg.Scripts())
		in.addMeta(PageTypeMeta, model.TypeLanding)
		if cfg.Meta != nil {
			in.addMeta("description", cfg.Meta.Description)
			in.addMeta("keywords", strings.Join(cfg.Meta.Keywords, ", "))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
