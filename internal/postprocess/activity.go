package postprocess

import (
	"context"

	"golang.org/x/net/html"

	"git.home.luguber.info/inful/pagebuilder/internal/model"
)

// PageTypeMeta is the name of the meta tag identifying the page variant.
const PageTypeMeta = "page-type"

// ActivityProcessor injects tracking and analytics scripts into activity pages.
type ActivityProcessor struct {
	defaults Defaults
}

// NewActivityProcessor returns an activity processor using defaults.
func NewActivityProcessor(defaults Defaults) *ActivityProcessor {
	return &ActivityProcessor{defaults: defaults}
}

// Validate implements Processor.
func (p *ActivityProcessor) Validate(bctx *model.BuildContext) bool {
	return baseValid(bctx)
}

// Process implements Processor.
func (p *ActivityProcessor) Process(ctx context.Context, bctx *model.BuildContext, result *model.BuildResult) (*model.BuildResult, error) {
	out := result.Clone()
	err := forEachDocument(ctx, out, func(doc *html.Node, _ string) error {
		in := newInjector(doc)
		in.addScripts(p.defaults.TrackerScripts, p.defaults.AnalyticsScripts, bctx.Config.Scripts())
		in.addMeta(PageTypeMeta, model.TypeActivity)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
