package postprocess

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"

	"git.home.luguber.info/inful/pagebuilder/internal/logfields"
	"git.home.luguber.info/inful/pagebuilder/internal/model"
)

// EmailProcessor makes pages self-contained for mail clients: linked
// stylesheets are inlined into a single <style> element and every <script> is
// removed. The output references no external scripts or stylesheets.
type EmailProcessor struct{}

// NewEmailProcessor returns the email processor.
func NewEmailProcessor() *EmailProcessor {
	return &EmailProcessor{}
}

// Validate implements Processor.
func (p *EmailProcessor) Validate(bctx *model.BuildContext) bool {
	return baseValid(bctx)
}

// Process implements Processor.
func (p *EmailProcessor) Process(ctx context.Context, bctx *model.BuildContext, result *model.BuildResult) (*model.BuildResult, error) {
	out := result.Clone()
	err := forEachDocument(ctx, out, func(doc *html.Node, rel string) error {
		links := collect(doc, isStylesheetLink)
		var css []string
		for _, link := range links {
			href := getAttr(link, "href")
			content, ok := readStylesheet(out.OutputPath, rel, href)
			if !ok {
				slog.Warn("Stylesheet not found, skipping inline",
					logfields.BuildID(bctx.BuildID), logfields.File(rel), slog.String("href", href))
				continue
			}
			css = append(css, content)
		}
		detach(links)
		detach(collect(doc, isScript))
		if len(css) > 0 {
			headOf(doc).AppendChild(styleTag(strings.Join(css, "\n")))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out != nil && out.Assets != nil {
		out.Assets.CSS = []string{}
		out.Assets.JS = []string{}
	}
	return out, nil
}

// readStylesheet resolves href against the artifact and returns its contents.
// Remote stylesheets and references leaving the artifact are not resolved.
func readStylesheet(root, docRel, href string) (string, bool) {
	if href == "" {
		return "", false
	}
	u, err := url.Parse(href)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "", false
	}
	var rel string
	if strings.HasPrefix(u.Path, "/") {
		rel = path.Clean(strings.TrimPrefix(u.Path, "/"))
	} else {
		rel = path.Join(path.Dir(docRel), u.Path)
	}
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return "", false
	}
	return string(data), true
}
