package extract

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/model"
	"github.com/sells-group/listing-evidence/pkg/jina"
)

// DefaultSearchConfidence is the downgraded confidence of search evidence.
const DefaultSearchConfidence = 0.5

// SearchExtractor queries a generic search engine restricted to the site's
// domain. Its evidence is always low confidence.
type SearchExtractor struct {
	site Site
	deps Deps
}

func (e *SearchExtractor) Source() string               { return e.site.Name }
func (e *SearchExtractor) Capability() model.Capability { return model.CapSearchFallback }
func (e *SearchExtractor) Priority() int                { return e.site.Priority }

// Extract implements Extractor.
func (e *SearchExtractor) Extract(ctx context.Context, req Request) (*model.ExtractionResult, error) {
	resp, err := e.deps.Search.Search(ctx, req.Target.Address,
		jina.WithSiteFilter(e.site.Domain),
		jina.WithImages(),
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, noData("search returned no results")
	}

	conf := e.deps.SearchConfidence
	if conf <= 0 || conf > 1 {
		conf = DefaultSearchConfidence
	}

	var urls []string
	var id string
	for _, r := range resp.Data {
		urls = mergeURLs(urls, r.ImageURLs())
		if id == "" {
			id, _ = e.site.MatchID(r.URL)
		}
	}

	// The reader fetches from its own network, which often still reaches
	// sites that block us outright.
	if len(urls) == 0 {
		page, err := e.deps.Search.Read(ctx, resp.Data[0].URL)
		if err != nil {
			zap.L().Debug("extract: search read failed", zap.String("site", e.site.Name), zap.Error(err))
		} else {
			urls = page.Data.ImageURLs()
		}
	}
	if len(urls) == 0 {
		return nil, noData("search results carry no images")
	}

	res := buildResult(e.site, model.CapSearchFallback, &Parsed{ImageURLs: urls}, conf, e.deps.now())
	res.DiscoveredID = id
	return res, nil
}
