package extract

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/browser"
	"github.com/sells-group/listing-evidence/internal/model"
	"github.com/sells-group/listing-evidence/internal/resilience"
)

// SessionExtractor drives a fresh browser session through the site's
// search flow and clicks through to the listing.
type SessionExtractor struct {
	site Site
	deps Deps
}

func (e *SessionExtractor) Source() string               { return e.site.Name }
func (e *SessionExtractor) Capability() model.Capability { return model.CapSessionNavigate }
func (e *SessionExtractor) Priority() int                { return e.site.Priority }

// Extract implements Extractor.
func (e *SessionExtractor) Extract(ctx context.Context, req Request) (*model.ExtractionResult, error) {
	sess, err := e.deps.Sessions.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close() //nolint:errcheck

	listing, id, err := searchListing(ctx, sess, e.site, req.Target.Address)
	if err != nil {
		return nil, err
	}
	if err := checkPage(e.site.Name, listing); err != nil {
		return nil, err
	}

	parsed, err := e.site.Parse(listing.HTML, listing.URL)
	if err != nil {
		return nil, resilience.NewPermanentError(err, 0)
	}
	blocked, kind := DetectBlock(listing.Status, nil, []byte(listing.HTML))

	// Listing pages often show a single hero image; the gallery has the rest.
	if gallery := e.site.Gallery(id); gallery != "" && gallery != listing.URL {
		page, err := navigate(ctx, sess, e.site, gallery)
		if err == nil {
			if more, perr := e.site.Parse(page.HTML, page.URL); perr == nil {
				parsed.ImageURLs = mergeURLs(parsed.ImageURLs, more.ImageURLs)
				for k, v := range more.Fields {
					if _, ok := parsed.Fields[k]; !ok {
						parsed.Fields[k] = v
					}
				}
			}
		} else {
			zap.L().Debug("extract: gallery navigation failed", zap.String("site", e.site.Name), zap.Error(err))
		}
	}

	if len(parsed.ImageURLs) == 0 {
		if blocked {
			return nil, challenge(e.site.Name, kind)
		}
		return nil, noData("listing page has no images")
	}

	res := buildResult(e.site, model.CapSessionNavigate, parsed, e.site.FieldConfidence, e.deps.now())
	res.DiscoveredID = id
	return res, nil
}

// checkPage classifies an error status on a navigated page. A challenge is
// transient so the step is retried with a fresh identity; any other status of
// 400 or above is classified like an HTTP response.
func checkPage(site string, page *browser.Page) error {
	if page.Status < http.StatusBadRequest {
		return nil
	}
	if blocked, kind := DetectBlock(page.Status, nil, []byte(page.HTML)); blocked {
		return challenge(site, kind)
	}
	return resilience.HTTPStatusError("extract: "+site+" page", page.Status)
}

// navigate loads url and rejects error statuses via checkPage.
func navigate(ctx context.Context, sess browser.Session, site Site, url string) (*browser.Page, error) {
	page, err := sess.Navigate(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := checkPage(site.Name, page); err != nil {
		return nil, err
	}
	return page, nil
}

// searchListing runs the site search for address and follows the first
// result. It returns the listing page, whatever its status, and the stable
// id, when the site's id pattern matches.
func searchListing(ctx context.Context, sess browser.Session, site Site, address string) (*browser.Page, string, error) {
	results, err := navigate(ctx, sess, site, site.Search(address))
	if err != nil {
		return nil, "", err
	}
	parsed, err := site.Parse(results.HTML, results.URL)
	if err != nil {
		return nil, "", resilience.NewPermanentError(err, 0)
	}
	if len(parsed.ResultLinks) == 0 {
		if blocked, kind := DetectBlock(results.Status, nil, []byte(results.HTML)); blocked {
			return nil, "", challenge(site.Name, kind)
		}
		return nil, "", noData("search returned no listings")
	}

	link := parsed.ResultLinks[0]
	listing, err := sess.Navigate(ctx, link)
	if err != nil {
		return nil, "", err
	}
	id, ok := site.MatchID(link)
	if !ok {
		id, _ = site.MatchID(listing.URL)
	}
	return listing, id, nil
}

// locateListing opens the gallery directly when the id is known and falls
// back to the search flow otherwise.
func locateListing(ctx context.Context, sess browser.Session, site Site, target model.Target) (*browser.Page, string, error) {
	if id, ok := target.SourceID(site.Name); ok {
		if gallery := site.Gallery(id); gallery != "" {
			page, err := sess.Navigate(ctx, gallery)
			return page, id, err
		}
	}
	if site.SearchURL == "" {
		return nil, "", Skip("no listing id and no search url")
	}
	return searchListing(ctx, sess, site, target.Address)
}

func mergeURLs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, u := range list {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out
}
