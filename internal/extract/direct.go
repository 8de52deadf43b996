package extract

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/model"
	"github.com/sells-group/listing-evidence/internal/resilience"
)

const maxPageBytes = 5 << 20

var defaultHTTP = &http.Client{Timeout: 30 * time.Second}

// DirectExtractor fetches a site's gallery page for a listing whose stable
// id is already known. Gallery pages are plain HTTP and rarely challenged.
type DirectExtractor struct {
	site Site
	deps Deps
}

func (e *DirectExtractor) Source() string               { return e.site.Name }
func (e *DirectExtractor) Capability() model.Capability { return model.CapDirectFetch }
func (e *DirectExtractor) Priority() int                { return e.site.Priority }

// Extract implements Extractor.
func (e *DirectExtractor) Extract(ctx context.Context, req Request) (*model.ExtractionResult, error) {
	id, ok := req.Target.SourceID(e.site.Name)
	if !ok {
		return nil, Skip("no known listing id")
	}
	pageURL := e.site.Gallery(id)

	status, header, body, err := e.get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	blocked, kind := DetectBlock(status, header, body)
	if status != http.StatusOK {
		if blocked {
			return nil, challenge(e.site.Name, kind)
		}
		return nil, resilience.HTTPStatusError("extract: "+e.site.Name+" gallery", status)
	}

	parsed, err := e.site.Parse(string(body), pageURL)
	if err != nil {
		return nil, resilience.NewPermanentError(err, 0)
	}
	if len(parsed.ImageURLs) == 0 {
		if blocked {
			return nil, challenge(e.site.Name, kind)
		}
		return nil, noData("gallery page has no images")
	}

	zap.L().Debug("extract: direct gallery parsed",
		zap.String("site", e.site.Name),
		zap.String("listing_id", id),
		zap.Int("images", len(parsed.ImageURLs)),
		zap.Int("fields", len(parsed.Fields)),
	)
	res := buildResult(e.site, model.CapDirectFetch, parsed, e.site.FieldConfidence, e.deps.now())
	res.DiscoveredID = id
	return res, nil
}

func (e *DirectExtractor) get(ctx context.Context, pageURL string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return 0, nil, nil, resilience.NewPermanentError(eris.Wrapf(err, "extract: build request %s", pageURL), 0)
	}
	if e.deps.Rotator != nil {
		req.Header.Set("User-Agent", e.deps.Rotator.Next().UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	client := e.deps.HTTP
	if client == nil {
		client = defaultHTTP
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, nil, resilience.NewTransientError(eris.Wrapf(err, "extract: get %s", pageURL), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return 0, nil, nil, resilience.NewTransientError(eris.Wrapf(err, "extract: read %s", pageURL), 0)
	}
	return resp.StatusCode, resp.Header, body, nil
}
