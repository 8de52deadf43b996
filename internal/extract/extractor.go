// Package extract implements the per-site evidence extractors. Each origin
// site yields four variants, one per fallback capability, all sharing the
// Extractor contract. Extractors only return in-memory results; fetching
// image bytes and persisting anything is the caller's job.
package extract

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-evidence/internal/browser"
	"github.com/sells-group/listing-evidence/internal/model"
	"github.com/sells-group/listing-evidence/internal/resilience"
	"github.com/sells-group/listing-evidence/pkg/jina"
)

// ErrSkipped means the step's precondition does not hold for this target
// (e.g. the direct step without a known stable id). The chain advances
// without counting an attempt against the source.
var ErrSkipped = errors.New("extract: step not applicable")

// ErrNoData means the step ran but found nothing usable.
var ErrNoData = errors.New("extract: no viable data")

// Skip returns a skip error carrying a reason.
func Skip(reason string) error { return eris.Wrap(ErrSkipped, reason) }

// noData returns a permanent no-data error carrying a reason.
func noData(reason string) error {
	return resilience.NewPermanentError(eris.Wrap(ErrNoData, reason), 0)
}

// Request is the input to one extraction step.
type Request struct {
	Target model.Target
}

// Extractor is one capability of one source.
type Extractor interface {
	// Source is the origin site name.
	Source() string
	// Capability is the fallback step this extractor implements.
	Capability() model.Capability
	// Priority orders sources within a capability; lower runs first.
	Priority() int
	Extract(ctx context.Context, req Request) (*model.ExtractionResult, error)
}

// Deps are the shared collaborators extractors are built with.
type Deps struct {
	HTTP     *http.Client
	Sessions browser.Opener
	Rotator  *browser.Rotator
	Search   jina.Client
	// SearchConfidence is assigned to everything the search step returns.
	SearchConfidence float64
	// MaxFrames bounds screenshot capture.
	MaxFrames int
	// Now is injectable for tests.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// NewVariants builds the extractors available for one site. Variants whose
// collaborators are missing (no browser, no search client) are omitted.
func NewVariants(site Site, deps Deps) []Extractor {
	var out []Extractor
	if site.GalleryURL != "" {
		out = append(out, &DirectExtractor{site: site, deps: deps})
	}
	if deps.Sessions != nil && site.SearchURL != "" {
		out = append(out, &SessionExtractor{site: site, deps: deps})
	}
	if deps.Sessions != nil && site.Selectors.GalleryFrame != "" {
		out = append(out, &ScreenshotExtractor{site: site, deps: deps})
	}
	if deps.Search != nil {
		out = append(out, &SearchExtractor{site: site, deps: deps})
	}
	return out
}

// Registry holds every extractor for every configured site.
type Registry struct {
	extractors []Extractor
}

// NewRegistry creates a Registry from site definitions.
func NewRegistry(sites []Site, deps Deps) *Registry {
	r := &Registry{}
	for _, s := range sites {
		for _, e := range NewVariants(s, deps) {
			r.Register(e)
		}
	}
	return r
}

// Register adds an extractor.
func (r *Registry) Register(e Extractor) {
	r.extractors = append(r.extractors, e)
}

// Chain returns the extractors in fallback order: by capability, then by
// source priority, then by registration order.
func (r *Registry) Chain() []Extractor {
	out := append([]Extractor(nil), r.extractors...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Capability() != out[j].Capability() {
			return out[i].Capability() < out[j].Capability()
		}
		return out[i].Priority() < out[j].Priority()
	})
	return out
}

// Sources returns the distinct source names in registration order.
func (r *Registry) Sources() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.extractors {
		if !seen[e.Source()] {
			seen[e.Source()] = true
			out = append(out, e.Source())
		}
	}
	return out
}

// buildResult turns parsed markup into an ExtractionResult.
func buildResult(site Site, capability model.Capability, p *Parsed, confidence float64, fetchedAt time.Time) *model.ExtractionResult {
	res := &model.ExtractionResult{
		Source:         site.Name,
		Capability:     capability,
		ConfidenceHint: confidence,
	}
	for _, u := range p.ImageURLs {
		res.ImageRefs = append(res.ImageRefs, model.ImageRef{URL: u, Source: site.Name, Confidence: confidence})
	}
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		res.Fields = append(res.Fields, model.SourceField{
			Key:        k,
			Value:      p.Fields[k],
			SourceName: site.Name,
			Confidence: confidence,
			FetchedAt:  fetchedAt,
		})
	}
	return res
}
