package extract

import (
	"context"
	"crypto/sha256"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/model"
	"github.com/sells-group/listing-evidence/internal/resilience"
)

// DefaultMaxFrames bounds a gallery capture when none is configured.
const DefaultMaxFrames = 60

// ScreenshotExtractor captures a gallery frame by frame when structured
// extraction is blocked but the page still renders.
type ScreenshotExtractor struct {
	site Site
	deps Deps
}

func (e *ScreenshotExtractor) Source() string               { return e.site.Name }
func (e *ScreenshotExtractor) Capability() model.Capability { return model.CapScreenshotCapture }
func (e *ScreenshotExtractor) Priority() int                { return e.site.Priority }

// Extract implements Extractor. Capture stops when a frame is byte-identical
// to the previous one, when the next button is gone, or at the frame limit.
func (e *ScreenshotExtractor) Extract(ctx context.Context, req Request) (*model.ExtractionResult, error) {
	sess, err := e.deps.Sessions.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close() //nolint:errcheck

	page, id, err := locateListing(ctx, sess, e.site, req.Target)
	if err != nil {
		return nil, err
	}
	// A challenge would otherwise be captured as gallery frames. Other error
	// statuses still get a capture attempt: the gallery may render anyway.
	if page.Status >= http.StatusBadRequest {
		if blocked, kind := DetectBlock(page.Status, nil, []byte(page.HTML)); blocked {
			return nil, challenge(e.site.Name, kind)
		}
	}

	maxFrames := e.deps.MaxFrames
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	conf := e.site.FieldConfidence
	res := &model.ExtractionResult{
		Source:         e.site.Name,
		Capability:     model.CapScreenshotCapture,
		ConfidenceHint: conf,
		DiscoveredID:   id,
	}

	var prev [sha256.Size]byte
	for i := range maxFrames {
		shot, err := sess.Screenshot(ctx, e.site.Selectors.GalleryFrame)
		if err != nil {
			if i == 0 {
				if blocked, kind := DetectBlock(page.Status, nil, []byte(page.HTML)); blocked {
					return nil, challenge(e.site.Name, kind)
				}
				if perr := checkPage(e.site.Name, page); perr != nil {
					return nil, perr
				}
				return nil, err
			}
			break
		}
		sum := sha256.Sum256(shot)
		if i > 0 && sum == prev {
			break
		}
		prev = sum
		res.ImageRefs = append(res.ImageRefs, model.ImageRef{Data: shot, Source: e.site.Name, Confidence: conf})

		if e.site.Selectors.NextButton == "" {
			break
		}
		if err := sess.Click(ctx, e.site.Selectors.NextButton); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			break
		}
	}

	// Fields are still worth having if the rendered page carries them.
	if parsed, err := e.site.Parse(page.HTML, page.URL); err == nil {
		full := buildResult(e.site, model.CapScreenshotCapture, parsed, conf, e.deps.now())
		res.Fields = full.Fields
	}

	if len(res.ImageRefs) == 0 {
		return nil, resilience.NewPermanentError(ErrNoData, 0)
	}
	zap.L().Debug("extract: gallery captured",
		zap.String("site", e.site.Name),
		zap.Int("frames", len(res.ImageRefs)),
	)
	return res, nil
}
