// Package imaging converts downloaded images into the single canonical
// encoding stored by the content store.
package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"strconv"
	"strings"

	// Decoders registered with image.Decode.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-evidence/internal/resilience"
)

// DefaultMaxPixels bounds the decoded size of one image (width × height).
const DefaultMaxPixels = 50_000_000

// Options controls the canonical encoding.
type Options struct {
	Quality    int
	Background color.Color
	// MaxPixels rejects images whose declared dimensions exceed it, before
	// any pixel buffer is allocated. Zero means DefaultMaxPixels.
	MaxPixels int64
}

// DefaultOptions returns JPEG quality 90 on white.
func DefaultOptions() Options {
	return Options{Quality: 90, Background: color.White, MaxPixels: DefaultMaxPixels}
}

// Normalized is a canonically encoded image.
type Normalized struct {
	Data   []byte
	Width  int
	Height int
	// SourceFormat is the format name reported by the decoder (jpeg, png, gif, webp).
	SourceFormat string
	// Image is the composited image that was encoded, kept for fingerprinting.
	Image image.Image
}

// Normalize decodes data, flattens any transparency onto the background and
// re-encodes as baseline JPEG at the configured quality. The output depends
// only on the input bytes and options, so identical inputs always produce
// identical bytes. Undecodable input is a permanent error.
func Normalize(data []byte, opts Options) (*Normalized, error) {
	if len(data) == 0 {
		return nil, resilience.NewPermanentError(eris.New("imaging: empty input"), 0)
	}
	if opts.Quality < 1 || opts.Quality > 100 {
		opts.Quality = DefaultOptions().Quality
	}
	if opts.Background == nil {
		opts.Background = color.White
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "imaging: decode header"), 0)
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > opts.MaxPixels {
		return nil, resilience.NewPermanentError(
			eris.Errorf("imaging: %dx%d exceeds the %d pixel limit", cfg.Width, cfg.Height, opts.MaxPixels), 0)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "imaging: decode"), 0)
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, resilience.NewPermanentError(eris.New("imaging: zero-size image"), 0)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(opts.Background), image.Point{}, draw.Src)
	draw.Draw(canvas, canvas.Bounds(), src, b.Min, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: opts.Quality}); err != nil {
		return nil, eris.Wrap(err, "imaging: encode jpeg")
	}

	return &Normalized{
		Data:         buf.Bytes(),
		Width:        b.Dx(),
		Height:       b.Dy(),
		SourceFormat: format,
		Image:        canvas,
	}, nil
}

// Decode decodes an already stored artifact.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "imaging: decode"), 0)
	}
	return img, nil
}

// ParseHexColor parses "#RRGGBB", "RRGGBB" or "#RGB" into an opaque color.
func ParseHexColor(s string) (color.Color, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return nil, eris.Errorf("imaging: invalid color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return nil, eris.Wrapf(err, "imaging: invalid color %q", s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
