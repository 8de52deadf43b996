package browser

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/resilience"
)

// Options configures the Chrome factory.
type Options struct {
	Headless   bool
	ExecPath   string
	NavTimeout time.Duration
	UserAgents []string
	Proxies    []string
	MinDelay   time.Duration
	MaxDelay   time.Duration
}

// Factory opens one fresh Chrome process per session.
type Factory struct {
	opts    Options
	rotator *Rotator
	pacer   *Pacer
}

// NewFactory creates a Factory.
func NewFactory(opts Options) *Factory {
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 45 * time.Second
	}
	return &Factory{
		opts:    opts,
		rotator: NewRotator(opts.UserAgents, opts.Proxies),
		pacer:   NewPacer(opts.MinDelay, opts.MaxDelay),
	}
}

// Open starts an isolated browser with the next rotated identity. The
// browser lives until Close or until ctx is done.
func (f *Factory) Open(ctx context.Context) (Session, error) {
	id := f.rotator.Next()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 900),
		chromedp.UserAgent(id.UserAgent),
	)
	if f.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.opts.ExecPath))
	}
	if id.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(id.Proxy))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &ChromeSession{
		ctx:        browserCtx,
		cancel:     func() { browserCancel(); allocCancel() },
		navTimeout: f.opts.NavTimeout,
		pacer:      f.pacer,
	}

	chromedp.ListenTarget(browserCtx, func(ev any) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument {
			s.docStatus.CompareAndSwap(0, e.Response.Status)
		}
	})

	err := chromedp.Run(browserCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": "en-US,en;q=0.9"}),
	)
	if err != nil {
		s.cancel()
		return nil, resilience.NewTransientError(eris.Wrap(err, "browser: start session"), 0)
	}

	zap.L().Debug("browser: session opened",
		zap.String("user_agent", id.UserAgent),
		zap.Bool("proxy", id.Proxy != ""),
	)
	return s, nil
}

// ChromeSession is a Session backed by a dedicated Chrome process.
type ChromeSession struct {
	ctx        context.Context
	cancel     context.CancelFunc
	navTimeout time.Duration
	pacer      *Pacer
	docStatus  atomic.Int64
}

// run executes actions under the navigation timeout, also stopping if the
// caller's ctx is done.
func (s *ChromeSession) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	rctx, cancel := context.WithTimeout(s.ctx, s.navTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(rctx, actions...)
	if err == nil {
		return nil
	}
	if errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return resilience.NewTransientError(eris.Wrapf(err, "browser: %s timed out after %s", op, s.navTimeout), 0)
	}
	if ctx.Err() != nil {
		return eris.Wrapf(ctx.Err(), "browser: %s", op)
	}
	return resilience.NewTransientError(eris.Wrapf(err, "browser: %s", op), 0)
}

// Navigate implements Session.
func (s *ChromeSession) Navigate(ctx context.Context, url string) (*Page, error) {
	if err := s.pacer.Pause(ctx); err != nil {
		return nil, eris.Wrap(err, "browser: pause")
	}
	s.docStatus.Store(0)

	var html, final string
	err := s.run(ctx, "navigate",
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&final),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, err
	}

	// Error statuses are returned with the page: challenge pages arrive as
	// 403 and callers classify them from the rendered body.
	status := int(s.docStatus.Load())
	if status == 0 {
		status = 200
	}
	return &Page{URL: final, Status: status, HTML: html}, nil
}

// HTML implements Session.
func (s *ChromeSession) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, "read html", chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Click implements Session.
func (s *ChromeSession) Click(ctx context.Context, selector string) error {
	if err := s.pacer.Pause(ctx); err != nil {
		return eris.Wrap(err, "browser: pause")
	}
	return s.run(ctx, "click "+selector,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

// Screenshot implements Session.
func (s *ChromeSession) Screenshot(ctx context.Context, selector string) ([]byte, error) {
	var buf []byte
	var action chromedp.Action
	if selector == "" {
		action = chromedp.CaptureScreenshot(&buf)
	} else {
		action = chromedp.Screenshot(selector, &buf, chromedp.ByQuery, chromedp.NodeVisible)
	}
	if err := s.run(ctx, "screenshot", action); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close implements Session.
func (s *ChromeSession) Close() error {
	s.cancel()
	return nil
}
