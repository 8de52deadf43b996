// Package browser provides isolated, paced browser sessions used by the
// navigation and screenshot extraction steps. Every session owns its own
// browser process; sessions are never shared between targets.
package browser

import "context"

// Page is the result of a navigation.
type Page struct {
	URL    string
	Status int
	HTML   string
}

// Session is one isolated browsing session.
type Session interface {
	// Navigate loads url and returns the rendered document. A document
	// status of 400 or above is reported in Page.Status, not as an error.
	Navigate(ctx context.Context, url string) (*Page, error)
	// HTML returns the current rendered document.
	HTML(ctx context.Context) (string, error)
	// Click clicks the first element matching the CSS selector.
	Click(ctx context.Context, selector string) error
	// Screenshot captures the element matching selector as PNG, or the
	// viewport when selector is empty.
	Screenshot(ctx context.Context, selector string) ([]byte, error)
	// Close releases the session's browser.
	Close() error
}

// Opener creates sessions.
type Opener interface {
	Open(ctx context.Context) (Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Session, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context) (Session, error) { return f(ctx) }
