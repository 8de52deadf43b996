package browser

import "sync"

// DefaultUserAgents is used when no user agents are configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Firefox/128.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
}

// Identity is the client identity presented by one session.
type Identity struct {
	UserAgent string
	// Proxy is empty for a direct connection.
	Proxy string
}

// Rotator hands out a different identity to each new session, cycling
// through the configured user agents and proxies.
type Rotator struct {
	mu         sync.Mutex
	userAgents []string
	proxies    []string
	uaIndex    int
	proxyIndex int
}

// NewRotator creates a Rotator. An empty user agent list uses DefaultUserAgents.
func NewRotator(userAgents, proxies []string) *Rotator {
	if len(userAgents) == 0 {
		userAgents = DefaultUserAgents
	}
	return &Rotator{
		userAgents: append([]string(nil), userAgents...),
		proxies:    append([]string(nil), proxies...),
	}
}

// Next returns the next identity in rotation.
func (r *Rotator) Next() Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := Identity{UserAgent: r.userAgents[r.uaIndex]}
	r.uaIndex = (r.uaIndex + 1) % len(r.userAgents)
	if len(r.proxies) > 0 {
		id.Proxy = r.proxies[r.proxyIndex]
		r.proxyIndex = (r.proxyIndex + 1) % len(r.proxies)
	}
	return id
}
