package extract

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/sells-group/listing-evidence/internal/resilience"
)

// BlockType describes the kind of anti-automation block detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
	BlockAccess     BlockType = "access_denied"
)

// DetectBlock checks a response for signs of anti-bot protection. header
// may be nil when the document came from a browser session.
func DetectBlock(status int, header http.Header, body []byte) (bool, BlockType) {
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		if header.Get("cf-ray") != "" || header.Get("cf-cache-status") != "" || header.Get("server") == "cloudflare" {
			return true, BlockCloudflare
		}
	}

	lower := strings.ToLower(string(body))

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge") {
		return true, BlockCloudflare
	}

	if strings.Contains(lower, "px-captcha") ||
		strings.Contains(lower, "are you a robot") ||
		strings.Contains(lower, "press & hold") ||
		strings.Contains(lower, "g-recaptcha") ||
		strings.Contains(lower, "h-captcha") {
		return true, BlockCaptcha
	}

	if status == http.StatusForbidden && strings.Contains(lower, "access denied") {
		return true, BlockAccess
	}

	// JS-only shell: very small body with noscript or meta refresh.
	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return true, BlockJSShell
		}
		if strings.Contains(lower, `meta http-equiv="refresh"`) {
			return true, BlockJSShell
		}
	}

	return false, BlockNone
}

// ChallengeError reports an anti-automation challenge. It is transient: the
// same step may pass on a retry with a fresh identity.
type ChallengeError struct {
	Site string
	Kind BlockType
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("extract: %s: anti-automation challenge (%s)", e.Site, e.Kind)
}

// challenge wraps a ChallengeError as a transient error.
func challenge(site string, kind BlockType) error {
	return resilience.NewTransientError(&ChallengeError{Site: site, Kind: kind}, 0)
}
