package extract

import (
	"net/url"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// DefaultFieldConfidence applies when a site does not declare one.
const DefaultFieldConfidence = 0.9

// Selectors locate evidence in a site's markup.
type Selectors struct {
	Image        string `yaml:"image"`
	ImageAttr    string `yaml:"image_attr"`
	ResultLink   string `yaml:"result_link"`
	NextButton   string `yaml:"next_button"`
	GalleryFrame string `yaml:"gallery_frame"`
	// Fields maps an attribute key to a CSS selector. A trailing "@attr"
	// reads that attribute instead of the element text.
	Fields map[string]string `yaml:"fields"`
}

// Site describes one origin listing site. Sites are data: adding one never
// changes the extraction logic.
type Site struct {
	Name            string    `yaml:"name"`
	Domain          string    `yaml:"domain"`
	Priority        int       `yaml:"priority"`
	GalleryURL      string    `yaml:"gallery_url"`
	SearchURL       string    `yaml:"search_url"`
	IDPattern       string    `yaml:"id_pattern"`
	FieldConfidence float64   `yaml:"field_confidence"`
	Selectors       Selectors `yaml:"selectors"`

	idRe *regexp.Regexp
}

type sitesFile struct {
	Sites []Site `yaml:"sites"`
}

// LoadSites reads site definitions from a YAML file, sorted by priority.
func LoadSites(path string) ([]Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: read sites %s", path)
	}
	return ParseSites(data)
}

// ParseSites parses and validates site definitions.
func ParseSites(data []byte) ([]Site, error) {
	var f sitesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "extract: parse sites")
	}
	seen := make(map[string]bool, len(f.Sites))
	for i := range f.Sites {
		if err := f.Sites[i].Init(); err != nil {
			return nil, err
		}
		if seen[f.Sites[i].Name] {
			return nil, eris.Errorf("extract: duplicate site %q", f.Sites[i].Name)
		}
		seen[f.Sites[i].Name] = true
	}
	sort.SliceStable(f.Sites, func(i, j int) bool { return f.Sites[i].Priority < f.Sites[j].Priority })
	return f.Sites, nil
}

// Init validates the definition and compiles its id pattern.
func (s *Site) Init() error {
	if s.Name == "" || s.Domain == "" {
		return eris.New("extract: site requires name and domain")
	}
	if s.GalleryURL != "" && !strings.Contains(s.GalleryURL, "{id}") {
		return eris.Errorf("extract: site %s: gallery_url must contain {id}", s.Name)
	}
	if s.SearchURL != "" && !strings.Contains(s.SearchURL, "{query}") {
		return eris.Errorf("extract: site %s: search_url must contain {query}", s.Name)
	}
	if s.IDPattern != "" {
		re, err := regexp.Compile(s.IDPattern)
		if err != nil {
			return eris.Wrapf(err, "extract: site %s: id_pattern", s.Name)
		}
		if re.NumSubexp() < 1 {
			return eris.Errorf("extract: site %s: id_pattern needs a capture group", s.Name)
		}
		s.idRe = re
	}
	if s.FieldConfidence <= 0 || s.FieldConfidence > 1 {
		s.FieldConfidence = DefaultFieldConfidence
	}
	if s.Selectors.ImageAttr == "" {
		s.Selectors.ImageAttr = "src"
	}
	return nil
}

// Gallery returns the gallery URL for a stable id.
func (s *Site) Gallery(id string) string {
	if s.GalleryURL == "" || id == "" {
		return ""
	}
	return strings.ReplaceAll(s.GalleryURL, "{id}", url.PathEscape(id))
}

// Search returns the site search URL for a free-text query.
func (s *Site) Search(query string) string {
	if s.SearchURL == "" {
		return ""
	}
	return strings.ReplaceAll(s.SearchURL, "{query}", url.QueryEscape(query))
}

// MatchID extracts the stable listing id from a URL.
func (s *Site) MatchID(rawURL string) (string, bool) {
	if s.idRe == nil {
		return "", false
	}
	m := s.idRe.FindStringSubmatch(rawURL)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return m[1], true
}

// Parsed is what a site's selectors found in one document.
type Parsed struct {
	ImageURLs   []string
	ResultLinks []string
	Fields      map[string]any
}

// Parse applies the site's selectors to html. Relative URLs are resolved
// against base.
func (s *Site) Parse(html, base string) (*Parsed, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, eris.Wrap(err, "extract: parse html")
	}
	baseURL, _ := url.Parse(base)

	out := &Parsed{Fields: make(map[string]any)}
	seen := make(map[string]bool)

	if sel := s.Selectors.Image; sel != "" {
		doc.Find(sel).Each(func(_ int, n *goquery.Selection) {
			raw, ok := n.Attr(s.Selectors.ImageAttr)
			if !ok || raw == "" {
				raw, _ = n.Attr("src")
			}
			if u := resolve(baseURL, firstSrcset(raw)); u != "" && !seen[u] {
				seen[u] = true
				out.ImageURLs = append(out.ImageURLs, u)
			}
		})
	}

	if sel := s.Selectors.ResultLink; sel != "" {
		doc.Find(sel).Each(func(_ int, n *goquery.Selection) {
			if href, ok := n.Attr("href"); ok {
				if u := resolve(baseURL, href); u != "" {
					out.ResultLinks = append(out.ResultLinks, u)
				}
			}
		})
	}

	for key, selector := range s.Selectors.Fields {
		sel, attr, _ := strings.Cut(selector, "@")
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		var text string
		if attr != "" {
			text, _ = node.Attr(attr)
		} else {
			text = node.Text()
		}
		if v, ok := parseValue(text); ok {
			out.Fields[key] = v
		}
	}
	return out, nil
}

// firstSrcset returns the first candidate URL of a srcset-style value.
func firstSrcset(v string) string {
	v = strings.TrimSpace(v)
	if first, _, ok := strings.Cut(v, ","); ok {
		v = first
	}
	if u, _, ok := strings.Cut(strings.TrimSpace(v), " "); ok {
		return u
	}
	return v
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "javascript:") {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

var numberish = regexp.MustCompile(`^[$€£]?\s*(-?[\d,]*\.?\d+)\s*(?:sq\.?\s*ft\.?|sqft|beds?|baths?|ba|bd)?$`)

// parseValue turns element text into a number when it looks like one
// ("$1,250,000", "3 beds", "2.5") and a trimmed string otherwise.
func parseValue(text string) (any, bool) {
	t := strings.Join(strings.Fields(text), " ")
	if t == "" {
		return nil, false
	}
	if m := numberish.FindStringSubmatch(strings.ToLower(t)); m != nil {
		digits := strings.ReplaceAll(m[1], ",", "")
		if i, err := strconv.ParseInt(digits, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(digits, 64); err == nil {
			return f, true
		}
	}
	return t, true
}
