package upstream

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/transport"
)

// DefaultRank is reported for users whose page shows no rank block, which the
// site omits for accounts without any recorded game.
const DefaultRank = "newbie"

// HTMLScraper extracts avatar and rank from the public profile pages
type HTMLScraper struct {
	client *Client
}

// NewHTMLScraper creates an HTMLScraper
func NewHTMLScraper(client *Client) *HTMLScraper {
	return &HTMLScraper{client: client}
}

// absolute resolves ref against the site root
func (c *Client) absolute(ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", ref, err)
	}
	return c.siteURL.ResolveReference(u).String(), nil
}

// profilePage fetches the profile page of id with an optional query string,
// trying "name-id", then the hyphenated name, then the site search.
func (s *HTMLScraper) profilePage(id Identity, query string) (*html.Node, error) {
	site := s.client.SiteURL()
	paths := []string{
		site + url.PathEscape(id.Label()) + query,
		site + url.PathEscape(strings.ReplaceAll(id.Username, " ", "-")) + query,
	}
	for _, p := range paths {
		doc, err := s.fetch(p)
		if err != nil || doc != nil {
			return doc, err
		}
	}

	href, err := s.search(id)
	if err != nil {
		return nil, err
	}
	target, err := s.client.absolute(href)
	if err != nil {
		return nil, err
	}
	if u, err := url.Parse(target); err == nil && query != "" {
		u.RawQuery = strings.TrimPrefix(query, "?")
		target = u.String()
	}
	doc, err := s.fetch(target)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", ErrProfilePageNotFound, id.Label())
	}
	return doc, nil
}

// fetch returns a nil document on NotFound
func (s *HTMLScraper) fetch(rawURL string) (*html.Node, error) {
	body, outcome, err := s.client.get(rawURL)
	if err != nil {
		return nil, err
	}
	if outcome == transport.NotFound {
		return nil, nil
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", rawURL, err)
	}
	return doc, nil
}

// search looks the user up with the site search and returns the first result
// link pointing at "<something>-<id>".
func (s *HTMLScraper) search(id Identity) (string, error) {
	q := url.Values{"page": {"recherche"}, "recherche": {id.Username}}
	doc, err := s.fetch(s.client.SiteURL() + "?" + q.Encode())
	if err != nil {
		return "", err
	}
	if doc == nil {
		return "", fmt.Errorf("%w: %s", ErrProfilePageNotFound, id.Label())
	}

	suffix := fmt.Sprintf("-%d", id.ID)
	for _, a := range findAll(doc, func(n *html.Node) bool { return n.DataAtom == atom.A && hasAttr(n, "href") }) {
		href := getAttr(a, "href")
		u, err := url.Parse(href)
		if err != nil {
			continue
		}
		if strings.HasSuffix(strings.TrimRight(u.Path, "/"), suffix) {
			return href, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrProfilePageNotFound, id.Label())
}

// AvatarURL implements DetailsSource using <h1><img itemprop="image"></h1>
func (s *HTMLScraper) AvatarURL(id Identity) (string, error) {
	doc, err := s.profilePage(id, "")
	if err != nil {
		return "", err
	}

	for _, h1 := range findAll(doc, byTag(atom.H1)) {
		for c := h1.FirstChild; c != nil; c = c.NextSibling {
			if c.DataAtom == atom.Img && getAttr(c, "itemprop") == "image" && getAttr(c, "src") != "" {
				return s.client.absolute(getAttr(c, "src"))
			}
		}
	}
	return "", fmt.Errorf("%w: no avatar on profile page of %s", ErrAvatarNotFound, id.Label())
}

// RankTitle implements DetailsSource using the score tab. The title sits in
// the last "small-12 medium-4 columns" cell of the "row text-center" block.
func (s *HTMLScraper) RankTitle(id Identity) (string, error) {
	doc, err := s.profilePage(id, "?inc=score")
	if err != nil {
		return "", err
	}

	var cells []*html.Node
	for _, row := range findAll(doc, byClassAttr(atom.Div, "row text-center")) {
		for c := row.FirstChild; c != nil; c = c.NextSibling {
			if matches(c, atom.Div, "small-12 medium-4 columns") {
				cells = append(cells, c)
			}
		}
	}
	if len(cells) == 0 {
		return DefaultRank, nil
	}

	last := cells[len(cells)-1]
	for c := last.FirstChild; c != nil; c = c.NextSibling {
		if matches(c, atom.Span, "color1 txxl") {
			if title := CleanText(collectText(c)); title != "" {
				return title, nil
			}
		}
	}
	return DefaultRank, nil
}

func byTag(tag atom.Atom) func(*html.Node) bool {
	return func(n *html.Node) bool { return n.DataAtom == tag }
}

func byClassAttr(tag atom.Atom, class string) func(*html.Node) bool {
	return func(n *html.Node) bool { return matches(n, tag, class) }
}

// matches compares the class attribute as a whole, like an XPath @class test
func matches(n *html.Node, tag atom.Atom, class string) bool {
	return n.Type == html.ElementNode && n.DataAtom == tag &&
		strings.Join(strings.Fields(getAttr(n, "class")), " ") == class
}

func findAll(root *html.Node, keep func(*html.Node) bool) []*html.Node {
	var results []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && keep(n) {
			results = append(results, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return results
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return true
		}
	}
	return false
}

func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
