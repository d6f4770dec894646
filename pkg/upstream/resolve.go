package upstream

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/transport"
)

// Status is the outcome of a username resolution
type Status int

const (
	Unknown Status = iota
	Resolved
	Ambiguous
)

func (s Status) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case Ambiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Candidate is one of several users sharing a name
type Candidate struct {
	Identity
	Score int
	Label string
}

// Resolution is the tagged result of Resolve. Identity is set when Status is
// Resolved, Candidates when it is Ambiguous.
type Resolution struct {
	Query      string
	Status     Status
	Identity   Identity
	Candidates []Candidate
}

// Err converts a non-resolved outcome into its error form
func (r Resolution) Err() error {
	switch r.Status {
	case Resolved:
		return nil
	case Ambiguous:
		return &AmbiguousUserError{Username: r.Query, Candidates: r.Candidates}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownUser, r.Query)
	}
}

var suffixed = regexp.MustCompile(`^(.+)-(\d+)$`)

// Resolve maps a raw username to an upstream identity. "name-<id>" input is
// accepted only when <id> is listed under name and its record, if any, bears
// that name.
// Plain names are looked up in every locale; several matches are returned as
// Ambiguous candidates ordered by descending score.
func (c *Client) Resolve(raw string) (Resolution, error) {
	query := strings.TrimSpace(raw)
	res := Resolution{Query: query, Status: Unknown}
	if query == "" {
		return res, nil
	}

	if m := suffixed.FindStringSubmatch(query); m != nil {
		id, err := strconv.Atoi(m[2])
		if err == nil {
			return c.resolveSuffixed(res, m[1], id)
		}
	}

	matches, err := c.listByName(query)
	if err != nil {
		return res, err
	}

	switch len(matches) {
	case 0:
		return res, nil
	case 1:
		res.Status = Resolved
		res.Identity = matches[0]
		return res, nil
	}

	candidates := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		score := 0
		rec, found, err := c.Profile(m)
		if err != nil {
			return res, err
		}
		if found {
			score = int(rec.Score)
		}
		candidates = append(candidates, Candidate{Identity: m, Score: score, Label: m.Label()})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	res.Status = Ambiguous
	res.Candidates = candidates
	return res, nil
}

func (c *Client) resolveSuffixed(res Resolution, name string, id int) (Resolution, error) {
	rec, found, err := c.Profile(Identity{Username: name, ID: id})
	if err != nil {
		return res, err
	}
	// Users who never scored have no record; the name listing alone vouches for them
	if found && rec.Name != name {
		c.log.Debug("Suffixed username does not match record", "query", res.Query, "record_name", rec.Name)
		return res, nil
	}

	listed, err := c.listByName(name)
	if err != nil {
		return res, err
	}
	for _, l := range listed {
		if l.ID == id {
			res.Status = Resolved
			res.Identity = Identity{Username: name, ID: id}
			return res, nil
		}
	}
	return res, nil
}

// listByName queries the name listing of every locale. Results are appended
// in locale order; a user already seen under an earlier locale is kept once.
func (c *Client) listByName(name string) ([]Identity, error) {
	var out []Identity
	seen := make(map[int]bool)

	for _, locale := range c.locales {
		u := fmt.Sprintf("%s/auteurs?nom=%s&lang=%s", c.apiURL, url.QueryEscape(name), url.QueryEscape(locale))
		body, outcome, err := c.get(u)
		if err != nil {
			return nil, fmt.Errorf("listing users named %q (%s): %w", name, locale, err)
		}
		if outcome == transport.NotFound {
			continue
		}
		p, err := parsePage(body)
		if err != nil {
			return nil, fmt.Errorf("listing users named %q (%s): %w", name, locale, err)
		}

		for _, item := range p.items {
			var entry struct {
				ID   FlexInt `json:"id_auteur"`
				Name string  `json:"nom"`
			}
			if err := json.Unmarshal(item, &entry); err != nil {
				return nil, fmt.Errorf("decoding user entry: %w", err)
			}
			if CleanText(entry.Name) != name || seen[int(entry.ID)] {
				continue
			}
			seen[int(entry.ID)] = true
			out = append(out, Identity{Username: name, ID: int(entry.ID)})
		}
	}
	return out, nil
}
