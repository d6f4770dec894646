package upstream

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// page is one response of a paginated listing: a JSON array whose first
// element holds the items (an index-keyed object or an array) followed by
// {"rel": ..., "href": ...} relation links.
type page struct {
	items []json.RawMessage
	rels  []string
}

func parsePage(body []byte) (page, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(body, &elems); err != nil {
		return page{}, fmt.Errorf("decoding page: %w", err)
	}

	var p page
	for _, elem := range elems {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(elem, &obj); err != nil {
			var arr []json.RawMessage
			if err := json.Unmarshal(elem, &arr); err != nil {
				return page{}, fmt.Errorf("decoding page element: %w", err)
			}
			p.items = append(p.items, arr...)
			continue
		}

		if rawRel, ok := obj["rel"]; ok {
			var rel string
			if err := json.Unmarshal(rawRel, &rel); err != nil {
				return page{}, fmt.Errorf("decoding relation: %w", err)
			}
			p.rels = append(p.rels, rel)
			continue
		}

		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			a, aerr := strconv.Atoi(keys[i])
			b, berr := strconv.Atoi(keys[j])
			if aerr == nil && berr == nil {
				return a < b
			}
			return keys[i] < keys[j]
		})
		for _, k := range keys {
			p.items = append(p.items, obj[k])
		}
	}
	return p, nil
}

func (p page) size() int {
	return len(p.items)
}

func (p page) lastRel() string {
	if len(p.rels) == 0 {
		return ""
	}
	return p.rels[len(p.rels)-1]
}

func (p page) hasRel(rel string) bool {
	for _, r := range p.rels {
		if r == rel {
			return true
		}
	}
	return false
}

// last reports whether no further page follows. The API marks the last page
// with a trailing "previous" relation; a lone page carries no relation.
func (p page) last() bool {
	return p.lastRel() == "previous" || !p.hasRel("next")
}
