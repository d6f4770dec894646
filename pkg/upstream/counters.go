package upstream

import (
	"fmt"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/transport"
)

// EstimatorConfig tunes the aggregate counter estimation. The bisection
// thresholds were tuned against upstream pagination quirks and are meant to
// be adjusted, not relied upon.
type EstimatorConfig struct {
	Step             int // listing page size
	ConvergenceWidth int // bisection stops once hi-lo drops below this
	InitialUpper     int // first upper bound probed when searching the user boundary
	MaxUpper         int // the upper bound never grows past this offset
	MaxScanPages     int // linear scans give up after this many pages
}

func (c *EstimatorConfig) defaults() {
	if c.Step <= 0 {
		c.Step = 50
	}
	if c.ConvergenceWidth < 2 {
		c.ConvergenceWidth = 2
	}
	if c.InitialUpper <= 0 {
		c.InitialUpper = c.Step * 1024
	}
	if c.MaxUpper <= 0 {
		c.MaxUpper = 1 << 30
	}
	if c.MaxScanPages <= 0 {
		c.MaxScanPages = 100000
	}
}

func (c *Client) listPage(resource string, offset int) (page, error) {
	u := fmt.Sprintf("%s/%s?debut_%s=%d", c.apiURL, resource, resource, offset)
	body, outcome, err := c.get(u)
	if err != nil {
		return page{}, fmt.Errorf("listing %s at %d: %w", resource, offset, err)
	}
	if outcome == transport.NotFound {
		return page{}, nil
	}
	p, err := parsePage(body)
	if err != nil {
		return page{}, fmt.Errorf("listing %s at %d: %w", resource, offset, err)
	}
	return p, nil
}

// EstimateChallengeCount walks the challenge listing page by page until the
// last page and returns its offset plus its size.
func (c *Client) EstimateChallengeCount() (int, error) {
	offset := 0
	for pages := 0; pages < c.est.MaxScanPages; pages++ {
		p, err := c.listPage("challenges", offset)
		if err != nil {
			return 0, err
		}
		if p.size() == 0 || p.last() {
			c.log.Debug("Counted challenges", "pages", pages+1, "count", offset+p.size())
			return offset + p.size(), nil
		}
		offset += c.est.Step
	}
	return 0, fmt.Errorf("challenge listing still paginating after %d pages", c.est.MaxScanPages)
}

// prober memoises page sizes of one listing for the duration of a search
type prober struct {
	client   *Client
	resource string
	sizes    map[int]int
	probes   int
}

func (c *Client) newProber(resource string) *prober {
	return &prober{client: c, resource: resource, sizes: make(map[int]int)}
}

func (p *prober) size(offset int) (int, error) {
	if n, ok := p.sizes[offset]; ok {
		return n, nil
	}
	pg, err := p.client.listPage(p.resource, offset)
	if err != nil {
		return 0, err
	}
	p.probes++
	p.sizes[offset] = pg.size()
	return pg.size(), nil
}

// EstimateUserCount finds an offset past the end of the user listing by
// doubling, then bisects for the boundary.
func (c *Client) EstimateUserCount() (int, error) {
	probe := c.newProber("auteurs")

	first, err := probe.size(0)
	if err != nil {
		return 0, err
	}
	if first < c.est.Step {
		return first, nil
	}

	lo, hi := 0, c.est.InitialUpper
	for {
		n, err := probe.size(hi)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			break
		}
		if n < c.est.Step {
			return hi + n, nil
		}
		if hi >= c.est.MaxUpper {
			return 0, fmt.Errorf("user listing still full at offset %d", hi)
		}
		lo, hi = hi, hi*2
	}

	count, err := c.bisect(probe, lo, hi)
	if err != nil {
		return 0, err
	}
	c.log.Debug("Estimated users", "probes", probe.probes, "count", count)
	return count, nil
}

// EstimateUserCountIn bisects the user listing within [lo, hi). lo should be
// an offset whose page is full and hi one past the end of the listing.
func (c *Client) EstimateUserCountIn(lo, hi int) (int, error) {
	if lo < 0 || hi <= lo {
		return 0, fmt.Errorf("invalid search window [%d, %d)", lo, hi)
	}
	return c.bisect(c.newProber("auteurs"), lo, hi)
}

// bisect probes the midpoint and the offset just before it. Around the end of
// the listing consecutive offsets differ by exactly one item, which pins the
// boundary to mid plus the size of its page. Concurrent registrations can make
// the listing non-monotonic near the boundary, so once the window is narrower
// than ConvergenceWidth the last midpoint is accepted as an approximation.
func (c *Client) bisect(probe *prober, lo, hi int) (int, error) {
	mid, midSize := lo, -1
	for hi-lo >= c.est.ConvergenceWidth {
		mid = lo + (hi-lo)/2

		var err error
		midSize, err = probe.size(mid)
		if err != nil {
			return 0, err
		}
		before, err := probe.size(mid - 1)
		if err != nil {
			return 0, err
		}

		if diff := before - midSize; diff == 1 || diff == -1 {
			return mid + midSize, nil
		}
		if midSize >= c.est.Step {
			lo = mid
		} else {
			hi = mid
		}
	}

	if midSize < 0 {
		n, err := probe.size(mid)
		if err != nil {
			return 0, err
		}
		midSize = n
	}
	c.log.Debug("User bisection did not converge, using last midpoint", "mid", mid, "lo", lo, "hi", hi)
	return mid + midSize, nil
}
